// Package canstack binds the dialect registry, codec, framing layer and a
// FrameIO device into one runnable stack.
package canstack

import (
	"fmt"

	"github.com/Masterminds/semver"
	"github.com/sirupsen/logrus"

	"github.com/seabus/canstack/canbus"
	"github.com/seabus/canstack/n2k"
	"github.com/seabus/canstack/n2k/framing"
	"github.com/seabus/canstack/n2k/schema"
)

// Stack owns one compiled registry and the parser, handler, packer and
// schema registry built over it, plus the device it reads and writes.
// The registry is compiled once during construction and shared read-only
// afterwards.
type Stack struct {
	config   *Config
	log      *logrus.Logger
	registry *n2k.Registry
	parser   *n2k.MessageParser
	handler  *framing.FrameHandler
	packer   *framing.FramePacker
	schemas  *schema.SchemaRegistry
	device   canbus.FrameIO
}

// NewStack parses and compiles the configured dialect, gates it against the
// configured version constraint, and wires the codec around the device.
func NewStack(config *Config, device canbus.FrameIO) (*Stack, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", canbus.ErrInvalidArgument)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: nil device", canbus.ErrInvalidArgument)
	}

	log := logrus.New()
	if config.LogLevel != "" {
		level, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: log level %q", canbus.ErrInvalidArgument, config.LogLevel)
		}
		log.SetLevel(level)
	}

	dialect, err := n2k.ParseDialectFile(config.DialectPath)
	if err != nil {
		return nil, err
	}

	if err := checkDialectVersion(dialect.Version, config.DialectConstraint); err != nil {
		return nil, err
	}

	registry, err := n2k.Compile(dialect.Messages)
	if err != nil {
		return nil, err
	}
	log.Infof("compiled dialect %s: %d PGNs", config.DialectPath, registry.Len())

	parser := n2k.NewMessageParser(registry)
	assembler := framing.NewFastPacketAssembler(config.Assembler.MaxInProgress)

	return &Stack{
		config:   config,
		log:      log,
		registry: registry,
		parser:   parser,
		handler:  framing.NewFrameHandlerWithAssembler(parser, assembler, log),
		packer:   framing.NewFramePacker(parser),
		schemas:  schema.NewSchemaRegistry(registry),
		device:   device,
	}, nil
}

// checkDialectVersion gates the dialect document against a semver
// constraint. Either side being absent disables the gate.
func checkDialectVersion(version, constraint string) error {
	if version == "" || constraint == "" {
		return nil
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: dialect version %q is not semver", canbus.ErrInvalidArgument, version)
	}
	limit, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%w: dialect constraint %q", canbus.ErrInvalidArgument, constraint)
	}
	if !limit.Check(parsed) {
		return fmt.Errorf("%w: dialect version %s does not satisfy %s", canbus.ErrInvalidArgument, version, constraint)
	}
	return nil
}

func (s *Stack) Registry() *n2k.Registry {
	return s.registry
}

func (s *Stack) Parser() *n2k.MessageParser {
	return s.parser
}

func (s *Stack) Schemas() *schema.SchemaRegistry {
	return s.schemas
}

// Send encodes the envelope and writes the resulting frame sequence to the
// device in frame-index order.
func (s *Stack) Send(pgn uint32, priority, source, destination uint8, envelope *n2k.Envelope) error {
	frames, err := s.packer.Pack(pgn, priority, source, destination, envelope)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if err := s.device.WriteFrame(frame); err != nil {
			return err
		}
	}
	s.log.Debugf("sent pgn %d in %d frame(s)", pgn, len(frames))
	return nil
}

// ReadMessage blocks until a complete message arrives: frames that only
// advance a fast-packet assembly are consumed silently.
func (s *Stack) ReadMessage() (framing.Message, error) {
	for {
		frame, err := s.device.ReadFrame()
		if err != nil {
			return nil, err
		}

		message := s.handler.OnFrame(frame.ID(), frame.Extended(), frame.DLC(), frame.Data())
		if message != nil {
			return message, nil
		}
	}
}

// Run reads messages until the device fails, handing each to handle. The
// device error that ended the loop is returned.
func (s *Stack) Run(handle func(framing.Message)) error {
	for {
		message, err := s.ReadMessage()
		if err != nil {
			s.log.Errorf("receive loop stopped: %v", err)
			return err
		}
		handle(message)
	}
}

// Close releases the device.
func (s *Stack) Close() error {
	return s.device.Close()
}
