package framing

import (
	"fmt"

	"github.com/seabus/canstack/canbus"
	"github.com/seabus/canstack/j1939"
	"github.com/seabus/canstack/n2k"
)

const (
	// maxFastPacketFrames is the 5-bit frame index ceiling: one start frame
	// plus up to 31 continuations, 6 + 31*7 = 223 payload bytes.
	maxFastPacketFrames = 32
	// MaxFastPacketPayload is the largest payload fast packet can carry.
	MaxFastPacketPayload = 223
)

// FramePacker encodes envelopes into CAN frames, splitting payloads larger
// than eight bytes into a fast-packet sequence. Stateless apart from the
// shared sequence counters.
type FramePacker struct {
	encoder   *n2k.MessageParser
	sequences *SequenceProvider
}

func NewFramePacker(encoder *n2k.MessageParser) *FramePacker {
	return NewFramePackerWithSequences(encoder, NewSequenceProvider())
}

func NewFramePackerWithSequences(encoder *n2k.MessageParser, sequences *SequenceProvider) *FramePacker {
	return &FramePacker{encoder: encoder, sequences: sequences}
}

// Pack encodes the envelope for pgn and wraps it in one or more extended
// frames addressed per the J1939 rules. Frames come back in strict ascending
// frame-index order; callers must keep that order down to the wire.
func (p *FramePacker) Pack(pgn uint32, priority, source, destination uint8, envelope *n2k.Envelope) ([]canbus.Frame, error) {
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", canbus.ErrInvalidArgument)
	}

	payload, err := p.encoder.Encode(pgn, envelope)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload encoder returned no payload for pgn %d", canbus.ErrIllegalState, pgn)
	}

	identifier, err := j1939.Build(pgn, priority, source, destination)
	if err != nil {
		return nil, err
	}

	if len(payload) <= canbus.MAX_CLASSIC_PAYLOAD {
		frame, err := canbus.NewFrame(identifier, true, len(payload), payload)
		if err != nil {
			return nil, err
		}
		return []canbus.Frame{frame}, nil
	}

	sequenceId := p.sequences.NextSequenceId(pgn, source, destination)
	return fastPacketFrames(identifier, sequenceId, payload)
}

// fastPacketFrames splits payload into DLC-8 frames: frame 0 carries the
// sequence header and total length plus the first six bytes, frames 1..31
// carry seven bytes each.
func fastPacketFrames(identifier uint32, sequenceId uint8, payload []byte) ([]canbus.Frame, error) {
	totalLength := len(payload)
	framesNeeded := 1 + (totalLength-6+6)/7
	if framesNeeded > maxFastPacketFrames {
		return nil, fmt.Errorf("%w: fast packet needs %d frames for %d bytes, limit is %d",
			canbus.ErrIllegalState, framesNeeded, totalLength, maxFastPacketFrames)
	}

	frames := make([]canbus.Frame, 0, framesNeeded)

	first := make([]byte, 8)
	first[0] = (sequenceId & 0x07) << 5
	first[1] = byte(totalLength)
	payloadIndex := copy(first[2:], payload)

	frame, err := canbus.NewFrame(identifier, true, 8, first)
	if err != nil {
		return nil, err
	}
	frames = append(frames, frame)

	frameIndex := 1
	for payloadIndex < totalLength {
		next := make([]byte, 8)
		next[0] = (sequenceId&0x07)<<5 | byte(frameIndex&0x1F)
		payloadIndex += copy(next[1:], payload[payloadIndex:])

		frame, err := canbus.NewFrame(identifier, true, 8, next)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		frameIndex++
	}

	return frames, nil
}
