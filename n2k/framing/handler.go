package framing

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/seabus/canstack/j1939"
	"github.com/seabus/canstack/n2k"
)

// UnknownReason classifies frames the handler could not turn into a decoded
// message.
type UnknownReason string

const (
	ReasonNotExtendedFrame  UnknownReason = "NOT_EXTENDED_FRAME"
	ReasonInvalidIdentifier UnknownReason = "INVALID_IDENTIFIER"
	ReasonInvalidFrame      UnknownReason = "INVALID_FRAME"
	ReasonUnsupportedPgn    UnknownReason = "UNSUPPORTED_PGN"
	ReasonDecodeFailed      UnknownReason = "DECODE_FAILED"
)

// Message is either a KnownMessage or an UnknownMessage.
type Message interface {
	message()
}

// KnownMessage is a fully decoded frame or fast-packet sequence.
type KnownMessage struct {
	CanId         j1939.CanId
	RawIdentifier uint32
	Payload       []byte
	Decoded       *n2k.Envelope
}

func (KnownMessage) message() {}

// UnknownMessage surfaces undecodable traffic inline instead of as an error;
// receive loops keep running through it.
type UnknownMessage struct {
	Reason        UnknownReason
	CanId         *j1939.CanId
	RawIdentifier uint32
	DLC           int
	Payload       []byte
	Detail        string
}

func (UnknownMessage) message() {}

// FrameHandler is the receive-side entry point: it classifies each incoming
// frame, routes fast-packet traffic through the assembler, and decodes
// completed payloads. One handler serves one logical receive stream.
type FrameHandler struct {
	parser    *n2k.MessageParser
	assembler *FastPacketAssembler
	log       *logrus.Logger
}

// NewFrameHandler builds a handler over parser. A nil logger discards.
func NewFrameHandler(parser *n2k.MessageParser, log *logrus.Logger) *FrameHandler {
	return NewFrameHandlerWithAssembler(parser, NewFastPacketAssembler(0), log)
}

func NewFrameHandlerWithAssembler(parser *n2k.MessageParser, assembler *FastPacketAssembler, log *logrus.Logger) *FrameHandler {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &FrameHandler{parser: parser, assembler: assembler, log: log}
}

// OnFrame processes one incoming frame. It returns nil while a fast-packet
// sequence is still accumulating (and for empty frames), otherwise a
// KnownMessage or UnknownMessage.
func (h *FrameHandler) OnFrame(rawIdentifier uint32, extended bool, dlc int, data []byte) Message {
	if data == nil || dlc <= 0 {
		return nil
	}
	if dlc > 8 {
		return UnknownMessage{
			Reason:        ReasonInvalidFrame,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       copyBytes(data),
			Detail:        "DLC > 8 for classic CAN/N2K",
		}
	}
	if len(data) < dlc {
		return UnknownMessage{
			Reason:        ReasonInvalidFrame,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       copyBytes(data),
			Detail:        "data length < DLC",
		}
	}

	if !extended {
		return UnknownMessage{
			Reason:        ReasonNotExtendedFrame,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       copyBytes(data[:dlc]),
			Detail:        "11-bit CAN frame (not N2K/J1939 extended frame)",
		}
	}

	if rawIdentifier&0xE0000000 != 0 {
		return UnknownMessage{
			Reason:        ReasonInvalidIdentifier,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       copyBytes(data[:dlc]),
			Detail:        "CAN identifier out of 29-bit range",
		}
	}

	canId := j1939.Parse(rawIdentifier)

	payload := h.tryAssemblePayload(canId, dlc, data)
	if payload == nil {
		// waiting for more fast-packet frames
		return nil
	}

	pgn := canId.PGN

	if !h.parser.Registry().Contains(pgn) {
		h.log.Debugf("unsupported pgn %d from source %d", pgn, canId.Source)
		return UnknownMessage{
			Reason:        ReasonUnsupportedPgn,
			CanId:         &canId,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       payload,
			Detail:        fmt.Sprintf("PGN not supported by parser: %d", pgn),
		}
	}

	envelope, err := h.parser.Decode(pgn, payload)
	if err != nil {
		h.log.Warnf("decode failed for pgn %d: %v", pgn, err)
		return UnknownMessage{
			Reason:        ReasonDecodeFailed,
			CanId:         &canId,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       payload,
			Detail:        err.Error(),
		}
	}
	if envelope == nil {
		return UnknownMessage{
			Reason:        ReasonDecodeFailed,
			CanId:         &canId,
			RawIdentifier: rawIdentifier,
			DLC:           dlc,
			Payload:       payload,
			Detail:        fmt.Sprintf("parser returned no envelope for PGN %d", pgn),
		}
	}

	return KnownMessage{
		CanId:         canId,
		RawIdentifier: rawIdentifier,
		Payload:       payload,
		Decoded:       envelope,
	}
}

// tryAssemblePayload decides whether the frame belongs to a fast-packet
// sequence. A frame looks like a start when its index is 0 and byte 1 claims
// more than 8 bytes; PGNs declared FIXED at <= 8 bytes override the
// heuristic, since their first payload byte can collide with it. A nil
// return means the sequence is still accumulating.
func (h *FrameHandler) tryAssemblePayload(canId j1939.CanId, dlc int, data []byte) []byte {
	frameData := copyBytes(data[:dlc])
	if len(frameData) < 1 {
		return frameData
	}

	firstByte := frameData[0]
	frameIndex := firstByte & 0x1F
	sequenceId := (firstByte >> 5) & 0x07

	looksLikeStart := frameIndex == 0 && len(frameData) >= 2 && frameData[1] > 8
	if looksLikeStart {
		if compiled := h.parser.Registry().Message(canId.PGN); compiled != nil {
			if compiled.LengthType == n2k.LengthFixed &&
				compiled.FixedLengthBytes != nil && *compiled.FixedLengthBytes <= 8 {
				looksLikeStart = false
			}
		}
	}

	if looksLikeStart || h.assembler.HasInProgress(canId, sequenceId) {
		return h.assembler.Accept(canId, sequenceId, frameIndex, frameData)
	}

	return frameData
}

func copyBytes(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)
	return out
}
