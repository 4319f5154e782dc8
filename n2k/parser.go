package n2k

import (
	"fmt"

	"github.com/seabus/canstack/canbus"
)

// MessageParser decodes and encodes whole PGN payloads against a compiled
// registry. It is stateless; any number of goroutines may share one instance.
type MessageParser struct {
	registry *Registry
}

func NewMessageParser(registry *Registry) *MessageParser {
	return &MessageParser{registry: registry}
}

func (p *MessageParser) Registry() *Registry {
	return p.registry
}

// Decode turns a payload into an envelope. Unknown PGNs return (nil, nil) so
// the caller can classify them as unsupported. Fields that extend past the
// payload stop the walk: senders on real networks truncate trailing fields.
func (p *MessageParser) Decode(pgn uint32, payload []byte) (*Envelope, error) {
	message := p.registry.Message(pgn)
	if message == nil {
		return nil, nil
	}

	envelope := NewEnvelope(pgn)
	payloadBits := len(payload) << 3

	for i := range message.Fields {
		field := &message.Fields[i]
		if field.BitOffset+field.BitLength > payloadBits {
			break
		}
		if err := packField(field, payload, envelope); err != nil {
			return nil, err
		}
	}

	return envelope, nil
}

// Encode builds a payload from an envelope. The payload starts as all 0xFF,
// the N2K "unavailable" sentinel, so absent fields read back as unavailable.
// Unknown PGNs return (nil, nil).
func (p *MessageParser) Encode(pgn uint32, envelope *Envelope) ([]byte, error) {
	message := p.registry.Message(pgn)
	if message == nil {
		return nil, nil
	}
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", canbus.ErrInvalidArgument)
	}
	if envelope.Decoded == nil {
		return nil, fmt.Errorf("%w: envelope has no decoded object", canbus.ErrInvalidArgument)
	}

	lengthBytes, err := computePayloadLengthBytes(message, envelope)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, lengthBytes)
	for i := range payload {
		payload[i] = 0xFF
	}

	for i := range message.Fields {
		if err := unpackField(&message.Fields[i], payload, envelope); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// computePayloadLengthBytes sizes the buffer from the minimum length and the
// furthest-ending field that will actually be written. FIXED messages pad to
// their declared size and reject envelopes that need more.
func computePayloadLengthBytes(message *CompiledMessage, envelope *Envelope) (int, error) {
	requiredBits := message.MinimumLengthBytes << 3

	for i := range message.Fields {
		field := &message.Fields[i]
		if !shouldWriteField(field, envelope) {
			continue
		}
		endBit := field.BitOffset + field.BitLength
		if endBit > requiredBits {
			requiredBits = endBit
		}
	}

	requiredBytes := (requiredBits + 7) >> 3

	if message.LengthType == LengthFixed {
		if message.FixedLengthBytes == nil {
			return 0, fmt.Errorf("%w: FIXED length type without length bytes for pgn %d", canbus.ErrIllegalState, message.PGN)
		}
		if requiredBytes > *message.FixedLengthBytes {
			return 0, fmt.Errorf("%w: pgn %d requires %d bytes but fixed length is %d",
				canbus.ErrInvalidArgument, message.PGN, requiredBytes, *message.FixedLengthBytes)
		}
		return *message.FixedLengthBytes, nil
	}

	return requiredBytes, nil
}

func shouldWriteField(field *CompiledField, envelope *Envelope) bool {
	if field.Reserved {
		return true
	}
	if field.Id == "" {
		return false
	}
	if field.Type == FieldStringFix {
		return envelope.Has(field.Id+"Raw") || envelope.Has(field.Id)
	}
	return envelope.Has(field.Id)
}
