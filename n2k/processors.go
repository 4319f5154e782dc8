package n2k

import (
	"fmt"
	"math"

	"github.com/seabus/canstack/canbus"
)

// Field processors, dispatched by field type. pack moves payload bits into
// the decoded object; unpack moves decoded values into the payload. The type
// set is closed, so a switch beats a processor registry.

func packField(field *CompiledField, payload []byte, envelope *Envelope) error {
	switch field.Type {
	case FieldNumber, FieldFloat:
		packNumeric(field, payload, envelope)
	case FieldLookup:
		packLookup(field, payload, envelope)
	case FieldStringFix:
		return packStringFix(field, payload, envelope)
	case FieldReserved:
		// no-op on decode
	}
	return nil
}

func unpackField(field *CompiledField, payload []byte, envelope *Envelope) error {
	switch field.Type {
	case FieldNumber, FieldFloat:
		return unpackNumeric(field, payload, envelope)
	case FieldLookup:
		unpackLookup(field, payload, envelope)
	case FieldStringFix:
		return unpackStringFix(field, payload, envelope)
	case FieldReserved:
		unpackReserved(field, payload)
	}
	return nil
}

func packNumeric(field *CompiledField, payload []byte, envelope *Envelope) {
	raw := extractBits(payload, field.StartByte, field.StartBit, field.BytesToRead, field.Mask, field.Signed, field.BitLength)
	envelope.Set(field.Id, float64(raw)*field.Resolution+field.Offset)
}

// unpackNumeric scales the envelope value back to a raw integer, rounding
// half away from zero, clamps to the field's raw range, and inserts it.
func unpackNumeric(field *CompiledField, payload []byte, envelope *Envelope) error {
	value, ok := envelope.Number(field.Id)
	if !ok {
		return nil
	}

	if field.Resolution == 0 {
		return fmt.Errorf("%w: zero resolution for numeric field %s", canbus.ErrIllegalState, field.Id)
	}

	unscaled := (value - field.Offset) / field.Resolution
	raw := int64(math.Round(unscaled))

	if raw < field.RawMin {
		raw = field.RawMin
	} else if raw > field.RawMax {
		raw = field.RawMax
	}

	if err := validateRawValue(field, raw); err != nil {
		return err
	}

	insertBits(payload, field.StartByte, field.StartBit, field.BytesToRead, field.Mask, raw)
	return nil
}

func validateRawValue(field *CompiledField, raw int64) error {
	if !field.Signed {
		if raw < 0 {
			return fmt.Errorf("%w: unsigned field %s cannot hold %d", canbus.ErrInvalidArgument, field.Id, raw)
		}
		if field.BitLength < 64 && uint64(raw) > field.Mask {
			return fmt.Errorf("%w: field %s out of range: %d max=%d", canbus.ErrInvalidArgument, field.Id, raw, field.Mask)
		}
		return nil
	}

	if field.BitLength > 0 && field.BitLength < 64 {
		min := -(int64(1) << (field.BitLength - 1))
		max := (int64(1) << (field.BitLength - 1)) - 1
		if raw < min || raw > max {
			return fmt.Errorf("%w: signed field %s out of range: %d allowed=%d..%d", canbus.ErrInvalidArgument, field.Id, raw, min, max)
		}
	}
	return nil
}

func packLookup(field *CompiledField, payload []byte, envelope *Envelope) {
	raw := extractBits(payload, field.StartByte, field.StartBit, field.BytesToRead, field.Mask, field.Signed, field.BitLength)
	envelope.Set(field.Id, int64(uint64(raw)&field.Mask))
}

// unpackLookup clamps the integer to the unsigned view of the field before
// inserting; lookups never fail on range.
func unpackLookup(field *CompiledField, payload []byte, envelope *Envelope) {
	raw, ok := envelope.Integer(field.Id)
	if !ok {
		return
	}

	if field.BitLength < 64 && raw > int64(field.Mask) {
		raw = int64(field.Mask)
	}
	if raw < 0 {
		raw = 0
	}

	insertBits(payload, field.StartByte, field.StartBit, field.BytesToRead, field.Mask, raw)
}

func packStringFix(field *CompiledField, payload []byte, envelope *Envelope) error {
	if field.StartBit != 0 {
		return fmt.Errorf("%w: STRING_FIX must be byte-aligned: %s startBit=%d", canbus.ErrUnsupported, field.Id, field.StartBit)
	}

	start := field.StartByte
	end := start + field.BytesToRead
	if end > len(payload) {
		end = len(payload)
	}
	if end <= start {
		envelope.Set(field.Id, "")
		return nil
	}

	envelope.Set(field.Id, trimRight(decodeLatin1(payload[start:end])))
	return nil
}

// unpackStringFix fills the region with space padding first, then overwrites
// from the start with the envelope's text when one is present.
func unpackStringFix(field *CompiledField, payload []byte, envelope *Envelope) error {
	if field.StartBit != 0 {
		return fmt.Errorf("%w: STRING_FIX must be byte-aligned: %s startBit=%d", canbus.ErrUnsupported, field.Id, field.StartBit)
	}

	start := field.StartByte
	end := start + field.BytesToRead
	if end > len(payload) {
		end = len(payload)
	}
	if end <= start {
		return nil
	}

	for i := start; i < end; i++ {
		payload[i] = 0x20
	}

	text, ok := envelope.String(field.Id)
	if !ok || text == "" {
		return nil
	}

	encoded := encodeLatin1(text)
	copy(payload[start:end], encoded)
	return nil
}

func unpackReserved(field *CompiledField, payload []byte) {
	// whole-byte regions take the fast path
	if field.StartBit == 0 && field.BitLength&7 == 0 {
		start := field.StartByte
		end := start + field.BitLength>>3
		if end > len(payload) {
			end = len(payload)
		}
		for i := start; i < end; i++ {
			payload[i] = 0xFF
		}
		return
	}

	// bit-aligned regions fill through insertBits in <=63-bit chunks
	bitsRemaining := field.BitLength
	bitOffset := field.BitOffset

	for bitsRemaining > 0 {
		chunkBits := bitsRemaining
		if chunkBits > 63 {
			chunkBits = 63
		}
		mask := (uint64(1) << chunkBits) - 1

		chunkStartByte := bitOffset >> 3
		chunkStartBit := bitOffset & 7
		bytesToWrite := (chunkStartBit + chunkBits + 7) >> 3

		insertBits(payload, chunkStartByte, chunkStartBit, bytesToWrite, mask, -1)

		bitOffset += chunkBits
		bitsRemaining -= chunkBits
	}
}

// decodeLatin1 maps each payload byte to the equivalent rune.
func decodeLatin1(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// encodeLatin1 maps runes back to single bytes, substituting '?' for
// anything outside ISO-8859-1.
func encodeLatin1(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0xFF {
			out = append(out, '?')
			continue
		}
		out = append(out, byte(r))
	}
	return out
}

func trimRight(text string) string {
	end := len(text)
	for end > 0 {
		c := text[end-1]
		if c != 0x00 && c != ' ' {
			break
		}
		end--
	}
	return text[:end]
}
