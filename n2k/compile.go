package n2k

import (
	"fmt"
	"sort"

	"github.com/seabus/canstack/canbus"
)

// CompiledField is an immutable field with its bit-layout constants
// precomputed. Raw values are carried as int64; Mask holds the bitLength-wide
// mask (all ones for 64-bit fields).
type CompiledField struct {
	Id          string
	Name        string
	BitOffset   int
	BitLength   int
	StartByte   int
	StartBit    int
	BytesToRead int
	Mask        uint64
	Signed      bool
	Resolution  float64
	Offset      float64
	RangeMin    *float64
	RangeMax    *float64
	Unit        string
	Type        FieldType
	Reserved    bool
	RawMin      int64
	RawMax      int64

	// Definition keeps the dialect declaration for downstream introspection.
	Definition *FieldDefinition
}

// CompiledMessage is one PGN lowered into its fast-path form: only
// compile-time fixed fields survive, with STRING_LAU and REPEAT_MARKER
// dropped. Definitions retains the full dialect field list.
type CompiledMessage struct {
	PGN                uint32
	Id                 string
	Description        string
	LengthType         LengthType
	FixedLengthBytes   *int
	MinimumLengthBytes int
	Fields             []CompiledField
	Definitions        []FieldDefinition
}

// Registry is the immutable set of compiled messages, keyed by PGN. It is
// safe to share across goroutines once Compile returns.
type Registry struct {
	messages map[uint32]*CompiledMessage
	pgns     []uint32
}

// Message returns the compiled message for pgn, or nil when unknown.
func (r *Registry) Message(pgn uint32) *CompiledMessage {
	return r.messages[pgn]
}

// Contains reports whether the registry holds pgn.
func (r *Registry) Contains(pgn uint32) bool {
	_, ok := r.messages[pgn]
	return ok
}

// PGNs returns the registered PGNs, ascending.
func (r *Registry) PGNs() []uint32 {
	out := make([]uint32, len(r.pgns))
	copy(out, r.pgns)
	return out
}

// Len returns the number of compiled messages.
func (r *Registry) Len() int {
	return len(r.messages)
}

// Compile lowers dialect definitions into a Registry. FIXED messages whose
// declared length is absent or smaller than the minimum computed from their
// fields are rejected.
func Compile(definitions []MessageDefinition) (*Registry, error) {
	messages := make(map[uint32]*CompiledMessage, len(definitions))

	for i := range definitions {
		compiled, err := compileMessage(&definitions[i])
		if err != nil {
			return nil, err
		}
		messages[compiled.PGN] = compiled
	}

	pgns := make([]uint32, 0, len(messages))
	for pgn := range messages {
		pgns = append(pgns, pgn)
	}
	sort.Slice(pgns, func(i, j int) bool { return pgns[i] < pgns[j] })

	return &Registry{messages: messages, pgns: pgns}, nil
}

func isCompileTimeFixed(field *FieldDefinition) bool {
	return field.BitOffset != nil &&
		field.BitLength != nil &&
		field.Type != FieldStringLau &&
		field.Type != FieldRepeatMarker
}

func computeMinimumLengthBytes(definition *MessageDefinition) int {
	maxBitExclusive := 0
	for i := range definition.Fields {
		field := &definition.Fields[i]
		if !isCompileTimeFixed(field) {
			continue
		}
		endBit := *field.BitOffset + *field.BitLength
		if endBit > maxBitExclusive {
			maxBitExclusive = endBit
		}
	}
	return (maxBitExclusive + 7) >> 3
}

func compileMessage(definition *MessageDefinition) (*CompiledMessage, error) {
	var fields []CompiledField
	seen := make(map[string]struct{})

	for i := range definition.Fields {
		fieldDef := &definition.Fields[i]
		if !isCompileTimeFixed(fieldDef) {
			continue
		}

		reserved := fieldDef.Type == FieldReserved
		if !reserved {
			if fieldDef.Id == "" {
				continue
			}
			if _, dup := seen[fieldDef.Id]; dup {
				// first declaration wins
				continue
			}
			seen[fieldDef.Id] = struct{}{}
		}

		bitOffset := *fieldDef.BitOffset
		bitLength := *fieldDef.BitLength

		startByte := bitOffset >> 3
		startBit := bitOffset & 7
		bytesToRead := (startBit + bitLength + 7) >> 3

		var mask uint64
		switch {
		case bitLength == 64:
			mask = ^uint64(0)
		case bitLength > 0 && bitLength < 64:
			mask = (uint64(1) << bitLength) - 1
		}

		var rawMin, rawMax int64
		if fieldDef.Signed && bitLength > 0 {
			rawMin = -(int64(1) << (bitLength - 1))
			rawMax = (int64(1) << (bitLength - 1)) - 1
		} else {
			rawMin = 0
			rawMax = int64(mask)
		}

		fields = append(fields, CompiledField{
			Id:          fieldDef.Id,
			Name:        fieldDef.Name,
			BitOffset:   bitOffset,
			BitLength:   bitLength,
			StartByte:   startByte,
			StartBit:    startBit,
			BytesToRead: bytesToRead,
			Mask:        mask,
			Signed:      fieldDef.Signed,
			Resolution:  fieldDef.Resolution,
			Offset:      fieldDef.Offset,
			RangeMin:    fieldDef.RangeMin,
			RangeMax:    fieldDef.RangeMax,
			Unit:        fieldDef.Unit,
			Type:        fieldDef.Type,
			Reserved:    reserved,
			RawMin:      rawMin,
			RawMax:      rawMax,
			Definition:  fieldDef,
		})
	}

	minimumLengthBytes := computeMinimumLengthBytes(definition)

	if definition.LengthType == LengthFixed {
		if definition.FixedLengthBytes == nil {
			return nil, fmt.Errorf("%w: FIXED length type without length bytes for pgn %d", canbus.ErrInvalidArgument, definition.PGN)
		}
		if *definition.FixedLengthBytes < minimumLengthBytes {
			return nil, fmt.Errorf("%w: declared length %d smaller than minimum %d for pgn %d",
				canbus.ErrInvalidArgument, *definition.FixedLengthBytes, minimumLengthBytes, definition.PGN)
		}
	}

	return &CompiledMessage{
		PGN:                definition.PGN,
		Id:                 definition.Id,
		Description:        definition.Description,
		LengthType:         definition.LengthType,
		FixedLengthBytes:   definition.FixedLengthBytes,
		MinimumLengthBytes: minimumLengthBytes,
		Fields:             fields,
		Definitions:        definition.Fields,
	}, nil
}
