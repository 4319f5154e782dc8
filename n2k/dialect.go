// Package n2k compiles an NMEA 2000 XML dialect into an immutable registry
// and decodes/encodes PGN payloads against it.
package n2k

import "strings"

// FieldType classifies how a field's bits are interpreted.
type FieldType int

const (
	FieldNumber FieldType = iota
	FieldFloat
	FieldLookup
	FieldStringFix
	FieldStringLau
	FieldRepeatMarker
	FieldReserved
)

var fieldTypeNames = map[FieldType]string{
	FieldNumber:       "NUMBER",
	FieldFloat:        "FLOAT",
	FieldLookup:       "LOOKUP",
	FieldStringFix:    "STRING_FIX",
	FieldStringLau:    "STRING_LAU",
	FieldRepeatMarker: "REPEAT_MARKER",
	FieldReserved:     "RESERVED",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseFieldType matches the dialect's FieldType text, case-insensitively.
func ParseFieldType(text string) (FieldType, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(text))
	for t, name := range fieldTypeNames {
		if name == normalized {
			return t, true
		}
	}
	return FieldNumber, false
}

func (t FieldType) isString() bool {
	return t == FieldStringFix || t == FieldStringLau
}

// LengthType distinguishes fixed-size payloads from variable ones.
type LengthType int

const (
	LengthFixed LengthType = iota
	LengthVariable
)

func (l LengthType) String() string {
	if l == LengthVariable {
		return "VARIABLE"
	}
	return "FIXED"
}

// FieldDefinition is one field of a PGN as declared by the dialect. Optional
// numeric attributes are pointers so absence survives into compilation.
type FieldDefinition struct {
	Order      int
	Id         string // normalized to lower camelCase, "" when absent
	Name       string
	BitOffset  *int
	BitLength  *int
	BitStart   *int
	Signed     bool
	Type       FieldType
	Resolution float64
	Offset     float64
	RangeMin   *float64
	RangeMax   *float64
	Unit       string
	TypeInPdf  string
}

// MessageDefinition is one PGN entry of the dialect, fields ordered by Order.
type MessageDefinition struct {
	PGN              uint32
	Id               string
	Description      string
	Priority         int
	Type             string
	Complete         bool
	LengthType       LengthType
	FixedLengthBytes *int
	Fields           []FieldDefinition
}

// Dialect is the parsed catalog: the optional version text of the document
// plus its message definitions sorted by PGN ascending.
type Dialect struct {
	Version  string
	Messages []MessageDefinition
}
