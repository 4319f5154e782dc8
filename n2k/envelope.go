package n2k

import "encoding/json"

// Envelope is the decoded form of a PGN payload: NUMBER/FLOAT fields decode
// to float64, LOOKUP fields to int64, STRING fields to string.
type Envelope struct {
	PGN     uint32                 `json:"pgn"`
	Decoded map[string]interface{} `json:"decoded"`
}

// NewEnvelope builds an empty envelope for pgn.
func NewEnvelope(pgn uint32) *Envelope {
	return &Envelope{PGN: pgn, Decoded: make(map[string]interface{})}
}

// Set stores a decoded field value and returns the envelope for chaining.
func (e *Envelope) Set(id string, value interface{}) *Envelope {
	e.Decoded[id] = value
	return e
}

// Has reports whether the decoded object holds a non-nil value for id.
func (e *Envelope) Has(id string) bool {
	v, ok := e.Decoded[id]
	return ok && v != nil
}

// Number returns the field as float64, accepting any numeric representation
// a JSON round-trip or direct construction can produce.
func (e *Envelope) Number(id string) (float64, bool) {
	v, ok := e.Decoded[id]
	if !ok || v == nil {
		return 0, false
	}
	return asFloat64(v)
}

// Integer returns the field truncated to int64.
func (e *Envelope) Integer(id string) (int64, bool) {
	v, ok := e.Decoded[id]
	if !ok || v == nil {
		return 0, false
	}
	return asInt64(v)
}

// String returns the field as a string.
func (e *Envelope) String(id string) (string, bool) {
	v, ok := e.Decoded[id]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// UnmarshalEnvelope parses a JSON envelope document.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
