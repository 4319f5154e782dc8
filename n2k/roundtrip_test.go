package n2k

import (
	"math"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// Seed shared by the randomized suites so failures reproduce.
const roundTripSeed = 0x6b8b4567

var sampleWords = []string{"Albatross", "Bo", "Current", "Drift", "Ebb", "Fathom Five"}

func randomRawValue(field *CompiledField, rng *rand.Rand) int64 {
	min, max := allowedRawRange(field)
	if min >= max {
		return min
	}

	span := max - min
	if span <= 0 {
		// the span overflowed int64; fall back to a narrower window
		return min + rng.Int63()
	}
	return min + rng.Int63n(span+1)
}

// allowedRawRange intersects the bit-width range with any declared physical
// range, falling back to the bit-width range when they disagree.
func allowedRawRange(field *CompiledField) (int64, int64) {
	min, max := field.RawMin, field.RawMax

	if field.Resolution > 0 {
		if field.RangeMin != nil {
			fromRange := int64(math.Ceil((*field.RangeMin-field.Offset)/field.Resolution - 1e-12))
			if fromRange > min {
				min = fromRange
			}
		}
		if field.RangeMax != nil {
			fromRange := int64(math.Floor((*field.RangeMax-field.Offset)/field.Resolution + 1e-12))
			if fromRange < max {
				max = fromRange
			}
		}
	}

	if min > max {
		return field.RawMin, field.RawMax
	}
	return min, max
}

// randomEnvelope fills every writable field of the message with a random
// in-range value.
func randomEnvelope(message *CompiledMessage, rng *rand.Rand) *Envelope {
	envelope := NewEnvelope(message.PGN)

	for i := range message.Fields {
		field := &message.Fields[i]
		if field.Reserved || field.Id == "" {
			continue
		}

		switch field.Type {
		case FieldNumber, FieldFloat:
			if field.Resolution <= 0 {
				continue
			}
			raw := randomRawValue(field, rng)
			envelope.Set(field.Id, float64(raw)*field.Resolution+field.Offset)
		case FieldLookup:
			if field.Mask == 0 {
				continue
			}
			envelope.Set(field.Id, rng.Int63n(int64(field.Mask)+1))
		case FieldStringFix:
			word := sampleWords[rng.Intn(len(sampleWords))]
			if len(word) > field.BytesToRead {
				word = word[:field.BytesToRead]
			}
			envelope.Set(field.Id, word)
		}
	}

	return envelope
}

func TestAllPgnsRoundTrip(t *testing.T) {
	parser := testParser(t)
	registry := parser.Registry()

	Convey("random envelopes for every PGN survive encode and decode", t, func() {
		rng := rand.New(rand.NewSource(roundTripSeed))

		for _, pgn := range registry.PGNs() {
			message := registry.Message(pgn)

			for round := 0; round < 25; round++ {
				envelope := randomEnvelope(message, rng)

				payload, err := parser.Encode(pgn, envelope)
				if err != nil {
					t.Fatalf("pgn %d round %d: encode: %v", pgn, round, err)
				}
				if message.LengthType == LengthFixed && len(payload) != *message.FixedLengthBytes {
					t.Fatalf("pgn %d: payload %d bytes, declared %d", pgn, len(payload), *message.FixedLengthBytes)
				}

				decoded, err := parser.Decode(pgn, payload)
				if err != nil {
					t.Fatalf("pgn %d round %d: decode: %v", pgn, round, err)
				}

				compareEnvelopes(t, message, envelope, decoded)
			}
		}
		So(true, ShouldBeTrue)
	})
}

func compareEnvelopes(t *testing.T, message *CompiledMessage, sent, received *Envelope) {
	t.Helper()

	for i := range message.Fields {
		field := &message.Fields[i]
		if field.Reserved || field.Id == "" {
			continue
		}

		switch field.Type {
		case FieldNumber, FieldFloat:
			want, ok := sent.Number(field.Id)
			if !ok {
				continue
			}
			got, ok := received.Number(field.Id)
			if !ok {
				t.Fatalf("pgn %d field %s missing after decode", message.PGN, field.Id)
			}
			tolerance := math.Max(1e-12, field.Resolution*0.51)
			if math.Abs(got-want) > tolerance {
				t.Fatalf("pgn %d field %s: sent %v got %v (tolerance %v)", message.PGN, field.Id, want, got, tolerance)
			}
		case FieldLookup:
			want, ok := sent.Integer(field.Id)
			if !ok {
				continue
			}
			got, ok := received.Integer(field.Id)
			if !ok || got != want {
				t.Fatalf("pgn %d lookup %s: sent %d got %d", message.PGN, field.Id, want, got)
			}
		case FieldStringFix:
			want, ok := sent.String(field.Id)
			if !ok {
				continue
			}
			got, ok := received.String(field.Id)
			if !ok || got != want {
				t.Fatalf("pgn %d string %s: sent %q got %q", message.PGN, field.Id, want, got)
			}
		}
	}
}

func TestGnssPositionPrecision(t *testing.T) {
	parser := testParser(t)

	Convey("64-bit position fields hold nanodegree-scale precision", t, func() {
		envelope := NewEnvelope(129029).
			Set("sid", 4).
			Set("latitude", 52.3702157).
			Set("longitude", 4.8951679).
			Set("altitude", -1.25)

		payload, err := parser.Encode(129029, envelope)
		So(err, ShouldBeNil)
		So(payload, ShouldHaveLength, 43)

		decoded, err := parser.Decode(129029, payload)
		So(err, ShouldBeNil)

		latitude, _ := decoded.Number("latitude")
		So(latitude, ShouldAlmostEqual, 52.3702157, 1e-9)
		longitude, _ := decoded.Number("longitude")
		So(longitude, ShouldAlmostEqual, 4.8951679, 1e-9)
		altitude, _ := decoded.Number("altitude")
		So(altitude, ShouldAlmostEqual, -1.25, 1e-6)
	})
}
