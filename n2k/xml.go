package n2k

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/seabus/canstack/canbus"
)

type fieldXML struct {
	Order      string `xml:"Order"`
	Id         string `xml:"Id"`
	Name       string `xml:"Name"`
	TypeInPdf  string `xml:"TypeInPdf"`
	FieldType  string `xml:"FieldType"`
	BitOffset  string `xml:"BitOffset"`
	BitLength  string `xml:"BitLength"`
	BitStart   string `xml:"BitStart"`
	Signed     string `xml:"Signed"`
	Resolution string `xml:"Resolution"`
	Offset     string `xml:"Offset"`
	RangeMin   string `xml:"RangeMin"`
	RangeMax   string `xml:"RangeMax"`
	Unit       string `xml:"Unit"`
}

type pgnInfoXML struct {
	PGN         string `xml:"PGN"`
	Id          string `xml:"Id"`
	Description string `xml:"Description"`
	Priority    string `xml:"Priority"`
	Type        string `xml:"Type"`
	Complete    string `xml:"Complete"`
	Length      string `xml:"Length"`
	Fields      struct {
		Field []fieldXML `xml:"Field"`
	} `xml:"Fields"`
}

// ParseDialectFile reads and parses a dialect document from disk.
func ParseDialectFile(path string) (*Dialect, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dialect %s: %w", path, err)
	}
	defer f.Close()
	return ParseDialect(f)
}

// ParseDialect reads a CANboat-style dialect document. PGNInfo elements are
// collected wherever they appear in the tree; a Version element outside any
// PGNInfo is captured as the dialect version.
func ParseDialect(r io.Reader) (*Dialect, error) {
	decoder := xml.NewDecoder(r)

	dialect := &Dialect{}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dialect: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "PGNInfo":
			var info pgnInfoXML
			if err := decoder.DecodeElement(&info, &start); err != nil {
				return nil, fmt.Errorf("decode PGNInfo: %w", err)
			}
			message, err := buildMessage(info)
			if err != nil {
				return nil, err
			}
			dialect.Messages = append(dialect.Messages, message)
		case "Version":
			if dialect.Version == "" {
				var version string
				if err := decoder.DecodeElement(&version, &start); err != nil {
					return nil, fmt.Errorf("decode Version: %w", err)
				}
				dialect.Version = strings.TrimSpace(version)
			}
		}
	}

	sort.SliceStable(dialect.Messages, func(i, j int) bool {
		return dialect.Messages[i].PGN < dialect.Messages[j].PGN
	})
	return dialect, nil
}

func buildMessage(info pgnInfoXML) (MessageDefinition, error) {
	pgn, ok, err := optionalInt(info.PGN, "PGN")
	if err != nil {
		return MessageDefinition{}, err
	}
	if !ok {
		return MessageDefinition{}, fmt.Errorf("%w: missing <PGN> in PGNInfo", canbus.ErrInvalidArgument)
	}

	lengthType, fixedLength, err := parseLength(info.Length, pgn)
	if err != nil {
		return MessageDefinition{}, err
	}

	priority, _, err := optionalInt(info.Priority, "Priority")
	if err != nil {
		return MessageDefinition{}, err
	}

	fields := make([]FieldDefinition, 0, len(info.Fields.Field))
	for _, raw := range info.Fields.Field {
		field, err := buildField(raw)
		if err != nil {
			return MessageDefinition{}, fmt.Errorf("pgn %d: %w", pgn, err)
		}
		fields = append(fields, field)
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Order < fields[j].Order })

	return MessageDefinition{
		PGN:              uint32(pgn),
		Id:               trimmed(info.Id),
		Description:      trimmed(info.Description),
		Priority:         priority,
		Type:             trimmed(info.Type),
		Complete:         parseBool(info.Complete),
		LengthType:       lengthType,
		FixedLengthBytes: fixedLength,
		Fields:           fields,
	}, nil
}

func buildField(raw fieldXML) (FieldDefinition, error) {
	order, _, err := optionalInt(raw.Order, "Order")
	if err != nil {
		return FieldDefinition{}, err
	}

	bitOffset, err := nullableInt(raw.BitOffset, "BitOffset")
	if err != nil {
		return FieldDefinition{}, err
	}
	bitLength, err := nullableInt(raw.BitLength, "BitLength")
	if err != nil {
		return FieldDefinition{}, err
	}
	bitStart, err := nullableInt(raw.BitStart, "BitStart")
	if err != nil {
		return FieldDefinition{}, err
	}

	resolution, err := optionalFloat(raw.Resolution, "Resolution", 1.0)
	if err != nil {
		return FieldDefinition{}, err
	}
	offset, err := optionalFloat(raw.Offset, "Offset", 0.0)
	if err != nil {
		return FieldDefinition{}, err
	}
	rangeMin, err := nullableFloat(raw.RangeMin, "RangeMin")
	if err != nil {
		return FieldDefinition{}, err
	}
	rangeMax, err := nullableFloat(raw.RangeMax, "RangeMax")
	if err != nil {
		return FieldDefinition{}, err
	}

	name := trimmed(raw.Name)
	typeInPdf := trimmed(raw.TypeInPdf)

	return FieldDefinition{
		Order:      order,
		Id:         normalizeFieldId(raw.Id),
		Name:       name,
		BitOffset:  bitOffset,
		BitLength:  bitLength,
		BitStart:   bitStart,
		Signed:     parseBool(raw.Signed),
		Type:       resolveFieldType(raw.FieldType, typeInPdf, name),
		Resolution: resolution,
		Offset:     offset,
		RangeMin:   rangeMin,
		RangeMax:   rangeMax,
		Unit:       trimmed(raw.Unit),
		TypeInPdf:  typeInPdf,
	}, nil
}

// normalizeFieldId trims the declared id and lower-cases a leading uppercase
// rune. Blank ids stay blank.
func normalizeFieldId(id string) string {
	t := strings.TrimSpace(id)
	if t == "" {
		return ""
	}
	runes := []rune(t)
	if unicode.IsUpper(runes[0]) {
		runes[0] = unicode.ToLower(runes[0])
		return string(runes)
	}
	return t
}

// resolveFieldType matches the declared type against the enum; with nothing
// declared it falls back to REPEAT_MARKER for repeat-ish fields and NUMBER
// for everything else.
func resolveFieldType(declared, typeInPdf, name string) FieldType {
	if t, ok := ParseFieldType(declared); ok {
		return t
	}

	if strings.EqualFold(typeInPdf, "Undefined") {
		return FieldRepeatMarker
	}
	if strings.Contains(strings.ToLower(name), "repeat") {
		return FieldRepeatMarker
	}
	return FieldNumber
}

func parseLength(text string, pgn int) (LengthType, *int, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return LengthVariable, nil, nil
	}
	if strings.EqualFold(t, "Variable") {
		return LengthVariable, nil, nil
	}

	n, err := strconv.Atoi(t)
	if err != nil {
		return LengthFixed, nil, fmt.Errorf("%w: invalid <Length> %q for pgn %d", canbus.ErrInvalidArgument, t, pgn)
	}
	return LengthFixed, &n, nil
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func optionalInt(s, tag string) (int, bool, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(t)
	if err != nil {
		return 0, false, fmt.Errorf("%w: invalid <%s> %q", canbus.ErrInvalidArgument, tag, t)
	}
	return n, true, nil
}

func nullableInt(s, tag string) (*int, error) {
	n, ok, err := optionalInt(s, tag)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

func optionalFloat(s, tag string, fallback float64) (float64, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid <%s> %q", canbus.ErrInvalidArgument, tag, t)
	}
	return v, nil
}

func nullableFloat(s, tag string) (*float64, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid <%s> %q", canbus.ErrInvalidArgument, tag, t)
	}
	return &v, nil
}
