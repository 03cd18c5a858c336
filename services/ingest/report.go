package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Report is one normalized system-metrics submission. Values are kept as
// compacted JSON so they are republished verbatim.
type Report struct {
	// ID identifies the report on the broker and is used for deduplication.
	ID          string            `json:"-"`
	Info        json.RawMessage   `json:"info"`
	CPUUsage    json.RawMessage   `json:"cpu_usage"`
	MemoryUsage json.RawMessage   `json:"memory_usage"`
	DiskUsage   json.RawMessage   `json:"disk_usage"`
	Processes   []json.RawMessage `json:"processes"`
	Connections []json.RawMessage `json:"connections"`
}

// Encode serializes the report as compact JSON with field names preserved.
// HTML characters are not escaped so the output matches the validated values.
func (r Report) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Violation classifies a validation failure.
type Violation string

const (
	MissingField Violation = "missing"
	WrongType    Violation = "wrong_type"
)

// ValidationError names the offending field of a rejected report.
type ValidationError struct {
	Field     string
	Violation Violation
	Expected  string
}

func (e *ValidationError) Error() string {
	if e.Violation == MissingField {
		return fmt.Sprintf("field %s is required", e.Field)
	}
	return fmt.Sprintf("field %s must be %s", e.Field, e.Expected)
}

// ErrMalformed is returned when the payload is not a JSON object.
var ErrMalformed = errors.New("malformed report")

type kind int

const (
	kindInvalid kind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

func kindOf(v json.RawMessage) kind {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return kindInvalid
	}
	switch c := v[0]; {
	case c == 'n':
		return kindNull
	case c == 't' || c == 'f':
		return kindBool
	case c == '"':
		return kindString
	case c == '[':
		return kindArray
	case c == '{':
		return kindObject
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	default:
		return kindInvalid
	}
}

var usageFields = []string{"cpu_usage", "memory_usage", "disk_usage"}

// Validate parses raw and checks it against the report shape. It has no side
// effects; validating the serialization of a returned Report yields the same
// Report.
func Validate(raw []byte) (Report, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	info, ok := fields["info"]
	if !ok || kindOf(info) == kindNull {
		return Report{}, &ValidationError{Field: "info", Violation: MissingField}
	}

	usage := make(map[string]json.RawMessage, len(usageFields))
	for _, name := range usageFields {
		v, ok := fields[name]
		if !ok {
			return Report{}, &ValidationError{Field: name, Violation: MissingField}
		}
		switch kindOf(v) {
		case kindNumber, kindNull, kindObject:
		default:
			return Report{}, &ValidationError{Field: name, Violation: WrongType, Expected: "a number, null, or an object"}
		}
		usage[name] = compact(v)
	}

	processes, err := descriptors(fields, "processes")
	if err != nil {
		return Report{}, err
	}
	connections, err := descriptors(fields, "connections")
	if err != nil {
		return Report{}, err
	}

	return Report{
		Info:        compact(info),
		CPUUsage:    usage["cpu_usage"],
		MemoryUsage: usage["memory_usage"],
		DiskUsage:   usage["disk_usage"],
		Processes:   processes,
		Connections: connections,
	}, nil
}

// descriptors validates an optional sequence field. Absent or null becomes an
// empty sequence. Elements must be objects or strings.
func descriptors(fields map[string]json.RawMessage, name string) ([]json.RawMessage, error) {
	v, ok := fields[name]
	if !ok || kindOf(v) == kindNull {
		return []json.RawMessage{}, nil
	}
	if kindOf(v) != kindArray {
		return nil, &ValidationError{Field: name, Violation: WrongType, Expected: "an array"}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, &ValidationError{Field: name, Violation: WrongType, Expected: "an array"}
	}

	out := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		switch kindOf(item) {
		case kindObject, kindString:
			out = append(out, compact(item))
		default:
			return nil, &ValidationError{
				Field:     fmt.Sprintf("%s[%d]", name, i),
				Violation: WrongType,
				Expected:  "an object or a string",
			}
		}
	}
	return out, nil
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
