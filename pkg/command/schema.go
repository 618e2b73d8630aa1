package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
	ErrUnknownKind  = errors.New("unknown device kind")
)

// FieldSpec maps one JSON key of an update body onto a wire field.
type FieldSpec struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Type     Type   `json:"-"`
	TypeName string `json:"type"`
}

// Schema is the ordered field list of one device kind.
type Schema struct {
	Kind   string      `json:"kind"`
	Fields []FieldSpec `json:"fields"`
}

func field(key, name string, t Type) FieldSpec {
	return FieldSpec{Key: key, Name: name, Type: t, TypeName: t.String()}
}

// WindSchema mirrors WindConfig.Request with the dashboard's JSON keys.
var WindSchema = Schema{
	Kind: "wind",
	Fields: []FieldSpec{
		field("location", "NAME", TypeString),
		field("readingInterval", "interval", TypeNumber),
		field("dangerSpeed", "danger_speed", TypeNumber),
		field("calibration", "calibration", TypeNumber),
		field("dangerInterval", "danger_interval", TypeNumber),
	},
}

var schemas = map[string]Schema{
	WindSchema.Kind: WindSchema,
}

// Lookup returns the built-in schema for kind.
func Lookup(kind string) (Schema, bool) {
	schema, ok := schemas[kind]
	return schema, ok
}

// Kinds lists the device kinds that accept commands.
func Kinds() []string {
	kinds := make([]string, 0, len(schemas))
	for kind := range schemas {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build validates values against the schema and returns the request in wire
// order. Every field is required; keys not in the schema are ignored.
func (s Schema) Build(values map[string]any) (Request, error) {
	fields := make([]Field, 0, len(s.Fields))

	for _, spec := range s.Fields {
		raw, ok := values[spec.Key]
		if !ok || raw == nil {
			return Request{}, fmt.Errorf("%w: %s", ErrMissingField, spec.Key)
		}

		switch spec.Type {
		case TypeNumber:
			v, err := toFloat(raw)
			if err != nil {
				return Request{}, fmt.Errorf("%w: %s: %v", ErrInvalidField, spec.Key, err)
			}
			fields = append(fields, Number(spec.Name, v))
		default:
			v, ok := raw.(string)
			if !ok {
				return Request{}, fmt.Errorf("%w: %s: expected string, got %T", ErrInvalidField, spec.Key, raw)
			}
			fields = append(fields, String(spec.Name, v))
		}
	}

	return NewRequest(fields...), nil
}

func toFloat(raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		v = f
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return v, nil
}
