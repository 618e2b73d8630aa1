// Package command encodes configuration updates into the multi_set line
// protocol understood by the field devices.
package command

import (
	"strconv"
	"strings"
)

const verb = "multi_set"

// Type is the wire type of a field.
type Type int

const (
	TypeString Type = iota
	TypeNumber
)

// Flag is the type tag written after the field name.
func (t Type) Flag() string {
	switch t {
	case TypeNumber:
		return "-f"
	default:
		return "-s"
	}
}

func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	default:
		return "string"
	}
}

// Field is one typed configuration value.
type Field struct {
	Name  string
	Type  Type
	Value string
}

func String(name, value string) Field {
	return Field{Name: name, Type: TypeString, Value: value}
}

// Number formats v in its shortest decimal form: 30, 2.5, -0.25.
func Number(name string, v float64) Field {
	return Field{Name: name, Type: TypeNumber, Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

// Request is an ordered, immutable list of fields for one device.
type Request struct {
	fields []Field
}

func NewRequest(fields ...Field) Request {
	copied := make([]Field, len(fields))
	copy(copied, fields)
	return Request{fields: copied}
}

// Fields returns a copy of the fields in wire order.
func (r Request) Fields() []Field {
	copied := make([]Field, len(r.fields))
	copy(copied, r.fields)
	return copied
}

func (r Request) Len() int {
	return len(r.fields)
}

// Encode renders req as "multi_set <F> -<flag> <v>; <F> -<flag> <v>;".
// Values are written as given; range checks belong to the caller.
func Encode(req Request) string {
	var b strings.Builder
	b.WriteString(verb)

	for _, f := range req.fields {
		b.WriteByte(' ')
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(f.Type.Flag())
		b.WriteByte(' ')
		b.WriteString(f.Value)
		b.WriteByte(';')
	}

	return b.String()
}

// WindConfig is the configuration block of a wind monitor.
type WindConfig struct {
	Location      string
	Interval      float64
	Threshold     float64
	Calibration   float64
	AlertInterval float64
}

// Request orders the fields the way the wind firmware parses them.
func (c WindConfig) Request() Request {
	return NewRequest(
		String("NAME", c.Location),
		Number("interval", c.Interval),
		Number("danger_speed", c.Threshold),
		Number("calibration", c.Calibration),
		Number("danger_interval", c.AlertInterval),
	)
}
