// Package core provides the foundational types and interfaces for RowFlow pipelines.
//
// This package contains:
//   - Record types: Record, RowMeta, FieldMeta
//   - Stage capability interfaces: Initializable, Runnable, Stoppable, Disposable
//   - StepIO, the contract between a running stage copy and the engine
package core

import "fmt"

// FieldType identifies the declared type of a record field.
// The engine never interprets field contents; the type is carried for stages.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldBinary  FieldType = "binary"
	FieldAny     FieldType = "any"
)

// String returns the string representation of the FieldType.
func (t FieldType) String() string {
	return string(t)
}

// FieldMeta describes one field of a record schema.
type FieldMeta struct {
	Name      string    // field name, unique within a RowMeta
	Type      FieldType // declared type
	Length    int       // optional size (-1 or 0 when unknown)
	Precision int       // optional precision for numeric types
}

// RowMeta is the schema shared by all records on a stream.
// A RowMeta is attached once and must be treated as immutable after it is
// handed to the engine.
type RowMeta struct {
	Fields []FieldMeta
}

// NewRowMeta creates a RowMeta from field names, all typed as FieldAny.
func NewRowMeta(names ...string) *RowMeta {
	fields := make([]FieldMeta, len(names))
	for i, n := range names {
		fields[i] = FieldMeta{Name: n, Type: FieldAny}
	}
	return &RowMeta{Fields: fields}
}

// Size returns the number of fields.
func (m *RowMeta) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Fields)
}

// IndexOf returns the position of the named field, or -1.
func (m *RowMeta) IndexOf(name string) int {
	if m == nil {
		return -1
	}
	for i, f := range m.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in order.
func (m *RowMeta) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// Extend returns a copy of the schema with extra fields appended.
func (m *RowMeta) Extend(fields ...FieldMeta) *RowMeta {
	out := &RowMeta{Fields: make([]FieldMeta, 0, m.Size()+len(fields))}
	if m != nil {
		out.Fields = append(out.Fields, m.Fields...)
	}
	out.Fields = append(out.Fields, fields...)
	return out
}

// Record is an ordered tuple of values described by a shared schema.
type Record struct {
	Meta   *RowMeta
	Values []any
}

// NewRecord creates a record for the given schema and values.
func NewRecord(meta *RowMeta, values ...any) Record {
	return Record{Meta: meta, Values: values}
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	idx := r.Meta.IndexOf(name)
	if idx < 0 || idx >= len(r.Values) {
		return nil, false
	}
	return r.Values[idx], true
}

// String renders the record for logs.
func (r Record) String() string {
	return fmt.Sprintf("%v", r.Values)
}

// Counters is a point-in-time copy of a stage instance's counters.
type Counters struct {
	Read     int64 `json:"read"`     // rows read from upstream queues
	Written  int64 `json:"written"`  // rows written to downstream queues
	Input    int64 `json:"input"`    // rows read from an external source (file, db)
	Output   int64 `json:"output"`   // rows written to an external target
	Updated  int64 `json:"updated"`  // rows updated in an external target
	Rejected int64 `json:"rejected"` // rows rejected without error routing
	Errors   int64 `json:"errors"`   // errors raised by the stage
}

// Add combines two Counters values.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		Read:     c.Read + other.Read,
		Written:  c.Written + other.Written,
		Input:    c.Input + other.Input,
		Output:   c.Output + other.Output,
		Updated:  c.Updated + other.Updated,
		Rejected: c.Rejected + other.Rejected,
		Errors:   c.Errors + other.Errors,
	}
}

// ErrorInfo explains why a record was sent down an error link.
type ErrorInfo struct {
	Count       int64  // number of errors found in the record
	Description string // human-readable explanation
	Fields      string // comma-separated names of offending fields
	Code        string // stage-specific error code
}

// Error field names appended to records routed to an error target.
const (
	ErrorCountField       = "error_count"
	ErrorDescriptionField = "error_description"
	ErrorFieldsField      = "error_fields"
	ErrorCodeField        = "error_code"
)

// WithErrorInfo returns a copy of rec carrying the explanation payload as four
// trailing fields.
func WithErrorInfo(rec Record, info ErrorInfo) Record {
	meta := rec.Meta.Extend(
		FieldMeta{Name: ErrorCountField, Type: FieldInteger},
		FieldMeta{Name: ErrorDescriptionField, Type: FieldString},
		FieldMeta{Name: ErrorFieldsField, Type: FieldString},
		FieldMeta{Name: ErrorCodeField, Type: FieldString},
	)
	values := make([]any, 0, len(rec.Values)+4)
	values = append(values, rec.Values...)
	values = append(values, info.Count, info.Description, info.Fields, info.Code)
	return Record{Meta: meta, Values: values}
}
