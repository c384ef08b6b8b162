// Package types defines the core data structures shared by the dvbulk engine.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValueKind discriminates the typed payload carried by a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt32
	KindInt64
	KindDecimal
	KindFloat
	KindBool
	KindTime
	KindID
	KindRef
	KindOption
	KindMoney
)

// String returns the wire name of the kind as used in schema/data documents.
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt32:
		return "number"
	case KindInt64:
		return "bigint"
	case KindDecimal:
		return "decimal"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "datetime"
	case KindID:
		return "guid"
	case KindRef:
		return "entityreference"
	case KindOption:
		return "optionsetvalue"
	case KindMoney:
		return "money"
	default:
		return "unknown"
	}
}

// ParseValueKind maps a schema/data type name to a ValueKind.
// Unknown names fall back to KindString, matching the lenient reader policy.
func ParseValueKind(s string) ValueKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "memo", "nvarchar":
		return KindString
	case "number", "int", "integer":
		return KindInt32
	case "bigint", "long":
		return KindInt64
	case "decimal":
		return KindDecimal
	case "float", "double":
		return KindFloat
	case "bool", "boolean", "bit":
		return KindBool
	case "datetime", "datetimeoffset":
		return KindTime
	case "guid", "uniqueidentifier", "primarykey":
		return KindID
	case "entityreference", "lookup", "owner", "customer":
		return KindRef
	case "optionsetvalue", "picklist", "state", "status":
		return KindOption
	case "money":
		return KindMoney
	default:
		return KindString
	}
}

// EntityRef is a typed pointer to another record.
type EntityRef struct {
	Entity      string    // target entity logical name
	ID          uuid.UUID // target record id
	DisplayName string    // optional, carried for round-tripping only
}

// Value is a tagged field value. Exactly the fields implied by Kind are
// meaningful; the rest are zero.
type Value struct {
	Kind   ValueKind
	Str    string
	I32    int32
	I64    int64
	Dec    decimal.Decimal // KindDecimal and KindMoney
	Flt    float64
	Bool   bool
	Time   time.Time // always stored UTC
	ID     uuid.UUID
	Ref    EntityRef
	Option int32
}

func StringValue(s string) Value           { return Value{Kind: KindString, Str: s} }
func Int32Value(v int32) Value             { return Value{Kind: KindInt32, I32: v} }
func Int64Value(v int64) Value             { return Value{Kind: KindInt64, I64: v} }
func FloatValue(v float64) Value           { return Value{Kind: KindFloat, Flt: v} }
func BoolValue(v bool) Value               { return Value{Kind: KindBool, Bool: v} }
func TimeValue(t time.Time) Value          { return Value{Kind: KindTime, Time: t.UTC()} }
func IDValue(id uuid.UUID) Value           { return Value{Kind: KindID, ID: id} }
func OptionValue(code int32) Value         { return Value{Kind: KindOption, Option: code} }
func DecimalValue(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }
func MoneyValue(d decimal.Decimal) Value   { return Value{Kind: KindMoney, Dec: d} }

func RefValue(entity string, id uuid.UUID, display string) Value {
	return Value{Kind: KindRef, Ref: EntityRef{Entity: entity, ID: id, DisplayName: display}}
}

// WireString renders the value the way the data document stores it:
// booleans as "1"/"0", timestamps as ISO 8601 UTC with 7 fractional digits,
// decimals with invariant (dot) formatting, refs and ids as bare GUIDs.
func (v Value) WireString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt32:
		return fmt.Sprintf("%d", v.I32)
	case KindInt64:
		return fmt.Sprintf("%d", v.I64)
	case KindDecimal, KindMoney:
		return v.Dec.String()
	case KindFloat:
		return fmt.Sprintf("%g", v.Flt)
	case KindBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case KindTime:
		return v.Time.UTC().Format("2006-01-02T15:04:05.0000000Z")
	case KindID:
		return v.ID.String()
	case KindRef:
		return v.Ref.ID.String()
	case KindOption:
		return fmt.Sprintf("%d", v.Option)
	default:
		return ""
	}
}

// Equal reports deep equality of two values, comparing decimals by value
// and timestamps by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindDecimal, KindMoney:
		return v.Dec.Equal(o.Dec)
	case KindTime:
		return v.Time.Equal(o.Time)
	case KindRef:
		return v.Ref.Entity == o.Ref.Entity && v.Ref.ID == o.Ref.ID
	default:
		return v.Str == o.Str && v.I32 == o.I32 && v.I64 == o.I64 &&
			v.Flt == o.Flt && v.Bool == o.Bool && v.ID == o.ID && v.Option == o.Option
	}
}

// Record is one row of one entity. The id is immutable once set; fields are
// mutated only by the import pipeline before the record is enqueued.
type Record struct {
	Entity string
	ID     uuid.UUID

	fields map[string]Value
	order  []string // insertion order of field names
}

// NewRecord creates an empty record for the given entity and id.
func NewRecord(entity string, id uuid.UUID) *Record {
	return &Record{
		Entity: entity,
		ID:     id,
		fields: make(map[string]Value),
	}
}

// Set stores a field value, preserving first-insertion order.
func (r *Record) Set(field string, v Value) {
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	if _, ok := r.fields[field]; !ok {
		r.order = append(r.order, field)
	}
	r.fields[field] = v
}

// Get returns the value of a field and whether it is present.
func (r *Record) Get(field string) (Value, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Delete removes a field if present.
func (r *Record) Delete(field string) {
	if _, ok := r.fields[field]; !ok {
		return
	}
	delete(r.fields, field)
	for i, name := range r.order {
		if name == field {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Fields returns field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of populated fields.
func (r *Record) Len() int { return len(r.fields) }

// Clone returns a deep copy. Batches own their records by value, so the
// pipeline clones before mutating anything already handed off.
func (r *Record) Clone() *Record {
	c := NewRecord(r.Entity, r.ID)
	for _, name := range r.order {
		c.Set(name, r.fields[name])
	}
	return c
}

// Project returns a copy containing only the named fields. Missing fields
// are skipped. Used by the deferred-field pass.
func (r *Record) Project(fields ...string) *Record {
	c := NewRecord(r.Entity, r.ID)
	for _, f := range fields {
		if v, ok := r.fields[f]; ok {
			c.Set(f, v)
		}
	}
	return c
}

// ManyToManyAssociation is a set-valued N:N membership for one source record.
type ManyToManyAssociation struct {
	RelationshipName string
	SourceEntity     string
	SourceID         uuid.UUID
	TargetEntity     string
	TargetIDField    string
	TargetIDs        []uuid.UUID
}

// AddTarget appends a target id, keeping the set property.
func (a *ManyToManyAssociation) AddTarget(id uuid.UUID) {
	for _, existing := range a.TargetIDs {
		if existing == id {
			return
		}
	}
	a.TargetIDs = append(a.TargetIDs, id)
}

// MigrationData is the in-memory form of one exported data set.
type MigrationData struct {
	Schema        *Schema
	EntityRecords map[string][]*Record
	Associations  map[string][]*ManyToManyAssociation
	ExportedAt    time.Time
}

// NewMigrationData creates an empty data set for the given schema.
func NewMigrationData(schema *Schema) *MigrationData {
	return &MigrationData{
		Schema:        schema,
		EntityRecords: make(map[string][]*Record),
		Associations:  make(map[string][]*ManyToManyAssociation),
		ExportedAt:    time.Now().UTC(),
	}
}

// TotalRecords returns the record count across all entities.
func (d *MigrationData) TotalRecords() int {
	n := 0
	for _, recs := range d.EntityRecords {
		n += len(recs)
	}
	return n
}

// Entities returns entity names with records, sorted for stable iteration.
func (d *MigrationData) Entities() []string {
	out := make([]string, 0, len(d.EntityRecords))
	for name := range d.EntityRecords {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
