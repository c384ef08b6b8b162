package types

import (
	"fmt"
	"strings"
)

// FieldSchema describes one attribute of an entity.
type FieldSchema struct {
	Name             string
	DisplayName      string
	Type             ValueKind
	PrimaryKey       bool
	CustomField      bool
	ValidForCreate   bool
	ValidForUpdate   bool
	LookupTargets    []string // lookup target entities; >1 for polymorphic
	MaxLength        int      // strings only; 0 = unspecified
	Precision        int      // decimal/money only; 0 = unspecified
	IncludeReason    string   // why the generator kept this field (PK, Custom, ...)
	AuditField       bool     // createdon/modifiedon/... family
	ExcludeFromWrite bool     // read and export, never submit (audit w/o includeAuditFields)
}

// IsLookup reports whether the field references another entity.
func (f *FieldSchema) IsLookup() bool {
	return f.Type == KindRef && len(f.LookupTargets) > 0
}

// LookupTypeAttr renders the "|"-delimited lookupType attribute.
func (f *FieldSchema) LookupTypeAttr() string {
	return strings.Join(f.LookupTargets, "|")
}

// RelationshipSchema describes one declared relationship of an entity.
// Only manyToMany relationships participate in the association pass; one-to-
// many entries are carried for round-tripping.
type RelationshipSchema struct {
	Name              string
	ManyToMany        bool
	RelatedEntityName string

	// one-to-many detail
	ReferencingEntity    string
	ReferencingAttribute string
	ReferencedEntity     string
	ReferencedAttribute  string

	// many-to-many detail
	TargetEntity           string
	TargetEntityPrimaryKey string
	IntersectEntityName    string
}

// EntitySchema describes one entity in a migration schema.
type EntitySchema struct {
	LogicalName      string
	DisplayName      string
	ObjectTypeCode   int
	PrimaryIDField   string
	PrimaryNameField string
	DisablePlugins   bool
	FetchFilter      string // optional serialized query predicate
	Fields           []*FieldSchema
	Relationships    []*RelationshipSchema
}

// Field returns the named field, or nil.
func (e *EntitySchema) Field(name string) *FieldSchema {
	for _, f := range e.Fields {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

// PrimaryKeyField returns the schema of the primary id field, or nil when
// the schema is malformed.
func (e *EntitySchema) PrimaryKeyField() *FieldSchema {
	return e.Field(e.PrimaryIDField)
}

// LookupFields returns all lookup-typed fields in declaration order.
func (e *EntitySchema) LookupFields() []*FieldSchema {
	var out []*FieldSchema
	for _, f := range e.Fields {
		if f.IsLookup() {
			out = append(out, f)
		}
	}
	return out
}

// ManyToManyRelationships returns the declared N:N relationships.
func (e *EntitySchema) ManyToManyRelationships() []*RelationshipSchema {
	var out []*RelationshipSchema
	for _, r := range e.Relationships {
		if r.ManyToMany {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the EntitySchema invariants: the primary id field must be
// declared in Fields and flagged as the primary key.
func (e *EntitySchema) Validate() error {
	if e.LogicalName == "" {
		return fmt.Errorf("entity schema missing logical name")
	}
	pk := e.PrimaryKeyField()
	if pk == nil {
		return fmt.Errorf("entity %s: primary id field %q not declared", e.LogicalName, e.PrimaryIDField)
	}
	if !pk.PrimaryKey {
		return fmt.Errorf("entity %s: field %q not flagged as primary key", e.LogicalName, e.PrimaryIDField)
	}
	return nil
}

// Schema is an ordered collection of entity schemas, unique by logical name
// (case-insensitive).
type Schema struct {
	Entities []*EntitySchema
}

// NewSchema builds a schema from the given entities, rejecting duplicates.
func NewSchema(entities ...*EntitySchema) (*Schema, error) {
	s := &Schema{}
	for _, e := range entities {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends an entity, enforcing case-insensitive uniqueness.
func (s *Schema) Add(e *EntitySchema) error {
	if s.Entity(e.LogicalName) != nil {
		return fmt.Errorf("duplicate entity %q in schema", e.LogicalName)
	}
	s.Entities = append(s.Entities, e)
	return nil
}

// Entity returns the entity with the given logical name (case-insensitive),
// or nil.
func (s *Schema) Entity(logicalName string) *EntitySchema {
	for _, e := range s.Entities {
		if strings.EqualFold(e.LogicalName, logicalName) {
			return e
		}
	}
	return nil
}

// EntityNames returns logical names in declaration order.
func (s *Schema) EntityNames() []string {
	out := make([]string, len(s.Entities))
	for i, e := range s.Entities {
		out[i] = e.LogicalName
	}
	return out
}

// Contains reports whether the schema declares the entity.
func (s *Schema) Contains(logicalName string) bool {
	return s.Entity(logicalName) != nil
}

// Validate checks every entity schema.
func (s *Schema) Validate() error {
	for _, e := range s.Entities {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}
