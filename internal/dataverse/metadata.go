package dataverse

// AttributeMetadata is the live-metadata description of one attribute, as
// the schema generator consumes it.
type AttributeMetadata struct {
	LogicalName      string
	DisplayName      string
	Type             string // wire type name (string, picklist, lookup, ...)
	IsPrimaryID      bool
	IsCustom         bool
	IsCustomizable   bool
	IsValidForCreate bool
	IsValidForUpdate bool
	IsValidForRead   bool

	// Virtual attribute detail. VirtualKind is empty for real columns;
	// "image" and "multiselectpicklist" are the two virtual kinds the
	// generator still includes.
	IsVirtual   bool
	VirtualKind string

	// Lookup targets; more than one entry for polymorphic lookups.
	Targets []string

	MaxLength int
	Precision int
}

// RelationshipMetadata is the live-metadata description of one relationship.
type RelationshipMetadata struct {
	SchemaName string
	ManyToMany bool

	ReferencingEntity    string
	ReferencingAttribute string
	ReferencedEntity     string
	ReferencedAttribute  string

	// many-to-many detail
	Entity1             string
	Entity2             string
	IntersectEntityName string
}

// EntityMetadata is the full metadata for one entity.
type EntityMetadata struct {
	LogicalName          string
	DisplayName          string
	ObjectTypeCode       int
	PrimaryIDAttribute   string
	PrimaryNameAttribute string
	IsCustomEntity       bool
	Attributes           []AttributeMetadata
	Relationships        []RelationshipMetadata
}
