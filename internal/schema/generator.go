// Package schema builds migration schemas from live metadata and
// round-trips them through the archive XML format.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/types"
)

// auditFieldNames is the attribute family gated by includeAuditFields.
var auditFieldNames = map[string]bool{
	"createdon":           true,
	"modifiedon":          true,
	"createdby":           true,
	"modifiedby":          true,
	"createdonbehalfby":   true,
	"modifiedonbehalfby":  true,
	"overriddencreatedon": true,
}

// bpfFieldNames are business-process-flow and image references that are
// included even though they look like system plumbing.
var bpfFieldNames = map[string]bool{
	"processid":     true,
	"stageid":       true,
	"entityimageid": true,
}

// IsAuditField reports whether the attribute belongs to the audit family.
func IsAuditField(name string) bool {
	return auditFieldNames[strings.ToLower(name)]
}

// GenerateOptions controls the field-include policy.
type GenerateOptions struct {
	// IncludeAuditFields makes audit attributes writable instead of
	// export-only.
	IncludeAuditFields bool

	// IncludeAttributes forces inclusion by logical name. Wins over every
	// exclusion rule.
	IncludeAttributes []string

	// ExcludeAttributes drops attributes by logical name. Wins over the
	// default policy.
	ExcludeAttributes []string

	// ExcludeAttributePatterns drops attributes whose logical name matches
	// any of these regular expressions.
	ExcludeAttributePatterns []string

	// DisablePluginsByDefault sets the per-entity disableplugins flag.
	DisablePluginsByDefault bool
}

// Generator builds schemas from an environment's live metadata.
type Generator struct {
	client dataverse.Client
}

// NewGenerator creates a generator over the given metadata client.
func NewGenerator(client dataverse.Client) *Generator {
	return &Generator{client: client}
}

// ListEntities returns the environment's entity catalog.
func (g *Generator) ListEntities(ctx context.Context) ([]dataverse.EntitySummary, error) {
	return g.client.ListEntities(ctx)
}

// Generate builds a schema for the named entities, applying the
// field-include policy to each entity's attributes.
func (g *Generator) Generate(ctx context.Context, entityNames []string, opts GenerateOptions) (*types.Schema, error) {
	patterns, err := compilePatterns(opts.ExcludeAttributePatterns)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]bool, len(entityNames))
	for _, name := range entityNames {
		requested[strings.ToLower(name)] = true
	}

	schema := &types.Schema{}
	for _, name := range entityNames {
		md, err := g.client.EntityMetadata(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("schema: metadata for %s: %w", name, err)
		}
		entity, err := buildEntity(md, requested, patterns, opts)
		if err != nil {
			return nil, err
		}
		if err := schema.Add(entity); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return schema, nil
}

func compilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("schema: bad exclude pattern %q: %w", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func buildEntity(md *dataverse.EntityMetadata, requested map[string]bool, patterns []*regexp.Regexp, opts GenerateOptions) (*types.EntitySchema, error) {
	entity := &types.EntitySchema{
		LogicalName:      md.LogicalName,
		DisplayName:      md.DisplayName,
		ObjectTypeCode:   md.ObjectTypeCode,
		PrimaryIDField:   md.PrimaryIDAttribute,
		PrimaryNameField: md.PrimaryNameAttribute,
		DisablePlugins:   opts.DisablePluginsByDefault,
	}

	for i := range md.Attributes {
		attr := &md.Attributes[i]
		fs, keep := decideField(attr, opts, patterns)
		if !keep {
			continue
		}
		entity.Fields = append(entity.Fields, fs)
	}

	for i := range md.Relationships {
		rel := &md.Relationships[i]
		if !rel.ManyToMany {
			continue
		}
		other := rel.Entity2
		if !strings.EqualFold(rel.Entity1, md.LogicalName) {
			other = rel.Entity1
		}
		if !requested[strings.ToLower(other)] {
			debug.Logf("schema: skipping m2m %s, related entity %s not in schema\n", rel.SchemaName, other)
			continue
		}
		entity.Relationships = append(entity.Relationships, &types.RelationshipSchema{
			Name:                   rel.SchemaName,
			ManyToMany:             true,
			RelatedEntityName:      rel.IntersectEntityName,
			TargetEntity:           other,
			TargetEntityPrimaryKey: other + "id",
			IntersectEntityName:    rel.IntersectEntityName,
		})
	}

	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("schema: generated entity invalid: %w", err)
	}
	return entity, nil
}

// decideField applies the include policy to one attribute. The explicit
// include list wins over exclusions; the exclude list and patterns win over
// the default policy.
func decideField(attr *dataverse.AttributeMetadata, opts GenerateOptions, patterns []*regexp.Regexp) (*types.FieldSchema, bool) {
	name := strings.ToLower(attr.LogicalName)

	// unreadable attributes never appear in a schema
	if !attr.IsValidForRead {
		return nil, false
	}

	forced := containsFold(opts.IncludeAttributes, name)
	if !forced {
		if !attr.IsValidForCreate && !attr.IsValidForUpdate && !attr.IsPrimaryID && !auditFieldNames[name] {
			return nil, false
		}
		if containsFold(opts.ExcludeAttributes, name) || matchesAny(patterns, name) {
			return nil, false
		}
	}

	reason := ""
	switch {
	case forced:
		reason = "Explicit"
	case attr.IsPrimaryID:
		reason = "PK"
	case attr.IsCustom:
		reason = "Custom"
	case attr.IsVirtual && attr.VirtualKind == "image":
		reason = "Image"
	case attr.IsVirtual && attr.VirtualKind == "multiselectpicklist":
		reason = "MSP"
	case attr.IsVirtual:
		return nil, false
	case auditFieldNames[name]:
		reason = "Audit"
	case bpfFieldNames[name]:
		reason = "BPF"
	case attr.IsCustomizable:
		reason = "Customizable"
	default:
		return nil, false
	}

	fs := &types.FieldSchema{
		Name:           attr.LogicalName,
		DisplayName:    attr.DisplayName,
		Type:           types.ParseValueKind(attr.Type),
		PrimaryKey:     attr.IsPrimaryID,
		CustomField:    attr.IsCustom,
		ValidForCreate: attr.IsValidForCreate,
		ValidForUpdate: attr.IsValidForUpdate,
		LookupTargets:  attr.Targets,
		MaxLength:      attr.MaxLength,
		Precision:      attr.Precision,
		IncludeReason:  reason,
		AuditField:     auditFieldNames[name],
	}
	if fs.AuditField && !opts.IncludeAuditFields {
		fs.ExcludeFromWrite = true
	}
	if fs.PrimaryKey {
		fs.Type = types.KindID
	}
	return fs, true
}

func containsFold(list []string, name string) bool {
	for _, item := range list {
		if strings.EqualFold(item, name) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
