package schema

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dvtools/dvbulk/internal/types"
)

// xmlHeader is written ahead of every schema document.
const xmlHeader = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n"

// Wire structs for the schema document. Attribute order on write follows
// struct field order, which keeps the writer deterministic.

type xmlSchemaDoc struct {
	XMLName  xml.Name    `xml:"entities"`
	Entities []xmlEntity `xml:"entity"`
}

type xmlEntity struct {
	Name             string `xml:"name,attr"`
	DisplayName      string `xml:"displayname,attr"`
	Etc              string `xml:"etc,attr,omitempty"`
	PrimaryIDField   string `xml:"primaryidfield,attr,omitempty"`
	PrimaryNameField string `xml:"primarynamefield,attr,omitempty"`
	DisablePlugins   string `xml:"disableplugins,attr,omitempty"`

	Fields        xmlFields         `xml:"fields"`
	Relationships *xmlRelationships `xml:"relationships"`
	Filter        *xmlFilter        `xml:"filter"`
}

type xmlFields struct {
	Fields []xmlField `xml:"field"`
}

type xmlField struct {
	Name           string `xml:"name,attr"`
	DisplayName    string `xml:"displayname,attr"`
	Type           string `xml:"type,attr"`
	LookupType     string `xml:"lookupType,attr,omitempty"`
	PrimaryKey     string `xml:"primaryKey,attr,omitempty"`
	ValidForCreate string `xml:"isValidForCreate,attr,omitempty"`
	ValidForUpdate string `xml:"isValidForUpdate,attr,omitempty"`
	CustomField    string `xml:"customfield,attr,omitempty"`
	MaxLength      string `xml:"maxlength,attr,omitempty"`
	Precision      string `xml:"precision,attr,omitempty"`
}

type xmlRelationships struct {
	Relationships []xmlRelationship `xml:"relationship"`
}

type xmlRelationship struct {
	Name                   string `xml:"name,attr"`
	ManyToMany             string `xml:"manyToMany,attr,omitempty"`
	RelatedEntityName      string `xml:"relatedEntityName,attr,omitempty"`
	ReferencingEntity      string `xml:"referencingEntity,attr,omitempty"`
	ReferencingAttribute   string `xml:"referencingAttribute,attr,omitempty"`
	ReferencedEntity       string `xml:"referencedEntity,attr,omitempty"`
	ReferencedAttribute    string `xml:"referencedAttribute,attr,omitempty"`
	TargetEntity           string `xml:"m2mTargetEntity,attr,omitempty"`
	TargetEntityPrimaryKey string `xml:"m2mTargetEntityPrimaryKey,attr,omitempty"`
	IntersectEntityName    string `xml:"intersectEntityName,attr,omitempty"`
}

type xmlFilter struct {
	Text string `xml:",chardata"`
}

// WriteSchema serializes the schema in the strict, deterministic archive
// form: every entity attribute present, fields in declaration order.
func WriteSchema(s *types.Schema, w io.Writer) error {
	doc := xmlSchemaDoc{}
	for _, e := range s.Entities {
		xe := xmlEntity{
			Name:             e.LogicalName,
			DisplayName:      e.DisplayName,
			Etc:              strconv.Itoa(e.ObjectTypeCode),
			PrimaryIDField:   e.PrimaryIDField,
			PrimaryNameField: e.PrimaryNameField,
			DisablePlugins:   strconv.FormatBool(e.DisablePlugins),
		}
		for _, f := range e.Fields {
			xf := xmlField{
				Name:        f.Name,
				DisplayName: f.DisplayName,
				Type:        f.Type.String(),
			}
			if f.IsLookup() {
				xf.LookupType = f.LookupTypeAttr()
			}
			if f.PrimaryKey {
				xf.PrimaryKey = "true"
			}
			// write-validity attributes carry the export-only marker: a field
			// valid for neither create nor update is read and exported but
			// never submitted
			if !f.ValidForCreate || f.ExcludeFromWrite {
				xf.ValidForCreate = "false"
			}
			if !f.ValidForUpdate || f.ExcludeFromWrite {
				xf.ValidForUpdate = "false"
			}
			if f.CustomField {
				xf.CustomField = "true"
			}
			if f.MaxLength > 0 {
				xf.MaxLength = strconv.Itoa(f.MaxLength)
			}
			if f.Precision > 0 {
				xf.Precision = strconv.Itoa(f.Precision)
			}
			xe.Fields.Fields = append(xe.Fields.Fields, xf)
		}
		if len(e.Relationships) > 0 {
			rels := &xmlRelationships{}
			for _, r := range e.Relationships {
				xr := xmlRelationship{
					Name:                 r.Name,
					RelatedEntityName:    r.RelatedEntityName,
					ReferencingEntity:    r.ReferencingEntity,
					ReferencingAttribute: r.ReferencingAttribute,
					ReferencedEntity:     r.ReferencedEntity,
					ReferencedAttribute:  r.ReferencedAttribute,
				}
				if r.ManyToMany {
					xr.ManyToMany = "true"
					xr.TargetEntity = r.TargetEntity
					xr.TargetEntityPrimaryKey = r.TargetEntityPrimaryKey
					xr.IntersectEntityName = r.IntersectEntityName
				}
				rels.Relationships = append(rels.Relationships, xr)
			}
			xe.Relationships = rels
		}
		if e.FetchFilter != "" {
			xe.Filter = &xmlFilter{Text: e.FetchFilter}
		}
		doc.Entities = append(doc.Entities, xe)
	}

	if _, err := io.WriteString(w, xmlHeader); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("schema: encode: %w", err)
	}
	return enc.Close()
}

// ReadSchema parses a schema document. The reader is lenient: missing
// optional attributes adopt the documented defaults.
func ReadSchema(r io.Reader) (*types.Schema, error) {
	var doc xmlSchemaDoc
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}

	s := &types.Schema{}
	for _, xe := range doc.Entities {
		if xe.Name == "" {
			return nil, fmt.Errorf("schema: entity element missing name attribute")
		}
		e := &types.EntitySchema{
			LogicalName:      xe.Name,
			DisplayName:      xe.DisplayName,
			PrimaryIDField:   xe.PrimaryIDField,
			PrimaryNameField: xe.PrimaryNameField,
		}
		if e.PrimaryIDField == "" {
			e.PrimaryIDField = xe.Name + "id"
		}
		if e.PrimaryNameField == "" {
			e.PrimaryNameField = "name"
		}
		if xe.Etc != "" {
			n, err := strconv.Atoi(xe.Etc)
			if err != nil {
				return nil, fmt.Errorf("schema: entity %s: bad etc %q", xe.Name, xe.Etc)
			}
			e.ObjectTypeCode = n
		}
		e.DisablePlugins = parseBoolDefault(xe.DisablePlugins, false)

		for _, xf := range xe.Fields.Fields {
			if xf.Name == "" {
				return nil, fmt.Errorf("schema: entity %s: field element missing name", xe.Name)
			}
			f := &types.FieldSchema{
				Name:           xf.Name,
				DisplayName:    xf.DisplayName,
				Type:           types.ParseValueKind(xf.Type),
				PrimaryKey:     parseBoolDefault(xf.PrimaryKey, false),
				CustomField:    parseBoolDefault(xf.CustomField, false),
				ValidForCreate: parseBoolDefault(xf.ValidForCreate, true),
				ValidForUpdate: parseBoolDefault(xf.ValidForUpdate, true),
				AuditField:     IsAuditField(xf.Name),
			}
			if xf.LookupType != "" {
				f.LookupTargets = strings.Split(xf.LookupType, "|")
			}
			if xf.MaxLength != "" {
				f.MaxLength, _ = strconv.Atoi(xf.MaxLength)
			}
			if xf.Precision != "" {
				f.Precision, _ = strconv.Atoi(xf.Precision)
			}
			if f.PrimaryKey {
				f.Type = types.KindID
			}
			if f.AuditField && !f.ValidForCreate && !f.ValidForUpdate {
				f.ExcludeFromWrite = true
			}
			e.Fields = append(e.Fields, f)
		}

		if xe.Relationships != nil {
			for _, xr := range xe.Relationships.Relationships {
				e.Relationships = append(e.Relationships, &types.RelationshipSchema{
					Name:                   xr.Name,
					ManyToMany:             parseBoolDefault(xr.ManyToMany, false),
					RelatedEntityName:      xr.RelatedEntityName,
					ReferencingEntity:      xr.ReferencingEntity,
					ReferencingAttribute:   xr.ReferencingAttribute,
					ReferencedEntity:       xr.ReferencedEntity,
					ReferencedAttribute:    xr.ReferencedAttribute,
					TargetEntity:           xr.TargetEntity,
					TargetEntityPrimaryKey: xr.TargetEntityPrimaryKey,
					IntersectEntityName:    xr.IntersectEntityName,
				})
			}
		}
		if xe.Filter != nil {
			e.FetchFilter = strings.TrimSpace(xe.Filter.Text)
		}

		if err := s.Add(e); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
	}
	return s, nil
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}
