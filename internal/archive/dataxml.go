// Package archive reads and writes migration archives: a zip container
// holding the schema document, the data document, and the content-types
// declaration.
package archive

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvtools/dvbulk/internal/types"
)

const xmlHeader = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n"

// wireTimeLayout is the timestamp form of the data document: ISO 8601 UTC
// with seven fractional digits.
const wireTimeLayout = "2006-01-02T15:04:05.0000000Z"

type xmlDataDoc struct {
	XMLName   xml.Name        `xml:"entities"`
	Timestamp string          `xml:"timestamp,attr,omitempty"`
	Entities  []xmlDataEntity `xml:"entity"`
}

type xmlDataEntity struct {
	Name        string      `xml:"name,attr"`
	DisplayName string      `xml:"displayname,attr,omitempty"`
	Records     xmlRecords  `xml:"records"`
	M2M         *xmlM2MRels `xml:"m2mrelationships"`
}

type xmlRecords struct {
	Records []xmlRecord `xml:"record"`
}

type xmlRecord struct {
	ID     string         `xml:"id,attr"`
	Fields []xmlDataField `xml:"field"`
}

type xmlDataField struct {
	Name             string `xml:"name,attr"`
	Value            string `xml:"value,attr"`
	Type             string `xml:"type,attr,omitempty"`
	LookupEntity     string `xml:"lookupentity,attr,omitempty"`
	LookupEntityName string `xml:"lookupentityname,attr,omitempty"`
	Text             string `xml:",chardata"`
}

type xmlM2MRels struct {
	Rels []xmlM2MRel `xml:"m2mrelationship"`
}

type xmlM2MRel struct {
	SourceID         string   `xml:"sourceid,attr"`
	TargetEntityName string   `xml:"targetentityname,attr"`
	TargetIDField    string   `xml:"targetentitynameidfield,attr"`
	RelationshipName string   `xml:"m2mrelationshipname,attr"`
	TargetIDs        []string `xml:"targetids>targetid"`
}

// WriteData serializes the data document. Entities are emitted in schema
// declaration order when a schema is present, otherwise sorted by name.
func WriteData(data *types.MigrationData, w io.Writer) error {
	doc := xmlDataDoc{Timestamp: data.ExportedAt.UTC().Format(wireTimeLayout)}

	names := data.Entities()
	if data.Schema != nil {
		names = orderBySchema(data.Schema, names)
	}

	for _, name := range names {
		xe := xmlDataEntity{Name: name}
		if data.Schema != nil {
			if es := data.Schema.Entity(name); es != nil {
				xe.DisplayName = es.DisplayName
			}
		}
		for _, rec := range data.EntityRecords[name] {
			xr := xmlRecord{ID: rec.ID.String()}
			for _, fname := range rec.Fields() {
				v, _ := rec.Get(fname)
				xf := xmlDataField{
					Name:  fname,
					Value: v.WireString(),
					Type:  v.Kind.String(),
				}
				if v.Kind == types.KindRef {
					xf.LookupEntity = v.Ref.Entity
					xf.LookupEntityName = v.Ref.DisplayName
				}
				xr.Fields = append(xr.Fields, xf)
			}
			xe.Records.Records = append(xe.Records.Records, xr)
		}
		if assocs := data.Associations[name]; len(assocs) > 0 {
			m2m := &xmlM2MRels{}
			for _, a := range assocs {
				xa := xmlM2MRel{
					SourceID:         a.SourceID.String(),
					TargetEntityName: a.TargetEntity,
					TargetIDField:    a.TargetIDField,
					RelationshipName: a.RelationshipName,
				}
				for _, id := range a.TargetIDs {
					xa.TargetIDs = append(xa.TargetIDs, id.String())
				}
				m2m.Rels = append(m2m.Rels, xa)
			}
			xe.M2M = m2m
		}
		doc.Entities = append(doc.Entities, xe)
	}

	if _, err := io.WriteString(w, xmlHeader); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("archive: encode data: %w", err)
	}
	return enc.Close()
}

// ReadData parses a data document against the given schema. The schema
// supplies field types when the document omits the type attribute; unknown
// fields fall back to string.
func ReadData(r io.Reader, schema *types.Schema) (*types.MigrationData, error) {
	var doc xmlDataDoc
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("archive: parse data: %w", err)
	}

	data := types.NewMigrationData(schema)
	if doc.Timestamp != "" {
		if ts, err := parseWireTime(doc.Timestamp); err == nil {
			data.ExportedAt = ts
		}
	}

	for _, xe := range doc.Entities {
		if xe.Name == "" {
			return nil, fmt.Errorf("archive: entity element missing name")
		}
		var es *types.EntitySchema
		if schema != nil {
			es = schema.Entity(xe.Name)
		}
		for _, xr := range xe.Records.Records {
			id, err := uuid.Parse(xr.ID)
			if err != nil {
				return nil, fmt.Errorf("archive: entity %s: bad record id %q", xe.Name, xr.ID)
			}
			rec := types.NewRecord(xe.Name, id)
			for _, xf := range xr.Fields {
				v, err := parseFieldValue(xf, es)
				if err != nil {
					return nil, fmt.Errorf("archive: %s/%s field %s: %w", xe.Name, xr.ID, xf.Name, err)
				}
				rec.Set(xf.Name, v)
			}
			data.EntityRecords[xe.Name] = append(data.EntityRecords[xe.Name], rec)
		}
		if xe.M2M != nil {
			for _, xa := range xe.M2M.Rels {
				src, err := uuid.Parse(xa.SourceID)
				if err != nil {
					return nil, fmt.Errorf("archive: entity %s: bad m2m sourceid %q", xe.Name, xa.SourceID)
				}
				a := &types.ManyToManyAssociation{
					RelationshipName: xa.RelationshipName,
					SourceEntity:     xe.Name,
					SourceID:         src,
					TargetEntity:     xa.TargetEntityName,
					TargetIDField:    xa.TargetIDField,
				}
				for _, raw := range xa.TargetIDs {
					tid, err := uuid.Parse(strings.TrimSpace(raw))
					if err != nil {
						return nil, fmt.Errorf("archive: m2m %s: bad targetid %q", xa.RelationshipName, raw)
					}
					a.AddTarget(tid)
				}
				data.Associations[xe.Name] = append(data.Associations[xe.Name], a)
			}
		}
	}
	return data, nil
}

// parseFieldValue decodes one field element. Type comes from the attribute
// when present, the schema otherwise, string as the last resort. Lookup
// guids are accepted from the value attribute or, for legacy documents, the
// element text.
func parseFieldValue(xf xmlDataField, es *types.EntitySchema) (types.Value, error) {
	kind := types.KindString
	switch {
	case xf.Type != "":
		kind = types.ParseValueKind(xf.Type)
	case es != nil && es.Field(xf.Name) != nil:
		kind = es.Field(xf.Name).Type
	}
	if xf.LookupEntity != "" {
		kind = types.KindRef
	}

	raw := xf.Value
	if raw == "" {
		raw = strings.TrimSpace(xf.Text)
	}

	switch kind {
	case types.KindString:
		return types.StringValue(raw), nil
	case types.KindInt32:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad number %q", raw)
		}
		return types.Int32Value(int32(n)), nil
	case types.KindInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad bigint %q", raw)
		}
		return types.Int64Value(n), nil
	case types.KindDecimal, types.KindMoney:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad decimal %q", raw)
		}
		if kind == types.KindMoney {
			return types.MoneyValue(d), nil
		}
		return types.DecimalValue(d), nil
	case types.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad float %q", raw)
		}
		return types.FloatValue(f), nil
	case types.KindBool:
		switch strings.ToLower(raw) {
		case "1", "true":
			return types.BoolValue(true), nil
		case "0", "false":
			return types.BoolValue(false), nil
		}
		return types.Value{}, fmt.Errorf("bad bool %q", raw)
	case types.KindTime:
		ts, err := parseWireTime(raw)
		if err != nil {
			return types.Value{}, err
		}
		return types.TimeValue(ts), nil
	case types.KindID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad guid %q", raw)
		}
		return types.IDValue(id), nil
	case types.KindRef:
		id, err := uuid.Parse(raw)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad lookup guid %q", raw)
		}
		return types.RefValue(xf.LookupEntity, id, xf.LookupEntityName), nil
	case types.KindOption:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad optionset value %q", raw)
		}
		return types.OptionValue(int32(n)), nil
	default:
		return types.StringValue(raw), nil
	}
}

func parseWireTime(s string) (time.Time, error) {
	if ts, err := time.Parse(wireTimeLayout, s); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return ts.UTC(), nil
}

func orderBySchema(s *types.Schema, names []string) []string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[strings.ToLower(n)] = true
	}
	var out []string
	for _, e := range s.Entities {
		if seen[strings.ToLower(e.LogicalName)] {
			out = append(out, e.LogicalName)
			delete(seen, strings.ToLower(e.LogicalName))
		}
	}
	// entities with data but no schema entry go last, in sorted order
	for _, n := range names {
		if seen[strings.ToLower(n)] {
			out = append(out, n)
		}
	}
	return out
}
