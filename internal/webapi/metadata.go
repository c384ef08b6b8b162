package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/types"
)

// odataLabel is the localized-label envelope metadata responses use.
type odataLabel struct {
	UserLocalizedLabel *struct {
		Label string `json:"Label"`
	} `json:"UserLocalizedLabel"`
}

func (l *odataLabel) text() string {
	if l == nil || l.UserLocalizedLabel == nil {
		return ""
	}
	return l.UserLocalizedLabel.Label
}

type odataBool struct {
	Value bool `json:"Value"`
}

// ListEntities returns the entity catalog.
func (c *Client) ListEntities(ctx context.Context) ([]dataverse.EntitySummary, error) {
	u := c.base + "/EntityDefinitions?$select=LogicalName,ObjectTypeCode,IsCustomEntity,EntitySetName,DisplayName&$filter=IsIntersect%20eq%20false"
	_, body, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []struct {
			LogicalName    string      `json:"LogicalName"`
			ObjectTypeCode int         `json:"ObjectTypeCode"`
			IsCustomEntity bool        `json:"IsCustomEntity"`
			EntitySetName  string      `json:"EntitySetName"`
			DisplayName    *odataLabel `json:"DisplayName"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, dataverse.Fatal("Serialization", "entity list: "+err.Error())
	}

	summaries := make([]dataverse.EntitySummary, 0, len(out.Value))
	c.mu.Lock()
	for _, e := range out.Value {
		if e.EntitySetName != "" {
			c.setNames[strings.ToLower(e.LogicalName)] = e.EntitySetName
		}
		summaries = append(summaries, dataverse.EntitySummary{
			LogicalName:    e.LogicalName,
			DisplayName:    e.DisplayName.text(),
			ObjectTypeCode: e.ObjectTypeCode,
			IsCustomEntity: e.IsCustomEntity,
		})
	}
	c.mu.Unlock()
	return summaries, nil
}

// EntityMetadata returns full attribute and relationship metadata for one
// entity: the entity row, its attributes, the lookup target lists, and both
// relationship classes.
func (c *Client) EntityMetadata(ctx context.Context, logicalName string) (*dataverse.EntityMetadata, error) {
	defURL := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(logicalName) + "')" +
		"?$select=LogicalName,ObjectTypeCode,PrimaryIdAttribute,PrimaryNameAttribute,IsCustomEntity,DisplayName"
	_, body, err := c.do(ctx, http.MethodGet, defURL, nil, nil)
	if err != nil {
		return nil, err
	}
	var def struct {
		LogicalName          string      `json:"LogicalName"`
		ObjectTypeCode       int         `json:"ObjectTypeCode"`
		PrimaryIDAttribute   string      `json:"PrimaryIdAttribute"`
		PrimaryNameAttribute string      `json:"PrimaryNameAttribute"`
		IsCustomEntity       bool        `json:"IsCustomEntity"`
		DisplayName          *odataLabel `json:"DisplayName"`
	}
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, dataverse.Fatal("Serialization", "entity metadata: "+err.Error())
	}

	md := &dataverse.EntityMetadata{
		LogicalName:          def.LogicalName,
		DisplayName:          def.DisplayName.text(),
		ObjectTypeCode:       def.ObjectTypeCode,
		PrimaryIDAttribute:   def.PrimaryIDAttribute,
		PrimaryNameAttribute: def.PrimaryNameAttribute,
		IsCustomEntity:       def.IsCustomEntity,
	}

	if err := c.fetchAttributes(ctx, logicalName, md); err != nil {
		return nil, err
	}
	if err := c.fetchRelationships(ctx, logicalName, md); err != nil {
		return nil, err
	}
	return md, nil
}

func (c *Client) fetchAttributes(ctx context.Context, logicalName string, md *dataverse.EntityMetadata) error {
	attrURL := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(logicalName) + "')/Attributes" +
		"?$select=LogicalName,AttributeType,AttributeTypeName,IsPrimaryId,IsCustomAttribute,IsValidForCreate,IsValidForUpdate,IsValidForRead,IsCustomizable,DisplayName"
	_, body, err := c.do(ctx, http.MethodGet, attrURL, nil, nil)
	if err != nil {
		return err
	}
	var attrs struct {
		Value []struct {
			LogicalName       string      `json:"LogicalName"`
			AttributeType     string      `json:"AttributeType"`
			AttributeTypeName *struct {
				Value string `json:"Value"`
			} `json:"AttributeTypeName"`
			IsPrimaryID       bool        `json:"IsPrimaryId"`
			IsCustomAttribute bool        `json:"IsCustomAttribute"`
			IsValidForCreate  bool        `json:"IsValidForCreate"`
			IsValidForUpdate  bool        `json:"IsValidForUpdate"`
			IsValidForRead    bool        `json:"IsValidForRead"`
			IsCustomizable    *odataBool  `json:"IsCustomizable"`
			DisplayName       *odataLabel `json:"DisplayName"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &attrs); err != nil {
		return dataverse.Fatal("Serialization", "attributes: "+err.Error())
	}

	// lookup target lists live on the lookup-typed subclass
	targets := make(map[string][]string)
	lookupURL := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(logicalName) + "')/Attributes/Microsoft.Dynamics.CRM.LookupAttributeMetadata?$select=LogicalName,Targets"
	if _, lbody, err := c.do(ctx, http.MethodGet, lookupURL, nil, nil); err == nil {
		var lookups struct {
			Value []struct {
				LogicalName string   `json:"LogicalName"`
				Targets     []string `json:"Targets"`
			} `json:"value"`
		}
		if json.Unmarshal(lbody, &lookups) == nil {
			for _, l := range lookups.Value {
				targets[l.LogicalName] = l.Targets
			}
		}
	}

	for _, a := range attrs.Value {
		typeName := a.AttributeType
		if a.AttributeTypeName != nil && a.AttributeTypeName.Value != "" {
			typeName = a.AttributeTypeName.Value
		}
		am := dataverse.AttributeMetadata{
			LogicalName:      a.LogicalName,
			DisplayName:      a.DisplayName.text(),
			Type:             normalizeAttrType(typeName),
			IsPrimaryID:      a.IsPrimaryID,
			IsCustom:         a.IsCustomAttribute,
			IsCustomizable:   a.IsCustomizable == nil || a.IsCustomizable.Value,
			IsValidForCreate: a.IsValidForCreate,
			IsValidForUpdate: a.IsValidForUpdate,
			IsValidForRead:   a.IsValidForRead,
			Targets:          targets[a.LogicalName],
		}
		if strings.EqualFold(a.AttributeType, "Virtual") {
			am.IsVirtual = true
			am.VirtualKind = virtualKind(typeName)
		}
		md.Attributes = append(md.Attributes, am)
	}
	return nil
}

// normalizeAttrType maps the metadata type names to the wire type names the
// schema layer parses.
func normalizeAttrType(t string) string {
	s := strings.ToLower(strings.TrimSuffix(t, "Type"))
	switch s {
	case "uniqueidentifier":
		return "guid"
	case "integer":
		return "number"
	case "double":
		return "float"
	case "datetime":
		return "datetime"
	case "memo":
		return "memo"
	case "picklist", "state", "status":
		return s
	case "lookup", "owner", "customer":
		return s
	default:
		return s
	}
}

func virtualKind(typeName string) string {
	switch strings.ToLower(strings.TrimSuffix(typeName, "Type")) {
	case "image":
		return "image"
	case "multiselectpicklist":
		return "multiselectpicklist"
	default:
		return strings.ToLower(typeName)
	}
}

func (c *Client) fetchRelationships(ctx context.Context, logicalName string, md *dataverse.EntityMetadata) error {
	m2mURL := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(logicalName) + "')/ManyToManyRelationships" +
		"?$select=SchemaName,Entity1LogicalName,Entity2LogicalName,IntersectEntityName"
	_, body, err := c.do(ctx, http.MethodGet, m2mURL, nil, nil)
	if err != nil {
		return err
	}
	var m2m struct {
		Value []struct {
			SchemaName          string `json:"SchemaName"`
			Entity1LogicalName  string `json:"Entity1LogicalName"`
			Entity2LogicalName  string `json:"Entity2LogicalName"`
			IntersectEntityName string `json:"IntersectEntityName"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &m2m); err != nil {
		return dataverse.Fatal("Serialization", "m2m relationships: "+err.Error())
	}
	for _, r := range m2m.Value {
		md.Relationships = append(md.Relationships, dataverse.RelationshipMetadata{
			SchemaName:          r.SchemaName,
			ManyToMany:          true,
			Entity1:             r.Entity1LogicalName,
			Entity2:             r.Entity2LogicalName,
			IntersectEntityName: r.IntersectEntityName,
		})
	}

	o2mURL := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(logicalName) + "')/OneToManyRelationships" +
		"?$select=SchemaName,ReferencingEntity,ReferencingAttribute,ReferencedEntity,ReferencedAttribute"
	_, body, err = c.do(ctx, http.MethodGet, o2mURL, nil, nil)
	if err != nil {
		return err
	}
	var o2m struct {
		Value []struct {
			SchemaName           string `json:"SchemaName"`
			ReferencingEntity    string `json:"ReferencingEntity"`
			ReferencingAttribute string `json:"ReferencingAttribute"`
			ReferencedEntity     string `json:"ReferencedEntity"`
			ReferencedAttribute  string `json:"ReferencedAttribute"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &o2m); err != nil {
		return dataverse.Fatal("Serialization", "1:n relationships: "+err.Error())
	}
	for _, r := range o2m.Value {
		md.Relationships = append(md.Relationships, dataverse.RelationshipMetadata{
			SchemaName:           r.SchemaName,
			ReferencingEntity:    r.ReferencingEntity,
			ReferencingAttribute: r.ReferencingAttribute,
			ReferencedEntity:     r.ReferencedEntity,
			ReferencedAttribute:  r.ReferencedAttribute,
		})
	}
	return nil
}

const lookupLogicalNameAnnotation = "@Microsoft.Dynamics.CRM.lookuplogicalname"

// QueryRecords fetches one page. The paging token is the server's nextLink
// URL; pass it back verbatim for the next page.
func (c *Client) QueryRecords(ctx context.Context, q dataverse.QueryPage) (*dataverse.RecordPage, error) {
	var u string
	if q.PagingToken != "" {
		u = q.PagingToken
	} else {
		set := c.entitySetName(ctx, q.Entity)
		params := url.Values{}
		if len(q.Fields) > 0 {
			params.Set("$select", strings.Join(q.Fields, ","))
		}
		if q.Filter != "" {
			params.Set("$filter", q.Filter)
		}
		u = c.base + "/" + set
		if enc := params.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	hdr := http.Header{}
	prefer := `odata.include-annotations="*"`
	if q.PageSize > 0 {
		prefer += fmt.Sprintf(",odata.maxpagesize=%d", q.PageSize)
	}
	hdr.Set("Prefer", prefer)

	_, body, err := c.do(ctx, http.MethodGet, u, nil, hdr)
	if err != nil {
		return nil, err
	}

	var out struct {
		Value    []map[string]json.RawMessage `json:"value"`
		NextLink string                       `json:"@odata.nextLink"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, dataverse.Fatal("Serialization", "query page: "+err.Error())
	}

	page := &dataverse.RecordPage{PagingToken: out.NextLink, TotalCount: -1}
	idField := strings.ToLower(q.Entity) + "id"
	for _, row := range out.Value {
		rec, err := decodeRow(q.Entity, idField, row)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// decodeRow converts one OData row into a record. Lookup columns arrive as
// _name_value plus a logical-name annotation; other values keep their JSON
// shape (the engine re-types against the schema where it matters).
func decodeRow(entity, idField string, row map[string]json.RawMessage) (*types.Record, error) {
	id := uuid.Nil
	if raw, ok := row[idField]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			id, _ = uuid.Parse(s)
		}
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	rec := types.NewRecord(entity, id)

	for key, raw := range row {
		if strings.HasPrefix(key, "@") || strings.Contains(key, "@") {
			continue
		}
		if key == idField {
			rec.Set(key, types.IDValue(id))
			continue
		}
		if strings.HasPrefix(key, "_") && strings.HasSuffix(key, "_value") {
			var s string
			if json.Unmarshal(raw, &s) != nil || s == "" {
				continue
			}
			refID, err := uuid.Parse(s)
			if err != nil {
				continue
			}
			field := key[1 : len(key)-len("_value")]
			target := ""
			if ann, ok := row[key+lookupLogicalNameAnnotation]; ok {
				_ = json.Unmarshal(ann, &target)
			}
			rec.Set(field, types.RefValue(target, refID, ""))
			continue
		}
		if v, ok := decodeScalar(raw); ok {
			rec.Set(key, v)
		}
	}
	return rec, nil
}

func decodeScalar(raw json.RawMessage) (types.Value, bool) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return types.StringValue(s), true
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return types.BoolValue(b), true
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if i, err := n.Int64(); err == nil {
			if i >= -1<<31 && i < 1<<31 {
				return types.Int32Value(int32(i)), true
			}
			return types.Int64Value(i), true
		}
		if f, err := n.Float64(); err == nil {
			return types.FloatValue(f), true
		}
	}
	return types.Value{}, false
}

// QueryAssociations fetches the N:N memberships of the given source ids by
// expanding the relationship collection per source.
func (c *Client) QueryAssociations(ctx context.Context, relationship, sourceEntity string, sourceIDs []uuid.UUID) ([]*types.ManyToManyAssociation, error) {
	set := c.entitySetName(ctx, sourceEntity)
	var out []*types.ManyToManyAssociation
	for _, src := range sourceIDs {
		u := fmt.Sprintf("%s/%s(%s)/%s", c.base, set, src, url.PathEscape(relationship))
		_, body, err := c.do(ctx, http.MethodGet, u, nil, nil)
		if err != nil {
			if re := dataverse.AsRemote(err); re != nil && re.StatusCode == http.StatusNotFound {
				continue
			}
			return nil, err
		}
		var rows struct {
			Value []map[string]json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, dataverse.Fatal("Serialization", "associations: "+err.Error())
		}
		if len(rows.Value) == 0 {
			continue
		}
		a := &types.ManyToManyAssociation{
			RelationshipName: relationship,
			SourceEntity:     sourceEntity,
			SourceID:         src,
		}
		for _, row := range rows.Value {
			if tid, ok := rowPrimaryID(row); ok {
				a.AddTarget(tid)
			}
		}
		if len(a.TargetIDs) > 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

// rowPrimaryID finds the primary id column of a row whose entity we do not
// know: the first "<name>id" key holding a guid.
func rowPrimaryID(row map[string]json.RawMessage) (uuid.UUID, bool) {
	for key, raw := range row {
		if strings.Contains(key, "@") || !strings.HasSuffix(key, "id") {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// LookupByKey resolves a record id from an alternate key value with a keyed
// filter query.
func (c *Client) LookupByKey(ctx context.Context, entity, keyField, keyValue string) (uuid.UUID, error) {
	set := c.entitySetName(ctx, entity)
	idField := strings.ToLower(entity) + "id"
	params := url.Values{}
	params.Set("$select", idField)
	params.Set("$filter", fmt.Sprintf("%s eq '%s'", keyField, strings.ReplaceAll(keyValue, "'", "''")))
	params.Set("$top", "1")

	_, body, err := c.do(ctx, http.MethodGet, c.base+"/"+set+"?"+params.Encode(), nil, nil)
	if err != nil {
		return uuid.Nil, err
	}
	var out struct {
		Value []map[string]string `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return uuid.Nil, dataverse.Fatal("Serialization", "lookup: "+err.Error())
	}
	if len(out.Value) == 0 {
		return uuid.Nil, dataverse.NotFound
	}
	id, err := uuid.Parse(out.Value[0][idField])
	if err != nil {
		return uuid.Nil, dataverse.Fatal("Serialization", "lookup: bad id in response")
	}
	return id, nil
}
