package schema

import (
	"context"
	"testing"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/types"
)

func accountMetadata() *dataverse.EntityMetadata {
	return &dataverse.EntityMetadata{
		LogicalName:          "account",
		DisplayName:          "Account",
		ObjectTypeCode:       1,
		PrimaryIDAttribute:   "accountid",
		PrimaryNameAttribute: "name",
		Attributes: []dataverse.AttributeMetadata{
			{LogicalName: "accountid", DisplayName: "Account", Type: "guid", IsPrimaryID: true, IsValidForCreate: true, IsValidForRead: true},
			{LogicalName: "name", DisplayName: "Account Name", Type: "string", IsCustomizable: true, IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true, MaxLength: 160},
			{LogicalName: "new_segment", DisplayName: "Segment", Type: "picklist", IsCustom: true, IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true},
			{LogicalName: "entityimage", DisplayName: "Image", Type: "image", IsVirtual: true, VirtualKind: "image", IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true},
			{LogicalName: "address1_composite", DisplayName: "Address", Type: "string", IsVirtual: true, IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true},
			{LogicalName: "createdon", DisplayName: "Created On", Type: "datetime", IsValidForRead: true},
			{LogicalName: "processid", DisplayName: "Process", Type: "guid", IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true},
			{LogicalName: "parentaccountid", DisplayName: "Parent Account", Type: "lookup", IsCustomizable: true, IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true, Targets: []string{"account"}},
			{LogicalName: "secretcolumn", DisplayName: "Secret", Type: "string", IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: false},
			{LogicalName: "internalstate", DisplayName: "Internal", Type: "number", IsValidForRead: true},
		},
		Relationships: []dataverse.RelationshipMetadata{
			{SchemaName: "account_contacts", ManyToMany: true, Entity1: "account", Entity2: "contact", IntersectEntityName: "accountcontacts"},
		},
	}
}

func newGeneratorEnv(t *testing.T, mds ...*dataverse.EntityMetadata) *Generator {
	t.Helper()
	fake := dataverse.NewFakeClient("https://env.crm.dynamics.com")
	for _, md := range mds {
		fake.SeedMetadata(md)
	}
	return NewGenerator(fake)
}

func TestGenerateFieldPolicy(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())

	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	e := s.Entity("account")
	if e == nil {
		t.Fatal("account missing from schema")
	}

	wantReason := map[string]string{
		"accountid":       "PK",
		"name":            "Customizable",
		"new_segment":     "Custom",
		"entityimage":     "Image",
		"createdon":       "Audit",
		"processid":       "BPF",
		"parentaccountid": "Customizable",
	}
	for name, reason := range wantReason {
		f := e.Field(name)
		if f == nil {
			t.Errorf("field %s missing", name)
			continue
		}
		if f.IncludeReason != reason {
			t.Errorf("field %s reason = %q, want %q", name, f.IncludeReason, reason)
		}
	}
	for _, excluded := range []string{"address1_composite", "secretcolumn", "internalstate"} {
		if e.Field(excluded) != nil {
			t.Errorf("field %s should be excluded", excluded)
		}
	}
}

func TestGenerateAuditFieldsExportOnlyByDefault(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())

	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	f := s.Entity("account").Field("createdon")
	if f == nil {
		t.Fatal("createdon missing")
	}
	if !f.AuditField || !f.ExcludeFromWrite {
		t.Errorf("createdon audit=%v excludeFromWrite=%v, want true/true", f.AuditField, f.ExcludeFromWrite)
	}

	s, err = g.Generate(context.Background(), []string{"account"}, GenerateOptions{IncludeAuditFields: true})
	if err != nil {
		t.Fatalf("Generate with audit: %v", err)
	}
	f = s.Entity("account").Field("createdon")
	if f == nil || f.ExcludeFromWrite {
		t.Error("includeAuditFields should make audit fields writable")
	}
}

func TestGenerateIncludeOverridesExclude(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())

	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{
		IncludeAttributes:        []string{"name"},
		ExcludeAttributes:        []string{"name", "new_segment"},
		ExcludeAttributePatterns: []string{"^parent"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	e := s.Entity("account")
	if f := e.Field("name"); f == nil {
		t.Error("explicit include must win over the exclude list")
	} else if f.IncludeReason != "Explicit" {
		t.Errorf("name reason = %q, want Explicit", f.IncludeReason)
	}
	if e.Field("new_segment") != nil {
		t.Error("exclude list must win over default inclusion")
	}
	if e.Field("parentaccountid") != nil {
		t.Error("exclude pattern must win over default inclusion")
	}
}

func TestGenerateBadPatternRejected(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())
	_, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{
		ExcludeAttributePatterns: []string{"("},
	})
	if err == nil {
		t.Error("expected error for invalid exclude pattern")
	}
}

func TestGenerateManyToManyNeedsBothEntities(t *testing.T) {
	contact := &dataverse.EntityMetadata{
		LogicalName: "contact", DisplayName: "Contact", ObjectTypeCode: 2,
		PrimaryIDAttribute: "contactid", PrimaryNameAttribute: "fullname",
		Attributes: []dataverse.AttributeMetadata{
			{LogicalName: "contactid", Type: "guid", IsPrimaryID: true, IsValidForCreate: true, IsValidForRead: true},
			{LogicalName: "fullname", Type: "string", IsCustomizable: true, IsValidForCreate: true, IsValidForUpdate: true, IsValidForRead: true},
		},
	}
	g := newGeneratorEnv(t, accountMetadata(), contact)

	// contact absent: the relationship is dropped
	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(s.Entity("account").ManyToManyRelationships()); got != 0 {
		t.Errorf("m2m count without contact = %d, want 0", got)
	}

	// both present: the relationship is kept with the intersect detail
	s, err = g.Generate(context.Background(), []string{"account", "contact"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rels := s.Entity("account").ManyToManyRelationships()
	if len(rels) != 1 {
		t.Fatalf("m2m count = %d, want 1", len(rels))
	}
	r := rels[0]
	if r.TargetEntity != "contact" || r.TargetEntityPrimaryKey != "contactid" || r.IntersectEntityName != "accountcontacts" {
		t.Errorf("m2m detail = %+v", r)
	}
}

func TestGenerateDisablePluginsDefault(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())
	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{DisablePluginsByDefault: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !s.Entity("account").DisablePlugins {
		t.Error("DisablePlugins should follow the generator default")
	}
}

func TestGeneratePrimaryKeyTyped(t *testing.T) {
	g := newGeneratorEnv(t, accountMetadata())
	s, err := g.Generate(context.Background(), []string{"account"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pk := s.Entity("account").PrimaryKeyField()
	if pk == nil {
		t.Fatal("primary key field missing")
	}
	if pk.Type != types.KindID {
		t.Errorf("pk type = %v, want KindID", pk.Type)
	}
}
