package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
)

const testEndpoint = "https://target.crm.dynamics.com"

func newEngineEnv(t *testing.T) (*Engine, *dataverse.FakeClient) {
	t.Helper()
	fake := dataverse.NewFakeClient(testEndpoint)
	src, err := pool.NewSource(pool.SourceConfig{
		Name:     "target",
		Endpoint: testEndpoint,
		Factory: func(ctx context.Context) (dataverse.Client, error) {
			return fake, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := throttle.NewTracker()
	p, err := pool.New(pool.DefaultConfig(tr), src)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return New(p, tr, nil), fake
}

// selfRefSchema declares account with a self-referencing parent lookup.
func selfRefSchema(t *testing.T) *types.Schema {
	t.Helper()
	s, err := types.NewSchema(&types.EntitySchema{
		LogicalName: "account", DisplayName: "Account",
		PrimaryIDField: "accountid", PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "name", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
			{Name: "parentaccountid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"account"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestImportDefersSelfReference(t *testing.T) {
	eng, fake := newEngineEnv(t)
	fake.ValidateReferences = true

	parent := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	child := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	data := types.NewMigrationData(selfRefSchema(t))
	p := types.NewRecord("account", parent)
	p.Set("accountid", types.IDValue(parent))
	p.Set("name", types.StringValue("Parent"))
	c := types.NewRecord("account", child)
	c.Set("accountid", types.IDValue(child))
	c.Set("name", types.StringValue("Child"))
	c.Set("parentaccountid", types.RefValue("account", parent, "Parent"))
	data.EntityRecords["account"] = []*types.Record{p, c}

	res, err := eng.Import(context.Background(), data, DefaultImportOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.FailureCount != 0 {
		t.Fatalf("failures: %+v", res.Errors)
	}
	// two creates plus one deferred-field update
	if res.CreatedCount != 2 || res.UpdatedCount != 1 {
		t.Errorf("created/updated = %d/%d, want 2/1", res.CreatedCount, res.UpdatedCount)
	}

	stored := fake.Record("account", child)
	if stored == nil {
		t.Fatal("child record missing")
	}
	v, ok := stored.Get("parentaccountid")
	if !ok || v.Ref.ID != parent {
		t.Errorf("deferred lookup not applied: %+v", v)
	}
}

func TestImportCyclicEntities(t *testing.T) {
	eng, fake := newEngineEnv(t)
	fake.ValidateReferences = true

	s, err := types.NewSchema(
		&types.EntitySchema{
			LogicalName: "account", PrimaryIDField: "accountid", PrimaryNameField: "name",
			Fields: []*types.FieldSchema{
				{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
				{Name: "primarycontactid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"contact"}},
			},
		},
		&types.EntitySchema{
			LogicalName: "contact", PrimaryIDField: "contactid", PrimaryNameField: "fullname",
			Fields: []*types.FieldSchema{
				{Name: "contactid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
				{Name: "parentcustomerid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"account"}},
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	accountID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	contactID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	data := types.NewMigrationData(s)
	a := types.NewRecord("account", accountID)
	a.Set("accountid", types.IDValue(accountID))
	a.Set("primarycontactid", types.RefValue("contact", contactID, ""))
	c := types.NewRecord("contact", contactID)
	c.Set("contactid", types.IDValue(contactID))
	c.Set("parentcustomerid", types.RefValue("account", accountID, ""))
	data.EntityRecords["account"] = []*types.Record{a}
	data.EntityRecords["contact"] = []*types.Record{c}

	res, err := eng.Import(context.Background(), data, DefaultImportOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.FailureCount != 0 {
		t.Fatalf("failures: %+v", res.Errors)
	}
	if res.CreatedCount != 2 || res.UpdatedCount != 2 {
		t.Errorf("created/updated = %d/%d, want 2/2", res.CreatedCount, res.UpdatedCount)
	}
	gotA := fake.Record("account", accountID)
	if v, ok := gotA.Get("primarycontactid"); !ok || v.Ref.ID != contactID {
		t.Errorf("account cycle lookup not applied: %+v", v)
	}
	gotC := fake.Record("contact", contactID)
	if v, ok := gotC.Get("parentcustomerid"); !ok || v.Ref.ID != accountID {
		t.Errorf("contact cycle lookup not applied: %+v", v)
	}
}

func TestImportAssociationPassDeduplicates(t *testing.T) {
	eng, fake := newEngineEnv(t)

	accountID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	contact1 := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	contact2 := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	data := types.NewMigrationData(selfRefSchema(t))
	a := types.NewRecord("account", accountID)
	a.Set("accountid", types.IDValue(accountID))
	data.EntityRecords["account"] = []*types.Record{a}
	// the same membership listed twice must associate once
	data.Associations["account"] = []*types.ManyToManyAssociation{
		{
			RelationshipName: "account_contacts", SourceEntity: "account", SourceID: accountID,
			TargetEntity: "contact", TargetIDField: "contactid",
			TargetIDs: []uuid.UUID{contact1, contact2},
		},
		{
			RelationshipName: "account_contacts", SourceEntity: "account", SourceID: accountID,
			TargetEntity: "contact", TargetIDField: "contactid",
			TargetIDs: []uuid.UUID{contact1},
		},
	}

	res, err := eng.Import(context.Background(), data, DefaultImportOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.FailureCount != 0 {
		t.Fatalf("failures: %+v", res.Errors)
	}
	if got := fake.AssociationCount(); got != 2 {
		t.Errorf("associations = %d, want 2 unique triples", got)
	}
	if !fake.HasAssociation("account_contacts", accountID, contact1) ||
		!fake.HasAssociation("account_contacts", accountID, contact2) {
		t.Error("expected both memberships present")
	}
}

func TestImportUserMapping(t *testing.T) {
	eng, fake := newEngineEnv(t)

	recID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	sourceUser := uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	targetUser := uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	unmappedUser := uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")

	s, err := types.NewSchema(&types.EntitySchema{
		LogicalName: "account", PrimaryIDField: "accountid", PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "ownerid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"systemuser"}},
			{Name: "createdby", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"systemuser"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	data := types.NewMigrationData(s)
	rec := types.NewRecord("account", recID)
	rec.Set("accountid", types.IDValue(recID))
	rec.Set("ownerid", types.RefValue("systemuser", sourceUser, "Source Owner"))
	rec.Set("createdby", types.RefValue("systemuser", unmappedUser, "Gone User"))
	data.EntityRecords["account"] = []*types.Record{rec}

	opts := DefaultImportOptions()
	opts.UserMapping = map[uuid.UUID]uuid.UUID{sourceUser: targetUser}
	res, err := eng.Import(context.Background(), data, opts)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.FailureCount != 0 {
		t.Fatalf("failures: %+v", res.Errors)
	}

	stored := fake.Record("account", recID)
	if v, ok := stored.Get("ownerid"); !ok || v.Ref.ID != targetUser {
		t.Errorf("ownerid not remapped: %+v", v)
	}
	if _, ok := stored.Get("createdby"); ok {
		t.Error("unmapped user reference should be stripped")
	}
}

func TestImportStripOwnerFields(t *testing.T) {
	eng, fake := newEngineEnv(t)

	recID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	s, _ := types.NewSchema(&types.EntitySchema{
		LogicalName: "account", PrimaryIDField: "accountid", PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "name", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
			{Name: "ownerid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"systemuser"}},
		},
	})
	data := types.NewMigrationData(s)
	rec := types.NewRecord("account", recID)
	rec.Set("accountid", types.IDValue(recID))
	rec.Set("name", types.StringValue("Fabrikam"))
	rec.Set("ownerid", types.RefValue("systemuser", uuid.New(), ""))
	data.EntityRecords["account"] = []*types.Record{rec}

	opts := DefaultImportOptions()
	opts.StripOwnerFields = true
	if _, err := eng.Import(context.Background(), data, opts); err != nil {
		t.Fatalf("Import: %v", err)
	}
	stored := fake.Record("account", recID)
	if _, ok := stored.Get("ownerid"); ok {
		t.Error("ownerid should be stripped")
	}
	if _, ok := stored.Get("name"); !ok {
		t.Error("unrelated fields must survive")
	}
}

func TestImportDryRunMakesNoRemoteCalls(t *testing.T) {
	eng, fake := newEngineEnv(t)

	data := types.NewMigrationData(selfRefSchema(t))
	for i := 0; i < 3; i++ {
		id := uuid.New()
		rec := types.NewRecord("account", id)
		rec.Set("accountid", types.IDValue(id))
		data.EntityRecords["account"] = append(data.EntityRecords["account"], rec)
	}

	opts := DefaultImportOptions()
	opts.DryRun = true
	res, err := eng.Import(context.Background(), data, opts)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !res.Success || res.SuccessCount != 3 {
		t.Errorf("dry run result = %+v", res)
	}
	if got := fake.BatchCallCount("account"); got != 0 {
		t.Errorf("dry run issued %d remote calls", got)
	}
	if fake.RecordCount("account") != 0 {
		t.Error("dry run must not write records")
	}
}

func TestImportUpsertMode(t *testing.T) {
	eng, fake := newEngineEnv(t)

	existingID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	existing := types.NewRecord("account", existingID)
	existing.Set("accountnumber", types.StringValue("ACME-1"))
	existing.Set("name", types.StringValue("Old Name"))
	fake.SeedRecord(existing)

	s, _ := types.NewSchema(&types.EntitySchema{
		LogicalName: "account", PrimaryIDField: "accountid", PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "accountnumber", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
			{Name: "name", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
		},
	})
	data := types.NewMigrationData(s)
	incomingID := uuid.New()
	rec := types.NewRecord("account", incomingID)
	rec.Set("accountnumber", types.StringValue("ACME-1"))
	rec.Set("name", types.StringValue("New Name"))
	data.EntityRecords["account"] = []*types.Record{rec}

	opts := DefaultImportOptions()
	opts.Mode = ModeUpsert
	opts.UpsertKeys = map[string][]string{"account": {"accountnumber"}}
	res, err := eng.Import(context.Background(), data, opts)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.UpdatedCount != 1 || res.CreatedCount != 0 {
		t.Errorf("updated/created = %d/%d, want 1/0", res.UpdatedCount, res.CreatedCount)
	}
	got := fake.Record("account", existingID)
	if v, _ := got.Get("name"); v.Str != "New Name" {
		t.Errorf("upsert did not update name: %+v", v)
	}
	if fake.RecordCount("account") != 1 {
		t.Errorf("upsert created a duplicate, count = %d", fake.RecordCount("account"))
	}
}

func TestImportPartialFailureContinues(t *testing.T) {
	eng, fake := newEngineEnv(t)
	fake.ValidateReferences = true

	s, _ := types.NewSchema(&types.EntitySchema{
		LogicalName: "contact", PrimaryIDField: "contactid", PrimaryNameField: "fullname",
		Fields: []*types.FieldSchema{
			{Name: "contactid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "ownerid", Type: types.KindRef, ValidForCreate: true, ValidForUpdate: true, LookupTargets: []string{"team"}},
		},
	})
	data := types.NewMigrationData(s)
	good := types.NewRecord("contact", uuid.New())
	good.Set("contactid", types.IDValue(good.ID))
	bad := types.NewRecord("contact", uuid.New())
	bad.Set("contactid", types.IDValue(bad.ID))
	bad.Set("ownerid", types.RefValue("team", uuid.New(), "")) // team does not exist
	data.EntityRecords["contact"] = []*types.Record{good, bad}

	res, err := eng.Import(context.Background(), data, DefaultImportOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Success {
		t.Error("partial failure must not report success")
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", res.SuccessCount, res.FailureCount)
	}
	if len(res.Errors) != 1 || res.Errors[0].ErrorCode != types.ErrCodeMissingReference {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestExportPagesAndAssociations(t *testing.T) {
	eng, fake := newEngineEnv(t)

	s, _ := types.NewSchema(&types.EntitySchema{
		LogicalName: "account", DisplayName: "Account",
		PrimaryIDField: "accountid", PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "name", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
		},
		Relationships: []*types.RelationshipSchema{
			{Name: "account_contacts", ManyToMany: true, TargetEntity: "contact", TargetEntityPrimaryKey: "contactid", IntersectEntityName: "accountcontacts"},
		},
	})

	var firstID uuid.UUID
	for i := 0; i < 7; i++ {
		id := uuid.New()
		if i == 0 {
			firstID = id
		}
		rec := types.NewRecord("account", id)
		rec.Set("accountid", types.IDValue(id))
		fake.SeedRecord(rec)
	}
	contactID := uuid.New()
	fake.SeedRecord(types.NewRecord("contact", contactID))
	// seed an existing membership through the write path
	fakeAssoc := &types.Operation{
		Kind: types.OpAssociate, Entity: "account",
		Relationship: "account_contacts", SourceID: firstID,
		TargetEntity: "contact", TargetID: contactID,
	}
	if _, err := fake.Execute(context.Background(), &dataverse.Request{Op: fakeAssoc}); err != nil {
		t.Fatal(err)
	}

	data, err := eng.Export(context.Background(), s, ExportOptions{PageSize: 3})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := len(data.EntityRecords["account"]); got != 7 {
		t.Errorf("exported records = %d, want 7", got)
	}

	queries := 0
	for _, call := range fake.Calls {
		if call.Kind == "query" && call.Entity == "account" {
			queries++
		}
	}
	if queries != 3 {
		t.Errorf("query calls = %d, want 3 pages", queries)
	}

	assocs := data.Associations["account"]
	if len(assocs) != 1 || len(assocs[0].TargetIDs) != 1 || assocs[0].TargetIDs[0] != contactID {
		t.Errorf("exported associations = %+v", assocs)
	}
	if assocs[0].TargetEntity != "contact" || assocs[0].TargetIDField != "contactid" {
		t.Errorf("association detail not backfilled from schema: %+v", assocs[0])
	}
}

func TestExportEmptySchemaRejected(t *testing.T) {
	eng, _ := newEngineEnv(t)
	if _, err := eng.Export(context.Background(), &types.Schema{}, ExportOptions{}); err == nil {
		t.Error("expected error for empty schema")
	}
}
