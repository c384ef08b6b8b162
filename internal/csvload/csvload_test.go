package csvload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/executor"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
)

const testEndpoint = "https://env.crm.dynamics.com"

func newLoadEnv(t *testing.T) (*Loader, *dataverse.FakeClient) {
	t.Helper()
	fake := dataverse.NewFakeClient(testEndpoint)
	src, err := pool.NewSource(pool.SourceConfig{
		Name:     "test",
		Endpoint: testEndpoint,
		Factory: func(ctx context.Context) (dataverse.Client, error) {
			return fake, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	tr := throttle.NewTracker()
	cfg := pool.DefaultConfig(tr)
	cfg.RequestedDop = 1
	p, err := pool.New(cfg, src)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Close)
	return NewLoader(p, tr, nil), fake
}

func fastPolicy(batchSize int) executor.Policy {
	p := executor.DefaultPolicy()
	p.BatchSize = batchSize
	p.Retry.BaseDelay = time.Millisecond
	p.Retry.MaxDelay = 5 * time.Millisecond
	p.Retry.Jitter = 0
	return p
}

func accountMapping() *Mapping {
	return &Mapping{
		EntityLogicalName: "account",
		Columns: map[string]ColumnMapping{
			"Company Name": {TargetField: "name", Status: StatusAutoMatched},
			"Employees":    {TargetField: "numberofemployees", Status: StatusAutoMatched},
			"Internal ID":  {TargetField: "ignoreme", Status: StatusNoMatch},
		},
	}
}

func accountSchema() *types.EntitySchema {
	return &types.EntitySchema{
		LogicalName:      "account",
		PrimaryIDField:   "accountid",
		PrimaryNameField: "name",
		Fields: []*types.FieldSchema{
			{Name: "accountid", Type: types.KindID, PrimaryKey: true, ValidForCreate: true},
			{Name: "name", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
			{Name: "numberofemployees", Type: types.KindInt32, ValidForCreate: true, ValidForUpdate: true},
			{Name: "accountnumber", Type: types.KindString, ValidForCreate: true, ValidForUpdate: true},
		},
	}
}

const fiveRowCSV = `Company Name,Employees,Internal ID
Contoso,10,x1
Fabrikam,20,x2
Adventure Works,30,x3
Northwind,40,x4
Tailspin,50,x5
`

func TestLoadBatchesBySize(t *testing.T) {
	l, fake := newLoadEnv(t)

	res, err := l.Load(context.Background(), strings.NewReader(fiveRowCSV),
		accountMapping(), accountSchema(), fastPolicy(2))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 5 || res.FailureCount != 0 {
		t.Errorf("counts = %d/%d, want 5/0", res.SuccessCount, res.FailureCount)
	}
	// 5 rows at batch size 2 must produce exactly 3 remote calls
	if got := fake.BatchCallCount("account"); got != 3 {
		t.Errorf("batch calls = %d, want 3", got)
	}
	if got := fake.RecordCount("account"); got != 5 {
		t.Errorf("stored records = %d, want 5", got)
	}
}

func TestLoadConvertsTypesFromSchema(t *testing.T) {
	l, fake := newLoadEnv(t)

	res, err := l.Load(context.Background(), strings.NewReader(fiveRowCSV),
		accountMapping(), accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 5 {
		t.Fatalf("SuccessCount = %d, want 5", res.SuccessCount)
	}
	found := false
	// scan the store for the Contoso row and check its typed employee count
	for _, id := range storedIDs(fake, 5) {
		rec := fake.Record("account", id)
		name, _ := rec.Get("name")
		if name.Str != "Contoso" {
			continue
		}
		emp, ok := rec.Get("numberofemployees")
		if !ok || emp.Kind != types.KindInt32 || emp.I32 != 10 {
			t.Errorf("numberofemployees = %+v, want int32 10", emp)
		}
		found = true
	}
	if !found {
		t.Error("Contoso row not stored")
	}
}

// storedIDs collects the ids present in the fake by probing the query path.
func storedIDs(fake *dataverse.FakeClient, n int) []uuid.UUID {
	page, _ := fake.QueryRecords(context.Background(), dataverse.QueryPage{
		Entity: "account", PageSize: n,
	})
	ids := make([]uuid.UUID, 0, len(page.Records))
	for _, rec := range page.Records {
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestLoadRetriesThrottledBatch(t *testing.T) {
	l, fake := newLoadEnv(t)
	fake.InjectFault(dataverse.Fault{
		Entity:       "account",
		BatchOrdinal: 2,
		Err:          dataverse.Throttle(2 * time.Millisecond),
	})

	res, err := l.Load(context.Background(), strings.NewReader(fiveRowCSV),
		accountMapping(), accountSchema(), fastPolicy(2))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 5 || res.FailureCount != 0 {
		t.Errorf("counts = %d/%d, want 5/0", res.SuccessCount, res.FailureCount)
	}
	// one throttled batch retried once: 3 batches + 1 retry
	if got := fake.BatchCallCount("account"); got != 4 {
		t.Errorf("batch calls = %d, want 4", got)
	}
	if got := fake.RecordCount("account"); got != 5 {
		t.Errorf("stored records = %d, want 5 (no duplicates)", got)
	}
}

func TestLoadRowRefIsDataRowNumber(t *testing.T) {
	l, fake := newLoadEnv(t)
	fake.InjectFault(dataverse.Fault{
		Entity:       "account",
		BatchOrdinal: 1,
		RowErrs: map[int]*dataverse.RemoteError{
			2: dataverse.RecordFailure(types.ErrCodeValidation, "name too long"),
		},
	})

	res, err := l.Load(context.Background(), strings.NewReader(fiveRowCSV),
		accountMapping(), accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 4 || res.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 4/1", res.SuccessCount, res.FailureCount)
	}
	// batch row index 2 is the third data row
	if got := res.Errors[0].RowRef; got != "3" {
		t.Errorf("RowRef = %q, want %q", got, "3")
	}
}

func TestLoadResolvesLookupColumns(t *testing.T) {
	l, fake := newLoadEnv(t)
	parentID := uuid.New()
	fake.SeedKey("account", "accountnumber", "ACC-001", parentID)
	fake.SeedRecord(types.NewRecord("account", parentID))

	mapping := accountMapping()
	mapping.Columns["Parent Account"] = ColumnMapping{
		TargetField:        "parentaccountid",
		Status:             StatusNeedsConfig,
		LookupTargetEntity: "account",
		LookupKeyField:     "accountnumber",
	}

	csv := "Company Name,Parent Account\nContoso,ACC-001\n"
	res, err := l.Load(context.Background(), strings.NewReader(csv),
		mapping, accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", res.SuccessCount)
	}
	for _, id := range storedIDs(fake, 10) {
		if id == parentID {
			continue
		}
		rec := fake.Record("account", id)
		v, ok := rec.Get("parentaccountid")
		if !ok || v.Kind != types.KindRef || v.Ref.ID != parentID {
			t.Errorf("parentaccountid = %+v, want ref to %s", v, parentID)
		}
	}
}

func TestLoadUnresolvedLookupFailsRowLocally(t *testing.T) {
	l, fake := newLoadEnv(t)

	mapping := accountMapping()
	mapping.Columns["Parent Account"] = ColumnMapping{
		TargetField:        "parentaccountid",
		Status:             StatusNeedsConfig,
		LookupTargetEntity: "account",
		LookupKeyField:     "accountnumber",
	}

	csv := "Company Name,Parent Account\nContoso,NOPE\nFabrikam,\n"
	res, err := l.Load(context.Background(), strings.NewReader(csv),
		mapping, accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", res.SuccessCount, res.FailureCount)
	}
	re := res.Errors[0]
	if re.RowRef != "1" || re.ErrorCode != types.ErrCodeMissingReference {
		t.Errorf("error = %+v, want row 1 MissingReference", re)
	}
	// the failed row must never reach the server
	if got := fake.RecordCount("account"); got != 1 {
		t.Errorf("stored records = %d, want 1", got)
	}
}

func TestLoadCachesLookupResolution(t *testing.T) {
	l, fake := newLoadEnv(t)
	parentID := uuid.New()
	fake.SeedKey("account", "accountnumber", "ACC-001", parentID)
	fake.SeedRecord(types.NewRecord("account", parentID))

	mapping := accountMapping()
	mapping.Columns["Parent Account"] = ColumnMapping{
		TargetField:        "parentaccountid",
		Status:             StatusNeedsConfig,
		LookupTargetEntity: "account",
		LookupKeyField:     "accountnumber",
	}

	csv := "Company Name,Parent Account\nContoso,ACC-001\nFabrikam,ACC-001\nNorthwind,ACC-001\n"
	if _, err := l.Load(context.Background(), strings.NewReader(csv),
		mapping, accountSchema(), fastPolicy(10)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	lookups := 0
	for _, call := range fake.Calls {
		if call.Kind == "lookup" {
			lookups++
		}
	}
	if lookups != 1 {
		t.Errorf("lookup calls = %d, want 1 (cached)", lookups)
	}
}

func TestLoadUpsertWithAlternateKey(t *testing.T) {
	l, fake := newLoadEnv(t)

	existing := types.NewRecord("account", uuid.New())
	existing.Set("accountnumber", types.StringValue("ACC-001"))
	existing.Set("name", types.StringValue("Old Name"))
	fake.SeedRecord(existing)

	mapping := accountMapping()
	mapping.AlternateKeyFields = "accountnumber"
	mapping.Columns["Account Number"] = ColumnMapping{
		TargetField: "accountnumber", Status: StatusAutoMatched,
	}

	csv := "Company Name,Account Number\nNew Name,ACC-001\nFresh Co,ACC-002\n"
	res, err := l.Load(context.Background(), strings.NewReader(csv),
		mapping, accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 2 {
		t.Fatalf("SuccessCount = %d, want 2", res.SuccessCount)
	}
	if res.CreatedCount != 1 || res.UpdatedCount != 1 {
		t.Errorf("created/updated = %d/%d, want 1/1", res.CreatedCount, res.UpdatedCount)
	}
	got := fake.Record("account", existing.ID)
	if name, _ := got.Get("name"); name.Str != "New Name" {
		t.Errorf("name = %q, want %q", name.Str, "New Name")
	}
}

func TestLoadBadCellFailsRowLocally(t *testing.T) {
	l, fake := newLoadEnv(t)

	csv := "Company Name,Employees\nContoso,ten\nFabrikam,20\n"
	res, err := l.Load(context.Background(), strings.NewReader(csv),
		accountMapping(), accountSchema(), fastPolicy(10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", res.SuccessCount, res.FailureCount)
	}
	re := res.Errors[0]
	if re.RowRef != "1" || re.ErrorCode != types.ErrCodeValidation || re.Field != "numberofemployees" {
		t.Errorf("error = %+v", re)
	}
	if got := fake.RecordCount("account"); got != 1 {
		t.Errorf("stored records = %d, want 1", got)
	}
}

func TestLoadRejectsOutOfRangeBatchPolicy(t *testing.T) {
	l, fake := newLoadEnv(t)

	res, err := l.Load(context.Background(), strings.NewReader(fiveRowCSV),
		accountMapping(), accountSchema(), fastPolicy(types.BatchSizeMax+1))
	if err == nil {
		t.Fatal("expected configuration error for out-of-range batch size")
	}
	if res != nil {
		t.Errorf("result = %+v, want nil on rejected policy", res)
	}
	if got := fake.BatchCallCount("account"); got != 0 {
		t.Errorf("batch calls = %d, want 0", got)
	}
}

func TestLoadUnmappedHeaderRejected(t *testing.T) {
	l, _ := newLoadEnv(t)
	csv := "Totally Unknown\nvalue\n"
	if _, err := l.Load(context.Background(), strings.NewReader(csv),
		accountMapping(), accountSchema(), fastPolicy(10)); err == nil {
		t.Error("expected error for header with no mapped columns")
	}
}

func TestMappingValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Mapping)
		wantErr bool
	}{
		{"valid", func(m *Mapping) {}, false},
		{"missing entity", func(m *Mapping) { m.EntityLogicalName = "" }, true},
		{"no columns", func(m *Mapping) { m.Columns = nil }, true},
		{"unknown status", func(m *Mapping) {
			m.Columns["Company Name"] = ColumnMapping{TargetField: "name", Status: "resolved"}
		}, true},
		{"lookup without key field", func(m *Mapping) {
			m.Columns["Parent"] = ColumnMapping{TargetField: "parentaccountid", LookupTargetEntity: "account"}
		}, true},
		{"alternate key not produced", func(m *Mapping) {
			m.AlternateKeyFields = "accountnumber"
		}, true},
		{"all no-match", func(m *Mapping) {
			m.Columns = map[string]ColumnMapping{
				"X": {Status: StatusNoMatch},
			}
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := accountMapping()
			tc.mutate(m)
			err := m.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMappingYAML(t *testing.T) {
	doc := `
entityLogicalName: account
alternateKeyFields: accountnumber
columns:
  "Company Name":
    targetField: name
    status: auto-matched
  "Account Number":
    targetField: accountnumber
    status: auto-matched
  "Parent Account":
    targetField: parentaccountid
    status: needs-configuration
    lookupTargetEntity: account
    lookupKeyField: accountnumber
`
	m, err := LoadMapping(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if m.EntityLogicalName != "account" {
		t.Errorf("entity = %q", m.EntityLogicalName)
	}
	if kf := m.KeyFields(); len(kf) != 1 || kf[0] != "accountnumber" {
		t.Errorf("KeyFields = %v", kf)
	}
	cm := m.Columns["Parent Account"]
	if !cm.IsLookup() || cm.LookupKeyField != "accountnumber" {
		t.Errorf("lookup column = %+v", cm)
	}
}

func TestLoadMappingRejectsUnknownFields(t *testing.T) {
	doc := `
entityLogicalName: account
bogusTopLevel: true
columns:
  "Company Name":
    targetField: name
`
	if _, err := LoadMapping(strings.NewReader(doc)); err == nil {
		t.Error("expected unknown-field error")
	}
}
