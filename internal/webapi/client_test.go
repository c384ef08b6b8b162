package webapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/types"
	"github.com/dvtools/dvbulk/internal/webapi"
)

// newTestClient spins up a server and a client pointed at it. The mux
// pre-answers the entity set name lookup for account so tests only handle
// their own operation routes.
func newTestClient(t *testing.T) (*webapi.Client, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/data/v9.2/EntityDefinitions(LogicalName='account')", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"EntitySetName":"accounts"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := webapi.New(webapi.Config{
		Endpoint: srv.URL,
		Token:    webapi.StaticToken("test-token"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mux
}

func createReq(rec *types.Record) *dataverse.Request {
	return &dataverse.Request{
		Op:        &types.Operation{Kind: types.OpCreate, Entity: rec.Entity, Record: rec},
		RequestID: uuid.New(),
	}
}

func TestCreateSendsBearerAndDedupHeaders(t *testing.T) {
	c, mux := newTestClient(t)
	id := uuid.New()
	var gotAuth, gotReqID, gotContentType string
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("x-ms-client-request-id")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("OData-EntityId", fmt.Sprintf("%s(%s)", r.Host, id))
		w.WriteHeader(http.StatusNoContent)
	})

	rec := types.NewRecord("account", uuid.New())
	rec.Set("name", types.StringValue("Contoso"))
	req := createReq(rec)

	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Created)
	assert.Equal(t, id, resp.ID, "id should come from the OData-EntityId header")
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, req.RequestID.String(), gotReqID)
	assert.Contains(t, gotContentType, "application/json")
}

func TestCreateEncodesLookupAsBind(t *testing.T) {
	c, mux := newTestClient(t)
	parent := uuid.New()
	var body map[string]any
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := types.NewRecord("account", uuid.New())
	rec.Set("parentaccountid", types.RefValue("account", parent, ""))
	_, err := c.Execute(context.Background(), createReq(rec))
	require.NoError(t, err)

	assert.Equal(t, "/accounts("+parent.String()+")", body["parentaccountid@odata.bind"])
	_, plain := body["parentaccountid"]
	assert.False(t, plain, "lookup must not also appear as a plain column")
}

func TestThrottledResponseCarriesRetryAfter(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"0x80072322","message":"rate limit exceeded"}}`)
	})

	rec := types.NewRecord("account", uuid.New())
	_, err := c.Execute(context.Background(), createReq(rec))
	require.Error(t, err)

	re := dataverse.AsRemote(err)
	require.NotNil(t, re)
	assert.Equal(t, dataverse.KindThrottled, re.Kind)
	assert.Equal(t, "7s", re.RetryAfter.String())
	assert.Equal(t, "0x80072322", re.Code)
}

func TestUpdateSendsIfMatchAndMapsMissingRecord(t *testing.T) {
	c, mux := newTestClient(t)
	id := uuid.New()
	var gotIfMatch, gotMethod string
	mux.HandleFunc(fmt.Sprintf("/api/data/v9.2/accounts(%s)", id), func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		gotMethod = r.Method
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"0x80040217","message":"account does not exist"}}`)
	})

	rec := types.NewRecord("account", id)
	rec.Set("name", types.StringValue("Contoso"))
	req := &dataverse.Request{
		Op:        &types.Operation{Kind: types.OpUpdate, Entity: "account", Record: rec},
		RequestID: uuid.New(),
	}
	_, err := c.Execute(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, "*", gotIfMatch)
	assert.Equal(t, http.MethodPatch, gotMethod)
	re := dataverse.AsRemote(err)
	require.NotNil(t, re)
	assert.Equal(t, dataverse.KindPermanentRecord, re.Kind)
	assert.Equal(t, 404, re.StatusCode)
}

func TestUpsertAddressesByAlternateKey(t *testing.T) {
	c, mux := newTestClient(t)
	created := uuid.New()
	var gotPath, gotPrefer string
	var body map[string]any
	// O'Brien exercises the '' quote escaping in the key address
	mux.HandleFunc("/api/data/v9.2/accounts(accountnumber='ACC''1')", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPrefer = r.Header.Get("Prefer")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"accountid":"%s"}`, created)
	})

	rec := types.NewRecord("account", uuid.New())
	rec.Set("accountnumber", types.StringValue("ACC'1"))
	rec.Set("name", types.StringValue("Contoso"))
	req := &dataverse.Request{
		Op: &types.Operation{
			Kind: types.OpUpsert, Entity: "account", Record: rec,
			KeyFields: []string{"accountnumber"},
		},
		RequestID: uuid.New(),
	}

	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Created)
	assert.Equal(t, created, resp.ID, "id should come from the returned representation")
	assert.NotEmpty(t, gotPath)
	assert.Contains(t, gotPrefer, "return=representation")
	_, hasKey := body["accountnumber"]
	assert.False(t, hasKey, "key fields travel in the address, not the body")
	assert.Equal(t, "Contoso", body["name"])
}

func TestBypassHeaders(t *testing.T) {
	c, mux := newTestClient(t)
	var hdr http.Header
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		hdr = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	})

	rec := types.NewRecord("account", uuid.New())
	req := createReq(rec)
	req.BypassPlugins = dataverse.BypassSync
	req.BypassFlows = true
	_, err := c.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "true", hdr.Get("MSCRM.BypassCustomPluginExecution"))
	assert.Equal(t, "true", hdr.Get("MSCRM.SuppressCallbackRegistrationExpanderJob"))
}

func TestExecuteBatchKeepsRecordFailuresLocal(t *testing.T) {
	c, mux := newTestClient(t)
	calls := 0
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"code":"0x80040220","message":"no create privilege"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	batch := &dataverse.BatchRequest{Entity: "account", ContinueOnError: true}
	for i := 0; i < 3; i++ {
		rec := types.NewRecord("account", uuid.New())
		batch.Requests = append(batch.Requests, createReq(rec))
	}

	resp, err := c.ExecuteBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Nil(t, resp.Results[0].Err)
	require.NotNil(t, resp.Results[1].Err)
	assert.Equal(t, types.ErrCodePermission, resp.Results[1].Err.Code)
	assert.Nil(t, resp.Results[2].Err, "continue-on-error must reach the third item")
	assert.Equal(t, 3, calls)
}

func TestExecuteBatchAbortMarksTailNotAttempted(t *testing.T) {
	c, mux := newTestClient(t)
	calls := 0
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"code":"0x80040220","message":"no create privilege"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	batch := &dataverse.BatchRequest{Entity: "account", ContinueOnError: false}
	for i := 0; i < 4; i++ {
		rec := types.NewRecord("account", uuid.New())
		batch.Requests = append(batch.Requests, createReq(rec))
	}

	resp, err := c.ExecuteBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.Nil(t, resp.Results[0].Err)
	require.NotNil(t, resp.Results[1].Err)
	assert.Equal(t, types.ErrCodePermission, resp.Results[1].Err.Code)
	// the abort must not leave the tail looking successful
	for _, idx := range []int{2, 3} {
		item := resp.Results[idx]
		assert.Equal(t, idx, item.Index)
		require.NotNil(t, item.Err, "item %d was never sent and must carry an error", idx)
		assert.Equal(t, "NotAttempted", item.Err.Code)
		assert.Equal(t, dataverse.KindPermanentRecord, item.Err.Kind)
	}
	assert.Equal(t, 2, calls, "no requests after the aborting item")
}

func TestExecuteBatchPropagatesThrottleAsBatchError(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rec := types.NewRecord("account", uuid.New())
	batch := &dataverse.BatchRequest{Entity: "account", Requests: []*dataverse.Request{createReq(rec)}}
	_, err := c.ExecuteBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, dataverse.KindThrottled, dataverse.Classify(err))
}

func TestQueryRecordsFollowsNextLink(t *testing.T) {
	c, mux := newTestClient(t)
	id1 := uuid.New()
	owner := uuid.New()
	var firstPageURL string
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		firstPageURL = r.URL.String()
		fmt.Fprintf(w, `{
			"value":[{
				"accountid":"%s",
				"name":"Contoso",
				"numberofemployees":42,
				"_ownerid_value":"%s",
				"_ownerid_value@Microsoft.Dynamics.CRM.lookuplogicalname":"systemuser"
			}],
			"@odata.nextLink":"http://%s/api/data/v9.2/accounts?page=2"
		}`, id1, owner, r.Host)
	})

	page, err := c.QueryRecords(context.Background(), dataverse.QueryPage{
		Entity: "account", Fields: []string{"name", "numberofemployees"}, PageSize: 1,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Contains(t, firstPageURL, "%24select=name%2Cnumberofemployees")
	assert.NotEmpty(t, page.PagingToken, "nextLink should surface as the paging token")
	assert.Contains(t, page.PagingToken, "page=2")

	rec := page.Records[0]
	assert.Equal(t, id1, rec.ID)
	name, _ := rec.Get("name")
	assert.Equal(t, "Contoso", name.Str)
	employees, _ := rec.Get("numberofemployees")
	assert.Equal(t, int32(42), employees.I32)
	ref, ok := rec.Get("ownerid")
	require.True(t, ok, "annotated lookup column should decode as a reference")
	assert.Equal(t, types.KindRef, ref.Kind)
	assert.Equal(t, "systemuser", ref.Ref.Entity)
	assert.Equal(t, owner, ref.Ref.ID)
}

func TestQueryRecordsPagingTokenIsVerbatimURL(t *testing.T) {
	c, mux := newTestClient(t)
	var gotPath string
	mux.HandleFunc("/api/data/v9.2/custom-next", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		fmt.Fprint(w, `{"value":[]}`)
	})

	page, err := c.QueryRecords(context.Background(), dataverse.QueryPage{
		Entity:      "account",
		PagingToken: c.Endpoint() + "/api/data/v9.2/custom-next?skiptoken=abc",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.PagingToken)
	assert.Equal(t, "/api/data/v9.2/custom-next?skiptoken=abc", gotPath)
}

func TestLookupByKeyMissIsNotFound(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "top")
		fmt.Fprint(w, `{"value":[]}`)
	})

	_, err := c.LookupByKey(context.Background(), "account", "accountnumber", "NOPE")
	require.Error(t, err)
	re := dataverse.AsRemote(err)
	require.NotNil(t, re)
	assert.Equal(t, "NotFound", re.Code)
	assert.Equal(t, dataverse.KindPermanentRecord, re.Kind)
}

func TestLookupByKeyEscapesQuotes(t *testing.T) {
	c, mux := newTestClient(t)
	id := uuid.New()
	var gotFilter string
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("$filter")
		fmt.Fprintf(w, `{"value":[{"accountid":"%s"}]}`, id)
	})

	got, err := c.LookupByKey(context.Background(), "account", "name", "O'Brien & Co")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, "name eq 'O''Brien & Co'", gotFilter)
}

func TestAuthFailureIsNeverRetriedAsTransient(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"0x80041d52","message":"token expired"}}`)
	})

	rec := types.NewRecord("account", uuid.New())
	_, err := c.Execute(context.Background(), createReq(rec))
	require.Error(t, err)
	assert.Equal(t, dataverse.KindAuth, dataverse.Classify(err))
}

func TestServerErrorIsTransientWithRequestSent(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := types.NewRecord("account", uuid.New())
	_, err := c.Execute(context.Background(), createReq(rec))
	require.Error(t, err)
	re := dataverse.AsRemote(err)
	require.NotNil(t, re)
	assert.Equal(t, dataverse.KindTransient, re.Kind)
	assert.True(t, re.RequestSent, "a 5xx means the request reached the server")
}
