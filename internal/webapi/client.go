// Package webapi is the HTTP transport adapter for the client contract.
// Credential acquisition stays outside: the caller supplies a TokenSource
// and this package only attaches the bearer token it is given.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/types"
)

// DefaultAPIVersion is the Web API version requests are issued against.
const DefaultAPIVersion = "v9.2"

// TokenSource supplies a current bearer token. Called per request; cheap
// implementations should cache internally.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken adapts a fixed token string to a TokenSource.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Config configures one Web API client.
type Config struct {
	// Endpoint is the environment URL, e.g. https://org.crm.dynamics.com.
	Endpoint string
	// Token supplies the bearer token per request.
	Token TokenSource
	// APIVersion defaults to DefaultAPIVersion.
	APIVersion string
	// HTTPClient defaults to a client with a 5 minute overall timeout.
	HTTPClient *http.Client
}

// Client issues Web API requests. Safe for one goroutine at a time, which is
// what the pool lease guarantees.
type Client struct {
	cfg  Config
	base string // endpoint + /api/data/<version>
	http *http.Client

	mu       sync.Mutex
	setNames map[string]string // entity logical name -> entity set name
}

// New creates a client for the endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("webapi: empty endpoint")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("webapi: nil token source")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		cfg:      cfg,
		base:     strings.TrimRight(cfg.Endpoint, "/") + "/api/data/" + cfg.APIVersion,
		http:     cfg.HTTPClient,
		setNames: make(map[string]string),
	}, nil
}

// Factory adapts the config into the capability the pool consumes.
func Factory(cfg Config) dataverse.ClientFactory {
	return func(ctx context.Context) (dataverse.Client, error) {
		c, err := New(cfg)
		if err != nil {
			return nil, err
		}
		// fail fast on bad credentials so the source breaker sees it
		if _, err := cfg.Token(ctx); err != nil {
			return nil, dataverse.AuthFailed(err.Error())
		}
		return c, nil
	}
}

func (c *Client) Endpoint() string { return c.cfg.Endpoint }

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do issues one request and returns the raw response body. Failures are
// classified into RemoteErrors; the caller never sees a bare HTTP status.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, hdr http.Header) (*http.Response, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, nil, dataverse.Fatal("BadRequest", err.Error())
	}

	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, nil, dataverse.AuthFailed(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		// the request may or may not have reached the server
		return nil, nil, dataverse.Transient(err.Error(), true)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, nil, dataverse.Transient("read response: "+readErr.Error(), true)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, respBody, nil
	}
	return nil, nil, classifyResponse(resp, respBody)
}

// classifyResponse maps an HTTP failure status to the error taxonomy.
func classifyResponse(resp *http.Response, body []byte) *dataverse.RemoteError {
	code, msg := parseODataError(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		re := dataverse.Throttle(parseRetryAfter(resp.Header.Get("Retry-After")))
		re.Code = code
		return re
	case resp.StatusCode == http.StatusUnauthorized:
		return dataverse.AuthFailed(msg)
	case resp.StatusCode == http.StatusForbidden:
		return dataverse.RecordFailure(types.ErrCodePermission, msg)
	case resp.StatusCode == http.StatusNotFound:
		return &dataverse.RemoteError{
			Kind: dataverse.KindPermanentRecord, StatusCode: 404,
			Code: "NotFound", Message: msg, RequestSent: true,
		}
	case resp.StatusCode == http.StatusPreconditionFailed,
		resp.StatusCode == http.StatusConflict:
		return dataverse.RecordFailure(types.ErrCodeDuplicate, msg)
	case resp.StatusCode >= 500:
		re := dataverse.Transient(msg, true)
		re.StatusCode = resp.StatusCode
		re.Code = code
		return re
	default:
		re := dataverse.Fatal(code, msg)
		re.StatusCode = resp.StatusCode
		return re
	}
}

func parseODataError(body []byte) (code, msg string) {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", ""
	}
	return envelope.Error.Code, envelope.Error.Message
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// entitySetName resolves the plural entity set name, fetching it from
// metadata once per entity and falling back to naive pluralization when the
// metadata call fails.
func (c *Client) entitySetName(ctx context.Context, logical string) string {
	key := strings.ToLower(logical)
	c.mu.Lock()
	if set, ok := c.setNames[key]; ok {
		c.mu.Unlock()
		return set
	}
	c.mu.Unlock()

	set := naivePlural(key)
	u := c.base + "/EntityDefinitions(LogicalName='" + url.PathEscape(key) + "')?$select=EntitySetName"
	if _, body, err := c.do(ctx, http.MethodGet, u, nil, nil); err == nil {
		var out struct {
			EntitySetName string `json:"EntitySetName"`
		}
		if json.Unmarshal(body, &out) == nil && out.EntitySetName != "" {
			set = out.EntitySetName
		}
	} else {
		debug.Logf("webapi: entity set lookup for %s failed, using %s: %v\n", key, set, err)
	}

	c.mu.Lock()
	c.setNames[key] = set
	c.mu.Unlock()
	return set
}

func naivePlural(name string) string {
	switch {
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"), strings.HasSuffix(name, "ch"):
		return name + "es"
	case strings.HasSuffix(name, "y"):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

// requestHeaders renders the per-request control headers.
func requestHeaders(req *dataverse.Request) http.Header {
	h := http.Header{}
	if req.RequestID != uuid.Nil {
		h.Set("x-ms-client-request-id", req.RequestID.String())
	}
	switch req.BypassPlugins {
	case dataverse.BypassSync:
		h.Set("MSCRM.BypassCustomPluginExecution", "true")
	case dataverse.BypassAsync:
		h.Set("MSCRM.BypassBusinessLogicExecution", "CustomAsync")
	case dataverse.BypassAll:
		h.Set("MSCRM.BypassBusinessLogicExecution", "CustomSync,CustomAsync")
	}
	if req.BypassFlows {
		h.Set("MSCRM.SuppressCallbackRegistrationExpanderJob", "true")
	}
	return h
}

// encodeRecord renders the JSON body of a write. Lookups become @odata.bind
// references against the target entity set.
func (c *Client) encodeRecord(ctx context.Context, rec *types.Record, includeID bool) ([]byte, error) {
	body := make(map[string]any, rec.Len()+1)
	if includeID && rec.ID != uuid.Nil {
		body[rec.Entity+"id"] = rec.ID.String()
	}
	for _, name := range rec.Fields() {
		v, _ := rec.Get(name)
		switch v.Kind {
		case types.KindString:
			body[name] = v.Str
		case types.KindInt32:
			body[name] = v.I32
		case types.KindInt64:
			body[name] = v.I64
		case types.KindDecimal, types.KindMoney:
			body[name] = json.RawMessage(v.Dec.String())
		case types.KindFloat:
			body[name] = v.Flt
		case types.KindBool:
			body[name] = v.Bool
		case types.KindTime:
			body[name] = v.Time.UTC().Format(time.RFC3339)
		case types.KindID:
			body[name] = v.ID.String()
		case types.KindOption:
			body[name] = v.Option
		case types.KindRef:
			set := c.entitySetName(ctx, v.Ref.Entity)
			body[name+"@odata.bind"] = "/" + set + "(" + v.Ref.ID.String() + ")"
		default:
			body[name] = v.WireString()
		}
	}
	return json.Marshal(body)
}

// Execute performs one operation.
func (c *Client) Execute(ctx context.Context, req *dataverse.Request) (*dataverse.Response, error) {
	op := req.Op
	hdr := requestHeaders(req)
	set := c.entitySetName(ctx, op.Entity)

	switch op.Kind {
	case types.OpCreate:
		body, err := c.encodeRecord(ctx, op.Record, true)
		if err != nil {
			return nil, dataverse.Fatal("Serialization", err.Error())
		}
		resp, _, err := c.do(ctx, http.MethodPost, c.base+"/"+set, body, hdr)
		if err != nil {
			return nil, err
		}
		return &dataverse.Response{ID: idFromEntityHeader(resp, op.Record.ID), Created: true}, nil

	case types.OpUpdate:
		body, err := c.encodeRecord(ctx, op.Record, false)
		if err != nil {
			return nil, dataverse.Fatal("Serialization", err.Error())
		}
		// If-Match guards against upsert-on-miss: a missing record is NotFound
		hdr.Set("If-Match", "*")
		u := fmt.Sprintf("%s/%s(%s)", c.base, set, op.Record.ID)
		if _, _, err := c.do(ctx, http.MethodPatch, u, body, hdr); err != nil {
			return nil, err
		}
		return &dataverse.Response{ID: op.Record.ID, Updated: true}, nil

	case types.OpUpsert:
		keyAddr, err := alternateKeyAddress(op)
		if err != nil {
			return nil, err
		}
		rec := op.Record.Clone()
		for _, kf := range op.KeyFields {
			rec.Delete(kf) // key fields travel in the address, not the body
		}
		body, err := c.encodeRecord(ctx, rec, false)
		if err != nil {
			return nil, dataverse.Fatal("Serialization", err.Error())
		}
		hdr.Set("Prefer", "return=representation")
		u := fmt.Sprintf("%s/%s(%s)", c.base, set, keyAddr)
		resp, respBody, err := c.do(ctx, http.MethodPatch, u, body, hdr)
		if err != nil {
			return nil, err
		}
		out := &dataverse.Response{ID: idFromBody(respBody, op.Entity, op.Record.ID)}
		if resp.StatusCode == http.StatusCreated {
			out.Created = true
		} else {
			out.Updated = true
		}
		return out, nil

	case types.OpDelete:
		u := fmt.Sprintf("%s/%s(%s)", c.base, set, op.ID)
		if _, _, err := c.do(ctx, http.MethodDelete, u, nil, hdr); err != nil {
			return nil, err
		}
		return &dataverse.Response{ID: op.ID}, nil

	case types.OpAssociate:
		targetSet := c.entitySetName(ctx, op.TargetEntity)
		ref := map[string]string{
			"@odata.id": fmt.Sprintf("%s/%s(%s)", c.base, targetSet, op.TargetID),
		}
		body, _ := json.Marshal(ref)
		u := fmt.Sprintf("%s/%s(%s)/%s/$ref", c.base, set, op.SourceID, url.PathEscape(op.Relationship))
		if _, _, err := c.do(ctx, http.MethodPost, u, body, hdr); err != nil {
			return nil, err
		}
		return &dataverse.Response{ID: op.SourceID}, nil

	case types.OpDisassociate:
		u := fmt.Sprintf("%s/%s(%s)/%s(%s)/$ref", c.base, set, op.SourceID, url.PathEscape(op.Relationship), op.TargetID)
		if _, _, err := c.do(ctx, http.MethodDelete, u, nil, hdr); err != nil {
			return nil, err
		}
		return &dataverse.Response{ID: op.SourceID}, nil

	default:
		return nil, dataverse.Fatal("Unsupported", "unsupported operation kind "+op.Kind.String())
	}
}

// ExecuteBatch performs the operations sequentially, mapping per-record
// rejections to item results and propagating batch-level failures
// (throttle, transport, auth) so the executor's retry loop sees them.
func (c *Client) ExecuteBatch(ctx context.Context, req *dataverse.BatchRequest) (*dataverse.BatchResponse, error) {
	out := &dataverse.BatchResponse{Results: make([]dataverse.BatchItemResult, len(req.Requests))}
	for i, r := range req.Requests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.Execute(ctx, r)
		item := dataverse.BatchItemResult{Index: i}
		if err != nil {
			re := dataverse.AsRemote(err)
			if re == nil || re.Kind == dataverse.KindThrottled ||
				re.Kind == dataverse.KindTransient || re.Kind == dataverse.KindAuth {
				return nil, err
			}
			item.Err = re
			out.Results[i] = item
			if !req.ContinueOnError {
				// remaining items are not attempted; report them failed the
				// way the remote does when a change set aborts
				for j := i + 1; j < len(req.Requests); j++ {
					out.Results[j] = dataverse.BatchItemResult{
						Index: j,
						Err:   &dataverse.RemoteError{Kind: dataverse.KindPermanentRecord, Code: "NotAttempted", Message: "batch aborted", RequestSent: true},
					}
				}
				return out, nil
			}
			continue
		}
		item.ID = resp.ID
		item.Created = resp.Created
		item.Updated = resp.Updated
		out.Results[i] = item
	}
	return out, nil
}

// alternateKeyAddress renders the (k1='v1',k2='v2') addressing form.
func alternateKeyAddress(op *types.Operation) (string, error) {
	if len(op.KeyFields) == 0 {
		// id-addressed upsert
		return op.Record.ID.String(), nil
	}
	parts := make([]string, 0, len(op.KeyFields))
	for _, kf := range op.KeyFields {
		v, ok := op.Record.Get(kf)
		if !ok {
			return "", dataverse.Fatal("MissingKeyField", "record missing alternate key field "+kf)
		}
		switch v.Kind {
		case types.KindString:
			parts = append(parts, kf+"='"+strings.ReplaceAll(v.Str, "'", "''")+"'")
		default:
			parts = append(parts, kf+"="+v.WireString())
		}
	}
	return strings.Join(parts, ","), nil
}

func idFromEntityHeader(resp *http.Response, fallback uuid.UUID) uuid.UUID {
	loc := resp.Header.Get("OData-EntityId")
	if open := strings.LastIndexByte(loc, '('); open >= 0 && strings.HasSuffix(loc, ")") {
		if id, err := uuid.Parse(loc[open+1 : len(loc)-1]); err == nil {
			return id
		}
	}
	return fallback
}

func idFromBody(body []byte, entity string, fallback uuid.UUID) uuid.UUID {
	var m map[string]any
	if json.Unmarshal(body, &m) == nil {
		if raw, ok := m[entity+"id"].(string); ok {
			if id, err := uuid.Parse(raw); err == nil {
				return id
			}
		}
	}
	return fallback
}
