// Package dataverse defines the request-issuing client contract the engine
// runs against, plus the error classification every layer above relies on.
//
// Authentication and transport live outside the core: a ClientFactory is
// handed in ("given an identity and environment URL, return a ready
// request-issuing client") and everything here is expressed against the
// Client interface so tests can substitute the fake.
package dataverse

import (
	"context"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/types"
)

// BypassMode selects which server-side plugin classes a write skips.
type BypassMode string

const (
	BypassNone  BypassMode = "none"
	BypassSync  BypassMode = "sync"
	BypassAsync BypassMode = "async"
	BypassAll   BypassMode = "all"
)

// Request is a single-operation remote call.
type Request struct {
	Op *types.Operation

	// RequestID is the client-generated dedup id. The remote discards a
	// duplicate Create carrying an id it has already accepted, which is what
	// makes retry-after-send safe for non-idempotent operations.
	RequestID uuid.UUID

	BypassPlugins BypassMode
	BypassFlows   bool
}

// Response is the outcome of a single-operation call.
type Response struct {
	ID      uuid.UUID // id of the affected record
	Created bool
	Updated bool
}

// BatchRequest carries up to one batch of operations for one entity.
type BatchRequest struct {
	Entity          string
	Requests        []*Request
	ContinueOnError bool // ask the remote to keep processing after a failed item
}

// BatchItemResult is the per-item outcome inside a batch response, aligned
// by index with BatchRequest.Requests.
type BatchItemResult struct {
	Index   int
	ID      uuid.UUID
	Created bool
	Updated bool
	Err     *RemoteError // nil on success
}

// BatchResponse is the outcome of one batch call.
type BatchResponse struct {
	Results []BatchItemResult

	// AffinityCookie is the server session cookie observed on the response,
	// empty when the pool strips it.
	AffinityCookie string
}

// EntitySummary is one row of the metadata entity list.
type EntitySummary struct {
	LogicalName    string
	DisplayName    string
	ObjectTypeCode int
	IsCustomEntity bool
}

// QueryPage describes one page of an entity query.
type QueryPage struct {
	Entity      string
	Fields      []string
	Filter      string // serialized predicate, opaque to the core
	PageSize    int
	PagingToken string // empty for the first page
}

// RecordPage is one page of query results.
type RecordPage struct {
	Records     []*types.Record
	PagingToken string // empty when this is the last page
	TotalCount  int    // -1 when the remote did not report a count
}

// Client is the request-issuing surface the engine borrows from the pool.
// Implementations must be safe for use by one goroutine at a time; the pool
// guarantees exclusive leasing.
type Client interface {
	// Execute performs one operation.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// ExecuteBatch performs one batch of same-entity operations.
	ExecuteBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error)

	// ListEntities returns the entity catalog from metadata.
	ListEntities(ctx context.Context) ([]EntitySummary, error)

	// EntityMetadata returns full attribute/relationship metadata for one entity.
	EntityMetadata(ctx context.Context, logicalName string) (*EntityMetadata, error)

	// QueryRecords fetches one page of records.
	QueryRecords(ctx context.Context, q QueryPage) (*RecordPage, error)

	// QueryAssociations returns the N:N memberships of the given source ids.
	QueryAssociations(ctx context.Context, relationship string, sourceEntity string, sourceIDs []uuid.UUID) ([]*types.ManyToManyAssociation, error)

	// LookupByKey resolves a record id from an alternate key value.
	// Returns uuid.Nil with a NotFound remote error when no match exists.
	LookupByKey(ctx context.Context, entity, keyField, keyValue string) (uuid.UUID, error)

	// Endpoint returns the environment URL this client talks to.
	Endpoint() string

	// Close releases transport resources.
	Close() error
}

// ClientFactory produces an authenticated client for one identity and
// environment. Implementations live outside the core (device code, client
// secret, certificate); the pool only needs this capability.
type ClientFactory func(ctx context.Context) (Client, error)
