package dataverse

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/types"
)

// Fault is one scripted failure for the fake client. Faults are consumed in
// order as calls match.
type Fault struct {
	// Entity restricts the fault to batches of that entity; empty matches any.
	Entity string
	// BatchOrdinal fires on the Nth matching batch call (1-based); 0 matches
	// the next one.
	BatchOrdinal int
	// Err fails the whole call.
	Err *RemoteError
	// RowErrs fails individual items by index inside an otherwise accepted
	// batch. Ignored when Err is set.
	RowErrs map[int]*RemoteError
	// Sticky faults are not consumed and keep firing.
	Sticky bool
}

// CallRecord is one observed remote call, for test assertions.
type CallRecord struct {
	Kind   string // "batch", "execute", "query", "metadata", "lookup", "associations"
	Entity string
	Size   int
}

// FakeClient is an in-memory Client with fault injection. It backs every
// test that would otherwise need a live environment.
type FakeClient struct {
	mu sync.Mutex

	endpoint string

	// store: entity -> id -> record
	store map[string]map[uuid.UUID]*types.Record
	// insertion order per entity, for deterministic query paging
	order map[string][]uuid.UUID
	// associations: relationship|source|target triple set
	assoc map[string]bool

	// alternate-key index: entity|field|value -> id
	keys map[string]uuid.UUID

	metadata map[string]*EntityMetadata
	catalog  []EntitySummary

	faults     []Fault
	batchCalls map[string]int // per-entity batch ordinal
	seenReqIDs map[uuid.UUID]uuid.UUID // dedup id -> created record id

	// ValidateReferences makes writes fail per record with MissingReference
	// when a lookup value targets a record absent from the store.
	ValidateReferences bool

	// AffinityCookie, when set, is echoed on every batch response.
	AffinityCookie string

	Calls []CallRecord

	closed bool
}

// NewFakeClient creates an empty fake for the given endpoint.
func NewFakeClient(endpoint string) *FakeClient {
	return &FakeClient{
		endpoint:   endpoint,
		store:      make(map[string]map[uuid.UUID]*types.Record),
		order:      make(map[string][]uuid.UUID),
		assoc:      make(map[string]bool),
		keys:       make(map[string]uuid.UUID),
		metadata:   make(map[string]*EntityMetadata),
		batchCalls: make(map[string]int),
		seenReqIDs: make(map[uuid.UUID]uuid.UUID),
	}
}

// InjectFault queues a scripted failure.
func (f *FakeClient) InjectFault(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault)
}

// SeedRecord stores a record directly, bypassing faults and validation.
func (f *FakeClient) SeedRecord(rec *types.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(rec)
}

// SeedKey registers an alternate-key value for LookupByKey resolution.
func (f *FakeClient) SeedKey(entity, field, value string, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[keyIndex(entity, field, value)] = id
}

// SeedMetadata registers entity metadata and its catalog row.
func (f *FakeClient) SeedMetadata(md *EntityMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[md.LogicalName] = md
	f.catalog = append(f.catalog, EntitySummary{
		LogicalName:    md.LogicalName,
		DisplayName:    md.DisplayName,
		ObjectTypeCode: md.ObjectTypeCode,
		IsCustomEntity: md.IsCustomEntity,
	})
}

// Record returns a stored record, or nil.
func (f *FakeClient) Record(entity string, id uuid.UUID) *types.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store[entity][id]
}

// RecordCount returns the number of stored records for an entity.
func (f *FakeClient) RecordCount(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store[entity])
}

// HasAssociation reports whether the triple is present.
func (f *FakeClient) HasAssociation(relationship string, source, target uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assoc[assocKey(relationship, source, target)]
}

// AssociationCount returns the number of stored association triples.
func (f *FakeClient) AssociationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assoc)
}

// BatchCallCount returns how many batch calls the entity has received.
func (f *FakeClient) BatchCallCount(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls[entity]
}

func (f *FakeClient) Endpoint() string { return f.endpoint }

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeClient) Execute(ctx context.Context, req *Request) (*Response, error) {
	br, err := f.ExecuteBatch(ctx, &BatchRequest{
		Entity:   req.Op.Entity,
		Requests: []*Request{req},
	})
	if err != nil {
		return nil, err
	}
	item := br.Results[0]
	if item.Err != nil {
		return nil, item.Err
	}
	return &Response{ID: item.ID, Created: item.Created, Updated: item.Updated}, nil
}

func (f *FakeClient) ExecuteBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls[req.Entity]++
	ordinal := f.batchCalls[req.Entity]
	f.Calls = append(f.Calls, CallRecord{Kind: "batch", Entity: req.Entity, Size: len(req.Requests)})

	if fault := f.takeFault(req.Entity, ordinal); fault != nil {
		if fault.Err != nil {
			return nil, fault.Err
		}
		return f.applyBatch(req, fault.RowErrs), nil
	}
	return f.applyBatch(req, nil), nil
}

func (f *FakeClient) applyBatch(req *BatchRequest, rowErrs map[int]*RemoteError) *BatchResponse {
	resp := &BatchResponse{AffinityCookie: f.AffinityCookie}
	for i, r := range req.Requests {
		item := BatchItemResult{Index: i}
		if err, ok := rowErrs[i]; ok {
			item.Err = err
		} else {
			item = f.applyOne(i, r)
		}
		resp.Results = append(resp.Results, item)
		if item.Err != nil && !req.ContinueOnError {
			// remaining items are not attempted; report them failed the way
			// the remote does when a change set aborts
			for j := i + 1; j < len(req.Requests); j++ {
				resp.Results = append(resp.Results, BatchItemResult{
					Index: j,
					Err:   &RemoteError{Kind: KindPermanentRecord, Code: "NotAttempted", Message: "batch aborted", RequestSent: true},
				})
			}
			break
		}
	}
	return resp
}

func (f *FakeClient) applyOne(index int, r *Request) BatchItemResult {
	op := r.Op
	item := BatchItemResult{Index: index}

	switch op.Kind {
	case types.OpCreate:
		if id, ok := f.seenReqIDs[r.RequestID]; ok && r.RequestID != uuid.Nil {
			item.ID = id // deduplicated replay
			return item
		}
		if err := f.checkRefs(op.Record); err != nil {
			item.Err = err
			return item
		}
		if _, exists := f.store[op.Entity][op.Record.ID]; exists {
			item.Err = RecordFailure("Duplicate", fmt.Sprintf("record %s already exists", op.Record.ID))
			return item
		}
		f.put(op.Record.Clone())
		if r.RequestID != uuid.Nil {
			f.seenReqIDs[r.RequestID] = op.Record.ID
		}
		item.ID = op.Record.ID
		item.Created = true

	case types.OpUpdate:
		existing := f.store[op.Entity][op.Record.ID]
		if existing == nil {
			item.Err = RecordFailure("NotFound", fmt.Sprintf("record %s does not exist", op.Record.ID))
			return item
		}
		if err := f.checkRefs(op.Record); err != nil {
			item.Err = err
			return item
		}
		for _, name := range op.Record.Fields() {
			v, _ := op.Record.Get(name)
			existing.Set(name, v)
		}
		item.ID = op.Record.ID
		item.Updated = true

	case types.OpUpsert:
		if err := f.checkRefs(op.Record); err != nil {
			item.Err = err
			return item
		}
		if id, ok := f.matchByKeys(op); ok {
			existing := f.store[op.Entity][id]
			for _, name := range op.Record.Fields() {
				v, _ := op.Record.Get(name)
				existing.Set(name, v)
			}
			item.ID = id
			item.Updated = true
			return item
		}
		rec := op.Record.Clone()
		f.put(rec)
		item.ID = rec.ID
		item.Created = true

	case types.OpDelete:
		if _, exists := f.store[op.Entity][op.ID]; !exists {
			item.Err = RecordFailure("NotFound", fmt.Sprintf("record %s does not exist", op.ID))
			return item
		}
		delete(f.store[op.Entity], op.ID)
		item.ID = op.ID

	case types.OpAssociate:
		if f.ValidateReferences {
			if f.find(op.Entity, op.SourceID) == nil {
				item.Err = RecordFailure(types.ErrCodeMissingReference, fmt.Sprintf("source %s/%s does not exist", op.Entity, op.SourceID))
				return item
			}
			if f.find(op.TargetEntity, op.TargetID) == nil {
				item.Err = RecordFailure(types.ErrCodeMissingReference, fmt.Sprintf("target %s/%s does not exist", op.TargetEntity, op.TargetID))
				return item
			}
		}
		f.assoc[assocKey(op.Relationship, op.SourceID, op.TargetID)] = true
		item.ID = op.SourceID

	case types.OpDisassociate:
		delete(f.assoc, assocKey(op.Relationship, op.SourceID, op.TargetID))
		item.ID = op.SourceID

	default:
		item.Err = Fatal("Unsupported", "unsupported operation kind")
	}
	return item
}

func (f *FakeClient) ListEntities(ctx context.Context) ([]EntitySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CallRecord{Kind: "metadata"})
	out := make([]EntitySummary, len(f.catalog))
	copy(out, f.catalog)
	return out, nil
}

func (f *FakeClient) EntityMetadata(ctx context.Context, logicalName string) (*EntityMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CallRecord{Kind: "metadata", Entity: logicalName})
	md, ok := f.metadata[logicalName]
	if !ok {
		return nil, &RemoteError{Kind: KindConfiguration, Code: "UnknownEntity", Message: "no metadata for " + logicalName}
	}
	return md, nil
}

func (f *FakeClient) QueryRecords(ctx context.Context, q QueryPage) (*RecordPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CallRecord{Kind: "query", Entity: q.Entity})

	ids := f.order[q.Entity]
	start := 0
	if q.PagingToken != "" {
		n, err := strconv.Atoi(q.PagingToken)
		if err != nil {
			return nil, Fatal("BadPagingToken", q.PagingToken)
		}
		start = n
	}
	size := q.PageSize
	if size <= 0 {
		size = 5000
	}
	page := &RecordPage{TotalCount: len(ids)}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[start:end] {
		if rec := f.store[q.Entity][id]; rec != nil {
			page.Records = append(page.Records, rec.Clone())
		}
	}
	if end < len(ids) {
		page.PagingToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeClient) QueryAssociations(ctx context.Context, relationship, sourceEntity string, sourceIDs []uuid.UUID) ([]*types.ManyToManyAssociation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CallRecord{Kind: "associations", Entity: sourceEntity, Size: len(sourceIDs)})

	var out []*types.ManyToManyAssociation
	for _, src := range sourceIDs {
		var a *types.ManyToManyAssociation
		for key := range f.assoc {
			rel, s, t, ok := splitAssocKey(key)
			if !ok || rel != relationship || s != src {
				continue
			}
			if a == nil {
				a = &types.ManyToManyAssociation{
					RelationshipName: relationship,
					SourceEntity:     sourceEntity,
					SourceID:         src,
				}
			}
			a.AddTarget(t)
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *FakeClient) LookupByKey(ctx context.Context, entity, keyField, keyValue string) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, CallRecord{Kind: "lookup", Entity: entity})
	if id, ok := f.keys[keyIndex(entity, keyField, keyValue)]; ok {
		return id, nil
	}
	return uuid.Nil, NotFound
}

// put stores a record, maintaining insertion order. Caller holds the lock.
func (f *FakeClient) put(rec *types.Record) {
	if f.store[rec.Entity] == nil {
		f.store[rec.Entity] = make(map[uuid.UUID]*types.Record)
	}
	if _, exists := f.store[rec.Entity][rec.ID]; !exists {
		f.order[rec.Entity] = append(f.order[rec.Entity], rec.ID)
	}
	f.store[rec.Entity][rec.ID] = rec
}

func (f *FakeClient) find(entity string, id uuid.UUID) *types.Record {
	return f.store[entity][id]
}

func (f *FakeClient) checkRefs(rec *types.Record) *RemoteError {
	if !f.ValidateReferences || rec == nil {
		return nil
	}
	for _, name := range rec.Fields() {
		v, _ := rec.Get(name)
		if v.Kind != types.KindRef {
			continue
		}
		if f.find(v.Ref.Entity, v.Ref.ID) == nil {
			return RecordFailure(types.ErrCodeMissingReference,
				fmt.Sprintf("field %s references missing %s/%s", name, v.Ref.Entity, v.Ref.ID))
		}
	}
	return nil
}

func (f *FakeClient) matchByKeys(op *types.Operation) (uuid.UUID, bool) {
	if len(op.KeyFields) == 0 {
		// fall back to id match
		if _, exists := f.store[op.Entity][op.Record.ID]; exists {
			return op.Record.ID, true
		}
		return uuid.Nil, false
	}
	for id, existing := range f.store[op.Entity] {
		match := true
		for _, kf := range op.KeyFields {
			want, ok1 := op.Record.Get(kf)
			have, ok2 := existing.Get(kf)
			if !ok1 || !ok2 || !want.Equal(have) {
				match = false
				break
			}
		}
		if match {
			return id, true
		}
	}
	return uuid.Nil, false
}

// takeFault pops the first matching fault. Caller holds the lock.
func (f *FakeClient) takeFault(entity string, ordinal int) *Fault {
	for i := range f.faults {
		fl := &f.faults[i]
		if fl.Entity != "" && fl.Entity != entity {
			continue
		}
		if fl.BatchOrdinal != 0 && fl.BatchOrdinal != ordinal {
			continue
		}
		matched := *fl
		if !fl.Sticky {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
		}
		return &matched
	}
	return nil
}

func keyIndex(entity, field, value string) string {
	return entity + "|" + field + "|" + value
}

func assocKey(rel string, source, target uuid.UUID) string {
	return rel + "|" + source.String() + "|" + target.String()
}

func splitAssocKey(key string) (rel string, source, target uuid.UUID, ok bool) {
	first := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			first = i
			break
		}
	}
	if first < 0 || len(key) < first+1+36+1+36 {
		return "", uuid.Nil, uuid.Nil, false
	}
	rel = key[:first]
	s, err1 := uuid.Parse(key[first+1 : first+1+36])
	t, err2 := uuid.Parse(key[first+2+36:])
	if err1 != nil || err2 != nil {
		return "", uuid.Nil, uuid.Nil, false
	}
	return rel, s, t, true
}
