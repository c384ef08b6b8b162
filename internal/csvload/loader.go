package csvload

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/executor"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
)

// Loader streams CSV rows into the executor as create or upsert operations,
// resolving lookup columns through alternate keys.
type Loader struct {
	pool    *pool.Pool
	tracker *throttle.Tracker
	exec    *executor.Executor

	mu    sync.Mutex
	cache map[string]uuid.UUID // entity|field|value -> resolved id
}

// NewLoader creates a loader over the pool. events may be nil.
func NewLoader(p *pool.Pool, tracker *throttle.Tracker, events chan<- types.ProgressEvent) *Loader {
	return &Loader{
		pool:    p,
		tracker: tracker,
		exec:    executor.New(p, tracker, events),
		cache:   make(map[string]uuid.UUID),
	}
}

// colPlan is one CSV column resolved against the mapping and the entity
// schema.
type colPlan struct {
	index        int
	column       string
	targetField  string
	kind         types.ValueKind
	lookupEntity string
	lookupKey    string
}

// Load reads the CSV from r and submits one operation per data row. Rows
// that fail conversion or lookup resolution are counted as failures without
// a remote call; everything else flows through the executor. The row
// reference in errors is the 1-based data row number.
func (l *Loader) Load(ctx context.Context, r io.Reader, mapping *Mapping, es *types.EntitySchema, policy executor.Policy) (*executor.Result, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	// validate before sizing the channel off BatchSize
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("csvload: %w", err)
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csvload: read header: %w", err)
	}
	plans, err := planColumns(header, mapping, es)
	if err != nil {
		return nil, err
	}

	keyFields := mapping.KeyFields()
	upsert := len(keyFields) > 0

	// the producer must unblock when Execute aborts early
	ctx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()

	var (
		preMu    sync.Mutex
		preFails []*types.RecordError
		readErr  error
	)

	ops := make(chan *types.Operation, 2*policy.BatchSize)
	go func() {
		defer close(ops)
		rowNum := 0
		for {
			row, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				preMu.Lock()
				readErr = fmt.Errorf("csvload: row %d: %w", rowNum+1, err)
				preMu.Unlock()
				return
			}
			rowNum++
			rowRef := strconv.Itoa(rowNum)

			op, rerr := l.buildOp(ctx, row, rowRef, mapping.EntityLogicalName, plans, keyFields, upsert)
			if rerr != nil {
				preMu.Lock()
				preFails = append(preFails, rerr)
				preMu.Unlock()
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ops <- op:
			}
		}
	}()

	res, execErr := l.exec.Execute(ctx, executor.Job{
		Phase:  types.PhaseImporting,
		Entity: mapping.EntityLogicalName,
		Total:  -1,
		Ops:    ops,
	}, policy)
	if res == nil {
		return nil, execErr
	}

	preMu.Lock()
	res.FailureCount += len(preFails)
	res.Errors = append(res.Errors, preFails...)
	rowErr := readErr
	preMu.Unlock()

	if execErr != nil {
		return res, execErr
	}
	if rowErr != nil {
		return res, rowErr
	}
	return res, nil
}

func planColumns(header []string, mapping *Mapping, es *types.EntitySchema) ([]colPlan, error) {
	var plans []colPlan
	for i, raw := range header {
		name := strings.TrimSpace(raw)
		cm, ok := mapping.Columns[name]
		if !ok || cm.Status == StatusNoMatch {
			continue
		}

		p := colPlan{
			index:        i,
			column:       name,
			targetField:  cm.TargetField,
			kind:         types.KindString,
			lookupEntity: cm.LookupTargetEntity,
			lookupKey:    cm.LookupKeyField,
		}
		if cm.IsLookup() {
			p.kind = types.KindRef
		} else if es != nil {
			if fs := es.Field(cm.TargetField); fs != nil {
				p.kind = fs.Type
			}
		}
		plans = append(plans, p)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("csvload: no header column matches the mapping")
	}
	return plans, nil
}

// buildOp converts one CSV row into an operation. A returned RecordError
// means the row was rejected locally.
func (l *Loader) buildOp(ctx context.Context, row []string, rowRef, entity string, plans []colPlan, keyFields []string, upsert bool) (*types.Operation, *types.RecordError) {
	rec := types.NewRecord(entity, uuid.New())
	for _, p := range plans {
		if p.index >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[p.index])
		if raw == "" {
			continue
		}

		if p.kind == types.KindRef {
			id, err := l.resolveLookup(ctx, p.lookupEntity, p.lookupKey, raw)
			if err != nil {
				return nil, &types.RecordError{
					RowRef:    rowRef,
					Entity:    entity,
					Field:     p.targetField,
					ErrorCode: types.ErrCodeMissingReference,
					Message:   fmt.Sprintf("column %s: no %s with %s = %q", p.column, p.lookupEntity, p.lookupKey, raw),
				}
			}
			rec.Set(p.targetField, types.RefValue(p.lookupEntity, id, raw))
			continue
		}

		v, err := parseCSVValue(p.kind, raw)
		if err != nil {
			return nil, &types.RecordError{
				RowRef:    rowRef,
				Entity:    entity,
				Field:     p.targetField,
				ErrorCode: types.ErrCodeValidation,
				Message:   fmt.Sprintf("column %s: %v", p.column, err),
			}
		}
		rec.Set(p.targetField, v)
	}

	op := &types.Operation{
		Entity: entity,
		RowRef: rowRef,
		Record: rec,
	}
	if upsert {
		op.Kind = types.OpUpsert
		op.KeyFields = keyFields
	} else {
		op.Kind = types.OpCreate
	}
	return op, nil
}

// resolveLookup resolves an alternate-key value to a record id, caching
// hits for the lifetime of the loader.
func (l *Loader) resolveLookup(ctx context.Context, entity, keyField, value string) (uuid.UUID, error) {
	cacheKey := strings.ToLower(entity) + "|" + strings.ToLower(keyField) + "|" + value
	l.mu.Lock()
	if id, ok := l.cache[cacheKey]; ok {
		l.mu.Unlock()
		return id, nil
	}
	l.mu.Unlock()

	lease, err := l.pool.GetClient(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	start := time.Now()
	id, err := lease.Client().LookupByKey(ctx, entity, keyField, value)
	latency := time.Since(start)

	re := dataverse.AsRemote(err)
	throttled := re != nil && re.Kind == dataverse.KindThrottled
	var retryAfter time.Duration
	if re != nil {
		retryAfter = re.RetryAfter
	}
	l.tracker.OnResponse(lease.Endpoint(), latency, throttled, retryAfter)
	lease.Release(err)

	if err != nil {
		debug.Logf("csvload: lookup %s.%s=%q failed: %v\n", entity, keyField, value, err)
		return uuid.Nil, err
	}

	l.mu.Lock()
	l.cache[cacheKey] = id
	l.mu.Unlock()
	return id, nil
}

// parseCSVValue converts a trimmed cell into a typed value.
func parseCSVValue(kind types.ValueKind, raw string) (types.Value, error) {
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
		case "1", "true", "yes":
			return types.BoolValue(true), nil
		case "0", "false", "no":
			return types.BoolValue(false), nil
		}
		return types.Value{}, fmt.Errorf("bad bool %q", raw)
	case types.KindTime:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return types.TimeValue(ts), nil
			}
		}
		return types.Value{}, fmt.Errorf("bad timestamp %q", raw)
	case types.KindID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad guid %q", raw)
		}
		return types.IDValue(id), nil
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
