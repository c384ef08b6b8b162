// Package executor turns streams of per-record operations into batched,
// retried calls against the connection pool, with per-record error
// attribution and at-most-once accounting.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/telemetry"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
)

// RetryPolicy bounds the per-batch retry loop.
type RetryPolicy struct {
	MaxAttempts int           // attempts per batch before the split pass
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff ceiling
	Jitter      float64       // randomization factor, 0..1
}

// Policy configures one Execute run.
type Policy struct {
	BatchSize       int
	BypassPlugins   dataverse.BypassMode
	BypassFlows     bool
	ContinueOnError bool
	RequestTimeout  time.Duration
	Retry           RetryPolicy
}

// DefaultPolicy returns the bulk-load defaults.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:       types.BatchSizeDefault,
		BypassPlugins:   dataverse.BypassNone,
		ContinueOnError: true,
		RequestTimeout:  2 * time.Minute,
		Retry: RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
	}
}

// Validate rejects configurations that must fail before any remote call.
func (p *Policy) Validate() error {
	if p.BatchSize < 0 || p.BatchSize > types.BatchSizeMax {
		return fmt.Errorf("batch size %d out of range [%d, %d]", p.BatchSize, types.BatchSizeMin, types.BatchSizeMax)
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", p.Retry.MaxAttempts)
	}
	return nil
}

func (p Policy) normalized() Policy {
	p.BatchSize = types.ClampBatchSize(p.BatchSize)
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 2 * time.Minute
	}
	if p.Retry.BaseDelay <= 0 {
		p.Retry.BaseDelay = 500 * time.Millisecond
	}
	if p.Retry.MaxDelay <= 0 {
		p.Retry.MaxDelay = 30 * time.Second
	}
	return p
}

// Job labels one Execute run for progress reporting and carries the
// operation stream.
type Job struct {
	Phase        types.Phase
	Entity       string // reporting label; the stream may span entities
	TierIndex    int
	Relationship string
	Total        int // expected operation count; -1 when unknown
	Ops          <-chan *types.Operation
}

// Result aggregates one Execute run. Every operation lands in exactly one
// of success, failure, or skipped.
type Result struct {
	SuccessCount int
	FailureCount int
	CreatedCount int
	UpdatedCount int
	SkippedCount int
	Cancelled    bool
	Errors       []*types.RecordError
}

// Processed returns the total number of operations accounted for.
func (r *Result) Processed() int {
	return r.SuccessCount + r.FailureCount + r.SkippedCount
}

// Executor schedules batches across the pool. Safe for sequential reuse;
// one Execute call runs at a time per Job.
type Executor struct {
	pool    *pool.Pool
	tracker *throttle.Tracker
	events  chan<- types.ProgressEvent // nil disables progress emission
}

// New creates an executor over the pool. events may be nil.
func New(p *pool.Pool, tracker *throttle.Tracker, events chan<- types.ProgressEvent) *Executor {
	return &Executor{pool: p, tracker: tracker, events: events}
}

// FromSlice adapts a materialized operation list into the stream form.
func FromSlice(ops []*types.Operation) <-chan *types.Operation {
	ch := make(chan *types.Operation, len(ops))
	for _, op := range ops {
		ch <- op
	}
	close(ch)
	return ch
}

// delta is one worker's contribution to the aggregate, posted to the sole
// aggregator goroutine.
type delta struct {
	processed int
	success   int
	failure   int
	created   int
	updated   int
	skipped   int
	errs      []*types.RecordError
}

// progressEvery is the record cadence of progress snapshots; the aggregator
// also emits at least once per second.
const progressEvery = 100

// Execute drains the job's operation stream. Per-record failures are
// reported in the Result; the returned error is non-nil only for fatal
// aborts (continueOnError=false, auth failure, pool exhaustion).
// Cancellation is a terminal result, not an error.
func (e *Executor) Execute(ctx context.Context, job Job, policy Policy) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	policy = policy.normalized()

	deltas := make(chan delta, 64)
	resultCh := make(chan *Result, 1)
	go e.aggregate(job, deltas, resultCh)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pool.Capacity())
	telemetry.Engine().EffectiveDop(ctx, e.pool.EffectiveDop())

	// Partition the stream per entity and cut batches of policy.BatchSize.
	// Flushing happens inline so producers feel backpressure through the
	// bounded stream channel, not through unbounded buffering here.
	pending := make(map[string][]*types.Operation)
	flush := func(entity string) {
		ops := pending[entity]
		if len(ops) == 0 {
			return
		}
		delete(pending, entity)
		g.Go(func() error {
			return e.submit(gctx, entity, ops, policy, deltas)
		})
	}

intake:
	for {
		select {
		case <-gctx.Done():
			break intake
		case op, ok := <-job.Ops:
			if !ok {
				break intake
			}
			pending[op.Entity] = append(pending[op.Entity], op)
			if len(pending[op.Entity]) >= policy.BatchSize {
				flush(op.Entity)
			}
		}
	}
	if gctx.Err() == nil {
		for entity := range pending {
			flush(entity)
		}
	}

	err := g.Wait()
	close(deltas)
	res := <-resultCh

	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}
	if err != nil {
		if dataverse.Classify(err) == dataverse.KindCancelled {
			res.Cancelled = true
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// submit pushes one entity batch through the retry loop, splitting in
// halves to isolate poisoned records when the retry budget is exhausted.
// A non-nil return aborts the whole run.
func (e *Executor) submit(ctx context.Context, entity string, ops []*types.Operation, policy Policy, deltas chan<- delta) error {
	resp, err := e.attempt(ctx, entity, ops, policy)
	if err == nil {
		d := mapResults(ops, resp)
		telemetry.Engine().Records(ctx, entity, d.success, d.failure)
		deltas <- d
		if d.failure > 0 && !policy.ContinueOnError {
			return fmt.Errorf("executor: %s: %w", entity, d.errs[0])
		}
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	kind := dataverse.Classify(err)
	if kind == dataverse.KindAuth {
		// other batches would fail the same way; always abort
		return err
	}

	// splitting is for isolating poison rows; when the first failure aborts
	// the run there is nothing to isolate
	retryableExhausted := kind == dataverse.KindThrottled || kind == dataverse.KindTransient
	if retryableExhausted && len(ops) > 1 && policy.ContinueOnError {
		mid := len(ops) / 2
		telemetry.Engine().BatchSplit(ctx, entity)
		debug.Logf("executor: splitting %s batch of %d after exhausted retries\n", entity, len(ops))
		if err := e.submit(ctx, entity, ops[:mid], policy, deltas); err != nil {
			return err
		}
		return e.submit(ctx, entity, ops[mid:], policy, deltas)
	}

	// singleton that still fails, or a whole-batch permanent rejection:
	// every row becomes a per-record failure
	d := delta{processed: len(ops), failure: len(ops)}
	for _, op := range ops {
		d.errs = append(d.errs, recordError(op, err))
	}
	telemetry.Engine().Records(ctx, entity, 0, d.failure)
	deltas <- d
	if !policy.ContinueOnError {
		return fmt.Errorf("executor: %s: %w", entity, err)
	}
	return nil
}

// attempt performs the remote batch call with exponential backoff on
// throttled and transient failures. All requests carry dedup ids, so
// retrying a Create after the request reached the server is safe.
func (e *Executor) attempt(ctx context.Context, entity string, ops []*types.Operation, policy Policy) (*dataverse.BatchResponse, error) {
	reqs := make([]*dataverse.Request, len(ops))
	for i, op := range ops {
		reqs[i] = &dataverse.Request{
			Op:            op,
			RequestID:     uuid.New(),
			BypassPlugins: policy.BypassPlugins,
			BypassFlows:   policy.BypassFlows,
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.Retry.BaseDelay
	bo.MaxInterval = policy.Retry.MaxDelay
	bo.RandomizationFactor = policy.Retry.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attemptN := 0; attemptN < policy.Retry.MaxAttempts; attemptN++ {
		if attemptN > 0 {
			delay := bo.NextBackOff()
			if re := dataverse.AsRemote(lastErr); re != nil && re.RetryAfter > delay {
				delay = re.RetryAfter
			}
			throttled := dataverse.Classify(lastErr) == dataverse.KindThrottled
			telemetry.Engine().BatchRetried(ctx, entity, throttled)
			debug.Logf("executor: retrying %s batch (attempt %d) after %v\n", entity, attemptN+1, delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		lease, err := e.pool.GetClient(ctx)
		if err != nil {
			return nil, err
		}
		telemetry.Engine().LeaseAcquired(ctx)

		reqCtx, cancel := context.WithTimeout(ctx, policy.RequestTimeout)
		start := time.Now()
		resp, err := lease.Client().ExecuteBatch(reqCtx, &dataverse.BatchRequest{
			Entity:          entity,
			Requests:        reqs,
			ContinueOnError: policy.ContinueOnError,
		})
		latency := time.Since(start)
		timedOut := reqCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err != nil && timedOut {
			// request-scoped timeout: never cancels the engine, retried like
			// any transient failure
			err = dataverse.Transient("request timeout: "+err.Error(), true)
		}

		if err == nil {
			e.tracker.OnResponse(lease.Endpoint(), latency, false, 0)
			lease.Release(nil)
			telemetry.Engine().LeaseReleased(ctx)
			telemetry.Engine().BatchSubmitted(ctx, entity, len(ops))
			return resp, nil
		}

		re := dataverse.AsRemote(err)
		throttled := re != nil && re.Kind == dataverse.KindThrottled
		var retryAfter time.Duration
		if re != nil {
			retryAfter = re.RetryAfter
		}
		e.tracker.OnResponse(lease.Endpoint(), latency, throttled, retryAfter)
		lease.Release(err)
		telemetry.Engine().LeaseReleased(ctx)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !dataverse.Retryable(err, true) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// mapResults folds an accepted batch response into a delta, attributing
// per-item failures to their rowRefs by index.
func mapResults(ops []*types.Operation, resp *dataverse.BatchResponse) delta {
	d := delta{}
	for i, op := range ops {
		d.processed++
		var item *dataverse.BatchItemResult
		if i < len(resp.Results) {
			item = &resp.Results[i]
		}
		if item == nil || item.Err != nil {
			d.failure++
			if item != nil {
				d.errs = append(d.errs, recordError(op, item.Err))
			} else {
				d.errs = append(d.errs, recordError(op, dataverse.Fatal("MissingResult", "no result for batch item")))
			}
			continue
		}
		d.success++
		if item.Created {
			d.created++
		}
		if item.Updated {
			d.updated++
		}
	}
	return d
}

// recordError converts a remote failure into the structured per-record form.
func recordError(op *types.Operation, err error) *types.RecordError {
	re := dataverse.AsRemote(err)
	code := ""
	msg := err.Error()
	if re != nil {
		code = re.Code
		msg = re.Message
		if code == "" {
			switch re.Kind {
			case dataverse.KindThrottled:
				code = types.ErrCodeThrottled
			case dataverse.KindTransient:
				code = types.ErrCodeTransient
			case dataverse.KindCancelled:
				code = types.ErrCodeCancelled
			}
		}
	}
	field := ""
	if op.Kind == types.OpUpdate && op.Record != nil && op.Record.Len() == 2 {
		// deferred-field updates carry the primary key plus one field;
		// attribute the failure to that field
		for _, f := range op.Record.Fields() {
			if v, _ := op.Record.Get(f); v.Kind == types.KindRef {
				field = f
			}
		}
	}
	return &types.RecordError{
		RowRef:    op.RowRef,
		Entity:    op.Entity,
		Field:     field,
		ErrorCode: code,
		Message:   msg,
		RecordID:  op.RecordID(),
	}
}

// aggregate is the sole owner of the run counters and the only writer to
// the progress channel.
func (e *Executor) aggregate(job Job, deltas <-chan delta, out chan<- *Result) {
	res := &Result{}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastEmit := time.Now()
	lastProcessed := 0
	sinceEmit := 0

	emit := func() {
		if e.events == nil {
			return
		}
		now := time.Now()
		elapsed := now.Sub(lastEmit).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(res.Processed()-lastProcessed) / elapsed
		}
		ev := types.ProgressEvent{
			Phase:        job.Phase,
			Entity:       job.Entity,
			Relationship: job.Relationship,
			TierIndex:    job.TierIndex,
			Current:      res.Processed(),
			Total:        job.Total,
			SuccessCount: res.SuccessCount,
			FailureCount: res.FailureCount,
			InstantRate:  rate,
			Timestamp:    now,
		}
		// the reporter must never block the executor; drop the snapshot if
		// the channel is full
		select {
		case e.events <- ev:
		default:
		}
		lastEmit = now
		lastProcessed = res.Processed()
		sinceEmit = 0
	}

	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				emit()
				out <- res
				return
			}
			res.SuccessCount += d.success
			res.FailureCount += d.failure
			res.CreatedCount += d.created
			res.UpdatedCount += d.updated
			res.SkippedCount += d.skipped
			res.Errors = append(res.Errors, d.errs...)
			sinceEmit += d.processed
			if sinceEmit >= progressEvery {
				emit()
			}
		case <-ticker.C:
			if sinceEmit > 0 {
				emit()
			}
		}
	}
}
