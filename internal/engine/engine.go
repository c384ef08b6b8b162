// Package engine drives full exports and imports: planning, tiered
// execution, deferred lookups, and the association pass.
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/executor"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/types"
)

// queryRetryAttempts bounds the retry loop around export queries.
const queryRetryAttempts = 4

// Engine coordinates the pool, the planner, and the executor for one
// environment pair. Create one per run.
type Engine struct {
	pool    *pool.Pool
	tracker *throttle.Tracker
	exec    *executor.Executor
	events  chan<- types.ProgressEvent
}

// New creates an engine over the given pool. events may be nil to run
// without progress reporting.
func New(p *pool.Pool, tracker *throttle.Tracker, events chan<- types.ProgressEvent) *Engine {
	return &Engine{
		pool:    p,
		tracker: tracker,
		exec:    executor.New(p, tracker, events),
		events:  events,
	}
}

// emit posts a progress event without ever blocking the engine.
func (e *Engine) emit(ev types.ProgressEvent) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.events <- ev:
	default:
	}
}

// query runs one read call with throttle accounting and bounded retries.
// Reads are idempotent, so every transient or throttled failure is fair to
// retry.
func (e *Engine) query(ctx context.Context, fn func(client dataverse.Client) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < queryRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if re := dataverse.AsRemote(lastErr); re != nil && re.RetryAfter > delay {
				delay = re.RetryAfter
			}
			debug.Logf("engine: retrying query (attempt %d) after %v\n", attempt+1, delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lease, err := e.pool.GetClient(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		err = fn(lease.Client())
		latency := time.Since(start)

		if err == nil {
			e.tracker.OnResponse(lease.Endpoint(), latency, false, 0)
			lease.Release(nil)
			return nil
		}
		re := dataverse.AsRemote(err)
		throttled := re != nil && re.Kind == dataverse.KindThrottled
		var retryAfter time.Duration
		if re != nil {
			retryAfter = re.RetryAfter
		}
		e.tracker.OnResponse(lease.Endpoint(), latency, throttled, retryAfter)
		lease.Release(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !dataverse.Retryable(err, true) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
