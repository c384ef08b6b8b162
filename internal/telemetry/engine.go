package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/dvtools/dvbulk/engine"

// EngineMetrics bundles the bulk-engine instruments. All methods are safe on
// the zero-config (no-op provider) path.
type EngineMetrics struct {
	batches   metric.Int64Counter
	retries   metric.Int64Counter
	splits    metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	throttles metric.Int64Counter
	dop       metric.Int64Gauge
	leases    metric.Int64UpDownCounter
}

var (
	engineOnce    sync.Once
	engineMetrics *EngineMetrics
)

// Engine returns the process-wide engine instruments, created on first use
// against whatever meter provider Init installed.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		m := Meter(engineScopeName)
		em := &EngineMetrics{}
		em.batches, _ = m.Int64Counter("dvb.executor.batches",
			metric.WithDescription("Batches submitted to the remote endpoint"))
		em.retries, _ = m.Int64Counter("dvb.executor.retries",
			metric.WithDescription("Batch retry attempts after transient or throttled failures"))
		em.splits, _ = m.Int64Counter("dvb.executor.splits",
			metric.WithDescription("Batch halvings performed to isolate poisoned records"))
		em.succeeded, _ = m.Int64Counter("dvb.records.succeeded",
			metric.WithDescription("Records written successfully"))
		em.failed, _ = m.Int64Counter("dvb.records.failed",
			metric.WithDescription("Records that ended in a permanent failure"))
		em.throttles, _ = m.Int64Counter("dvb.throttle.signals",
			metric.WithDescription("429-equivalent responses observed"))
		em.dop, _ = m.Int64Gauge("dvb.pool.effective_dop",
			metric.WithDescription("Negotiated degree of parallelism"))
		em.leases, _ = m.Int64UpDownCounter("dvb.pool.leases",
			metric.WithDescription("Currently leased clients"))
		engineMetrics = em
	})
	return engineMetrics
}

func (em *EngineMetrics) BatchSubmitted(ctx context.Context, entity string, size int) {
	em.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity), attribute.Int("size", size)))
}

func (em *EngineMetrics) BatchRetried(ctx context.Context, entity string, throttled bool) {
	em.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity), attribute.Bool("throttled", throttled)))
	if throttled {
		em.throttles.Add(ctx, 1)
	}
}

func (em *EngineMetrics) BatchSplit(ctx context.Context, entity string) {
	em.splits.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

func (em *EngineMetrics) Records(ctx context.Context, entity string, succeeded, failed int) {
	if succeeded > 0 {
		em.succeeded.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("entity", entity)))
	}
	if failed > 0 {
		em.failed.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("entity", entity)))
	}
}

func (em *EngineMetrics) EffectiveDop(ctx context.Context, dop int) {
	em.dop.Record(ctx, int64(dop))
}

func (em *EngineMetrics) LeaseAcquired(ctx context.Context) { em.leases.Add(ctx, 1) }
func (em *EngineMetrics) LeaseReleased(ctx context.Context) { em.leases.Add(ctx, -1) }
