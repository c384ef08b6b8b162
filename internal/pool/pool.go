package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/throttle"
)

var (
	// ErrNoSource means no configured source can serve the request.
	ErrNoSource = errors.New("no source available")
	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// drainWindow bounds how long Close waits for leased clients to return.
const drainWindow = 3 * time.Second

// Config configures the pool.
type Config struct {
	// RequestedDop is the desired maximum of concurrently leased clients.
	// 0 means the sum of source caps.
	RequestedDop int

	// DisableAffinityCookie strips the server affinity cookie so bulk load
	// spreads across back-end nodes. Default true for bulk work.
	DisableAffinityCookie bool

	// Tracker is the process-wide throttle state. Required.
	Tracker *throttle.Tracker
}

// DefaultConfig returns the bulk-work defaults.
func DefaultConfig(tracker *throttle.Tracker) Config {
	return Config{
		DisableAffinityCookie: true,
		Tracker:               tracker,
	}
}

// Options hints a single acquisition.
type Options struct {
	// PreferSource binds the lease to the named source when it has capacity.
	PreferSource string
}

// Pool multiplexes clients across sources, negotiates effective DOP against
// the throttle tracker, and applies the affinity-cookie policy.
type Pool struct {
	cfg     Config
	sources []*Source

	mu       sync.Mutex
	inFlight int
	next     int           // round-robin cursor
	waitCh   chan struct{} // closed and replaced whenever capacity frees up
	closed   bool
}

// New creates a pool over the given sources.
func New(cfg Config, sources ...*Source) (*Pool, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("pool: %w: no sources configured", ErrNoSource)
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("pool: nil throttle tracker")
	}
	return &Pool{
		cfg:     cfg,
		sources: sources,
		waitCh:  make(chan struct{}),
	}, nil
}

// Capacity returns the sum of source caps.
func (p *Pool) Capacity() int {
	n := 0
	for _, s := range p.sources {
		n += s.MaxConcurrent()
	}
	return n
}

// InFlight returns the number of currently leased clients.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// StripAffinityCookie reports the pool-wide cookie policy.
func (p *Pool) StripAffinityCookie() bool {
	return p.cfg.DisableAffinityCookie
}

// EffectiveDop returns the negotiated maximum of concurrently outstanding
// requests: requested DOP intersected with the source caps and with the
// throttle tracker's per-endpoint cap.
func (p *Pool) EffectiveDop() int {
	base := p.Capacity()
	if p.cfg.RequestedDop > 0 && p.cfg.RequestedDop < base {
		base = p.cfg.RequestedDop
	}
	seen := make(map[string]bool)
	eff := base
	for _, s := range p.sources {
		ep := s.Endpoint()
		if seen[ep] {
			continue
		}
		seen[ep] = true
		if d := p.cfg.Tracker.EffectiveDop(ep, base); d < eff {
			eff = d
		}
	}
	if eff < 1 {
		eff = 1
	}
	return eff
}

// Lease is one checked-out client. Release it on every exit path.
type Lease struct {
	pool   *Pool
	source *Source
	pc     *pooledClient
	once   sync.Once
}

// Client returns the leased request-issuing client.
func (l *Lease) Client() dataverse.Client { return l.pc }

// Endpoint returns the environment URL the client talks to.
func (l *Lease) Endpoint() string { return l.source.Endpoint() }

// SourceName returns the serving source, for affinity hints.
func (l *Lease) SourceName() string { return l.source.Name() }

// StripAffinityCookie reports whether the wire layer should drop the
// server's affinity cookie on requests issued through this lease.
func (l *Lease) StripAffinityCookie() bool { return l.pool.StripAffinityCookie() }

// Release returns the client to the pool. err is the outcome of the work
// done on the lease: auth or fatal errors poison the client, anything else
// returns it to the idle list.
func (l *Lease) Release(err error) {
	l.once.Do(func() {
		if err != nil {
			switch dataverse.Classify(err) {
			case dataverse.KindAuth, dataverse.KindFatal:
				l.pc.poisoned.Store(true)
			}
		}
		l.source.Release(l.pc)
		l.pool.released()
	})
}

// Dispose releases a lease that saw no error.
func (l *Lease) Dispose() { l.Release(nil) }

// GetClient returns a leased client, blocking while the pool is at its
// effective DOP, while the throttle tracker defers the endpoint, or while
// every source is at capacity. Fails with ErrAuthFailed, ErrNoSource, or the
// context error.
func (p *Pool) GetClient(ctx context.Context, opts ...Options) (*Lease, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.inFlight < p.EffectiveDop() {
			src := p.pickSourceLocked(opt)
			if src != nil {
				p.inFlight++
				p.mu.Unlock()

				if lease, err, retry := p.tryAcquire(ctx, src); !retry {
					return lease, err
				}
				continue
			}
		}
		ch := p.waitCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// tryAcquire holds an admission slot and attempts one acquisition from src.
// retry=true means the slot was given back and the caller should loop
// (throttle deferral).
func (p *Pool) tryAcquire(ctx context.Context, src *Source) (*Lease, error, bool) {
	if d := p.cfg.Tracker.CurrentPolicy(src.Endpoint()); !d.Admit {
		p.released()
		debug.Logf("pool: deferring %s for %v on throttle advice\n", src.Endpoint(), d.Delay)
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err(), false
		case <-timer.C:
			return nil, nil, true
		}
	}

	pc, err := src.Acquire(ctx)
	if err != nil {
		p.released()
		if errors.Is(err, ErrAuthFailed) {
			return nil, err, false
		}
		if ctx.Err() != nil {
			return nil, ctx.Err(), false
		}
		return nil, fmt.Errorf("pool: acquire from %s: %w", src.Name(), err), false
	}
	return &Lease{pool: p, source: src, pc: pc}, nil, false
}

// pickSourceLocked rotates round-robin over sources with available
// capacity. Caller holds p.mu.
func (p *Pool) pickSourceLocked(opt Options) *Source {
	if opt.PreferSource != "" {
		for _, s := range p.sources {
			if s.Name() == opt.PreferSource && s.HasCapacity() {
				return s
			}
		}
		// preferred source saturated; fall through to fair rotation
	}
	for i := 0; i < len(p.sources); i++ {
		s := p.sources[(p.next+i)%len(p.sources)]
		if s.HasCapacity() {
			p.next = (p.next + i + 1) % len(p.sources)
			return s
		}
	}
	return nil
}

// released frees one admission slot and wakes waiters.
func (p *Pool) released() {
	p.mu.Lock()
	p.inFlight--
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
}

// Invalidate poisons every source; future acquisitions re-authenticate.
func (p *Pool) Invalidate(reason string) {
	debug.Logf("pool: invalidating all sources: %s\n", reason)
	for _, s := range p.sources {
		s.Invalidate()
	}
}

// Close waits up to the drain window for leases to return, then evicts all
// idle clients. Unreturned clients are abandoned and closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()

	deadline := time.Now().Add(drainWindow)
	for time.Now().Before(deadline) {
		if p.InFlight() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, s := range p.sources {
		s.Close()
	}
}
