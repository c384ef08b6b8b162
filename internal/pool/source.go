// Package pool provides the pooled connection layer: per-(identity,
// environment) client sources and the multiplexing pool the executor
// borrows clients from.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
)

const (
	// DefaultMaxConcurrent bounds outstanding clients per source.
	DefaultMaxConcurrent = 52
	// DefaultIdleTimeout evicts free-list clients that sat unused.
	DefaultIdleTimeout = 5 * time.Minute
)

// ErrAuthFailed is returned when the source cannot authenticate. Not retried
// inside the source.
var ErrAuthFailed = errors.New("authentication failed")

// SourceConfig configures one client source.
type SourceConfig struct {
	// Name identifies the (identity, environment) pair in logs and errors.
	Name string
	// Endpoint is the environment URL this source serves.
	Endpoint string
	// Factory produces authenticated clients.
	Factory dataverse.ClientFactory
	// MaxConcurrent caps outstanding clients; 0 means DefaultMaxConcurrent.
	MaxConcurrent int
	// IdleTimeout evicts idle pooled clients; 0 means DefaultIdleTimeout.
	IdleTimeout time.Duration
}

func (c *SourceConfig) withDefaults() SourceConfig {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	return out
}

// pooledClient wraps a factory-produced client with pool bookkeeping.
type pooledClient struct {
	dataverse.Client
	key      string
	gen      uint64
	poisoned atomic.Bool
}

// Source produces authenticated clients for one identity+environment pair,
// capped at MaxConcurrent outstanding. Clients released healthy go to an
// idle free-list with LRU eviction on IdleTimeout.
type Source struct {
	cfg SourceConfig

	sem  *semaphore.Weighted
	idle *lru.LRU[string, *pooledClient]

	// breaker guards the factory so repeated credential failures stop
	// hammering the token endpoint.
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	generation uint64 // bumped by Invalidate; older clients are discarded
	created    int64  // total clients ever built, observability
	outstanding int64
}

// NewSource creates a source from the config.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("source %q: nil client factory", cfg.Name)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("source %q: empty endpoint", cfg.Name)
	}
	cfg = cfg.withDefaults()

	s := &Source{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	s.idle = lru.NewLRU(cfg.MaxConcurrent, func(_ string, pc *pooledClient) {
		_ = pc.Close()
	}, cfg.IdleTimeout)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "auth:" + cfg.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return s, nil
}

// Name returns the configured source name.
func (s *Source) Name() string { return s.cfg.Name }

// Endpoint returns the environment URL this source serves.
func (s *Source) Endpoint() string { return s.cfg.Endpoint }

// MaxConcurrent returns the outstanding-client cap.
func (s *Source) MaxConcurrent() int { return s.cfg.MaxConcurrent }

// Outstanding returns the number of currently acquired clients.
func (s *Source) Outstanding() int {
	return int(atomic.LoadInt64(&s.outstanding))
}

// HasCapacity reports whether Acquire would not block right now.
func (s *Source) HasCapacity() bool {
	return s.Outstanding() < s.cfg.MaxConcurrent
}

// Acquire returns a client, blocking while MaxConcurrent are outstanding or
// until ctx is cancelled. Authentication failures surface as ErrAuthFailed
// and are not retried here.
func (s *Source) Acquire(ctx context.Context) (*pooledClient, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if pc := s.popIdle(); pc != nil {
		atomic.AddInt64(&s.outstanding, 1)
		return pc, nil
	}

	pc, err := s.build(ctx)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	atomic.AddInt64(&s.outstanding, 1)
	return pc, nil
}

func (s *Source) popIdle() *pooledClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		keys := s.idle.Keys()
		if len(keys) == 0 {
			return nil
		}
		pc, ok := s.idle.Peek(keys[0])
		s.idle.Remove(keys[0])
		if !ok || pc == nil {
			continue
		}
		if pc.gen != s.generation || pc.poisoned.Load() {
			_ = pc.Close()
			continue
		}
		return pc
	}
}

func (s *Source) build(ctx context.Context) (*pooledClient, error) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	out, err := s.breaker.Execute(func() (any, error) {
		c, err := s.cfg.Factory(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: breaker open after repeated failures", ErrAuthFailed, s.cfg.Name)
		}
		if re := dataverse.AsRemote(err); re != nil && re.Kind == dataverse.KindAuth {
			return nil, fmt.Errorf("%w: %s: %s", ErrAuthFailed, s.cfg.Name, re.Message)
		}
		return nil, fmt.Errorf("source %s: acquire client: %w", s.cfg.Name, err)
	}

	atomic.AddInt64(&s.created, 1)
	debug.Logf("pool: source %s built client #%d\n", s.cfg.Name, atomic.LoadInt64(&s.created))
	return &pooledClient{
		Client: out.(dataverse.Client),
		key:    uuid.NewString(),
		gen:    gen,
	}, nil
}

// Release returns a client. Poisoned clients (credential errors) are
// discarded; healthy ones go back to the idle free-list unless Invalidate
// has moved the generation on.
func (s *Source) Release(pc *pooledClient) {
	if pc == nil {
		return
	}
	atomic.AddInt64(&s.outstanding, -1)
	s.sem.Release(1)

	s.mu.Lock()
	stale := pc.gen != s.generation
	s.mu.Unlock()

	if stale || pc.poisoned.Load() {
		_ = pc.Close()
		return
	}
	s.mu.Lock()
	s.idle.Add(pc.key, pc)
	s.mu.Unlock()
}

// Invalidate marks every cached client poisoned. The next Acquire
// re-authenticates.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.generation++
	s.idle.Purge() // eviction callback closes each idle client
	s.mu.Unlock()
	debug.Logf("pool: source %s invalidated\n", s.cfg.Name)
}

// Close evicts all idle clients. Outstanding clients are closed as they are
// released (their generation no longer matches).
func (s *Source) Close() {
	s.Invalidate()
}
