// Package throttle tracks remote rate-limit signals per endpoint and advises
// the pool whether new work should be admitted or deferred.
package throttle

import (
	"sync"
	"time"
)

const (
	// windowSize is how many recent responses are sampled per endpoint.
	windowSize = 128
	// throttleRatio is the fraction of throttled responses inside
	// sampleAge that flips the endpoint into deferral.
	throttleRatio = 0.10
	// sampleAge bounds how far back the ratio looks.
	sampleAge = 10 * time.Second
	// maxDefer caps the exponential deferral delay.
	maxDefer = 60 * time.Second
	// minDefer seeds the delay when the server sent no Retry-After.
	minDefer = time.Second
	// recoverStep is the linear deferral decay applied per success.
	recoverStep = 500 * time.Millisecond
	// successesPerDopRecovery is how many consecutive successes raise the
	// DOP cap by one.
	successesPerDopRecovery = 200
)

// Decision is the admission advice for one endpoint.
type Decision struct {
	Admit bool
	// Delay is how long the caller should sleep before acquiring when
	// Admit is false. The tracker never sleeps itself.
	Delay time.Duration
}

type sample struct {
	at        time.Time
	throttled bool
}

type endpointState struct {
	ring  [windowSize]sample
	next  int
	count int

	deferUntil    time.Time
	currentDelay  time.Duration
	maxRetryAfter time.Duration

	dopPenalty          int // number of cap decrements currently in force
	consecutiveSuccess  int
}

// Tracker is the process-wide throttle state. Safe for concurrent use; all
// updates happen under a brief lock, never across I/O.
type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
	}
}

// NewTrackerWithClock creates a tracker with an injected clock, for tests.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	t := NewTracker()
	t.now = now
	return t
}

func (t *Tracker) state(endpoint string) *endpointState {
	st, ok := t.endpoints[endpoint]
	if !ok {
		st = &endpointState{}
		t.endpoints[endpoint] = st
	}
	return st
}

// OnResponse records one request outcome for the endpoint.
func (t *Tracker) OnResponse(endpoint string, latency time.Duration, throttled bool, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = latency // sampled for future adaptive pacing; only the outcome drives policy today

	now := t.now()
	st := t.state(endpoint)

	st.ring[st.next] = sample{at: now, throttled: throttled}
	st.next = (st.next + 1) % windowSize
	if st.count < windowSize {
		st.count++
	}

	if throttled {
		st.consecutiveSuccess = 0
		st.dopPenalty++
		if retryAfter > st.maxRetryAfter {
			st.maxRetryAfter = retryAfter
		}
		// Each sampled throttle doubles the deferral delay, seeded from the
		// largest Retry-After the server has advised.
		if st.currentDelay == 0 {
			st.currentDelay = st.maxRetryAfter
			if st.currentDelay < minDefer {
				st.currentDelay = minDefer
			}
		} else {
			st.currentDelay *= 2
		}
		if st.currentDelay > maxDefer {
			st.currentDelay = maxDefer
		}
		if t.overRatio(st, now) {
			st.deferUntil = now.Add(st.currentDelay)
		}
		return
	}

	// success: linear recovery of the deferral delay and stepwise recovery
	// of the DOP cap
	st.consecutiveSuccess++
	if st.currentDelay > 0 {
		st.currentDelay -= recoverStep
		if st.currentDelay < 0 {
			st.currentDelay = 0
		}
	}
	if st.consecutiveSuccess >= successesPerDopRecovery {
		st.consecutiveSuccess = 0
		if st.dopPenalty > 0 {
			st.dopPenalty--
		}
		if st.dopPenalty == 0 {
			st.maxRetryAfter = 0
		}
	}
}

// overRatio reports whether throttles exceed throttleRatio within sampleAge.
// Caller holds the lock.
func (t *Tracker) overRatio(st *endpointState, now time.Time) bool {
	cutoff := now.Add(-sampleAge)
	recent, throttled := 0, 0
	for i := 0; i < st.count; i++ {
		s := st.ring[i]
		if s.at.Before(cutoff) {
			continue
		}
		recent++
		if s.throttled {
			throttled++
		}
	}
	if recent == 0 {
		return false
	}
	return float64(throttled)/float64(recent) > throttleRatio
}

// CurrentPolicy tells the pool whether to hand out a client for the endpoint
// now, or how long to sleep first.
func (t *Tracker) CurrentPolicy(endpoint string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.endpoints[endpoint]
	if !ok {
		return Decision{Admit: true}
	}
	now := t.now()
	if now.Before(st.deferUntil) {
		return Decision{Admit: false, Delay: st.deferUntil.Sub(now)}
	}
	return Decision{Admit: true}
}

// EffectiveDop returns min(requestedDop, current cap) for the endpoint. The
// cap drops by one per observed throttle and climbs back one step per
// successesPerDopRecovery consecutive successes, clamped to [1, requested].
func (t *Tracker) EffectiveDop(endpoint string, requestedDop int) int {
	if requestedDop < 1 {
		requestedDop = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.endpoints[endpoint]
	if !ok {
		return requestedDop
	}
	dop := requestedDop - st.dopPenalty
	if dop < 1 {
		dop = 1
	}
	return dop
}

// ThrottleCount returns how many throttled responses are currently inside
// the endpoint's sampling window. Observability only.
func (t *Tracker) ThrottleCount(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.endpoints[endpoint]
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < st.count; i++ {
		if st.ring[i].throttled {
			n++
		}
	}
	return n
}
