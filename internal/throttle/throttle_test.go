package throttle

import (
	"testing"
	"time"
)

func TestAdmitByDefault(t *testing.T) {
	tr := NewTracker()
	d := tr.CurrentPolicy("https://env.crm.dynamics.com")
	if !d.Admit {
		t.Fatalf("expected admit for unknown endpoint, got defer %v", d.Delay)
	}
}

func TestDeferAfterThrottleBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewTrackerWithClock(func() time.Time { return now })
	ep := "https://env.crm.dynamics.com"

	// a handful of successes, then enough throttles to cross 10%
	for i := 0; i < 8; i++ {
		tr.OnResponse(ep, 20*time.Millisecond, false, 0)
	}
	for i := 0; i < 2; i++ {
		tr.OnResponse(ep, 20*time.Millisecond, true, 5*time.Second)
	}

	d := tr.CurrentPolicy(ep)
	if d.Admit {
		t.Fatal("expected defer after throttle burst")
	}
	if d.Delay <= 0 {
		t.Errorf("expected positive delay, got %v", d.Delay)
	}
	// seeded from max Retry-After (5s), doubled once by the second throttle
	if d.Delay > maxDefer {
		t.Errorf("delay %v exceeds cap %v", d.Delay, maxDefer)
	}
}

func TestDeferExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewTrackerWithClock(func() time.Time { return now })
	ep := "ep"

	tr.OnResponse(ep, 0, true, 2*time.Second)
	if d := tr.CurrentPolicy(ep); d.Admit {
		t.Fatal("expected defer immediately after throttle")
	}

	now = now.Add(5 * time.Minute)
	if d := tr.CurrentPolicy(ep); !d.Admit {
		t.Fatalf("expected admit after window expired, still deferring %v", d.Delay)
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewTrackerWithClock(func() time.Time { return now })
	ep := "ep"

	for i := 0; i < 20; i++ {
		tr.OnResponse(ep, 0, true, 10*time.Second)
	}
	d := tr.CurrentPolicy(ep)
	if d.Admit {
		t.Fatal("expected defer")
	}
	if d.Delay > maxDefer {
		t.Errorf("delay %v exceeds cap %v", d.Delay, maxDefer)
	}
}

func TestEffectiveDopDropsOnThrottle(t *testing.T) {
	tr := NewTracker()
	ep := "ep"

	if got := tr.EffectiveDop(ep, 8); got != 8 {
		t.Fatalf("fresh endpoint: expected 8, got %d", got)
	}

	tr.OnResponse(ep, 0, true, time.Second)
	if got := tr.EffectiveDop(ep, 8); got != 7 {
		t.Errorf("after one throttle: expected 7, got %d", got)
	}

	tr.OnResponse(ep, 0, true, time.Second)
	tr.OnResponse(ep, 0, true, time.Second)
	if got := tr.EffectiveDop(ep, 8); got != 5 {
		t.Errorf("after three throttles: expected 5, got %d", got)
	}
}

func TestEffectiveDopNeverBelowOne(t *testing.T) {
	tr := NewTracker()
	ep := "ep"
	for i := 0; i < 50; i++ {
		tr.OnResponse(ep, 0, true, 0)
	}
	if got := tr.EffectiveDop(ep, 4); got != 1 {
		t.Errorf("expected clamp to 1, got %d", got)
	}
}

func TestEffectiveDopRecovers(t *testing.T) {
	tr := NewTracker()
	ep := "ep"

	tr.OnResponse(ep, 0, true, 0)
	tr.OnResponse(ep, 0, true, 0)
	if got := tr.EffectiveDop(ep, 8); got != 6 {
		t.Fatalf("expected 6 after two throttles, got %d", got)
	}

	for i := 0; i < 2*successesPerDopRecovery; i++ {
		tr.OnResponse(ep, 0, false, 0)
	}
	if got := tr.EffectiveDop(ep, 8); got != 8 {
		t.Errorf("expected full recovery to 8, got %d", got)
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.OnResponse("a", 0, true, time.Second)
	tr.OnResponse("a", 0, true, time.Second)

	if got := tr.EffectiveDop("b", 4); got != 4 {
		t.Errorf("endpoint b should be unaffected, got dop %d", got)
	}
	if d := tr.CurrentPolicy("b"); !d.Admit {
		t.Error("endpoint b should admit")
	}
}

func TestThrottleCount(t *testing.T) {
	tr := NewTracker()
	tr.OnResponse("ep", 0, false, 0)
	tr.OnResponse("ep", 0, true, 0)
	tr.OnResponse("ep", 0, true, 0)
	if got := tr.ThrottleCount("ep"); got != 2 {
		t.Errorf("expected 2 throttles in window, got %d", got)
	}
}
