package ratecontrol

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func newTestController(now time.Time) (*Controller, *time.Time) {
	current := now
	manager := NewManager(
		func() SettingsConfig { return SettingsConfig{} },
		func() time.Time { return current },
		nil,
	)
	return NewController(manager, NewCeilings()), &current
}

func TestControllerFixedLimit(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))
	limit := 2

	if !ctrl.Allow(context.Background(), 1, &limit) || !ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("requests denied under fixed limit")
	}
	if ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("request allowed over fixed limit")
	}
}

func TestControllerFixedWindowRollover(t *testing.T) {
	ctrl, now := newTestController(time.Unix(1700000000, 0))
	limit := 1

	if !ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("first request denied")
	}
	if ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("second request allowed in same minute")
	}
	*now = now.Add(time.Minute)
	if !ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("request denied after minute rollover")
	}
}

func TestControllerHasBudgetDoesNotConsume(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))
	limit := 1

	for i := 0; i < 5; i++ {
		if !ctrl.HasBudget(context.Background(), 1, &limit) {
			t.Fatalf("check %d consumed the window", i)
		}
	}
	if !ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("request denied despite untouched window")
	}
	if ctrl.HasBudget(context.Background(), 1, &limit) {
		t.Fatal("exhausted window still reports budget")
	}
	if ctrl.Allow(context.Background(), 1, &limit) {
		t.Fatal("request allowed over exhausted window")
	}
}

func TestControllerHasBudgetZeroCeiling(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))

	if !ctrl.HasBudget(context.Background(), 7, nil) {
		t.Fatal("adaptive key with no learned ceiling should have budget")
	}

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "0")
	h.Set("anthropic-ratelimit-requests-remaining", "0")
	h.Set("retry-after", "60")
	ctrl.ObserveRateLimit(7, ParseLimitHeaders(h))

	if ctrl.HasBudget(context.Background(), 7, nil) {
		t.Fatal("zero ceiling should report no budget")
	}
}

func TestControllerAdaptiveUnknownCeiling(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))
	for i := 0; i < 20; i++ {
		if !ctrl.Allow(context.Background(), 7, nil) {
			t.Fatal("adaptive key with no learned ceiling should be unlimited")
		}
	}
	if got := ctrl.EffectiveRPM(7, nil); got != nil {
		t.Fatalf("effective rpm = %v, want nil", *got)
	}
}

func TestControllerAdaptiveCeilingFrom429(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "2")
	h.Set("retry-after", "30")
	ctrl.ObserveRateLimit(7, ParseLimitHeaders(h))

	got := ctrl.EffectiveRPM(7, nil)
	if got == nil || *got != 2 {
		t.Fatalf("effective rpm = %v, want 2", got)
	}

	if !ctrl.Allow(context.Background(), 7, nil) || !ctrl.Allow(context.Background(), 7, nil) {
		t.Fatal("requests denied under learned ceiling")
	}
	if ctrl.Allow(context.Background(), 7, nil) {
		t.Fatal("request allowed over learned ceiling")
	}
}

func TestControllerZeroCeilingExcludes(t *testing.T) {
	ctrl, _ := newTestController(time.Unix(1700000000, 0))

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "0")
	h.Set("anthropic-ratelimit-requests-remaining", "0")
	h.Set("retry-after", "60")
	ctrl.ObserveRateLimit(7, ParseLimitHeaders(h))

	if ctrl.Allow(context.Background(), 7, nil) {
		t.Fatal("zero ceiling should exclude the key")
	}

	// Successes relax the ceiling back open.
	ctrl.ObserveSuccess(7)
	if !ctrl.Allow(context.Background(), 7, nil) {
		t.Fatal("relaxed ceiling should admit a request")
	}
}

func TestCeilingNeverRaisedBy429(t *testing.T) {
	ceilings := NewCeilings()
	ceilings.Observe(1, LimitInfo{Kind: LimitRPM, ObservedLimit: 5})
	ceilings.Observe(1, LimitInfo{Kind: LimitRPM, ObservedLimit: 50})

	if v, _ := ceilings.Get(1); v != 5 {
		t.Fatalf("ceiling = %d, want 5 (429 must not raise it)", v)
	}

	// Non-RPM limits leave the ceiling alone.
	ceilings.Observe(1, LimitInfo{Kind: LimitConcurrent})
	if v, _ := ceilings.Get(1); v != 5 {
		t.Fatalf("ceiling = %d after concurrent observation, want 5", v)
	}
}
