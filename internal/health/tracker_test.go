package health

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

func newTestTracker(start time.Time) (*Tracker, *time.Time) {
	now := start
	tr := NewTracker()
	tr.nowFn = func() time.Time { return now }
	return tr, &now
}

func TestScoreEMA(t *testing.T) {
	tr, _ := newTestTracker(time.Unix(1700000000, 0))

	if got := tr.Score(1, apiformat.FormatClaude); got != 1.0 {
		t.Fatalf("untracked score = %v, want 1.0", got)
	}

	tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	if got := tr.Score(1, apiformat.FormatClaude); math.Abs(got-0.9) > 1e-9 {
		t.Fatalf("score after one error = %v, want 0.9", got)
	}

	tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeSuccess, 0)
	if got := tr.Score(1, apiformat.FormatClaude); math.Abs(got-0.91) > 1e-9 {
		t.Fatalf("score after recovery = %v, want 0.91", got)
	}

	// The score never leaves [0, 1].
	for i := 0; i < 100; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeSuccess, 0)
	}
	if got := tr.Score(1, apiformat.FormatClaude); got > 1.0 {
		t.Fatalf("score exceeded 1.0: %v", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)

	for i := 0; i < 4; i++ {
		tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeTimeout, 0)
	}
	if !tr.Eligible(1, apiformat.FormatOpenAI) {
		t.Fatal("breaker opened before the failure threshold")
	}

	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeError, 0)
	if tr.Eligible(1, apiformat.FormatOpenAI) {
		t.Fatal("breaker did not open after five consecutive failures")
	}

	status := tr.Status(1, []apiformat.Format{apiformat.FormatOpenAI})
	if !status.Open || status.NextProbeAt == nil {
		t.Fatalf("status = %+v", status)
	}
	if want := start.Add(2 * time.Minute); !status.NextProbeAt.Equal(want) {
		t.Fatalf("next probe = %v, want %v", status.NextProbeAt, want)
	}

	// Probe becomes due once the interval elapses.
	*now = start.Add(2 * time.Minute)
	if !tr.Eligible(1, apiformat.FormatOpenAI) {
		t.Fatal("probe not eligible at due time")
	}
}

func TestBreakerOpensOnScoreThreshold(t *testing.T) {
	tr, now := newTestTracker(time.Unix(1700000000, 0))

	// Bursts of four errors ended by a success, spaced beyond the window age,
	// erode the score without ever tripping the consecutive-failure or
	// window error-rate triggers.
	formats := []apiformat.Format{apiformat.FormatClaude}
	for burst := 0; burst < 6 && !tr.Status(2, formats).Open; burst++ {
		for i := 0; i < 4; i++ {
			tr.RecordOutcome(2, apiformat.FormatClaude, OutcomeError, 0)
		}
		tr.RecordOutcome(2, apiformat.FormatClaude, OutcomeSuccess, 0)
		*now = now.Add(6 * time.Minute)
	}
	if !tr.Status(2, formats).Open {
		t.Fatal("breaker never opened as the score eroded")
	}
}

func TestSingleProbeSlot(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}
	*now = start.Add(3 * time.Minute)

	if !tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("first caller could not acquire the probe slot")
	}
	if tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("second caller acquired an in-flight probe slot")
	}
	if tr.Eligible(1, apiformat.FormatClaude) {
		t.Fatal("pair eligible while a probe is in flight")
	}

	// Abandoning the attempt releases the slot.
	tr.ReleaseProbe(1, apiformat.FormatClaude)
	if !tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("slot not released")
	}

	// A successful probe closes the breaker and restores a usable score.
	tr.RecordProbeOutcome(1, apiformat.FormatClaude, OutcomeSuccess, 50*time.Millisecond)
	if !tr.Eligible(1, apiformat.FormatClaude) {
		t.Fatal("breaker still open after successful probe")
	}
	if got := tr.Score(1, apiformat.FormatClaude); got < probeRecoveryScore {
		t.Fatalf("score after recovery = %v, want >= %v", got, probeRecoveryScore)
	}
	status := tr.Status(1, []apiformat.Format{apiformat.FormatClaude})
	if status.Open || status.NextProbeAt != nil {
		t.Fatalf("status after close = %+v", status)
	}
}

func TestProbeBackoffDoublesAndCaps(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)
	tr.SetProbeCap(1, 8*time.Minute)

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatGemini, OutcomeError, 0)
	}

	wantIntervals := []time.Duration{4 * time.Minute, 8 * time.Minute, 8 * time.Minute}
	for _, want := range wantIntervals {
		*now = now.Add(10 * time.Minute)
		if !tr.BeginProbe(1, apiformat.FormatGemini) {
			t.Fatal("probe slot not available")
		}
		probeAt := *now
		tr.RecordProbeOutcome(1, apiformat.FormatGemini, OutcomeError, 0)

		status := tr.Status(1, []apiformat.Format{apiformat.FormatGemini})
		if status.NextProbeAt == nil {
			t.Fatal("missing next probe after failed probe")
		}
		if got := status.NextProbeAt.Sub(probeAt); got != want {
			t.Fatalf("probe interval = %v, want %v", got, want)
		}
	}
}

func TestAdmitHoldsBackLosersWhileProbeInFlight(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)

	// An untracked or closed pair admits a normal request.
	ok, probe := tr.Admit(1, apiformat.FormatClaude)
	if !ok || probe {
		t.Fatalf("closed pair: ok=%v probe=%v, want normal admission", ok, probe)
	}

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}
	*now = start.Add(3 * time.Minute)

	ok, probe = tr.Admit(1, apiformat.FormatClaude)
	if !ok || !probe {
		t.Fatalf("due probe: ok=%v probe=%v, want the slot", ok, probe)
	}
	// While the slot is held, a second caller must be turned away entirely;
	// admitting it as a normal request would reach an open-breaker key.
	ok, probe = tr.Admit(1, apiformat.FormatClaude)
	if ok || probe {
		t.Fatalf("racing caller: ok=%v probe=%v, want rejection", ok, probe)
	}

	tr.ReleaseProbe(1, apiformat.FormatClaude)
	if ok, probe = tr.Admit(1, apiformat.FormatClaude); !ok || !probe {
		t.Fatal("slot not reusable after release")
	}
}

func TestForceProbeRestartsBackoff(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)
	tr.SetProbeCap(1, 32*time.Minute)

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}

	// Two failed probes back the interval off to 8 minutes.
	for i := 0; i < 2; i++ {
		*now = now.Add(10 * time.Minute)
		if !tr.BeginProbe(1, apiformat.FormatClaude) {
			t.Fatal("probe slot not available")
		}
		tr.RecordProbeOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}

	// A manual probe restarts the schedule from the base interval, so a
	// failed forced probe reschedules 4 minutes out, not 16.
	tr.ForceProbe(1, apiformat.FormatClaude)
	if !tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("probe not due after ForceProbe")
	}
	probeAt := *now
	tr.RecordProbeOutcome(1, apiformat.FormatClaude, OutcomeError, 0)

	status := tr.Status(1, []apiformat.Format{apiformat.FormatClaude})
	if status.NextProbeAt == nil {
		t.Fatal("missing next probe after failed forced probe")
	}
	if got := status.NextProbeAt.Sub(probeAt); got != 4*time.Minute {
		t.Fatalf("interval after failed forced probe = %v, want 4m", got)
	}
}

func TestRateLimitedStreak(t *testing.T) {
	tr, _ := newTestTracker(time.Unix(1700000000, 0))

	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeRateLimited, 0)
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeRateLimited, 0)
	if got := tr.Score(1, apiformat.FormatOpenAI); got != 1.0 {
		t.Fatalf("score after sub-threshold rate limits = %v, want 1.0", got)
	}

	// The third consecutive rate_limited counts as a failure.
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeRateLimited, 0)
	if got := tr.Score(1, apiformat.FormatOpenAI); math.Abs(got-0.9) > 1e-9 {
		t.Fatalf("score at streak threshold = %v, want 0.9", got)
	}

	// Success resets the streak.
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeSuccess, 0)
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeRateLimited, 0)
	status := tr.Status(1, []apiformat.Format{apiformat.FormatOpenAI})
	if status.Open {
		t.Fatal("breaker opened from a reset streak")
	}
}

func TestRacingSuccessDoesNotCloseBreaker(t *testing.T) {
	tr, _ := newTestTracker(time.Unix(1700000000, 0))

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}
	if tr.Eligible(1, apiformat.FormatClaude) {
		t.Fatal("breaker should be open")
	}

	// An in-flight request that succeeds after the breaker opened improves
	// the score but must not close the circuit.
	tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeSuccess, 0)
	if tr.Eligible(1, apiformat.FormatClaude) {
		t.Fatal("non-probe success closed the breaker")
	}
}

func TestManualOverrides(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, _ := newTestTracker(start)

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}

	// ForceProbe makes the probe due immediately.
	if tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("probe should not be due yet")
	}
	tr.ForceProbe(1, apiformat.FormatClaude)
	if !tr.BeginProbe(1, apiformat.FormatClaude) {
		t.Fatal("probe not due after ForceProbe")
	}
	tr.ReleaseProbe(1, apiformat.FormatClaude)

	// ForceClose restores eligibility.
	tr.ForceClose(1, apiformat.FormatClaude)
	if !tr.Eligible(1, apiformat.FormatClaude) {
		t.Fatal("breaker open after ForceClose")
	}

	// Reset drops all state for the key.
	tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	tr.Reset(1)
	if got := tr.Score(1, apiformat.FormatClaude); got != 1.0 {
		t.Fatalf("score after reset = %v, want 1.0", got)
	}
}

func TestUnknownOutcomeIgnored(t *testing.T) {
	tr, _ := newTestTracker(time.Unix(1700000000, 0))
	tr.RecordOutcome(1, apiformat.FormatClaude, Outcome("teapot"), 0)
	if got := tr.Score(1, apiformat.FormatClaude); got != 1.0 {
		t.Fatalf("unknown outcome changed score: %v", got)
	}
}

func TestEventsRing(t *testing.T) {
	tr, now := newTestTracker(time.Unix(1700000000, 0))

	for key := uint64(1); key <= 250; key++ {
		for i := 0; i < 5; i++ {
			tr.RecordOutcome(key, apiformat.FormatOpenAI, OutcomeError, 0)
		}
		*now = now.Add(time.Second)
	}

	events := tr.Events(0)
	if len(events) != eventHistoryLimit {
		t.Fatalf("history length = %d, want %d", len(events), eventHistoryLimit)
	}
	if got := tr.Events(10); len(got) != 10 {
		t.Fatalf("limited events = %d, want 10", len(got))
	}
	last := events[len(events)-1]
	if last.Action != EventOpened || last.KeyID != 250 {
		t.Fatalf("unexpected newest event: %+v", last)
	}
}

func TestConcurrentProbeAcquisition(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr, now := newTestTracker(start)

	for i := 0; i < 5; i++ {
		tr.RecordOutcome(1, apiformat.FormatClaude, OutcomeError, 0)
	}
	*now = start.Add(5 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.BeginProbe(1, apiformat.FormatClaude) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("probe slot acquired %d times, want 1", acquired)
	}
}

func TestAvgLatency(t *testing.T) {
	tr, _ := newTestTracker(time.Unix(1700000000, 0))

	if _, ok := tr.AvgLatency(1, apiformat.FormatOpenAI); ok {
		t.Fatal("latency reported with no samples")
	}
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeSuccess, 100*time.Millisecond)
	tr.RecordOutcome(1, apiformat.FormatOpenAI, OutcomeSuccess, 300*time.Millisecond)
	avg, ok := tr.AvgLatency(1, apiformat.FormatOpenAI)
	if !ok || avg != 200*time.Millisecond {
		t.Fatalf("avg latency = %v, %v", avg, ok)
	}
}
