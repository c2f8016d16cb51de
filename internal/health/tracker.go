// Package health tracks per-credential health scores and drives the circuit
// breaker and probe scheduling used by routing.
package health

import (
	"sync"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	log "github.com/sirupsen/logrus"
)

// Outcome classifies the result of one upstream attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
)

// knownOutcome reports whether o is one of the defined outcomes.
func knownOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeError, OutcomeRateLimited:
		return true
	}
	return false
}

// Breaker and scoring parameters.
const (
	// scoreDecay is the EMA factor applied on every scored outcome.
	scoreDecay = 0.9
	// openScoreThreshold opens the breaker when the score drops below it.
	openScoreThreshold = 0.3
	// openConsecutiveFailures opens the breaker on this many failures in a row.
	openConsecutiveFailures = 5
	// windowMinSamples is the minimum window population before the error-rate
	// trigger applies.
	windowMinSamples = 5
	// windowErrorRateThreshold opens the breaker when the window error rate
	// reaches it.
	windowErrorRateThreshold = 0.5
	// windowMaxSamples caps the sliding result window.
	windowMaxSamples = 50
	// windowMaxAge drops window samples older than this.
	windowMaxAge = 5 * time.Minute
	// baseProbeInterval is the first probe delay after the breaker opens.
	baseProbeInterval = 2 * time.Minute
	// defaultProbeCap bounds probe backoff when no per-key cap is set.
	defaultProbeCap = 32 * time.Minute
	// probeRecoveryScore is the floor restored to the score when a probe
	// closes the breaker, so a recovered key is not starved by its history.
	probeRecoveryScore = 0.5
	// defaultRateLimitedStreak is how many consecutive rate_limited outcomes
	// start counting against health.
	defaultRateLimitedStreak = 3
	// eventHistoryLimit bounds the retained circuit transition history.
	eventHistoryLimit = 200
)

type stateKey struct {
	keyID  uint64
	format apiformat.Format
}

type windowSample struct {
	at      time.Time
	failure bool
}

// keyFormatState is the health record for one (key, format) pair. All fields
// are guarded by the tracker mutex.
type keyFormatState struct {
	score               float64
	consecutiveFailures int
	rateLimitedStreak   int
	window              []windowSample

	open          bool
	openedAt      time.Time
	nextProbeAt   time.Time
	probeInterval time.Duration
	probeInFlight bool

	requestCount int64
	successCount int64
	errorCount   int64
	lastErrorAt  time.Time

	totalLatency time.Duration
	latencyCount int64
}

// CircuitEvent records one breaker transition for the admin history.
type CircuitEvent struct {
	KeyID  uint64    `json:"key_id"`
	Format string    `json:"api_format"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Circuit event actions.
const (
	EventOpened      = "opened"
	EventClosed      = "closed"
	EventProbeFailed = "probe_failed"
	EventForcedClose = "forced_close"
	EventForcedProbe = "forced_probe"
	EventReset       = "reset"
)

// Tracker maintains health state for every (provider key, API format) pair
// observed at runtime. All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	states map[stateKey]*keyFormatState

	probeCaps map[uint64]time.Duration

	rateLimitedStreak int

	events []CircuitEvent

	nowFn func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states:            make(map[stateKey]*keyFormatState),
		probeCaps:         make(map[uint64]time.Duration),
		rateLimitedStreak: defaultRateLimitedStreak,
		nowFn:             time.Now,
	}
}

// SetProbeCap sets the probe backoff cap for a key, clamped to [2m, 32m].
func (t *Tracker) SetProbeCap(keyID uint64, cap time.Duration) {
	if cap < baseProbeInterval {
		cap = baseProbeInterval
	}
	if cap > defaultProbeCap {
		cap = defaultProbeCap
	}
	t.mu.Lock()
	t.probeCaps[keyID] = cap
	t.mu.Unlock()
}

// SetRateLimitedStreakThreshold adjusts how many consecutive rate_limited
// outcomes are tolerated before they count as failures.
func (t *Tracker) SetRateLimitedStreakThreshold(n int) {
	if n < 1 {
		n = 1
	}
	t.mu.Lock()
	t.rateLimitedStreak = n
	t.mu.Unlock()
}

func (t *Tracker) probeCapLocked(keyID uint64) time.Duration {
	if cap, ok := t.probeCaps[keyID]; ok {
		return cap
	}
	return defaultProbeCap
}

func (t *Tracker) stateLocked(keyID uint64, format apiformat.Format) *keyFormatState {
	k := stateKey{keyID: keyID, format: format}
	st, ok := t.states[k]
	if !ok {
		st = &keyFormatState{score: 1.0, probeInterval: baseProbeInterval}
		t.states[k] = st
	}
	return st
}

func (t *Tracker) recordEventLocked(keyID uint64, format apiformat.Format, action, reason string, at time.Time) {
	t.events = append(t.events, CircuitEvent{
		KeyID:  keyID,
		Format: string(format),
		Action: action,
		Reason: reason,
		At:     at,
	})
	if len(t.events) > eventHistoryLimit {
		t.events = t.events[len(t.events)-eventHistoryLimit:]
	}
}

// RecordOutcome applies one non-probe attempt result to the health state.
// Probe attempts must go through RecordProbeOutcome instead.
func (t *Tracker) RecordOutcome(keyID uint64, format apiformat.Format, outcome Outcome, latency time.Duration) {
	if !knownOutcome(outcome) {
		log.WithField("outcome", string(outcome)).Warn("health: ignoring unknown outcome")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	st := t.stateLocked(keyID, format)
	st.requestCount++

	switch outcome {
	case OutcomeSuccess:
		t.applySuccessLocked(st, latency)
		// A success racing a concurrent failure must not close a breaker the
		// failure just opened; only the probe outcome closes it.
	case OutcomeTimeout, OutcomeError:
		t.applyFailureLocked(keyID, format, st, now, string(outcome))
	case OutcomeRateLimited:
		st.rateLimitedStreak++
		if st.rateLimitedStreak >= t.rateLimitedStreak {
			t.applyFailureLocked(keyID, format, st, now, "rate_limited_streak")
		}
	}
}

func (t *Tracker) applySuccessLocked(st *keyFormatState, latency time.Duration) {
	st.score = st.score*scoreDecay + (1 - scoreDecay)
	if st.score > 1 {
		st.score = 1
	}
	st.consecutiveFailures = 0
	st.rateLimitedStreak = 0
	st.successCount++
	if latency > 0 {
		st.totalLatency += latency
		st.latencyCount++
	}
	t.appendWindowLocked(st, false)
}

func (t *Tracker) applyFailureLocked(keyID uint64, format apiformat.Format, st *keyFormatState, now time.Time, reason string) {
	st.score *= scoreDecay
	st.consecutiveFailures++
	st.errorCount++
	st.lastErrorAt = now
	t.appendWindowLocked(st, true)

	if st.open {
		return
	}
	if st.score < openScoreThreshold ||
		st.consecutiveFailures >= openConsecutiveFailures ||
		t.windowErrorRateTrippedLocked(st, now) {
		t.openLocked(keyID, format, st, now, reason)
	}
}

func (t *Tracker) appendWindowLocked(st *keyFormatState, failure bool) {
	st.window = append(st.window, windowSample{at: t.nowFn(), failure: failure})
	if len(st.window) > windowMaxSamples {
		st.window = st.window[len(st.window)-windowMaxSamples:]
	}
}

func (t *Tracker) windowErrorRateTrippedLocked(st *keyFormatState, now time.Time) bool {
	cutoff := now.Add(-windowMaxAge)
	kept := st.window[:0]
	for _, s := range st.window {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	st.window = kept
	if len(st.window) < windowMinSamples {
		return false
	}
	failures := 0
	for _, s := range st.window {
		if s.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(st.window)) >= windowErrorRateThreshold
}

func (t *Tracker) openLocked(keyID uint64, format apiformat.Format, st *keyFormatState, now time.Time, reason string) {
	st.open = true
	st.openedAt = now
	st.probeInterval = baseProbeInterval
	st.probeInFlight = false
	st.nextProbeAt = now.Add(baseProbeInterval)
	t.recordEventLocked(keyID, format, EventOpened, reason, now)
	log.WithFields(log.Fields{
		"key_id":     keyID,
		"api_format": string(format),
		"reason":     reason,
		"next_probe": st.nextProbeAt,
	}).Warn("health: circuit opened")
}

func (t *Tracker) closeLocked(keyID uint64, format apiformat.Format, st *keyFormatState, now time.Time, action string) {
	st.open = false
	st.probeInFlight = false
	st.nextProbeAt = time.Time{}
	st.probeInterval = baseProbeInterval
	st.consecutiveFailures = 0
	st.rateLimitedStreak = 0
	st.window = nil
	if st.score < probeRecoveryScore {
		st.score = probeRecoveryScore
	}
	t.recordEventLocked(keyID, format, action, "", now)
	log.WithFields(log.Fields{
		"key_id":     keyID,
		"api_format": string(format),
	}).Info("health: circuit closed")
}

// Eligible reports whether the (key, format) pair may serve a request at now.
// For an open breaker it is true only when a probe is due and no probe is
// already in flight; callers that act on it must then acquire the probe slot
// with BeginProbe.
func (t *Tracker) Eligible(keyID uint64, format apiformat.Format) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[stateKey{keyID: keyID, format: format}]
	if !ok || !st.open {
		return true
	}
	now := t.nowFn()
	t.healProbeScheduleLocked(st, now)
	if st.probeInFlight {
		return false
	}
	return !now.Before(st.nextProbeAt)
}

// healProbeScheduleLocked repairs an open breaker that lost its probe time.
func (t *Tracker) healProbeScheduleLocked(st *keyFormatState, now time.Time) {
	if st.open && st.nextProbeAt.IsZero() {
		st.nextProbeAt = now
		st.probeInterval = baseProbeInterval
	}
}

// Admit combines the eligibility recheck with probe-slot acquisition under
// one lock. ok=false means the candidate must be skipped; probe=true means
// the caller owns the single probe attempt and must finish it with
// RecordProbeOutcome or ReleaseProbe. Checking eligibility and acquiring the
// slot separately would let a second caller send a normal request to an
// open-breaker key while the first holds the slot.
func (t *Tracker) Admit(keyID uint64, format apiformat.Format) (ok bool, probe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, found := t.states[stateKey{keyID: keyID, format: format}]
	if !found || !st.open {
		return true, false
	}
	now := t.nowFn()
	t.healProbeScheduleLocked(st, now)
	if st.probeInFlight || now.Before(st.nextProbeAt) {
		return false, false
	}
	st.probeInFlight = true
	return true, true
}

// BeginProbe attempts to acquire the single probe slot for an open breaker.
// It returns true when the caller owns the probe attempt and must finish it
// with RecordProbeOutcome or ReleaseProbe.
func (t *Tracker) BeginProbe(keyID uint64, format apiformat.Format) bool {
	ok, probe := t.Admit(keyID, format)
	return ok && probe
}

// ReleaseProbe frees the probe slot without recording an outcome, for probe
// attempts that were abandoned before reaching the upstream.
func (t *Tracker) ReleaseProbe(keyID uint64, format apiformat.Format) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[stateKey{keyID: keyID, format: format}]; ok {
		st.probeInFlight = false
	}
}

// RecordProbeOutcome finishes a probe attempt acquired via BeginProbe. A
// successful probe closes the breaker; a failed one doubles the probe
// interval up to the key's cap.
func (t *Tracker) RecordProbeOutcome(keyID uint64, format apiformat.Format, outcome Outcome, latency time.Duration) {
	if !knownOutcome(outcome) {
		log.WithField("outcome", string(outcome)).Warn("health: ignoring unknown probe outcome")
		t.ReleaseProbe(keyID, format)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	st := t.stateLocked(keyID, format)
	st.probeInFlight = false
	st.requestCount++

	if outcome == OutcomeSuccess {
		t.applySuccessLocked(st, latency)
		if st.open {
			t.closeLocked(keyID, format, st, now, EventClosed)
		}
		return
	}

	st.score *= scoreDecay
	st.consecutiveFailures++
	st.errorCount++
	st.lastErrorAt = now
	if !st.open {
		// Breaker was closed while the probe ran (manual override); treat as
		// a plain failure.
		t.appendWindowLocked(st, true)
		if st.score < openScoreThreshold || st.consecutiveFailures >= openConsecutiveFailures {
			t.openLocked(keyID, format, st, now, string(outcome))
		}
		return
	}

	cap := t.probeCapLocked(keyID)
	st.probeInterval *= 2
	if st.probeInterval > cap {
		st.probeInterval = cap
	}
	st.nextProbeAt = now.Add(st.probeInterval)
	t.recordEventLocked(keyID, format, EventProbeFailed, string(outcome), now)
	log.WithFields(log.Fields{
		"key_id":     keyID,
		"api_format": string(format),
		"next_probe": st.nextProbeAt,
	}).Warn("health: probe failed")
}

// ForceClose closes the breaker for a (key, format) pair regardless of state.
func (t *Tracker) ForceClose(keyID uint64, format apiformat.Format) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(keyID, format)
	now := t.nowFn()
	t.closeLocked(keyID, format, st, now, EventForcedClose)
}

// ForceProbe makes an open breaker due for probing immediately. The backoff
// interval returns to base, so a failed forced probe reschedules from there
// instead of the old backed-off interval.
func (t *Tracker) ForceProbe(keyID uint64, format apiformat.Format) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[stateKey{keyID: keyID, format: format}]
	if !ok || !st.open {
		return
	}
	now := t.nowFn()
	st.nextProbeAt = now
	st.probeInterval = baseProbeInterval
	t.recordEventLocked(keyID, format, EventForcedProbe, "", now)
}

// Reset discards all health state for a key across every format.
func (t *Tracker) Reset(keyID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	for k := range t.states {
		if k.keyID == keyID {
			delete(t.states, k)
			t.recordEventLocked(keyID, k.format, EventReset, "", now)
		}
	}
}

// Score returns the current health score for a (key, format) pair. Untracked
// pairs score 1.0.
func (t *Tracker) Score(keyID uint64, format apiformat.Format) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[stateKey{keyID: keyID, format: format}]; ok {
		return st.score
	}
	return 1.0
}

// AvgLatency returns the observed average success latency for a (key, format)
// pair. The second return is false when no latency has been recorded.
func (t *Tracker) AvgLatency(keyID uint64, format apiformat.Format) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[stateKey{keyID: keyID, format: format}]
	if !ok || st.latencyCount == 0 {
		return 0, false
	}
	return st.totalLatency / time.Duration(st.latencyCount), true
}

// Events returns the most recent circuit transitions, newest last. A limit
// of 0 returns the full retained history.
func (t *Tracker) Events(limit int) []CircuitEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]CircuitEvent, len(events))
	copy(out, events)
	return out
}
