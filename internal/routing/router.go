// Package routing orchestrates request routing: selection, upstream
// attempts, outcome recording and retries, plus the dry-run preview.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/aether-proxy/aether-gateway/internal/selector"
	"github.com/aether-proxy/aether-gateway/internal/upstream"
	log "github.com/sirupsen/logrus"
)

// Router drives one request through selection, upstream execution and
// health/rate bookkeeping.
type Router struct {
	selector *selector.Selector
	tracker  *health.Tracker
	rate     *ratecontrol.Controller
	executor upstream.Executor
	snapFn   func() *catalog.Snapshot
}

// NewRouter wires a Router. snapFn may be nil, defaulting to the global
// catalog snapshot.
func NewRouter(sel *selector.Selector, tracker *health.Tracker, rate *ratecontrol.Controller, executor upstream.Executor, snapFn func() *catalog.Snapshot) *Router {
	if snapFn == nil {
		snapFn = catalog.Current
	}
	return &Router{
		selector: sel,
		tracker:  tracker,
		rate:     rate,
		executor: executor,
		snapFn:   snapFn,
	}
}

// Route relays one request. Candidates are tried in strategy order; timeouts,
// upstream errors and 429s move on to the next candidate, and only total
// exhaustion surfaces an error to the caller.
func (r *Router) Route(ctx context.Context, model string, format apiformat.Format, req *upstream.Request) (*upstream.Response, error) {
	snap := r.snapFn()

	candidates, errSelect := r.selector.Select(ctx, snap, model, format)
	if errSelect != nil {
		if errors.Is(errSelect, selector.ErrUnknownModel) {
			return nil, unknownModelError{model: model}
		}
		return nil, noEligibleEndpointError{model: model, format: string(format)}
	}

	for _, candidate := range candidates {
		resp, served := r.attempt(ctx, candidate, format, req)
		if served {
			return resp, nil
		}
	}
	return nil, noEligibleEndpointError{model: model, format: string(format)}
}

// attempt runs one candidate. The second return reports whether the response
// should be served to the client; false means try the next candidate.
func (r *Router) attempt(ctx context.Context, candidate selector.Candidate, format apiformat.Format, req *upstream.Request) (*upstream.Response, bool) {
	keyID := candidate.Key.ID

	// Re-check the breaker and take the probe slot in one step: it may have
	// moved since selection, and for an open breaker only the slot holder may
	// send anything.
	ok, probe := r.tracker.Admit(keyID, format)
	if !ok {
		return nil, false
	}
	// Selection only peeked at the rate window; the attempt is what consumes
	// the budget.
	if !r.rate.Allow(ctx, keyID, candidate.Key.RPMLimit) {
		if probe {
			r.tracker.ReleaseProbe(keyID, format)
		}
		return nil, false
	}

	body, errRewrite := upstream.RewriteModel(req.Body, candidate.Mapping.UpstreamModel)
	if errRewrite != nil {
		if probe {
			r.tracker.ReleaseProbe(keyID, format)
		}
		log.WithError(errRewrite).Warn("routing: payload rewrite failed")
		return nil, false
	}
	attemptReq := *req
	attemptReq.Body = body

	resp, errDo := r.executor.Do(ctx, candidate.Endpoint, candidate.Key, &attemptReq)
	outcome := upstream.ClassifyOutcome(resp, errDo)

	latency := outcomeLatency(resp, outcome)
	if probe {
		r.tracker.RecordProbeOutcome(keyID, format, outcome, latency)
	} else {
		r.tracker.RecordOutcome(keyID, format, outcome, latency)
	}

	switch outcome {
	case health.OutcomeSuccess:
		if candidate.Key.IsAdaptive() {
			r.rate.ObserveSuccess(keyID)
		}
		return resp, true
	case health.OutcomeRateLimited:
		info := ratecontrol.ParseLimitHeaders(resp.Headers)
		if candidate.Key.IsAdaptive() {
			r.rate.ObserveRateLimit(keyID, info)
		}
		log.WithFields(log.Fields{
			"key_id":     keyID,
			"limit_kind": string(info.Kind),
		}).Info("routing: candidate rate limited, trying next")
		return nil, false
	default:
		log.WithFields(log.Fields{
			"key_id":      keyID,
			"endpoint_id": candidate.Endpoint.ID,
			"outcome":     string(outcome),
		}).WithError(errDo).Warn("routing: attempt failed, trying next")
		return nil, false
	}
}

func outcomeLatency(resp *upstream.Response, outcome health.Outcome) (latency time.Duration) {
	if resp != nil && outcome == health.OutcomeSuccess {
		latency = resp.Latency
	}
	return latency
}
