// Package selector turns a (global model, API format) pair into an ordered
// list of endpoint/key candidates, applying the eligibility filter chain and
// the model's load-balance strategy.
package selector

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/models"
)

// Selection errors.
var (
	// ErrUnknownModel indicates the requested global model does not exist or
	// is disabled.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoEligibleEndpoint indicates every candidate was filtered out.
	ErrNoEligibleEndpoint = errors.New("no eligible endpoint")
)

// HealthGate answers whether a (key, format) pair may serve a request.
type HealthGate interface {
	Eligible(keyID uint64, format apiformat.Format) bool
}

// RateGate answers whether a key has rate budget for one more request. The
// check must not consume any of the window: selection asks it for every
// surviving candidate, and only the key actually attempted gets charged.
type RateGate interface {
	HasBudget(ctx context.Context, keyID uint64, fixedLimit *int) bool
}

// LatencySource supplies observed average latencies for the latency strategy.
type LatencySource interface {
	AvgLatency(keyID uint64, format apiformat.Format) (time.Duration, bool)
}

// Candidate is one routable (endpoint, key) pair with the mapping that
// produced it.
type Candidate struct {
	Endpoint catalog.Endpoint
	Key      catalog.Key
	Mapping  catalog.Mapping
}

// Selector filters and orders routing candidates.
type Selector struct {
	health   HealthGate
	rate     RateGate
	latency  LatencySource
	counters CounterStore
	randFn   func(n int) int
	nowFn    func() time.Time
}

// New constructs a Selector. counters must not be nil; health, rate and
// latency may be nil, disabling the corresponding filter or signal.
func New(health HealthGate, rate RateGate, latency LatencySource, counters CounterStore) *Selector {
	if counters == nil {
		counters = NewMemoryCounterStore()
	}
	return &Selector{
		health:   health,
		rate:     rate,
		latency:  latency,
		counters: counters,
		randFn:   rand.Intn,
		nowFn:    time.Now,
	}
}

// Candidates runs the full eligibility filter chain and returns the
// surviving candidates in mapping order. Both live routing and the dry-run
// preview go through this method so they can never diverge.
func (s *Selector) Candidates(ctx context.Context, snap *catalog.Snapshot, model string, format apiformat.Format) ([]Candidate, error) {
	m, ok := snap.ModelsByName[model]
	if !ok || !m.Active {
		return nil, ErrUnknownModel
	}

	mappings := orderedMappings(snap.MappingsByModel[m.ID], format)
	now := s.nowFn()

	var out []Candidate
	for _, mapping := range mappings {
		endpoint, ok := snap.Endpoints[mapping.EndpointID]
		if !ok || !endpoint.Active || endpoint.Format != format {
			continue
		}
		provider, ok := snap.Providers[endpoint.ProviderID]
		if !ok || !provider.Routable() {
			continue
		}
		for _, keyID := range snap.KeysByProvider[endpoint.ProviderID] {
			key := snap.Keys[keyID]
			if !key.Active || key.Expired(now) {
				continue
			}
			if !key.SupportsFormat(format) || !key.AllowsModel(model) {
				continue
			}
			if s.health != nil && !s.health.Eligible(key.ID, format) {
				continue
			}
			if s.rate != nil && !s.rate.HasBudget(ctx, key.ID, key.RPMLimit) {
				continue
			}
			out = append(out, Candidate{Endpoint: endpoint, Key: key, Mapping: mapping})
		}
	}
	return out, nil
}

// Select returns the candidates ordered by the model's load-balance
// strategy, or ErrNoEligibleEndpoint when the filter chain left nothing.
func (s *Selector) Select(ctx context.Context, snap *catalog.Snapshot, model string, format apiformat.Format) ([]Candidate, error) {
	candidates, err := s.Candidates(ctx, snap, model, format)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleEndpoint
	}

	mode := snap.ModelsByName[model].SchedulingMode
	ordered := s.strategyFor(mode).Order(candidates, orderInput{
		model:   model,
		format:  format,
		randFn:  s.randFn,
		next:    s.counters.Next,
		latency: s.latency,
	})
	return ordered, nil
}

// Rank orders already-filtered candidates the way Select would, reading the
// round-robin cursor without advancing it. The dry-run preview uses it so
// inspecting a model never shifts the rotation live traffic sees.
func (s *Selector) Rank(snap *catalog.Snapshot, model string, format apiformat.Format, candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	mode := snap.ModelsByName[model].SchedulingMode
	return s.strategyFor(mode).Order(candidates, orderInput{
		model:   model,
		format:  format,
		randFn:  s.randFn,
		next:    s.counters.Peek,
		latency: s.latency,
	})
}

func (s *Selector) strategyFor(mode string) strategy {
	switch mode {
	case models.SchedulingRandom:
		return randomStrategy{}
	case models.SchedulingRoundRobin:
		return roundRobinStrategy{}
	case models.SchedulingWeighted:
		return weightedStrategy{}
	case models.SchedulingLatency:
		return latencyStrategy{}
	default:
		return priorityStrategy{}
	}
}

// orderedMappings filters mappings by activity and format scope and orders
// them scoped-first, then by priority, then by insertion id. Priorities are
// only comparable inside the same scope, so the scoped group as a whole
// outranks the unscoped fallback group.
func orderedMappings(mappings []catalog.Mapping, format apiformat.Format) []catalog.Mapping {
	var out []catalog.Mapping
	for _, m := range mappings {
		if m.Active && m.AppliesToFormat(format) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scoped() != out[j].Scoped() {
			return out[i].Scoped()
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
