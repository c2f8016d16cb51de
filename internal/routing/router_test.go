package routing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/aether-proxy/aether-gateway/internal/selector"
	"github.com/aether-proxy/aether-gateway/internal/upstream"
)

type scriptedStep struct {
	resp *upstream.Response
	err  error
}

// scriptedExecutor replays a fixed sequence of upstream outcomes and records
// which keys were attempted and with what body.
type scriptedExecutor struct {
	steps  []scriptedStep
	calls  int
	keys   []uint64
	bodies [][]byte
}

func (e *scriptedExecutor) Do(_ context.Context, _ catalog.Endpoint, key catalog.Key, req *upstream.Request) (*upstream.Response, error) {
	step := scriptedStep{resp: &upstream.Response{StatusCode: http.StatusBadGateway}}
	if e.calls < len(e.steps) {
		step = e.steps[e.calls]
	}
	e.calls++
	e.keys = append(e.keys, key.ID)
	e.bodies = append(e.bodies, req.Body)
	return step.resp, step.err
}

// routingSnapshot builds one provider with one CLAUDE endpoint and three
// adaptive keys with priorities 3, 1, 2 (IDs 1, 2, 3), so the priority
// strategy orders them 2, 3, 1.
func routingSnapshot() *catalog.Snapshot {
	snap := &catalog.Snapshot{
		Providers:       map[uint64]catalog.Provider{},
		Endpoints:       map[uint64]catalog.Endpoint{},
		Keys:            map[uint64]catalog.Key{},
		KeysByProvider:  map[uint64][]uint64{},
		ModelsByName:    map[string]catalog.Model{},
		MappingsByModel: map[uint64][]catalog.Mapping{},
	}
	snap.Providers[1] = catalog.Provider{ID: 1, Name: "anthropic", Active: true}
	snap.Endpoints[10] = catalog.Endpoint{
		ID: 10, ProviderID: 1, Name: "main", BaseURL: "https://api.anthropic.com",
		Format: apiformat.FormatClaude, Active: true, Timeout: time.Minute,
	}
	priorities := map[uint64]int{1: 3, 2: 1, 3: 2}
	for id, prio := range priorities {
		snap.Keys[id] = catalog.Key{
			ID: id, ProviderID: 1, Name: "key", Secret: "sk-ant-0123456789",
			Active: true, InternalPriority: prio, Weight: 1,
			Formats: []apiformat.Format{apiformat.FormatClaude},
		}
	}
	snap.KeysByProvider[1] = []uint64{1, 2, 3}
	snap.ModelsByName["sonnet"] = catalog.Model{ID: 100, Name: "sonnet", SchedulingMode: "priority", Active: true}
	snap.MappingsByModel[100] = []catalog.Mapping{
		{ID: 1000, GlobalModelID: 100, EndpointID: 10, UpstreamModel: "claude-sonnet-4", Active: true},
	}
	return snap
}

func newTestRouter(snap *catalog.Snapshot, executor upstream.Executor) (*Router, *health.Tracker, *ratecontrol.Controller) {
	tracker := health.NewTracker()
	manager := ratecontrol.NewManager(func() ratecontrol.SettingsConfig {
		return ratecontrol.SettingsConfig{}
	}, nil, nil)
	rate := ratecontrol.NewController(manager, ratecontrol.NewCeilings())
	sel := selector.New(tracker, rate, tracker, selector.NewMemoryCounterStore())
	router := NewRouter(sel, tracker, rate, executor, func() *catalog.Snapshot { return snap })
	return router, tracker, rate
}

func routeReq() *upstream.Request {
	return &upstream.Request{
		Method: http.MethodPost,
		Path:   "/v1/messages",
		Body:   []byte(`{"model":"sonnet","max_tokens":16}`),
	}
}

func TestRouteServesFirstSuccess(t *testing.T) {
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 200, Latency: 80 * time.Millisecond}},
	}}
	router, tracker, _ := newTestRouter(routingSnapshot(), executor)

	resp, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.calls != 1 {
		t.Fatalf("calls = %d, want 1", executor.calls)
	}
	// Highest priority key attempts first.
	if executor.keys[0] != 2 {
		t.Fatalf("attempted key = %d, want 2", executor.keys[0])
	}
	// The payload goes upstream with the mapped model name.
	if string(executor.bodies[0]) == string(routeReq().Body) {
		t.Fatal("payload model was not rewritten")
	}
	if lat, ok := tracker.AvgLatency(2, apiformat.FormatClaude); !ok || lat != 80*time.Millisecond {
		t.Fatalf("latency = %v ok=%v, want 80ms", lat, ok)
	}
}

func TestRouteRetriesNextCandidateOnError(t *testing.T) {
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 502}},
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	router, tracker, _ := newTestRouter(routingSnapshot(), executor)

	resp, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.calls != 2 || executor.keys[0] != 2 || executor.keys[1] != 3 {
		t.Fatalf("attempts = %v, want [2 3]", executor.keys)
	}
	// The failed attempt decayed key 2's score.
	if got := tracker.Score(2, apiformat.FormatClaude); got != 0.9 {
		t.Fatalf("score = %v, want 0.9", got)
	}
}

func TestRouteRetriesOnTimeout(t *testing.T) {
	executor := &scriptedExecutor{steps: []scriptedStep{
		{err: context.DeadlineExceeded},
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	router, tracker, _ := newTestRouter(routingSnapshot(), executor)

	if _, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq()); err != nil {
		t.Fatalf("route: %v", err)
	}
	if executor.calls != 2 {
		t.Fatalf("calls = %d, want 2", executor.calls)
	}
	if got := tracker.Score(2, apiformat.FormatClaude); got != 0.9 {
		t.Fatalf("timeout must decay score, got %v", got)
	}
}

func TestRouteRateLimitedLearnsCeilingAndMovesOn(t *testing.T) {
	limited := &upstream.Response{StatusCode: 429, Headers: http.Header{}}
	limited.Headers.Set("anthropic-ratelimit-requests-limit", "2")
	limited.Headers.Set("anthropic-ratelimit-requests-remaining", "0")
	limited.Headers.Set("Retry-After", "30")

	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: limited},
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	router, _, rate := newTestRouter(routingSnapshot(), executor)

	resp, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.calls != 2 {
		t.Fatalf("calls = %d, want 2", executor.calls)
	}
	// The adaptive key learned its ceiling from the 429 headers.
	if got := rate.EffectiveRPM(2, nil); got == nil || *got != 2 {
		t.Fatalf("effective rpm = %v, want 2", got)
	}
}

func TestRouteChargesOnlyTheServingKey(t *testing.T) {
	snap := routingSnapshot()
	one := 1
	for id := uint64(1); id <= 3; id++ {
		k := snap.Keys[id]
		k.RPMLimit = &one
		snap.Keys[id] = k
	}
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 200}},
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	tracker := health.NewTracker()
	fixed := time.Unix(1700000000, 0)
	manager := ratecontrol.NewManager(func() ratecontrol.SettingsConfig {
		return ratecontrol.SettingsConfig{}
	}, func() time.Time { return fixed }, nil)
	rate := ratecontrol.NewController(manager, ratecontrol.NewCeilings())
	sel := selector.New(tracker, rate, tracker, selector.NewMemoryCounterStore())
	router := NewRouter(sel, tracker, rate, executor, func() *catalog.Snapshot { return snap })

	// Each route serves exactly one request, so with rpm_limit 1 on every key
	// only the serving key's window is spent and the others stay available.
	if _, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq()); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if _, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq()); err != nil {
		t.Fatalf("second route: %v", err)
	}
	if executor.calls != 2 || executor.keys[0] != 2 || executor.keys[1] != 3 {
		t.Fatalf("attempts = %v, want [2 3]", executor.keys)
	}
}

func TestRouteExhaustionReturns503(t *testing.T) {
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 502}},
		{resp: &upstream.Response{StatusCode: 502}},
		{resp: &upstream.Response{StatusCode: 502}},
	}}
	router, _, _ := newTestRouter(routingSnapshot(), executor)

	_, err := router.Route(context.Background(), "sonnet", apiformat.FormatClaude, routeReq())
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	var statusErr StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err %T does not carry a status", err)
	}
	if statusErr.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", statusErr.StatusCode())
	}
	if got := statusErr.Headers()["Retry-After"]; got != "5" {
		t.Fatalf("Retry-After = %q, want 5", got)
	}
	if executor.calls != 3 {
		t.Fatalf("calls = %d, want every candidate tried", executor.calls)
	}
}

func TestRouteUnknownModelReturns404(t *testing.T) {
	router, _, _ := newTestRouter(routingSnapshot(), &scriptedExecutor{})

	_, err := router.Route(context.Background(), "o3", apiformat.FormatClaude, routeReq())
	var statusErr StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode() != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 status error", err)
	}
}

func TestRouteProbeSuccessClosesBreaker(t *testing.T) {
	format := apiformat.FormatClaude
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	router, tracker, _ := newTestRouter(routingSnapshot(), executor)

	// Trip key 2's breaker and make the probe due right now.
	for i := 0; i < 5; i++ {
		tracker.RecordOutcome(2, format, health.OutcomeError, 0)
	}
	if !tracker.Status(2, []apiformat.Format{format}).Open {
		t.Fatal("breaker should be open")
	}
	tracker.ForceProbe(2, format)

	resp, err := router.Route(context.Background(), "sonnet", format, routeReq())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.keys[0] != 2 {
		t.Fatalf("probe went to key %d, want 2", executor.keys[0])
	}
	status := tracker.Status(2, []apiformat.Format{format})
	if status.Open {
		t.Fatal("successful probe must close the breaker")
	}
	if status.Score < 0.5 {
		t.Fatalf("score = %v, want recovery floor applied", status.Score)
	}
}

func TestRouteProbeFailureBacksOff(t *testing.T) {
	format := apiformat.FormatClaude
	executor := &scriptedExecutor{steps: []scriptedStep{
		{resp: &upstream.Response{StatusCode: 500}},
		{resp: &upstream.Response{StatusCode: 200}},
	}}
	router, tracker, _ := newTestRouter(routingSnapshot(), executor)

	for i := 0; i < 5; i++ {
		tracker.RecordOutcome(2, format, health.OutcomeError, 0)
	}
	tracker.ForceProbe(2, format)

	resp, err := router.Route(context.Background(), "sonnet", format, routeReq())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// The probe failed and the request was served by the next candidate.
	if executor.keys[0] != 2 || executor.keys[1] != 3 {
		t.Fatalf("attempts = %v, want probe on 2 then key 3", executor.keys)
	}
	status := tracker.Status(2, []apiformat.Format{format})
	if !status.Open {
		t.Fatal("failed probe must keep the breaker open")
	}
	if status.NextProbeAt == nil || !status.NextProbeAt.After(time.Now()) {
		t.Fatalf("next probe = %v, want rescheduled into the future", status.NextProbeAt)
	}
}
