package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/db"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/aether-proxy/aether-gateway/internal/routing"
	"github.com/aether-proxy/aether-gateway/internal/selector"
	"github.com/aether-proxy/aether-gateway/internal/upstream"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// stubExecutor replays a fixed sequence of upstream responses.
type stubExecutor struct {
	responses []*upstream.Response
	calls     int
	bodies    [][]byte
}

func (e *stubExecutor) Do(_ context.Context, _ catalog.Endpoint, _ catalog.Key, req *upstream.Request) (*upstream.Response, error) {
	resp := &upstream.Response{StatusCode: http.StatusBadGateway}
	if e.calls < len(e.responses) {
		resp = e.responses[e.calls]
	}
	e.calls++
	e.bodies = append(e.bodies, req.Body)
	return resp, nil
}

// relaySnapshot builds one provider with a single CLAUDE endpoint and key
// serving the "sonnet" model.
func relaySnapshot() *catalog.Snapshot {
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
	snap.Keys[1] = catalog.Key{
		ID: 1, ProviderID: 1, Name: "key", Secret: "sk-ant-0123456789",
		Active: true, InternalPriority: 1, Weight: 1,
		Formats: []apiformat.Format{apiformat.FormatClaude},
	}
	snap.KeysByProvider[1] = []uint64{1}
	snap.ModelsByName["sonnet"] = catalog.Model{ID: 100, Name: "sonnet", SchedulingMode: "priority", Active: true}
	snap.MappingsByModel[100] = []catalog.Mapping{
		{ID: 1000, GlobalModelID: 100, EndpointID: 10, UpstreamModel: "claude-sonnet-4", Active: true},
	}
	return snap
}

func newRelayTestServer(t *testing.T, executor upstream.Executor) (*gin.Engine, *gorm.DB) {
	t.Helper()

	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	tracker := health.NewTracker()
	rate := ratecontrol.NewController(
		ratecontrol.NewManager(func() ratecontrol.SettingsConfig { return ratecontrol.SettingsConfig{} }, nil, nil),
		ratecontrol.NewCeilings(),
	)
	sel := selector.New(tracker, rate, tracker, selector.NewMemoryCounterStore())
	snap := relaySnapshot()
	router := routing.NewRouter(sel, tracker, rate, executor, func() *catalog.Snapshot { return snap })

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	RegisterRelayRoutes(engine, conn, router)
	return engine, conn
}

func seedAccessKey(t *testing.T, conn *gorm.DB, allowed ...string) models.APIKey {
	t.Helper()
	key := models.APIKey{
		Name:          "client",
		Key:           "aeth_testkey0123456789",
		IsActive:      true,
		AllowedModels: models.StringList(allowed),
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create access key: %v", errCreate)
	}
	return key
}

func relayRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"sonnet","max_tokens":16}`))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-api-key", token)
	}
	return req
}

func TestRelayServesUpstreamResponse(t *testing.T) {
	executor := &stubExecutor{responses: []*upstream.Response{{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}, "Request-Id": []string{"req_1"}},
		Body:       []byte(`{"id":"msg_1"}`),
	}}}
	engine, conn := newRelayTestServer(t, executor)
	key := seedAccessKey(t, conn)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest(key.Key))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"id":"msg_1"}` {
		t.Fatalf("body = %s", w.Body.String())
	}
	if w.Header().Get("Request-Id") != "req_1" {
		t.Fatal("upstream headers were not forwarded")
	}
	// The upstream payload carries the mapped model name.
	if !strings.Contains(string(executor.bodies[0]), "claude-sonnet-4") {
		t.Fatalf("upstream body = %s", executor.bodies[0])
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, "id = ?", key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("last_used_at was not recorded")
	}
}

func TestRelayRejectsMissingAndUnknownKeys(t *testing.T) {
	engine, conn := newRelayTestServer(t, &stubExecutor{})
	seedAccessKey(t, conn)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest(""))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: got %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest("aeth_wrong"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key: got %d, want 401", w.Code)
	}
}

func TestRelayRejectsExpiredKey(t *testing.T) {
	engine, conn := newRelayTestServer(t, &stubExecutor{})
	key := seedAccessKey(t, conn)
	past := time.Now().UTC().Add(-time.Hour)
	if errUpdate := conn.Model(&models.APIKey{}).Where("id = ?", key.ID).
		Update("expires_at", past).Error; errUpdate != nil {
		t.Fatalf("expire key: %v", errUpdate)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest(key.Key))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired key: got %d, want 401", w.Code)
	}
}

func TestRelayEnforcesModelAllowlist(t *testing.T) {
	engine, conn := newRelayTestServer(t, &stubExecutor{})
	key := seedAccessKey(t, conn, "haiku")

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest(key.Key))
	if w.Code != http.StatusForbidden {
		t.Fatalf("disallowed model: got %d, want 403", w.Code)
	}
}

func TestRelayUnknownModelReturns404(t *testing.T) {
	engine, conn := newRelayTestServer(t, &stubExecutor{})
	key := seedAccessKey(t, conn)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"missing","max_tokens":16}`))
	req.Header.Set("x-api-key", key.Key)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown model: got %d, want 404 (%s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "model_not_found") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRelayExhaustionReturns503WithRetryAfter(t *testing.T) {
	executor := &stubExecutor{responses: []*upstream.Response{{StatusCode: 502}}}
	engine, conn := newRelayTestServer(t, executor)
	key := seedAccessKey(t, conn)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, relayRequest(key.Key))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("exhaustion: got %d, want 503 (%s)", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") != "5" {
		t.Fatalf("Retry-After = %q, want 5", w.Header().Get("Retry-After"))
	}
}

func TestRelayExtractsGeminiModelFromPath(t *testing.T) {
	snapModel := "sonnet"
	executor := &stubExecutor{responses: []*upstream.Response{{
		StatusCode: 200,
		Body:       []byte(`{}`),
	}}}
	engine, conn := newRelayTestServer(t, executor)
	key := seedAccessKey(t, conn)

	// The CLAUDE-only fixture has no GEMINI route, so path-based extraction
	// surfaces as no_eligible_endpoint rather than a missing-model error.
	req := httptest.NewRequest(http.MethodPost,
		"/v1beta/models/"+snapModel+":generateContent", strings.NewReader(`{}`))
	req.Header.Set("x-goog-api-key", key.Key)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code == http.StatusBadRequest {
		t.Fatalf("model should come from the path, got 400 (%s)", w.Body.String())
	}
}
