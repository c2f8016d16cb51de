package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/health"
)

func TestClassifyOutcome(t *testing.T) {
	cases := []struct {
		name string
		resp *Response
		err  error
		want health.Outcome
	}{
		{"deadline", nil, context.DeadlineExceeded, health.OutcomeTimeout},
		{"generic error", nil, errors.New("connection refused"), health.OutcomeError},
		{"ok", &Response{StatusCode: 200}, nil, health.OutcomeSuccess},
		{"bad request", &Response{StatusCode: 400}, nil, health.OutcomeSuccess},
		{"unauthorized", &Response{StatusCode: 401}, nil, health.OutcomeError},
		{"forbidden", &Response{StatusCode: 403}, nil, health.OutcomeError},
		{"rate limited", &Response{StatusCode: 429}, nil, health.OutcomeRateLimited},
		{"server error", &Response{StatusCode: 502}, nil, health.OutcomeError},
	}
	for _, tc := range cases {
		if got := ClassifyOutcome(tc.resp, tc.err); got != tc.want {
			t.Fatalf("%s: outcome = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRewriteModel(t *testing.T) {
	out, err := RewriteModel([]byte(`{"model":"sonnet","max_tokens":16}`), "claude-sonnet-4")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var payload map[string]any
	if errUnmarshal := json.Unmarshal(out, &payload); errUnmarshal != nil {
		t.Fatalf("unmarshal: %v", errUnmarshal)
	}
	if payload["model"] != "claude-sonnet-4" {
		t.Fatalf("model = %v", payload["model"])
	}
	if payload["max_tokens"] != float64(16) {
		t.Fatalf("payload lost fields: %v", payload)
	}

	// Non-JSON and model-less payloads pass through untouched.
	raw := []byte("not json")
	if out, _ := RewriteModel(raw, "m"); string(out) != "not json" {
		t.Fatalf("non-json rewritten: %q", out)
	}
	noModel := []byte(`{"input":"hi"}`)
	if out, _ := RewriteModel(noModel, "m"); string(out) != `{"input":"hi"}` {
		t.Fatalf("model-less payload rewritten: %q", out)
	}
}

func TestHTTPExecutorAuthAndTimeout(t *testing.T) {
	var gotAuth, gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor := NewHTTPExecutor()
	endpoint := catalog.Endpoint{
		BaseURL: server.URL,
		Format:  apiformat.FormatClaude,
		Timeout: 5 * time.Second,
	}
	key := catalog.Key{Secret: "sk-ant-test"}
	req := &Request{
		Method:  http.MethodPost,
		Path:    "/v1/messages",
		Body:    []byte(`{"model":"x"}`),
		Headers: http.Header{"Authorization": []string{"Bearer client-token"}},
	}

	resp, err := executor.Do(context.Background(), endpoint, key, req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotAPIKey != "sk-ant-test" {
		t.Fatalf("x-api-key = %q", gotAPIKey)
	}
	// The client's own credential must not leak upstream.
	if gotAuth != "" {
		t.Fatalf("authorization leaked upstream: %q", gotAuth)
	}
	if resp.Latency <= 0 {
		t.Fatal("latency not measured")
	}
}

func TestHTTPExecutorTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	executor := NewHTTPExecutor()
	endpoint := catalog.Endpoint{
		BaseURL: server.URL,
		Format:  apiformat.FormatOpenAI,
		Timeout: 50 * time.Millisecond,
	}

	_, err := executor.Do(context.Background(), endpoint, catalog.Key{Secret: "sk"}, &Request{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := ClassifyOutcome(nil, err); got != health.OutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", got)
	}
}
