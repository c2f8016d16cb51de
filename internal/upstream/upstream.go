// Package upstream performs the actual HTTP call to a provider endpoint and
// classifies the result for health tracking.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/health"
)

// Request is one relay request bound for an upstream endpoint. Body already
// carries the upstream model name.
type Request struct {
	Method  string
	Path    string
	Query   string
	Body    []byte
	Headers http.Header
}

// Response is the upstream reply plus the observed latency.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Latency    time.Duration
}

// Executor performs one upstream attempt.
type Executor interface {
	Do(ctx context.Context, endpoint catalog.Endpoint, key catalog.Key, req *Request) (*Response, error)
}

// hopHeaders are stripped from forwarded requests.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	"Authorization", "X-Api-Key", "X-Goog-Api-Key", "Host", "Content-Length",
}

// HTTPExecutor is the production Executor. Transports are cached per proxy
// URL so connection pools are reused.
type HTTPExecutor struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewHTTPExecutor constructs an HTTPExecutor.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{transports: make(map[string]*http.Transport)}
}

// Do forwards the request to the endpoint using the key's credential and the
// endpoint's timeout and proxy settings.
func (e *HTTPExecutor) Do(ctx context.Context, endpoint catalog.Endpoint, key catalog.Key, req *Request) (*Response, error) {
	target := strings.TrimRight(endpoint.BaseURL, "/") + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, errNew := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if errNew != nil {
		return nil, fmt.Errorf("upstream: build request: %w", errNew)
	}

	for name, values := range req.Headers {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	name, prefix := endpoint.Format.AuthHeader()
	httpReq.Header.Set(name, prefix+key.Secret)

	transport, errTransport := e.transportFor(endpoint.ProxyURL)
	if errTransport != nil {
		return nil, errTransport
	}
	client := &http.Client{Transport: transport}

	started := time.Now()
	resp, errDo := client.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer func() { _ = resp.Body.Close() }()

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, fmt.Errorf("upstream: read response: %w", errRead)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Latency:    time.Since(started),
	}, nil
}

func (e *HTTPExecutor) transportFor(proxyURL string) (*http.Transport, error) {
	proxyURL = strings.TrimSpace(proxyURL)

	e.mu.Lock()
	defer e.mu.Unlock()

	if transport, ok := e.transports[proxyURL]; ok {
		return transport, nil
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		parsed, errParse := url.Parse(proxyURL)
		if errParse != nil {
			return nil, fmt.Errorf("upstream: parse proxy url: %w", errParse)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	e.transports[proxyURL] = transport
	return transport, nil
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// ClassifyOutcome maps an upstream attempt result onto a health outcome.
// Client errors other than auth failures do not count against key health.
func ClassifyOutcome(resp *Response, err error) health.Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return health.OutcomeTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return health.OutcomeTimeout
		}
		return health.OutcomeError
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return health.OutcomeRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return health.OutcomeError
	case resp.StatusCode >= 500:
		return health.OutcomeError
	default:
		return health.OutcomeSuccess
	}
}

// RewriteModel replaces the top-level "model" field of a JSON payload with
// the upstream model name. Payloads without a model field pass through.
func RewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	if len(body) == 0 || upstreamModel == "" {
		return body, nil
	}
	var payload map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return body, nil
	}
	if _, ok := payload["model"]; !ok {
		return body, nil
	}
	encoded, errMarshal := json.Marshal(upstreamModel)
	if errMarshal != nil {
		return nil, fmt.Errorf("upstream: encode model: %w", errMarshal)
	}
	payload["model"] = encoded
	out, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, fmt.Errorf("upstream: rewrite model: %w", errMarshal)
	}
	return out, nil
}
