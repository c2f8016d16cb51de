package ratecontrol

import (
	"net/http"
	"testing"
	"time"
)

func TestParseLimitHeadersAnthropic(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "50")
	h.Set("anthropic-ratelimit-requests-remaining", "0")
	h.Set("retry-after", "12")

	info := ParseLimitHeaders(h)
	if info.Kind != LimitRPM {
		t.Fatalf("kind = %q, want rpm", info.Kind)
	}
	if info.ObservedLimit != 50 || info.Remaining != 0 {
		t.Fatalf("info = %+v", info)
	}
	if info.RetryAfter != 12*time.Second {
		t.Fatalf("retry after = %v", info.RetryAfter)
	}
}

func TestParseLimitHeadersOpenAI(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "500")
	h.Set("x-ratelimit-remaining-requests", "3")

	info := ParseLimitHeaders(h)
	if info.Kind != LimitRPM || info.ObservedLimit != 500 || info.Remaining != 3 {
		t.Fatalf("info = %+v", info)
	}
}

func TestParseLimitHeadersDaily(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "7200")

	info := ParseLimitHeaders(h)
	if info.Kind != LimitDaily {
		t.Fatalf("kind = %q, want daily", info.Kind)
	}
}

func TestParseLimitHeadersBare429(t *testing.T) {
	info := ParseLimitHeaders(http.Header{})
	if info.Kind != LimitConcurrent {
		t.Fatalf("kind = %q, want concurrent for a bare 429", info.Kind)
	}
	if info.Remaining != -1 {
		t.Fatalf("remaining = %d, want -1", info.Remaining)
	}
}
