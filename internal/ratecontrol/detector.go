package ratecontrol

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LimitKind classifies what kind of limit an upstream 429 reported.
type LimitKind string

const (
	LimitRPM        LimitKind = "rpm"
	LimitConcurrent LimitKind = "concurrent"
	LimitDaily      LimitKind = "daily"
	LimitUnknown    LimitKind = "unknown"
)

// LimitInfo carries what could be learned from a 429 response.
type LimitInfo struct {
	Kind          LimitKind
	RetryAfter    time.Duration // Zero when the upstream gave no hint.
	ObservedLimit int           // The limit the upstream reported, 0 unknown.
	Remaining     int           // Remaining budget, -1 unknown.
}

// ParseLimitHeaders inspects rate-limit headers from a 429 response and
// classifies the limit that was hit. Anthropic, OpenAI and generic
// Retry-After conventions are recognized.
func ParseLimitHeaders(h http.Header) LimitInfo {
	info := LimitInfo{Kind: LimitUnknown, Remaining: -1}

	if v := headerInt(h, "anthropic-ratelimit-requests-limit"); v > 0 {
		info.ObservedLimit = v
	}
	if v, ok := headerIntOK(h, "anthropic-ratelimit-requests-remaining"); ok {
		info.Remaining = v
	}
	if info.ObservedLimit == 0 {
		if v := headerInt(h, "x-ratelimit-limit-requests"); v > 0 {
			info.ObservedLimit = v
		}
		if v, ok := headerIntOK(h, "x-ratelimit-remaining-requests"); ok && info.Remaining < 0 {
			info.Remaining = v
		}
	}

	info.RetryAfter = parseRetryAfter(h)

	switch {
	case info.RetryAfter > 0 && info.RetryAfter <= 90*time.Second:
		info.Kind = LimitRPM
	case info.RetryAfter > time.Hour:
		info.Kind = LimitDaily
	case info.ObservedLimit > 0:
		info.Kind = LimitRPM
	case info.RetryAfter == 0 && info.ObservedLimit == 0 && info.Remaining < 0:
		// No budget headers at all usually means a concurrency cap.
		info.Kind = LimitConcurrent
	}
	return info
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("retry-after"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func headerInt(h http.Header, name string) int {
	v, _ := headerIntOK(h, name)
	return v
}

func headerIntOK(h http.Header, name string) (int, bool) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
