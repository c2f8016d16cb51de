package settings

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStoreAndReadDBConfig(t *testing.T) {
	now := time.Now()
	StoreDBConfig(now, map[string]json.RawMessage{
		RateLimitRedisEnabledKey: json.RawMessage(`true`),
		RateLimitRedisAddrKey:    json.RawMessage(`"127.0.0.1:6379"`),
		RateLimitedStreakKey:     json.RawMessage(`5`),
		"  ":                     json.RawMessage(`"ignored"`),
	})
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	if !BoolValue(RateLimitRedisEnabledKey, false) {
		t.Fatal("expected redis enabled")
	}
	if got := StringValue(RateLimitRedisAddrKey, ""); got != "127.0.0.1:6379" {
		t.Fatalf("addr = %q", got)
	}
	if got := IntValue(RateLimitedStreakKey, DefaultRateLimitedStreak); got != 5 {
		t.Fatalf("streak = %d", got)
	}
	if got := DBConfigUpdatedAt(); !got.Equal(now.UTC()) {
		t.Fatalf("updatedAt = %v, want %v", got, now.UTC())
	}
}

func TestDBConfigDefaults(t *testing.T) {
	StoreDBConfig(time.Time{}, nil)

	if got := IntValue(CatalogPollIntervalSecondsKey, DefaultCatalogPollIntervalSeconds); got != DefaultCatalogPollIntervalSeconds {
		t.Fatalf("poll interval = %d", got)
	}
	if got := StringValue(RateLimitRedisPrefixKey, DefaultRateLimitRedisPrefix); got != DefaultRateLimitRedisPrefix {
		t.Fatalf("prefix = %q", got)
	}
	if BoolValue(RateLimitRedisEnabledKey, false) {
		t.Fatal("expected redis disabled by default")
	}
}

func TestDBConfigStringCoercion(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		RateLimitRedisEnabledKey: json.RawMessage(`"on"`),
		RateLimitedStreakKey:     json.RawMessage(`"7"`),
	})
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })

	if !BoolValue(RateLimitRedisEnabledKey, false) {
		t.Fatal(`expected "on" to parse as true`)
	}
	if got := IntValue(RateLimitedStreakKey, 0); got != 7 {
		t.Fatalf("streak = %d, want 7", got)
	}
}
