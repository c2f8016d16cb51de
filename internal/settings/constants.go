// Package settings holds DB-backed runtime configuration: the key constants,
// their defaults, and an atomically swapped in-memory snapshot refreshed by
// the watcher.
package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the console site name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback console site name.
	DefaultSiteName = "Aether"
	// RateLimitRedisEnabledKey toggles the Redis rate-limit backend.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"
	// RateLimitedStreakKey sets how many rate_limited outcomes inside the
	// result window start counting as failures.
	RateLimitedStreakKey = "RATE_LIMITED_STREAK_THRESHOLD"
	// CatalogPollIntervalSecondsKey controls the routing catalog refresh
	// interval in seconds.
	CatalogPollIntervalSecondsKey = "CATALOG_POLL_INTERVAL_SECONDS"
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "aether:rl"
	// DefaultRateLimitedStreak is the fallback rate_limited streak threshold.
	DefaultRateLimitedStreak = 3
	// DefaultCatalogPollIntervalSeconds is the fallback catalog refresh
	// interval (seconds).
	DefaultCatalogPollIntervalSeconds = 15
)
