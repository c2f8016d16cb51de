package ratecontrol

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Manager routes rate-limit checks to the best available backend: Redis when
// enabled and reachable, the in-memory limiter otherwise. Allow consumes one
// unit of the key's minute window; Peek leaves the window untouched.
type Manager struct {
	provider SettingsProvider
	nowFn    func() time.Time
	memory   Limiter
	shared   *redisBackend
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(provider SettingsProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if provider == nil {
		provider = LoadSettingsConfig
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		provider: provider,
		nowFn:    nowFn,
		memory:   NewMemoryLimiter(),
		shared:   &redisBackend{newClient: newRedisClient},
	}
}

// Allow charges one request against the key's minute window.
func (m *Manager) Allow(ctx context.Context, key string, limit int) (Result, error) {
	return m.check(ctx, key, limit, true)
}

// Peek reports whether the key's minute window has budget left, without
// consuming any.
func (m *Manager) Peek(ctx context.Context, key string, limit int) (Result, error) {
	return m.check(ctx, key, limit, false)
}

func (m *Manager) check(ctx context.Context, key string, limit int, consume bool) (Result, error) {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()

	if cfg := m.provider(); cfg.RedisEnabled {
		if limiter := m.shared.limiterFor(ctx, cfg, now); limiter != nil {
			result, errCheck := dispatch(ctx, limiter, key, limit, now, consume)
			if errCheck == nil {
				return result, nil
			}
			m.shared.markDown(errCheck, now)
		}
	}
	return dispatch(ctx, m.memory, key, limit, now, consume)
}

// dispatch runs one check against a backend.
func dispatch(ctx context.Context, l Limiter, key string, limit int, now time.Time, consume bool) (Result, error) {
	if consume {
		return l.Allow(ctx, key, limit, now)
	}
	return l.Peek(ctx, key, limit, now)
}

// redisDownCooldown is how long a failed Redis backend stays benched before
// the next connection attempt.
const redisDownCooldown = 30 * time.Second

type redisConfig struct {
	addr     string
	password string
	prefix   string
	db       int
}

func redisConfigFrom(cfg SettingsConfig) redisConfig {
	rc := redisConfig{
		addr:     strings.TrimSpace(cfg.RedisAddr),
		password: strings.TrimSpace(cfg.RedisPassword),
		prefix:   strings.TrimSpace(cfg.RedisPrefix),
		db:       cfg.RedisDB,
	}
	if rc.db < 0 {
		rc.db = 0
	}
	return rc
}

// redisBackend owns the shared Redis limiter lifecycle: it reconnects when
// the settings change and benches the backend for a cooldown after a failure
// so requests do not pile up behind connect timeouts.
type redisBackend struct {
	newClient RedisClientFactory

	mu        sync.Mutex
	active    *RedisLimiter
	activeCfg redisConfig
	downUntil time.Time
}

// limiterFor returns the shared limiter, dialing if needed. It returns nil
// when Redis is misconfigured, unreachable, or cooling off; the caller then
// uses the memory backend.
func (b *redisBackend) limiterFor(ctx context.Context, cfg SettingsConfig, now time.Time) *RedisLimiter {
	want := redisConfigFrom(cfg)
	if want.addr == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.downUntil.IsZero() {
		if now.Before(b.downUntil) {
			return nil
		}
		b.downUntil = time.Time{}
	}
	if b.active != nil {
		if b.activeCfg == want {
			return b.active
		}
		_ = b.active.client.Close()
		b.active = nil
	}

	client := b.newClient(&redis.Options{
		Addr:     want.addr,
		Password: want.password,
		DB:       want.db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		b.benchLocked(errPing, now)
		return nil
	}
	b.active = NewRedisLimiter(client, want.prefix)
	b.activeCfg = want
	return b.active
}

// markDown benches the backend after a failed Redis operation.
func (b *redisBackend) markDown(err error, now time.Time) {
	if b == nil || err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.benchLocked(err, now)
}

func (b *redisBackend) benchLocked(err error, now time.Time) {
	if !b.downUntil.IsZero() && now.Before(b.downUntil) {
		return
	}
	b.downUntil = now.Add(redisDownCooldown)
	log.WithError(err).Warn("ratecontrol: redis unavailable, falling back to memory")
}
