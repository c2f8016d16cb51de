package models

import (
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

// ProviderAPIKey stores an upstream credential attached to a provider. A key
// may serve several API formats and carries per-format priority overrides.
type ProviderAPIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderID uint64    `gorm:"not null;index"` // Owning provider.
	Provider   *Provider `gorm:"-"`              // Owning provider (loaded separately).

	Name   string `gorm:"type:text"`          // Display name.
	APIKey string `gorm:"type:text;not null"` // Secret credential value.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Routing candidacy flag.

	InternalPriority int              `gorm:"not null;default:100;index"`       // Base selection priority (lower wins).
	PriorityByFormat PriorityByFormat `gorm:"type:jsonb;not null;default:'{}'"` // Per-format priority overrides.
	Weight           int              `gorm:"not null;default:1"`               // Weighted-strategy draw weight.

	APIFormats    StringList `gorm:"type:jsonb;not null;default:'[]'"` // Formats the key may serve.
	AllowedModels StringList `gorm:"type:jsonb"`                       // Model allowlist; empty = all models.

	RPMLimit                *int `gorm:""`                    // Fixed requests/minute cap; nil = adaptive.
	MaxProbeIntervalMinutes int  `gorm:"not null;default:32"` // Probe backoff cap, clamped to [2,32].

	ExpiresAt *time.Time `gorm:""` // Optional expiry; past expiry excludes from routing.

	RequestCount int64      `gorm:"not null;default:0"` // Lifetime requests routed through the key.
	ErrorCount   int64      `gorm:"not null;default:0"` // Lifetime failed requests.
	LastUsedAt   *time.Time `gorm:""`                   // Last successful use.
	LastErrorAt  *time.Time `gorm:""`                   // Last failure.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsAdaptive reports whether the key uses detector-driven rate ceilings
// instead of a fixed RPM limit.
func (k *ProviderAPIKey) IsAdaptive() bool {
	return k != nil && k.RPMLimit == nil
}

// SupportsFormat reports whether the key may serve the given API format.
func (k *ProviderAPIKey) SupportsFormat(format apiformat.Format) bool {
	if k == nil {
		return false
	}
	return k.APIFormats.Contains(string(format))
}

// AllowsModel reports whether the key may serve the given global model. An
// empty allowlist admits every model.
func (k *ProviderAPIKey) AllowsModel(model string) bool {
	if k == nil {
		return false
	}
	if len(k.AllowedModels) == 0 {
		return true
	}
	return k.AllowedModels.Contains(model)
}

// Expired reports whether the key is past its expiry at now.
func (k *ProviderAPIKey) Expired(now time.Time) bool {
	return k != nil && k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// PriorityFor resolves the effective priority of the key for a format,
// honoring the per-format override map.
func (k *ProviderAPIKey) PriorityFor(format apiformat.Format) int {
	if k == nil {
		return 0
	}
	return k.PriorityByFormat.For(string(format), k.InternalPriority)
}

// ProbeCap returns the key's probe interval cap clamped to the allowed range.
func (k *ProviderAPIKey) ProbeCap() time.Duration {
	minutes := k.MaxProbeIntervalMinutes
	if minutes < 2 {
		minutes = 2
	}
	if minutes > 32 {
		minutes = 32
	}
	return time.Duration(minutes) * time.Minute
}

// MaskedKey returns the credential with the middle elided for display.
func (k *ProviderAPIKey) MaskedKey() string {
	secret := k.APIKey
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
