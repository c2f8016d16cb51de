package models

import "time"

// APIKey is a gateway access credential issued to a client of the relay
// surface. Distinct from ProviderAPIKey, which holds upstream credentials.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:varchar(128);not null"`     // Display name.
	Key  string `gorm:"type:text;not null;uniqueIndex"` // Issued credential value.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Access allowed flag.

	AllowedModels StringList `gorm:"type:jsonb"` // Model allowlist; empty = all models.

	ExpiresAt  *time.Time `gorm:""` // Optional expiry.
	LastUsedAt *time.Time `gorm:""` // Last successful use.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Usable reports whether the key grants access at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}
