package models

import "time"

// Endpoint is a concrete upstream base URL belonging to a provider, speaking
// exactly one API format.
type Endpoint struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderID uint64    `gorm:"not null;index"` // Owning provider.
	Provider   *Provider `gorm:"-"`              // Owning provider (loaded separately).

	Name      string `gorm:"type:varchar(128);not null"`      // Display name.
	BaseURL   string `gorm:"type:text;not null"`              // Upstream base URL.
	APIFormat string `gorm:"type:varchar(32);not null;index"` // API format this endpoint speaks.
	ProxyURL  string `gorm:"type:text"`                       // Optional egress proxy override.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Routing candidacy flag.

	TimeoutSeconds int `gorm:"not null;default:120"` // Upstream request timeout.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
