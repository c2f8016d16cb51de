package models

import "time"

// Provider represents an upstream AI vendor account that owns endpoints and
// credentials.
type Provider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(128);not null;uniqueIndex"` // Display name.
	Description string `gorm:"type:text"`                              // Optional description.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Routing candidacy flag.

	MonthlyQuotaUSD float64 `gorm:"not null;default:0"`                  // Monthly spend quota, 0 = unlimited.
	QuotaUsedUSD    float64 `gorm:"not null;default:0"`                  // Spend accrued this month.
	QuotaExhausted  bool    `gorm:"type:boolean;not null;default:false"` // Set when quota is used up; excludes from routing.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Routable reports whether the provider may participate in selection.
func (p *Provider) Routable() bool {
	return p != nil && p.IsActive && !p.QuotaExhausted
}
