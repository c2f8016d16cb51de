package models

import "time"

// Admin is a management console account.
type Admin struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username     string `gorm:"type:varchar(64);not null;uniqueIndex"` // Login name.
	PasswordHash string `gorm:"type:text;not null"`                    // bcrypt hash.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Login allowed flag.

	LastLoginAt *time.Time `gorm:""` // Last successful login.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
