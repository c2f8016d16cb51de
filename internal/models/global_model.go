package models

import "time"

// Load-balance strategy names stored on GlobalModel.SchedulingMode.
const (
	SchedulingPriority   = "priority"
	SchedulingRandom     = "random"
	SchedulingRoundRobin = "round_robin"
	SchedulingWeighted   = "weighted"
	SchedulingLatency    = "latency"
)

// GlobalModel is a client-facing model name, decoupled from the upstream
// names each provider uses for it.
type GlobalModel struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(128);not null;uniqueIndex"` // Client-facing model name.
	Description string `gorm:"type:text"`                              // Optional description.

	SchedulingMode string `gorm:"type:varchar(32);not null;default:'priority'"` // Load-balance strategy.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Routing candidacy flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ValidSchedulingMode reports whether mode names a known strategy.
func ValidSchedulingMode(mode string) bool {
	switch mode {
	case SchedulingPriority, SchedulingRandom, SchedulingRoundRobin, SchedulingWeighted, SchedulingLatency:
		return true
	}
	return false
}

// ModelMapping binds a global model to the upstream model name an endpoint
// serves it under, optionally scoped to a subset of API formats.
type ModelMapping struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GlobalModelID uint64       `gorm:"not null;index"` // Mapped global model.
	GlobalModel   *GlobalModel `gorm:"-"`              // Mapped global model (loaded separately).

	EndpointID uint64    `gorm:"not null;index"` // Target endpoint.
	Endpoint   *Endpoint `gorm:"-"`              // Target endpoint (loaded separately).

	UpstreamModel string `gorm:"type:varchar(128);not null"` // Model name sent upstream.

	APIFormats StringList `gorm:"type:jsonb;not null;default:'[]'"` // Format scope; empty = all formats.
	Priority   int        `gorm:"not null;default:100"`             // Ordering within the same format scope.

	IsActive bool `gorm:"type:boolean;not null;default:true"` // Routing candidacy flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AppliesToFormat reports whether the mapping covers the given format. An
// empty scope covers every format.
func (m *ModelMapping) AppliesToFormat(format string) bool {
	if m == nil {
		return false
	}
	if len(m.APIFormats) == 0 {
		return true
	}
	return m.APIFormats.Contains(format)
}
