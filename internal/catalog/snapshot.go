// Package catalog holds the denormalized routing catalog: providers,
// endpoints, keys, models and mappings flattened into an immutable snapshot
// swapped atomically on refresh. Selection never touches the database.
package catalog

import (
	"sync/atomic"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

// Provider is the snapshot view of a provider row.
type Provider struct {
	ID             uint64
	Name           string
	Active         bool
	QuotaExhausted bool
}

// Routable reports whether the provider may participate in selection.
func (p Provider) Routable() bool {
	return p.Active && !p.QuotaExhausted
}

// Endpoint is the snapshot view of an endpoint row.
type Endpoint struct {
	ID         uint64
	ProviderID uint64
	Name       string
	BaseURL    string
	Format     apiformat.Format
	ProxyURL   string
	Active     bool
	Timeout    time.Duration
}

// Key is the snapshot view of a provider API key row.
type Key struct {
	ID               uint64
	ProviderID       uint64
	Name             string
	Secret           string
	Active           bool
	InternalPriority int
	PriorityByFormat map[string]int
	Weight           int
	Formats          []apiformat.Format
	AllowedModels    []string
	RPMLimit         *int
	ProbeCap         time.Duration
	ExpiresAt        *time.Time
}

// SupportsFormat reports whether the key may serve the given format.
func (k Key) SupportsFormat(format apiformat.Format) bool {
	for _, f := range k.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the key may serve the given global model.
func (k Key) AllowsModel(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at now.
func (k Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// PriorityFor resolves the effective priority for a format, honoring the
// per-format override map.
func (k Key) PriorityFor(format apiformat.Format) int {
	if v, ok := k.PriorityByFormat[string(format)]; ok {
		return v
	}
	return k.InternalPriority
}

// IsAdaptive reports whether the key uses detector-driven rate ceilings.
func (k Key) IsAdaptive() bool {
	return k.RPMLimit == nil
}

// Mapping is the snapshot view of a model mapping row.
type Mapping struct {
	ID            uint64
	GlobalModelID uint64
	EndpointID    uint64
	UpstreamModel string
	Formats       []string
	Priority      int
	Active        bool
}

// AppliesToFormat reports whether the mapping covers the given format.
func (m Mapping) AppliesToFormat(format apiformat.Format) bool {
	if len(m.Formats) == 0 {
		return true
	}
	for _, f := range m.Formats {
		if f == string(format) {
			return true
		}
	}
	return false
}

// Scoped reports whether the mapping is restricted to specific formats.
// Mapping priorities are only comparable within the same scope.
func (m Mapping) Scoped() bool {
	return len(m.Formats) > 0
}

// Model is the snapshot view of a global model row.
type Model struct {
	ID             uint64
	Name           string
	SchedulingMode string
	Active         bool
}

// Snapshot is one immutable view of the routing catalog.
type Snapshot struct {
	Providers       map[uint64]Provider
	Endpoints       map[uint64]Endpoint
	Keys            map[uint64]Key
	KeysByProvider  map[uint64][]uint64
	ModelsByName    map[string]Model
	MappingsByModel map[uint64][]Mapping
	LoadedAt        time.Time
}

// empty returns a snapshot with all maps initialized.
func empty() *Snapshot {
	return &Snapshot{
		Providers:       map[uint64]Provider{},
		Endpoints:       map[uint64]Endpoint{},
		Keys:            map[uint64]Key{},
		KeysByProvider:  map[uint64][]uint64{},
		ModelsByName:    map[string]Model{},
		MappingsByModel: map[uint64][]Mapping{},
	}
}

// globalSnapshot stores the latest *Snapshot atomically.
var globalSnapshot atomic.Value // stores *Snapshot

func init() {
	globalSnapshot.Store(empty())
}

// Store replaces the current catalog snapshot.
func Store(snap *Snapshot) {
	if snap == nil {
		snap = empty()
	}
	globalSnapshot.Store(snap)
}

// Current returns the latest catalog snapshot. Callers must treat it as
// read-only.
func Current() *Snapshot {
	if snap, ok := globalSnapshot.Load().(*Snapshot); ok && snap != nil {
		return snap
	}
	return empty()
}
