package routing

import "time"

// RoutingKeyInfo is the wire view of one provider key's routing state.
type RoutingKeyInfo struct {
	ID                     uint64         `json:"id"`
	Name                   string         `json:"name"`
	MaskedKey              string         `json:"masked_key"`
	IsActive               bool           `json:"is_active"`
	HealthScore            float64        `json:"health_score"`
	CircuitBreakerOpen     bool           `json:"circuit_breaker_open"`
	CircuitBreakerFormats  []string       `json:"circuit_breaker_formats"`
	NextProbeAt            *string        `json:"next_probe_at"`
	EffectiveRPM           *int           `json:"effective_rpm"`
	IsAdaptive             bool           `json:"is_adaptive"`
	GlobalPriorityByFormat map[string]int `json:"global_priority_by_format"`
}

// RoutingEndpointInfo is the wire view of one endpoint with its eligible
// keys, counted after the live filter chain ran.
type RoutingEndpointInfo struct {
	ID            uint64           `json:"id"`
	Name          string           `json:"name"`
	BaseURL       string           `json:"base_url"`
	APIFormat     string           `json:"api_format"`
	IsActive      bool             `json:"is_active"`
	UpstreamModel string           `json:"upstream_model"`
	EligibleKeys  int              `json:"eligible_keys"`
	Keys          []RoutingKeyInfo `json:"keys"`
}

// RoutingProviderInfo is the wire view of one provider with its live
// filtered endpoints.
type RoutingProviderInfo struct {
	ID                uint64                `json:"id"`
	Name              string                `json:"name"`
	IsActive          bool                  `json:"is_active"`
	QuotaExhausted    bool                  `json:"quota_exhausted"`
	EligibleEndpoints int                   `json:"eligible_endpoints"`
	Endpoints         []RoutingEndpointInfo `json:"endpoints"`
}

// PreviewCandidate is one entry of the ordered dry-run selection result.
type PreviewCandidate struct {
	Rank          int    `json:"rank"`
	ProviderName  string `json:"provider_name"`
	EndpointID    uint64 `json:"endpoint_id"`
	EndpointName  string `json:"endpoint_name"`
	KeyID         uint64 `json:"key_id"`
	KeyName       string `json:"key_name"`
	UpstreamModel string `json:"upstream_model"`
	Priority      int    `json:"priority"`
}

// ModelRoutingPreviewResponse is the dry-run answer for "where would this
// model route right now".
type ModelRoutingPreviewResponse struct {
	Model            string                `json:"model"`
	APIFormat        string                `json:"api_format"`
	SchedulingMode   string                `json:"scheduling_mode"`
	PriorityMode     string                `json:"priority_mode"`
	AllKeysWhitelist bool                  `json:"all_keys_whitelist"`
	TotalEligible    int                   `json:"total_eligible"`
	Providers        []RoutingProviderInfo `json:"providers"`
	Candidates       []PreviewCandidate    `json:"candidates"`
	GeneratedAt      time.Time             `json:"generated_at"`
}

// Priority modes reported by the preview.
const (
	// PriorityModeInternal means every candidate key uses its base priority.
	PriorityModeInternal = "internal"
	// PriorityModePerFormat means at least one candidate key carries a
	// per-format override for the previewed format.
	PriorityModePerFormat = "per_format"
)

// formatTime renders a nullable RFC3339 timestamp for the wire.
func formatTime(at *time.Time) *string {
	if at == nil {
		return nil
	}
	s := at.UTC().Format(time.RFC3339)
	return &s
}
