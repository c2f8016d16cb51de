package routing

import (
	"context"
	"sort"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/catalog"
)

// Preview answers "where would this model route right now" without sending
// anything upstream. It runs the exact filter and ordering code the live
// path uses, so the answer cannot drift from reality, but it stays a pure
// read: no rate budget is consumed and no scheduling cursor moves.
func (r *Router) Preview(ctx context.Context, model string, format apiformat.Format) (*ModelRoutingPreviewResponse, error) {
	snap := r.snapFn()

	candidates, errCandidates := r.selector.Candidates(ctx, snap, model, format)
	if errCandidates != nil {
		return nil, unknownModelError{model: model}
	}
	// Rank instead of Select: the preview must not advance the round-robin
	// cursor live traffic shares, and the filter chain above already ran.
	ordered := r.selector.Rank(snap, model, format, candidates)

	out := &ModelRoutingPreviewResponse{
		Model:            model,
		APIFormat:        string(format),
		SchedulingMode:   snap.ModelsByName[model].SchedulingMode,
		PriorityMode:     PriorityModeInternal,
		AllKeysWhitelist: len(candidates) > 0,
		TotalEligible:    len(candidates),
		GeneratedAt:      time.Now().UTC(),
	}

	// Group the surviving candidates back into provider/endpoint shape.
	type endpointGroup struct {
		endpoint      catalog.Endpoint
		upstreamModel string
		keys          []catalog.Key
	}
	endpointGroups := map[uint64]*endpointGroup{}
	providerIDs := map[uint64]struct{}{}
	var endpointOrder []uint64

	for _, c := range candidates {
		if _, ok := c.Key.PriorityByFormat[string(format)]; ok {
			out.PriorityMode = PriorityModePerFormat
		}
		if len(c.Key.AllowedModels) == 0 {
			out.AllKeysWhitelist = false
		}
		providerIDs[c.Endpoint.ProviderID] = struct{}{}
		group, ok := endpointGroups[c.Endpoint.ID]
		if !ok {
			group = &endpointGroup{endpoint: c.Endpoint, upstreamModel: c.Mapping.UpstreamModel}
			endpointGroups[c.Endpoint.ID] = group
			endpointOrder = append(endpointOrder, c.Endpoint.ID)
		}
		group.keys = append(group.keys, c.Key)
	}

	providerEndpoints := map[uint64][]RoutingEndpointInfo{}
	for _, endpointID := range endpointOrder {
		group := endpointGroups[endpointID]
		info := RoutingEndpointInfo{
			ID:            group.endpoint.ID,
			Name:          group.endpoint.Name,
			BaseURL:       group.endpoint.BaseURL,
			APIFormat:     string(group.endpoint.Format),
			IsActive:      group.endpoint.Active,
			UpstreamModel: group.upstreamModel,
			EligibleKeys:  len(group.keys),
		}
		for _, key := range group.keys {
			info.Keys = append(info.Keys, r.keyInfo(key))
		}
		providerEndpoints[group.endpoint.ProviderID] = append(providerEndpoints[group.endpoint.ProviderID], info)
	}

	var providerOrder []uint64
	for id := range providerIDs {
		providerOrder = append(providerOrder, id)
	}
	sort.Slice(providerOrder, func(i, j int) bool { return providerOrder[i] < providerOrder[j] })
	for _, providerID := range providerOrder {
		provider := snap.Providers[providerID]
		endpoints := providerEndpoints[providerID]
		out.Providers = append(out.Providers, RoutingProviderInfo{
			ID:                provider.ID,
			Name:              provider.Name,
			IsActive:          provider.Active,
			QuotaExhausted:    provider.QuotaExhausted,
			EligibleEndpoints: len(endpoints),
			Endpoints:         endpoints,
		})
	}

	for i, c := range ordered {
		out.Candidates = append(out.Candidates, PreviewCandidate{
			Rank:          i + 1,
			ProviderName:  snap.Providers[c.Endpoint.ProviderID].Name,
			EndpointID:    c.Endpoint.ID,
			EndpointName:  c.Endpoint.Name,
			KeyID:         c.Key.ID,
			KeyName:       c.Key.Name,
			UpstreamModel: c.Mapping.UpstreamModel,
			Priority:      c.Key.PriorityFor(format),
		})
	}
	return out, nil
}

// keyInfo builds the wire view of one key's routing state.
func (r *Router) keyInfo(key catalog.Key) RoutingKeyInfo {
	status := r.tracker.Status(key.ID, key.Formats)
	info := RoutingKeyInfo{
		ID:                    key.ID,
		Name:                  key.Name,
		MaskedKey:             maskSecret(key.Secret),
		IsActive:              key.Active,
		HealthScore:           status.Score,
		CircuitBreakerOpen:    status.Open,
		CircuitBreakerFormats: status.OpenFormats,
		NextProbeAt:           formatTime(status.NextProbeAt),
		EffectiveRPM:          r.rate.EffectiveRPM(key.ID, key.RPMLimit),
		IsAdaptive:            key.IsAdaptive(),
	}
	if len(key.PriorityByFormat) > 0 {
		info.GlobalPriorityByFormat = key.PriorityByFormat
	}
	return info
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
