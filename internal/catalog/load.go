package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"gorm.io/gorm"
)

// BuildSnapshot loads the full routing catalog from the database.
func BuildSnapshot(ctx context.Context, conn *gorm.DB) (*Snapshot, error) {
	if conn == nil {
		return nil, fmt.Errorf("catalog: nil connection")
	}
	snap := empty()
	snap.LoadedAt = time.Now().UTC()

	var providers []models.Provider
	if err := conn.WithContext(ctx).Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("catalog: load providers: %w", err)
	}
	for _, p := range providers {
		snap.Providers[p.ID] = Provider{
			ID:             p.ID,
			Name:           p.Name,
			Active:         p.IsActive,
			QuotaExhausted: p.QuotaExhausted,
		}
	}

	var endpoints []models.Endpoint
	if err := conn.WithContext(ctx).Find(&endpoints).Error; err != nil {
		return nil, fmt.Errorf("catalog: load endpoints: %w", err)
	}
	for _, e := range endpoints {
		format, ok := apiformat.Normalize(e.APIFormat)
		if !ok {
			continue
		}
		timeout := time.Duration(e.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		snap.Endpoints[e.ID] = Endpoint{
			ID:         e.ID,
			ProviderID: e.ProviderID,
			Name:       e.Name,
			BaseURL:    e.BaseURL,
			Format:     format,
			ProxyURL:   e.ProxyURL,
			Active:     e.IsActive,
			Timeout:    timeout,
		}
	}

	var keys []models.ProviderAPIKey
	if err := conn.WithContext(ctx).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("catalog: load keys: %w", err)
	}
	for _, k := range keys {
		formats := make([]apiformat.Format, 0, len(k.APIFormats))
		for _, raw := range k.APIFormats {
			if f, ok := apiformat.Normalize(raw); ok {
				formats = append(formats, f)
			}
		}
		var rpm *int
		if k.RPMLimit != nil {
			v := *k.RPMLimit
			rpm = &v
		}
		var expires *time.Time
		if k.ExpiresAt != nil {
			at := *k.ExpiresAt
			expires = &at
		}
		snap.Keys[k.ID] = Key{
			ID:               k.ID,
			ProviderID:       k.ProviderID,
			Name:             k.Name,
			Secret:           k.APIKey,
			Active:           k.IsActive,
			InternalPriority: k.InternalPriority,
			PriorityByFormat: map[string]int(k.PriorityByFormat),
			Weight:           k.Weight,
			Formats:          formats,
			AllowedModels:    []string(k.AllowedModels),
			RPMLimit:         rpm,
			ProbeCap:         k.ProbeCap(),
			ExpiresAt:        expires,
		}
		snap.KeysByProvider[k.ProviderID] = append(snap.KeysByProvider[k.ProviderID], k.ID)
	}

	var modelRows []models.GlobalModel
	if err := conn.WithContext(ctx).Find(&modelRows).Error; err != nil {
		return nil, fmt.Errorf("catalog: load models: %w", err)
	}
	for _, m := range modelRows {
		mode := m.SchedulingMode
		if !models.ValidSchedulingMode(mode) {
			mode = models.SchedulingPriority
		}
		snap.ModelsByName[m.Name] = Model{
			ID:             m.ID,
			Name:           m.Name,
			SchedulingMode: mode,
			Active:         m.IsActive,
		}
	}

	var mappings []models.ModelMapping
	if err := conn.WithContext(ctx).Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("catalog: load mappings: %w", err)
	}
	for _, m := range mappings {
		snap.MappingsByModel[m.GlobalModelID] = append(snap.MappingsByModel[m.GlobalModelID], Mapping{
			ID:            m.ID,
			GlobalModelID: m.GlobalModelID,
			EndpointID:    m.EndpointID,
			UpstreamModel: m.UpstreamModel,
			Formats:       []string(m.APIFormats),
			Priority:      m.Priority,
			Active:        m.IsActive,
		})
	}

	return snap, nil
}

// Refresh rebuilds the catalog and publishes it as the current snapshot.
func Refresh(ctx context.Context, conn *gorm.DB) error {
	snap, err := BuildSnapshot(ctx, conn)
	if err != nil {
		return err
	}
	Store(snap)
	return nil
}
