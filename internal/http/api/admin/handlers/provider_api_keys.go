package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	dbutil "github.com/aether-proxy/aether-gateway/internal/db"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ProviderAPIKeyHandler manages admin CRUD and health overrides for provider
// API keys.
type ProviderAPIKeyHandler struct {
	db      *gorm.DB                // Database handle for provider keys.
	tracker *health.Tracker         // Live circuit breaker state.
	rate    *ratecontrol.Controller // Live rate budgets.
}

// NewProviderAPIKeyHandler constructs a ProviderAPIKeyHandler.
func NewProviderAPIKeyHandler(db *gorm.DB, tracker *health.Tracker, rate *ratecontrol.Controller) *ProviderAPIKeyHandler {
	return &ProviderAPIKeyHandler{db: db, tracker: tracker, rate: rate}
}

// createProviderAPIKeyRequest captures the payload for creating keys.
type createProviderAPIKeyRequest struct {
	ProviderID              uint64         `json:"provider_id"`                // Owning provider.
	Name                    *string        `json:"name"`                       // Optional display name.
	APIKey                  string         `json:"api_key"`                    // Secret credential value.
	IsActive                *bool          `json:"is_active"`                  // Optional active flag, default true.
	InternalPriority        *int           `json:"internal_priority"`          // Optional base priority.
	PriorityByFormat        map[string]int `json:"priority_by_format"`         // Per-format priority overrides.
	Weight                  *int           `json:"weight"`                     // Optional draw weight.
	APIFormats              []string       `json:"api_formats"`                // Formats the key may serve.
	AllowedModels           []string       `json:"allowed_models"`             // Model allowlist.
	RPMLimit                *int           `json:"rpm_limit"`                  // Fixed RPM cap; null = adaptive.
	MaxProbeIntervalMinutes *int           `json:"max_probe_interval_minutes"` // Optional probe backoff cap.
	ExpiresAt               *time.Time     `json:"expires_at"`                 // Optional expiry.
}

// updateProviderAPIKeyRequest captures optional fields for updates.
type updateProviderAPIKeyRequest struct {
	Name                    *string         `json:"name"`                       // Optional display name.
	APIKey                  *string         `json:"api_key"`                    // Optional credential value.
	IsActive                *bool           `json:"is_active"`                  // Optional active flag.
	InternalPriority        *int            `json:"internal_priority"`          // Optional base priority.
	PriorityByFormat        *map[string]int `json:"priority_by_format"`         // Optional override map.
	Weight                  *int            `json:"weight"`                     // Optional draw weight.
	APIFormats              *[]string       `json:"api_formats"`                // Optional format list.
	AllowedModels           *[]string       `json:"allowed_models"`             // Optional allowlist.
	RPMLimit                *int            `json:"rpm_limit"`                  // Optional fixed RPM cap.
	Adaptive                *bool           `json:"adaptive"`                   // When true, clears the fixed cap.
	MaxProbeIntervalMinutes *int            `json:"max_probe_interval_minutes"` // Optional probe backoff cap.
	ExpiresAt               *time.Time      `json:"expires_at"`                 // Optional expiry.
}

// breakerActionRequest names the format a manual breaker action applies to.
type breakerActionRequest struct {
	APIFormat string `json:"api_format"` // Target API format.
}

// normalizeFormats validates and uppercases a format list.
func normalizeFormats(raw []string) ([]string, bool) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		format, ok := apiformat.Normalize(item)
		if !ok {
			return nil, false
		}
		if _, dup := seen[string(format)]; dup {
			continue
		}
		seen[string(format)] = struct{}{}
		out = append(out, string(format))
	}
	return out, true
}

// normalizePriorityMap validates the format keys of a priority override map.
func normalizePriorityMap(raw map[string]int) (map[string]int, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	out := make(map[string]int, len(raw))
	for key, value := range raw {
		format, ok := apiformat.Normalize(key)
		if !ok {
			return nil, false
		}
		out[string(format)] = value
	}
	return out, true
}

// Create validates and inserts a provider API key.
func (h *ProviderAPIKeyHandler) Create(c *gin.Context) {
	var body createProviderAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	apiKey := strings.TrimSpace(body.APIKey)
	if body.ProviderID == 0 || apiKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_id and api_key are required"})
		return
	}
	formats, okFormats := normalizeFormats(body.APIFormats)
	if !okFormats || len(formats) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_formats must name at least one valid format"})
		return
	}
	priorityMap, okPriorities := normalizePriorityMap(body.PriorityByFormat)
	if !okPriorities {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority_by_format"})
		return
	}

	var provider models.Provider
	if errFind := h.db.WithContext(c.Request.Context()).
		First(&provider, "id = ?", body.ProviderID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch provider failed"})
		return
	}

	row := models.ProviderAPIKey{
		ProviderID:              body.ProviderID,
		Name:                    strings.TrimSpace(derefString(body.Name)),
		APIKey:                  apiKey,
		IsActive:                true,
		InternalPriority:        100,
		PriorityByFormat:        models.PriorityByFormat(priorityMap),
		Weight:                  1,
		APIFormats:              models.StringList(formats),
		AllowedModels:           models.StringList(body.AllowedModels).Clean(),
		RPMLimit:                body.RPMLimit,
		MaxProbeIntervalMinutes: 32,
		ExpiresAt:               body.ExpiresAt,
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.InternalPriority != nil {
		row.InternalPriority = *body.InternalPriority
	}
	if body.Weight != nil && *body.Weight > 0 {
		row.Weight = *body.Weight
	}
	if body.MaxProbeIntervalMinutes != nil {
		if *body.MaxProbeIntervalMinutes < 2 || *body.MaxProbeIntervalMinutes > 32 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_probe_interval_minutes must be in [2,32]"})
			return
		}
		row.MaxProbeIntervalMinutes = *body.MaxProbeIntervalMinutes
	}
	if row.RPMLimit != nil && *row.RPMLimit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rpm_limit must not be negative"})
		return
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create api key failed"})
		return
	}
	c.JSON(http.StatusCreated, h.formatKey(&row))
}

// List returns provider API keys with live health state.
func (h *ProviderAPIKeyHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.ProviderAPIKey{})
	if providerQ := strings.TrimSpace(c.Query("provider_id")); providerQ != "" {
		q = q.Where("provider_id = ?", providerQ)
	}
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+keyword+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "name"), pattern)
	}

	var rows []models.ProviderAPIKey
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list api keys failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.formatKey(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": out})
}

// Get returns one provider API key with live health state.
func (h *ProviderAPIKeyHandler) Get(c *gin.Context) {
	row, ok := h.fetchKey(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.formatKey(row))
}

// Update applies validated updates to a provider API key.
func (h *ProviderAPIKeyHandler) Update(c *gin.Context) {
	row, ok := h.fetchKey(c)
	if !ok {
		return
	}

	var body updateProviderAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Name != nil {
		row.Name = strings.TrimSpace(*body.Name)
	}
	if body.APIKey != nil {
		apiKey := strings.TrimSpace(*body.APIKey)
		if apiKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
			return
		}
		row.APIKey = apiKey
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.InternalPriority != nil {
		row.InternalPriority = *body.InternalPriority
	}
	if body.PriorityByFormat != nil {
		priorityMap, okPriorities := normalizePriorityMap(*body.PriorityByFormat)
		if !okPriorities {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority_by_format"})
			return
		}
		row.PriorityByFormat = models.PriorityByFormat(priorityMap)
	}
	if body.Weight != nil {
		if *body.Weight <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "weight must be positive"})
			return
		}
		row.Weight = *body.Weight
	}
	if body.APIFormats != nil {
		formats, okFormats := normalizeFormats(*body.APIFormats)
		if !okFormats || len(formats) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "api_formats must name at least one valid format"})
			return
		}
		row.APIFormats = models.StringList(formats)
	}
	if body.AllowedModels != nil {
		row.AllowedModels = models.StringList(*body.AllowedModels).Clean()
	}
	if body.Adaptive != nil && *body.Adaptive {
		row.RPMLimit = nil
	} else if body.RPMLimit != nil {
		if *body.RPMLimit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rpm_limit must not be negative"})
			return
		}
		row.RPMLimit = body.RPMLimit
	}
	if body.MaxProbeIntervalMinutes != nil {
		if *body.MaxProbeIntervalMinutes < 2 || *body.MaxProbeIntervalMinutes > 32 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_probe_interval_minutes must be in [2,32]"})
			return
		}
		row.MaxProbeIntervalMinutes = *body.MaxProbeIntervalMinutes
	}
	if body.ExpiresAt != nil {
		row.ExpiresAt = body.ExpiresAt
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update api key failed"})
		return
	}
	c.JSON(http.StatusOK, h.formatKey(row))
}

// Delete removes a provider API key and discards its health state.
func (h *ProviderAPIKeyHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).
		Delete(&models.ProviderAPIKey{}, "id = ?", id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete api key failed"})
		return
	}
	if h.tracker != nil {
		h.tracker.Reset(id)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ResetHealth discards all health state for a key across every format.
func (h *ProviderAPIKeyHandler) ResetHealth(c *gin.Context) {
	row, ok := h.fetchKey(c)
	if !ok {
		return
	}
	h.tracker.Reset(row.ID)
	c.JSON(http.StatusOK, h.formatKey(row))
}

// ForceClose closes the breaker for one (key, format) pair.
func (h *ProviderAPIKeyHandler) ForceClose(c *gin.Context) {
	row, format, ok := h.fetchKeyAndFormat(c)
	if !ok {
		return
	}
	h.tracker.ForceClose(row.ID, format)
	c.JSON(http.StatusOK, h.formatKey(row))
}

// ForceProbe makes an open breaker due for probing immediately.
func (h *ProviderAPIKeyHandler) ForceProbe(c *gin.Context) {
	row, format, ok := h.fetchKeyAndFormat(c)
	if !ok {
		return
	}
	h.tracker.ForceProbe(row.ID, format)
	c.JSON(http.StatusOK, h.formatKey(row))
}

// Events returns the recent circuit breaker transition history.
func (h *ProviderAPIKeyHandler) Events(c *gin.Context) {
	limit := 50
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		if parsed, errParse := parseLimit(rawLimit); errParse == nil {
			limit = parsed
		}
	}
	events := h.tracker.Events(limit)
	out := make([]gin.H, 0, len(events))
	for _, event := range events {
		out = append(out, gin.H{
			"key_id":     event.KeyID,
			"api_format": event.Format,
			"action":     event.Action,
			"reason":     event.Reason,
			"at":         event.At,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// fetchKey loads the :id key row, writing the error response on failure.
func (h *ProviderAPIKeyHandler) fetchKey(c *gin.Context) (*models.ProviderAPIKey, bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var row models.ProviderAPIKey
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch api key failed"})
		return nil, false
	}
	return &row, true
}

// fetchKeyAndFormat loads the key row and the api_format named in the body.
func (h *ProviderAPIKeyHandler) fetchKeyAndFormat(c *gin.Context) (*models.ProviderAPIKey, apiformat.Format, bool) {
	row, ok := h.fetchKey(c)
	if !ok {
		return nil, "", false
	}
	var body breakerActionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return nil, "", false
	}
	format, okFormat := apiformat.Normalize(body.APIFormat)
	if !okFormat {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api_format"})
		return nil, "", false
	}
	if !row.SupportsFormat(format) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key does not serve this api_format"})
		return nil, "", false
	}
	return row, format, true
}

// formatKey converts a key record plus live health state into response JSON.
func (h *ProviderAPIKeyHandler) formatKey(row *models.ProviderAPIKey) gin.H {
	if row == nil {
		return gin.H{}
	}
	formats := make([]apiformat.Format, 0, len(row.APIFormats))
	for _, raw := range row.APIFormats {
		if format, ok := apiformat.Normalize(raw); ok {
			formats = append(formats, format)
		}
	}

	out := gin.H{
		"id":                         row.ID,
		"provider_id":                row.ProviderID,
		"name":                       row.Name,
		"masked_key":                 row.MaskedKey(),
		"is_active":                  row.IsActive,
		"internal_priority":          row.InternalPriority,
		"priority_by_format":         map[string]int(row.PriorityByFormat),
		"weight":                     row.Weight,
		"api_formats":                []string(row.APIFormats),
		"allowed_models":             []string(row.AllowedModels),
		"rpm_limit":                  row.RPMLimit,
		"is_adaptive":                row.IsAdaptive(),
		"max_probe_interval_minutes": row.MaxProbeIntervalMinutes,
		"expires_at":                 row.ExpiresAt,
		"request_count":              row.RequestCount,
		"error_count":                row.ErrorCount,
		"last_used_at":               row.LastUsedAt,
		"last_error_at":              row.LastErrorAt,
		"created_at":                 row.CreatedAt,
		"updated_at":                 row.UpdatedAt,
	}
	if h.tracker != nil {
		status := h.tracker.Status(row.ID, formats)
		out["health_score"] = status.Score
		out["circuit_breaker_open"] = status.Open
		out["circuit_breaker_formats"] = status.OpenFormats
		if status.NextProbeAt != nil {
			out["next_probe_at"] = status.NextProbeAt.UTC().Format(time.RFC3339)
		} else {
			out["next_probe_at"] = nil
		}
		out["live_request_count"] = status.RequestCount
		out["live_success_count"] = status.SuccessCount
		out["live_error_count"] = status.ErrorCount
	}
	if h.rate != nil {
		out["effective_rpm"] = h.rate.EffectiveRPM(row.ID, row.RPMLimit)
	}
	return out
}
