package handlers

import (
	"errors"
	"net/http"
	"strings"

	dbutil "github.com/aether-proxy/aether-gateway/internal/db"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ProviderHandler manages admin CRUD for providers.
type ProviderHandler struct {
	db *gorm.DB // Database handle for providers.
}

// NewProviderHandler constructs a ProviderHandler.
func NewProviderHandler(db *gorm.DB) *ProviderHandler {
	return &ProviderHandler{db: db}
}

// createProviderRequest captures the payload for creating providers.
type createProviderRequest struct {
	Name            string   `json:"name"`              // Display name.
	Description     *string  `json:"description"`       // Optional description.
	IsActive        *bool    `json:"is_active"`         // Optional active flag, default true.
	MonthlyQuotaUSD *float64 `json:"monthly_quota_usd"` // Optional monthly quota.
}

// updateProviderRequest captures optional fields for updates.
type updateProviderRequest struct {
	Name            *string  `json:"name"`              // Optional display name.
	Description     *string  `json:"description"`       // Optional description.
	IsActive        *bool    `json:"is_active"`         // Optional active flag.
	MonthlyQuotaUSD *float64 `json:"monthly_quota_usd"` // Optional monthly quota.
	QuotaExhausted  *bool    `json:"quota_exhausted"`   // Optional exhaustion reset.
}

// Create validates and inserts a provider.
func (h *ProviderHandler) Create(c *gin.Context) {
	var body createProviderRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	row := models.Provider{
		Name:        name,
		Description: strings.TrimSpace(derefString(body.Description)),
		IsActive:    true,
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.MonthlyQuotaUSD != nil && *body.MonthlyQuotaUSD > 0 {
		row.MonthlyQuotaUSD = *body.MonthlyQuotaUSD
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create provider failed"})
		return
	}
	c.JSON(http.StatusCreated, formatProvider(&row))
}

// List returns providers with optional keyword filtering.
func (h *ProviderHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.Provider{})
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+keyword+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "name"), pattern)
	}

	var rows []models.Provider
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list providers failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatProvider(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// Get returns a single provider.
func (h *ProviderHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var row models.Provider
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch provider failed"})
		return
	}
	c.JSON(http.StatusOK, formatProvider(&row))
}

// Update applies validated updates to a provider.
func (h *ProviderHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var row models.Provider
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch provider failed"})
		return
	}

	var body updateProviderRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		row.Name = name
	}
	if body.Description != nil {
		row.Description = strings.TrimSpace(*body.Description)
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.MonthlyQuotaUSD != nil {
		if *body.MonthlyQuotaUSD < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "monthly_quota_usd must not be negative"})
			return
		}
		row.MonthlyQuotaUSD = *body.MonthlyQuotaUSD
	}
	if body.QuotaExhausted != nil {
		row.QuotaExhausted = *body.QuotaExhausted
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(&row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update provider failed"})
		return
	}
	c.JSON(http.StatusOK, formatProvider(&row))
}

// Delete removes a provider and its dependent rows.
func (h *ProviderHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	errDelete := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ProviderAPIKey{}, "provider_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Endpoint{}, "provider_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Provider{}, "id = ?", id).Error
	})
	if errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete provider failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// formatProvider converts a provider record into response JSON.
func formatProvider(row *models.Provider) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":                row.ID,
		"name":              row.Name,
		"description":       row.Description,
		"is_active":         row.IsActive,
		"monthly_quota_usd": row.MonthlyQuotaUSD,
		"quota_used_usd":    row.QuotaUsedUSD,
		"quota_exhausted":   row.QuotaExhausted,
		"created_at":        row.CreatedAt,
		"updated_at":        row.UpdatedAt,
	}
}
