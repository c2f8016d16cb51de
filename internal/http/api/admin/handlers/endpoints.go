package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// EndpointHandler manages admin CRUD for provider endpoints.
type EndpointHandler struct {
	db *gorm.DB // Database handle for endpoints.
}

// NewEndpointHandler constructs an EndpointHandler.
func NewEndpointHandler(db *gorm.DB) *EndpointHandler {
	return &EndpointHandler{db: db}
}

// createEndpointRequest captures the payload for creating endpoints.
type createEndpointRequest struct {
	ProviderID     uint64  `json:"provider_id"`     // Owning provider.
	Name           string  `json:"name"`            // Display name.
	BaseURL        string  `json:"base_url"`        // Upstream base URL.
	APIFormat      string  `json:"api_format"`      // API format the endpoint speaks.
	ProxyURL       *string `json:"proxy_url"`       // Optional egress proxy.
	IsActive       *bool   `json:"is_active"`       // Optional active flag, default true.
	TimeoutSeconds *int    `json:"timeout_seconds"` // Optional upstream timeout.
}

// updateEndpointRequest captures optional fields for updates.
type updateEndpointRequest struct {
	Name           *string `json:"name"`            // Optional display name.
	BaseURL        *string `json:"base_url"`        // Optional base URL.
	APIFormat      *string `json:"api_format"`      // Optional API format.
	ProxyURL       *string `json:"proxy_url"`       // Optional egress proxy.
	IsActive       *bool   `json:"is_active"`       // Optional active flag.
	TimeoutSeconds *int    `json:"timeout_seconds"` // Optional upstream timeout.
}

// Create validates and inserts an endpoint.
func (h *EndpointHandler) Create(c *gin.Context) {
	var body createEndpointRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	baseURL := strings.TrimSpace(body.BaseURL)
	if body.ProviderID == 0 || name == "" || baseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_id, name and base_url are required"})
		return
	}
	format, okFormat := apiformat.Normalize(body.APIFormat)
	if !okFormat {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api_format"})
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

	row := models.Endpoint{
		ProviderID:     body.ProviderID,
		Name:           name,
		BaseURL:        baseURL,
		APIFormat:      string(format),
		ProxyURL:       strings.TrimSpace(derefString(body.ProxyURL)),
		IsActive:       true,
		TimeoutSeconds: 120,
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.TimeoutSeconds != nil && *body.TimeoutSeconds > 0 {
		row.TimeoutSeconds = *body.TimeoutSeconds
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create endpoint failed"})
		return
	}
	c.JSON(http.StatusCreated, formatEndpoint(&row))
}

// List returns endpoints, optionally filtered by provider.
func (h *EndpointHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.Endpoint{})
	if providerQ := strings.TrimSpace(c.Query("provider_id")); providerQ != "" {
		q = q.Where("provider_id = ?", providerQ)
	}

	var rows []models.Endpoint
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list endpoints failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatEndpoint(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

// Update applies validated updates to an endpoint.
func (h *EndpointHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var row models.Endpoint
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch endpoint failed"})
		return
	}

	var body updateEndpointRequest
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
	if body.BaseURL != nil {
		baseURL := strings.TrimSpace(*body.BaseURL)
		if baseURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "base_url is required"})
			return
		}
		row.BaseURL = baseURL
	}
	if body.APIFormat != nil {
		format, okFormat := apiformat.Normalize(*body.APIFormat)
		if !okFormat {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api_format"})
			return
		}
		row.APIFormat = string(format)
	}
	if body.ProxyURL != nil {
		row.ProxyURL = strings.TrimSpace(*body.ProxyURL)
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.TimeoutSeconds != nil {
		if *body.TimeoutSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_seconds must be positive"})
			return
		}
		row.TimeoutSeconds = *body.TimeoutSeconds
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(&row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update endpoint failed"})
		return
	}
	c.JSON(http.StatusOK, formatEndpoint(&row))
}

// Delete removes an endpoint and its mappings.
func (h *EndpointHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	errDelete := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ModelMapping{}, "endpoint_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Endpoint{}, "id = ?", id).Error
	})
	if errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete endpoint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// formatEndpoint converts an endpoint record into response JSON.
func formatEndpoint(row *models.Endpoint) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":              row.ID,
		"provider_id":     row.ProviderID,
		"name":            row.Name,
		"base_url":        row.BaseURL,
		"api_format":      row.APIFormat,
		"proxy_url":       row.ProxyURL,
		"is_active":       row.IsActive,
		"timeout_seconds": row.TimeoutSeconds,
		"created_at":      row.CreatedAt,
		"updated_at":      row.UpdatedAt,
	}
}
