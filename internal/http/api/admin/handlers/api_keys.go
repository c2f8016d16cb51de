package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/security"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// APIKeyHandler manages gateway access keys issued to relay clients.
type APIKeyHandler struct {
	db *gorm.DB // Database handle for access keys.
}

// NewAPIKeyHandler constructs an APIKeyHandler.
func NewAPIKeyHandler(db *gorm.DB) *APIKeyHandler {
	return &APIKeyHandler{db: db}
}

// createAPIKeyRequest captures the payload for issuing an access key.
type createAPIKeyRequest struct {
	Name          string   `json:"name"`           // Display name.
	AllowedModels []string `json:"allowed_models"` // Model allowlist; empty = all.
	ExpiresAt     *string  `json:"expires_at"`     // Optional RFC3339 expiry.
}

// updateAPIKeyRequest captures optional fields for updates.
type updateAPIKeyRequest struct {
	Name          *string   `json:"name"`           // Optional display name.
	AllowedModels *[]string `json:"allowed_models"` // Optional model allowlist.
	IsActive      *bool     `json:"is_active"`      // Optional active flag.
	ExpiresAt     *string   `json:"expires_at"`     // Optional RFC3339 expiry; "" clears.
}

// Create issues a new access key. The full key value is returned only here.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var body createAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	expiresAt, okExpiry := parseExpiry(body.ExpiresAt)
	if !okExpiry {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_at"})
		return
	}

	token, errToken := security.GenerateAPIKey()
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate key failed"})
		return
	}

	row := models.APIKey{
		Name:          name,
		Key:           token,
		IsActive:      true,
		AllowedModels: models.StringList(body.AllowedModels).Clean(),
		ExpiresAt:     expiresAt,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create key failed"})
		return
	}

	out := formatAPIKey(&row)
	out["key"] = token
	c.JSON(http.StatusCreated, out)
}

// List returns all access keys with masked values.
func (h *APIKeyHandler) List(c *gin.Context) {
	var rows []models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).
		Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keys failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatAPIKey(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": out})
}

// Update applies validated updates to an access key.
func (h *APIKeyHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var row models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch key failed"})
		return
	}

	var body updateAPIKeyRequest
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
	if body.AllowedModels != nil {
		row.AllowedModels = models.StringList(*body.AllowedModels).Clean()
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}
	if body.ExpiresAt != nil {
		if strings.TrimSpace(*body.ExpiresAt) == "" {
			row.ExpiresAt = nil
		} else {
			expiresAt, okExpiry := parseExpiry(body.ExpiresAt)
			if !okExpiry {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_at"})
				return
			}
			row.ExpiresAt = expiresAt
		}
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(&row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update key failed"})
		return
	}
	c.JSON(http.StatusOK, formatAPIKey(&row))
}

// Delete revokes and removes an access key.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).
		Delete(&models.APIKey{}, "id = ?", id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// parseExpiry parses an optional RFC3339 timestamp.
func parseExpiry(raw *string) (*time.Time, bool) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, true
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return nil, false
	}
	return &at, true
}

// maskAccessKey hides the middle of an issued key value.
func maskAccessKey(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// formatAPIKey converts an access key record into response JSON. The key
// value is always masked; Create adds the full value separately.
func formatAPIKey(row *models.APIKey) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":             row.ID,
		"name":           row.Name,
		"masked_key":     maskAccessKey(row.Key),
		"is_active":      row.IsActive,
		"allowed_models": []string(row.AllowedModels),
		"expires_at":     row.ExpiresAt,
		"last_used_at":   row.LastUsedAt,
		"created_at":     row.CreatedAt,
		"updated_at":     row.UpdatedAt,
	}
}
