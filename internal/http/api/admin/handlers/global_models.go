package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GlobalModelHandler manages admin CRUD for global models and their mappings.
type GlobalModelHandler struct {
	db *gorm.DB // Database handle for models and mappings.
}

// NewGlobalModelHandler constructs a GlobalModelHandler.
func NewGlobalModelHandler(db *gorm.DB) *GlobalModelHandler {
	return &GlobalModelHandler{db: db}
}

// createGlobalModelRequest captures the payload for creating models.
type createGlobalModelRequest struct {
	Name           string  `json:"name"`            // Client-facing model name.
	Description    *string `json:"description"`     // Optional description.
	SchedulingMode *string `json:"scheduling_mode"` // Optional strategy, default priority.
	IsActive       *bool   `json:"is_active"`       // Optional active flag, default true.
}

// updateGlobalModelRequest captures optional fields for updates.
type updateGlobalModelRequest struct {
	Name           *string `json:"name"`            // Optional model name.
	Description    *string `json:"description"`     // Optional description.
	SchedulingMode *string `json:"scheduling_mode"` // Optional strategy.
	IsActive       *bool   `json:"is_active"`       // Optional active flag.
}

// createMappingRequest captures the payload for creating model mappings.
type createMappingRequest struct {
	EndpointID    uint64   `json:"endpoint_id"`    // Target endpoint.
	UpstreamModel string   `json:"upstream_model"` // Model name sent upstream.
	APIFormats    []string `json:"api_formats"`    // Format scope; empty = all.
	Priority      *int     `json:"priority"`       // Optional ordering priority.
	IsActive      *bool    `json:"is_active"`      // Optional active flag, default true.
}

// updateMappingRequest captures optional fields for mapping updates.
type updateMappingRequest struct {
	EndpointID    *uint64   `json:"endpoint_id"`    // Optional target endpoint.
	UpstreamModel *string   `json:"upstream_model"` // Optional upstream model name.
	APIFormats    *[]string `json:"api_formats"`    // Optional format scope.
	Priority      *int      `json:"priority"`       // Optional ordering priority.
	IsActive      *bool     `json:"is_active"`      // Optional active flag.
}

// Create validates and inserts a global model.
func (h *GlobalModelHandler) Create(c *gin.Context) {
	var body createGlobalModelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	mode := models.SchedulingPriority
	if body.SchedulingMode != nil {
		mode = strings.TrimSpace(*body.SchedulingMode)
		if !models.ValidSchedulingMode(mode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheduling_mode"})
			return
		}
	}

	row := models.GlobalModel{
		Name:           name,
		Description:    strings.TrimSpace(derefString(body.Description)),
		SchedulingMode: mode,
		IsActive:       true,
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create model failed"})
		return
	}
	c.JSON(http.StatusCreated, formatGlobalModel(&row))
}

// List returns all global models.
func (h *GlobalModelHandler) List(c *gin.Context) {
	var rows []models.GlobalModel
	if errFind := h.db.WithContext(c.Request.Context()).
		Order("name ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list models failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatGlobalModel(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// Update applies validated updates to a global model.
func (h *GlobalModelHandler) Update(c *gin.Context) {
	row, ok := h.fetchModel(c)
	if !ok {
		return
	}

	var body updateGlobalModelRequest
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
	if body.SchedulingMode != nil {
		mode := strings.TrimSpace(*body.SchedulingMode)
		if !models.ValidSchedulingMode(mode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheduling_mode"})
			return
		}
		row.SchedulingMode = mode
	}
	if body.IsActive != nil {
		row.IsActive = *body.IsActive
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(row).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update model failed"})
		return
	}
	c.JSON(http.StatusOK, formatGlobalModel(row))
}

// Delete removes a global model and its mappings.
func (h *GlobalModelHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	errDelete := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ModelMapping{}, "global_model_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.GlobalModel{}, "id = ?", id).Error
	})
	if errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete model failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListMappings returns the mappings of one global model.
func (h *GlobalModelHandler) ListMappings(c *gin.Context) {
	row, ok := h.fetchModel(c)
	if !ok {
		return
	}
	var mappings []models.ModelMapping
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("global_model_id = ?", row.ID).
		Order("priority ASC, id ASC").
		Find(&mappings).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list mappings failed"})
		return
	}
	out := make([]gin.H, 0, len(mappings))
	for i := range mappings {
		out = append(out, formatMapping(&mappings[i]))
	}
	c.JSON(http.StatusOK, gin.H{"mappings": out})
}

// CreateMapping validates and inserts a mapping under one global model.
func (h *GlobalModelHandler) CreateMapping(c *gin.Context) {
	row, ok := h.fetchModel(c)
	if !ok {
		return
	}

	var body createMappingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	upstream := strings.TrimSpace(body.UpstreamModel)
	if body.EndpointID == 0 || upstream == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint_id and upstream_model are required"})
		return
	}
	formats, okFormats := normalizeFormats(body.APIFormats)
	if !okFormats {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api_formats"})
		return
	}

	var endpoint models.Endpoint
	if errFind := h.db.WithContext(c.Request.Context()).
		First(&endpoint, "id = ?", body.EndpointID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch endpoint failed"})
		return
	}

	mapping := models.ModelMapping{
		GlobalModelID: row.ID,
		EndpointID:    body.EndpointID,
		UpstreamModel: upstream,
		APIFormats:    models.StringList(formats),
		Priority:      100,
		IsActive:      true,
	}
	if body.Priority != nil {
		mapping.Priority = *body.Priority
	}
	if body.IsActive != nil {
		mapping.IsActive = *body.IsActive
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&mapping).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create mapping failed"})
		return
	}
	c.JSON(http.StatusCreated, formatMapping(&mapping))
}

// UpdateMapping applies validated updates to a mapping.
func (h *GlobalModelHandler) UpdateMapping(c *gin.Context) {
	row, ok := h.fetchModel(c)
	if !ok {
		return
	}
	mappingID, okID := parseIDParam(c, "mapping_id")
	if !okID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping_id"})
		return
	}
	var mapping models.ModelMapping
	if errFind := h.db.WithContext(c.Request.Context()).
		First(&mapping, "id = ? AND global_model_id = ?", mappingID, row.ID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch mapping failed"})
		return
	}

	var body updateMappingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.EndpointID != nil {
		if *body.EndpointID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint_id"})
			return
		}
		mapping.EndpointID = *body.EndpointID
	}
	if body.UpstreamModel != nil {
		upstream := strings.TrimSpace(*body.UpstreamModel)
		if upstream == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upstream_model is required"})
			return
		}
		mapping.UpstreamModel = upstream
	}
	if body.APIFormats != nil {
		formats, okFormats := normalizeFormats(*body.APIFormats)
		if !okFormats {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api_formats"})
			return
		}
		mapping.APIFormats = models.StringList(formats)
	}
	if body.Priority != nil {
		mapping.Priority = *body.Priority
	}
	if body.IsActive != nil {
		mapping.IsActive = *body.IsActive
	}

	if errSave := h.db.WithContext(c.Request.Context()).Save(&mapping).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update mapping failed"})
		return
	}
	c.JSON(http.StatusOK, formatMapping(&mapping))
}

// DeleteMapping removes one mapping of a global model.
func (h *GlobalModelHandler) DeleteMapping(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	mappingID, okID := parseIDParam(c, "mapping_id")
	if !okID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping_id"})
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).
		Delete(&models.ModelMapping{}, "id = ? AND global_model_id = ?", mappingID, id).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete mapping failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// fetchModel loads the :id model row, writing the error response on failure.
func (h *GlobalModelHandler) fetchModel(c *gin.Context) (*models.GlobalModel, bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var row models.GlobalModel
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch model failed"})
		return nil, false
	}
	return &row, true
}

// formatGlobalModel converts a model record into response JSON.
func formatGlobalModel(row *models.GlobalModel) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":              row.ID,
		"name":            row.Name,
		"description":     row.Description,
		"scheduling_mode": row.SchedulingMode,
		"is_active":       row.IsActive,
		"created_at":      row.CreatedAt,
		"updated_at":      row.UpdatedAt,
	}
}

// formatMapping converts a mapping record into response JSON.
func formatMapping(row *models.ModelMapping) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":              row.ID,
		"global_model_id": row.GlobalModelID,
		"endpoint_id":     row.EndpointID,
		"upstream_model":  row.UpstreamModel,
		"api_formats":     []string(row.APIFormats),
		"priority":        row.Priority,
		"is_active":       row.IsActive,
		"created_at":      row.CreatedAt,
		"updated_at":      row.UpdatedAt,
	}
}
