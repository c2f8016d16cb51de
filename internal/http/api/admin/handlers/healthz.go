package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthzHandler answers liveness probes.
type HealthzHandler struct {
	db *gorm.DB // Database handle for the readiness ping.
}

// NewHealthzHandler constructs a HealthzHandler.
func NewHealthzHandler(db *gorm.DB) *HealthzHandler {
	return &HealthzHandler{db: db}
}

// Healthz reports process and database liveness.
func (h *HealthzHandler) Healthz(c *gin.Context) {
	if h.db != nil {
		sqlDB, errDB := h.db.DB()
		if errDB != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
