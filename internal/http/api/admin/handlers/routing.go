package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/routing"
	"github.com/gin-gonic/gin"
)

// RoutingHandler exposes the routing preview and health dashboard endpoints.
type RoutingHandler struct {
	router  *routing.Router // Routing engine for previews.
	tracker *health.Tracker // Health tracker for the dashboard.
}

// NewRoutingHandler constructs a RoutingHandler.
func NewRoutingHandler(router *routing.Router, tracker *health.Tracker) *RoutingHandler {
	return &RoutingHandler{router: router, tracker: tracker}
}

// Preview returns the dry-run routing decision for a model and format. It
// ranks the same candidates the live path would and never serves traffic.
func (h *RoutingHandler) Preview(c *gin.Context) {
	model := strings.TrimSpace(c.Query("model"))
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	format, okFormat := apiformat.Normalize(c.Query("format"))
	if !okFormat {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid format"})
		return
	}

	preview, errPreview := h.router.Preview(c.Request.Context(), model, format)
	if errPreview != nil {
		var statusErr routing.StatusError
		if errors.As(errPreview, &statusErr) {
			c.Data(statusErr.StatusCode(), "application/json", []byte(statusErr.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preview failed"})
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Health returns aggregate circuit breaker counts and recent transitions.
func (h *RoutingHandler) Health(c *gin.Context) {
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, errLimit := parseLimit(raw)
		if errLimit != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events := h.tracker.Events(limit)
	rows := make([]gin.H, 0, len(events))
	for _, event := range events {
		rows = append(rows, gin.H{
			"key_id":     event.KeyID,
			"api_format": event.Format,
			"action":     event.Action,
			"reason":     event.Reason,
			"at":         event.At,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"overview": h.tracker.Overview(),
		"events":   rows,
	})
}
