// Package relay exposes the client-facing proxy surface. Requests are
// authenticated against issued gateway keys, mapped onto a global model and
// handed to the routing engine.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/routing"
	"github.com/aether-proxy/aether-gateway/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxRelayBody caps inbound payload size.
const maxRelayBody = 16 << 20

// RegisterRelayRoutes mounts the relay paths for every supported dialect.
func RegisterRelayRoutes(r *gin.Engine, db *gorm.DB, router *routing.Router) {
	h := &Handler{db: db, router: router}

	authed := r.Group("")
	authed.Use(accessKeyMiddleware(db))

	authed.POST("/v1/chat/completions", h.Relay)
	authed.POST("/v1/completions", h.Relay)
	authed.POST("/v1/responses", h.Relay)
	authed.POST("/v1/messages", h.Relay)
	authed.POST("/v1beta/models/:model", h.Relay)
}

// Handler relays client requests through the routing engine.
type Handler struct {
	db     *gorm.DB        // Access key bookkeeping.
	router *routing.Router // Routing engine.
}

// Relay authenticates, resolves the requested model and forwards the request.
func (h *Handler) Relay(c *gin.Context) {
	key, ok := accessKeyFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"type": "authentication_error", "message": "missing api key"}})
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxRelayBody))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "read body failed"}})
		return
	}

	format := apiformat.DetectFromPath(c.Request.URL.Path)
	model := extractModel(c, body)
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "model is required"}})
		return
	}
	if len(key.AllowedModels) > 0 && !key.AllowedModels.Contains(model) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"type": "permission_error", "message": "model not allowed for this key"}})
		return
	}

	req := &upstream.Request{
		Method:  c.Request.Method,
		Path:    c.Request.URL.Path,
		Query:   c.Request.URL.RawQuery,
		Body:    body,
		Headers: c.Request.Header,
	}
	resp, errRoute := h.router.Route(c.Request.Context(), model, format, req)
	if errRoute != nil {
		writeRouteError(c, errRoute)
		return
	}

	h.touchKey(c, key.ID)

	for name, values := range resp.Headers {
		if skipResponseHeader(name) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

// touchKey records the key's last successful use without blocking the reply.
func (h *Handler) touchKey(c *gin.Context, keyID uint64) {
	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(c.Request.Context()).
		Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", now).Error; errUpdate != nil {
		log.WithError(errUpdate).Debug("relay: last_used_at update failed")
	}
}

// writeRouteError renders a routing failure in the client dialect.
func writeRouteError(c *gin.Context, errRoute error) {
	var statusErr routing.StatusError
	if errors.As(errRoute, &statusErr) {
		for name, value := range statusErr.Headers() {
			c.Writer.Header().Set(name, value)
		}
		c.Data(statusErr.StatusCode(), "application/json", []byte(statusErr.Error()))
		return
	}
	log.WithError(errRoute).Error("relay: routing failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "internal_error", "message": "routing failed"}})
}

// extractModel pulls the requested model from the JSON body, falling back to
// the Gemini-style path parameter ("models/{model}:{action}").
func extractModel(c *gin.Context, body []byte) string {
	if len(body) > 0 {
		var payload struct {
			Model string `json:"model"`
		}
		if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal == nil && payload.Model != "" {
			return strings.TrimSpace(payload.Model)
		}
	}
	if raw := c.Param("model"); raw != "" {
		if idx := strings.IndexByte(raw, ':'); idx > 0 {
			raw = raw[:idx]
		}
		return strings.TrimSpace(raw)
	}
	return ""
}

// skipResponseHeader filters connection-scoped upstream headers.
func skipResponseHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "transfer-encoding", "content-length":
		return true
	}
	return false
}

// accessKeyContextKey carries the authenticated key through the handler chain.
const accessKeyContextKey = "relayAccessKey"

// accessKeyMiddleware authenticates the request against issued gateway keys.
// The credential may arrive as a bearer token, an x-api-key header or an
// x-goog-api-key header, matching the dialects the relay speaks.
func accessKeyMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := clientCredential(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": gin.H{"type": "authentication_error", "message": "missing api key"}})
			return
		}

		var key models.APIKey
		if errFind := db.WithContext(c.Request.Context()).
			First(&key, "key = ?", token).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": gin.H{"type": "authentication_error", "message": "invalid api key"}})
			return
		}
		if !key.Usable(time.Now().UTC()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": gin.H{"type": "authentication_error", "message": "api key disabled or expired"}})
			return
		}

		c.Set(accessKeyContextKey, &key)
		c.Next()
	}
}

// clientCredential extracts the credential from the supported auth headers.
func clientCredential(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token := strings.TrimPrefix(header, "Bearer "); token != header {
		return strings.TrimSpace(token)
	}
	if token := strings.TrimSpace(c.GetHeader("x-api-key")); token != "" {
		return token
	}
	if token := strings.TrimSpace(c.GetHeader("x-goog-api-key")); token != "" {
		return token
	}
	return ""
}

// accessKeyFrom reads the key the middleware stored on the context.
func accessKeyFrom(c *gin.Context) (*models.APIKey, bool) {
	value, exists := c.Get(accessKeyContextKey)
	if !exists {
		return nil, false
	}
	key, ok := value.(*models.APIKey)
	return key, ok
}
