// Package admin wires the management API routes and their auth middleware.
package admin

import (
	"net/http"
	"strings"

	"github.com/aether-proxy/aether-gateway/internal/config"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/http/api/admin/handlers"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/aether-proxy/aether-gateway/internal/routing"
	"github.com/aether-proxy/aether-gateway/internal/security"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterAdminRoutes mounts the admin API under /v0/admin. Login and healthz
// stay unauthenticated; everything else requires an admin JWT.
func RegisterAdminRoutes(
	r *gin.Engine,
	db *gorm.DB,
	jwtCfg config.JWTConfig,
	tracker *health.Tracker,
	rate *ratecontrol.Controller,
	router *routing.Router,
) {
	healthzHandler := handlers.NewHealthzHandler(db)
	r.GET("/healthz", healthzHandler.Healthz)

	adminGroup := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	adminGroup.POST("/login", authHandler.Login)

	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	providerHandler := handlers.NewProviderHandler(db)
	authed.POST("/providers", providerHandler.Create)
	authed.GET("/providers", providerHandler.List)
	authed.GET("/providers/:id", providerHandler.Get)
	authed.PUT("/providers/:id", providerHandler.Update)
	authed.DELETE("/providers/:id", providerHandler.Delete)

	endpointHandler := handlers.NewEndpointHandler(db)
	authed.POST("/endpoints", endpointHandler.Create)
	authed.GET("/endpoints", endpointHandler.List)
	authed.PUT("/endpoints/:id", endpointHandler.Update)
	authed.DELETE("/endpoints/:id", endpointHandler.Delete)

	keyHandler := handlers.NewProviderAPIKeyHandler(db, tracker, rate)
	authed.POST("/provider-api-keys", keyHandler.Create)
	authed.GET("/provider-api-keys", keyHandler.List)
	authed.GET("/provider-api-keys/:id", keyHandler.Get)
	authed.PUT("/provider-api-keys/:id", keyHandler.Update)
	authed.DELETE("/provider-api-keys/:id", keyHandler.Delete)
	authed.POST("/provider-api-keys/:id/reset-health", keyHandler.ResetHealth)
	authed.POST("/provider-api-keys/:id/force-close", keyHandler.ForceClose)
	authed.POST("/provider-api-keys/:id/force-probe", keyHandler.ForceProbe)
	authed.GET("/circuit-events", keyHandler.Events)

	modelHandler := handlers.NewGlobalModelHandler(db)
	authed.POST("/models", modelHandler.Create)
	authed.GET("/models", modelHandler.List)
	authed.PUT("/models/:id", modelHandler.Update)
	authed.DELETE("/models/:id", modelHandler.Delete)
	authed.GET("/models/:id/mappings", modelHandler.ListMappings)
	authed.POST("/models/:id/mappings", modelHandler.CreateMapping)
	authed.PUT("/models/:id/mappings/:mapping_id", modelHandler.UpdateMapping)
	authed.DELETE("/models/:id/mappings/:mapping_id", modelHandler.DeleteMapping)

	apiKeyHandler := handlers.NewAPIKeyHandler(db)
	authed.POST("/api-keys", apiKeyHandler.Create)
	authed.GET("/api-keys", apiKeyHandler.List)
	authed.PUT("/api-keys/:id", apiKeyHandler.Update)
	authed.DELETE("/api-keys/:id", apiKeyHandler.Delete)

	settingHandler := handlers.NewSettingHandler(db)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Update)
	authed.DELETE("/settings/:key", settingHandler.Delete)

	routingHandler := handlers.NewRoutingHandler(router, tracker)
	authed.GET("/routing/preview", routingHandler.Preview)
	authed.GET("/routing/health", routingHandler.Health)
}

// adminAuthMiddleware validates the bearer JWT and loads the admin account.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, errParse := security.ParseAdminToken(jwtCfg.Secret, strings.TrimSpace(token))
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).
			First(&admin, "id = ?", claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Set("adminUsername", admin.Username)
		c.Next()
	}
}
