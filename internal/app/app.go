// Package app boots the gateway: database, routing engine, watcher and the
// HTTP surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/config"
	"github.com/aether-proxy/aether-gateway/internal/db"
	"github.com/aether-proxy/aether-gateway/internal/health"
	adminhttp "github.com/aether-proxy/aether-gateway/internal/http/api/admin"
	"github.com/aether-proxy/aether-gateway/internal/http/relay"
	"github.com/aether-proxy/aether-gateway/internal/logging"
	"github.com/aether-proxy/aether-gateway/internal/ratecontrol"
	"github.com/aether-proxy/aether-gateway/internal/routing"
	"github.com/aether-proxy/aether-gateway/internal/selector"
	"github.com/aether-proxy/aether-gateway/internal/upstream"
	"github.com/aether-proxy/aether-gateway/internal/watcher"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// shutdownTimeout bounds graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway server and blocks until ctx is cancelled or the
// listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	logging.Setup(config.LoadLogConfig(configPath))

	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSeed := EnsureDefaultAdmin(conn); errSeed != nil {
		return errSeed
	}

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	if jwtConfig.Secret == "" {
		return errors.New("missing jwt secret (set `jwt.secret` in config file or JWT_SECRET)")
	}

	// Load the catalog before serving so the first request does not race the
	// watcher's initial poll.
	if errRefresh := catalog.Refresh(ctx, conn); errRefresh != nil {
		return fmt.Errorf("initial catalog load: %w", errRefresh)
	}

	tracker := health.NewTracker()
	rateManager := ratecontrol.NewManager(nil, nil, nil)
	rate := ratecontrol.NewController(rateManager, ratecontrol.NewCeilings())
	sel := selector.New(tracker, rate, tracker, selector.NewMemoryCounterStore())
	router := routing.NewRouter(sel, tracker, rate, upstream.NewHTTPExecutor(), nil)

	w := watcher.New(conn, tracker)
	if errStart := w.Start(ctx); errStart != nil {
		return errStart
	}
	defer w.Stop()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	adminhttp.RegisterAdminRoutes(engine, conn, jwtConfig, tracker, rate, router)
	relay.RegisterRelayRoutes(engine, conn, router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Error("server shutdown error")
		}
		<-errCh
		return nil
	case errListen := <-errCh:
		if errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			return errListen
		}
		return nil
	}
}
