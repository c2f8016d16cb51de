// Package watcher polls the database for settings and catalog changes and
// republishes the in-memory snapshots the routing path reads.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aether-proxy/aether-gateway/internal/catalog"
	"github.com/aether-proxy/aether-gateway/internal/health"
	"github.com/aether-proxy/aether-gateway/internal/models"
	internalsettings "github.com/aether-proxy/aether-gateway/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Default timings for the watcher loop.
const (
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
	// minPollInterval is the floor for the configurable poll interval.
	minPollInterval = time.Second
)

// latestRow captures the newest record timestamp for change detection.
type latestRow struct {
	ID        uint64     `gorm:"column:id"`         // Latest row ID.
	UpdatedAt *time.Time `gorm:"column:updated_at"` // Latest row update timestamp.
}

// tableCursor remembers the newest observed row of one catalog table.
type tableCursor struct {
	model any
	at    time.Time
	id    uint64
	has   bool
}

// Watcher polls settings and catalog tables and refreshes the shared
// snapshots when the newest row moves.
type Watcher struct {
	db      *gorm.DB
	tracker *health.Tracker

	pollInterval time.Duration

	// settings snapshot (global db config)
	settingsLatestAt  time.Time
	settingsLatestKey string
	hasSettingsLatest bool

	// catalog table cursors
	cursors []*tableCursor

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Watcher over the catalog tables.
func New(db *gorm.DB, tracker *health.Tracker) *Watcher {
	return &Watcher{
		db:           db,
		tracker:      tracker,
		pollInterval: currentPollInterval(),
		cursors: []*tableCursor{
			{model: &models.Provider{}},
			{model: &models.Endpoint{}},
			{model: &models.ProviderAPIKey{}},
			{model: &models.GlobalModel{}},
			{model: &models.ModelMapping{}},
		},
	}
}

// Start launches the polling goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	log.Infof("catalog watcher started (poll_interval=%s)", w.pollInterval)
	return nil
}

// Stop cancels the polling goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// run executes the periodic polling loop until the context is canceled.
func (w *Watcher) run(ctx context.Context) {
	w.pollSettings(ctx, true)
	w.pollCatalog(ctx, true)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollSettings(ctx, false)
			w.pollCatalog(ctx, false)
			if next := currentPollInterval(); next != w.pollInterval {
				w.pollInterval = next
				ticker.Reset(next)
				log.Infof("catalog watcher: poll interval now %s", next)
			}
		}
	}
}

// currentPollInterval resolves the poll interval from DB settings.
func currentPollInterval() time.Duration {
	seconds := internalsettings.IntValue(
		internalsettings.CatalogPollIntervalSecondsKey,
		internalsettings.DefaultCatalogPollIntervalSeconds,
	)
	interval := time.Duration(seconds) * time.Second
	if interval < minPollInterval {
		interval = minPollInterval
	}
	return interval
}

// pollSettings refreshes DB-backed settings and pushes tracker tuning.
func (w *Watcher) pollSettings(ctx context.Context, force bool) {
	if w == nil || w.db == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	// latestSetting captures the newest setting timestamp for change detection.
	type latestSetting struct {
		Key       string     `gorm:"column:key"`        // Latest settings key.
		UpdatedAt *time.Time `gorm:"column:updated_at"` // Latest settings update time.
	}
	var latest latestSetting
	hasLatest := false
	errLatest := w.db.WithContext(qctx).
		Model(&models.Setting{}).
		Select("key", "updated_at").
		Order("updated_at DESC, key DESC").
		Limit(1).
		Take(&latest).Error
	if errLatest != nil {
		if errors.Is(errLatest, context.Canceled) {
			return
		}
		if errors.Is(errLatest, gorm.ErrRecordNotFound) {
			hasLatest = false
		} else {
			log.WithError(errLatest).Warn("watcher: query settings latest row failed")
			return
		}
	} else {
		hasLatest = true
	}

	latestKey := strings.TrimSpace(latest.Key)
	latestAt := time.Time{}
	if hasLatest && latest.UpdatedAt != nil {
		latestAt = latest.UpdatedAt.UTC()
	}

	if !force {
		if !hasLatest || latest.UpdatedAt == nil {
			if !w.hasSettingsLatest {
				return
			}
		} else if w.hasSettingsLatest && latestAt.Equal(w.settingsLatestAt) && latestKey == w.settingsLatestKey {
			return
		}
	}

	var rows []models.Setting
	if errFind := w.db.WithContext(qctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		if errors.Is(errFind, context.Canceled) {
			return
		}
		log.WithError(errFind).Warn("watcher: query settings failed")
		return
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = json.RawMessage(row.Value)
		if at := row.UpdatedAt.UTC(); at.After(maxUpdatedAt) {
			maxUpdatedAt = at
		}
	}

	internalsettings.StoreDBConfig(maxUpdatedAt, values)
	w.applyTrackerSettings()

	if !hasLatest || latest.UpdatedAt == nil || latestKey == "" {
		w.settingsLatestAt = time.Time{}
		w.settingsLatestKey = ""
		w.hasSettingsLatest = false
		return
	}
	w.settingsLatestAt = latestAt
	w.settingsLatestKey = latestKey
	w.hasSettingsLatest = true
}

// applyTrackerSettings pushes settings-driven tuning into the health tracker.
func (w *Watcher) applyTrackerSettings() {
	if w.tracker == nil {
		return
	}
	w.tracker.SetRateLimitedStreakThreshold(internalsettings.IntValue(
		internalsettings.RateLimitedStreakKey,
		internalsettings.DefaultRateLimitedStreak,
	))
}

// pollCatalog rebuilds the routing catalog when any of its tables change.
func (w *Watcher) pollCatalog(ctx context.Context, force bool) {
	if w == nil || w.db == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	changed := force
	for _, cursor := range w.cursors {
		var latest latestRow
		hasLatest := false
		errLatest := w.db.WithContext(qctx).
			Model(cursor.model).
			Select("id", "updated_at").
			Order("updated_at DESC, id DESC").
			Limit(1).
			Take(&latest).Error
		if errLatest != nil {
			if errors.Is(errLatest, context.Canceled) {
				return
			}
			if !errors.Is(errLatest, gorm.ErrRecordNotFound) {
				log.WithError(errLatest).Warn("watcher: query catalog latest row failed")
				return
			}
		} else {
			hasLatest = true
		}

		at := time.Time{}
		id := uint64(0)
		if hasLatest && latest.UpdatedAt != nil {
			at = latest.UpdatedAt.UTC()
			id = latest.ID
		}
		if cursor.has != hasLatest || !at.Equal(cursor.at) || id != cursor.id {
			changed = true
		}
		cursor.has = hasLatest
		cursor.at = at
		cursor.id = id
	}

	if !changed {
		return
	}

	if errRefresh := catalog.Refresh(qctx, w.db); errRefresh != nil {
		if errors.Is(errRefresh, context.Canceled) {
			return
		}
		log.WithError(errRefresh).Warn("watcher: catalog refresh failed")
		return
	}
	w.applyProbeCaps()
	log.Info("watcher: routing catalog reloaded")
}

// applyProbeCaps pushes per-key probe interval caps into the health tracker.
func (w *Watcher) applyProbeCaps() {
	if w.tracker == nil {
		return
	}
	snap := catalog.Current()
	for _, key := range snap.Keys {
		w.tracker.SetProbeCap(key.ID, key.ProbeCap)
	}
}
