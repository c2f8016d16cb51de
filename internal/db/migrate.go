package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/settings"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func autoMigrateAll(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.APIKey{},
		&models.Provider{},
		&models.Endpoint{},
		&models.ProviderAPIKey{},
		&models.GlobalModel{},
		&models.ModelMapping{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateAll(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errSeed := seedSettings(conn); errSeed != nil {
		return errSeed
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_endpoints_provider_format_active",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_endpoints_provider_format_active
				ON endpoints (provider_id, api_format, is_active)
			`,
		},
		{
			name: "idx_provider_api_keys_provider_active",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_provider_api_keys_provider_active
				ON provider_api_keys (provider_id, is_active)
			`,
		},
		{
			name: "idx_model_mappings_model_endpoint",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_model_mappings_model_endpoint
				ON model_mappings (global_model_id, endpoint_id, upstream_model)
			`,
		},
		{
			name: "idx_provider_api_keys_formats_gin",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_provider_api_keys_formats_gin
				ON provider_api_keys USING gin (api_formats)
			`,
		},
	}
	for _, entry := range ddls {
		if errExec := conn.Exec(entry.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", entry.name, errExec)
		}
	}
	return nil
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateAll(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errSeed := seedSettings(conn); errSeed != nil {
		return errSeed
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_endpoints_provider_format_active
			ON endpoints (provider_id, api_format, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_api_keys_provider_active
			ON provider_api_keys (provider_id, is_active)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_model_mappings_model_endpoint
			ON model_mappings (global_model_id, endpoint_id, upstream_model)`,
	}
	for _, stmt := range indexes {
		if errExec := conn.Exec(stmt).Error; errExec != nil {
			return fmt.Errorf("db: create index: %w", errExec)
		}
	}
	return nil
}

// seedSettings inserts default values for settings rows that do not exist.
func seedSettings(conn *gorm.DB) error {
	if errSeed := ensureStringSetting(conn, settings.SiteNameKey, settings.DefaultSiteName); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureBoolSetting(conn, settings.RateLimitRedisEnabledKey, false); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureStringSetting(conn, settings.RateLimitRedisPrefixKey, settings.DefaultRateLimitRedisPrefix); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, settings.RateLimitedStreakKey, settings.DefaultRateLimitedStreak); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, settings.CatalogPollIntervalSecondsKey, settings.DefaultCatalogPollIntervalSeconds); errSeed != nil {
		return errSeed
	}
	return nil
}

func ensureSetting(conn *gorm.DB, key string, value any) error {
	var existing models.Setting
	errFind := conn.Where("key = ?", key).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: lookup setting %s: %w", key, errFind)
	}

	encoded, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: encode setting %s: %w", key, errMarshal)
	}
	if errCreate := conn.Create(&models.Setting{Key: key, Value: encoded}).Error; errCreate != nil {
		return fmt.Errorf("db: seed setting %s: %w", key, errCreate)
	}
	return nil
}

func ensureBoolSetting(conn *gorm.DB, key string, value bool) error {
	return ensureSetting(conn, key, value)
}

func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	return ensureSetting(conn, key, value)
}

func ensureStringSetting(conn *gorm.DB, key, value string) error {
	return ensureSetting(conn, key, value)
}
