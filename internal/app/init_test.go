package app

import (
	"path/filepath"
	"testing"

	"github.com/aether-proxy/aether-gateway/internal/db"
	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/security"
)

func TestEnsureDefaultAdminSeedsOnce(t *testing.T) {
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "init.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	t.Setenv(EnvAdminPassword, "bootstrap-pass")
	if errSeed := EnsureDefaultAdmin(conn); errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}

	var admin models.Admin
	if errFind := conn.First(&admin).Error; errFind != nil {
		t.Fatalf("find admin: %v", errFind)
	}
	if admin.Username != defaultAdminUsername {
		t.Fatalf("username = %q, want %q", admin.Username, defaultAdminUsername)
	}
	if !admin.IsActive {
		t.Fatal("seeded admin must be active")
	}
	if !security.CheckPassword(admin.PasswordHash, "bootstrap-pass") {
		t.Fatal("seeded password does not verify")
	}

	// A second call must not create another account.
	if errSeed := EnsureDefaultAdmin(conn); errSeed != nil {
		t.Fatalf("reseed: %v", errSeed)
	}
	var count int64
	if errCount := conn.Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("admin count = %d, want 1", count)
	}
}

func TestEnsureDefaultAdminHonorsUsernameOverride(t *testing.T) {
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "init2.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	t.Setenv(EnvAdminUsername, "operator")
	t.Setenv(EnvAdminPassword, "bootstrap-pass")
	if errSeed := EnsureDefaultAdmin(conn); errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}

	var admin models.Admin
	if errFind := conn.First(&admin).Error; errFind != nil {
		t.Fatalf("find admin: %v", errFind)
	}
	if admin.Username != "operator" {
		t.Fatalf("username = %q, want operator", admin.Username)
	}
}
