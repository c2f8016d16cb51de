package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aether-proxy/aether-gateway/internal/models"
	"github.com/aether-proxy/aether-gateway/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Bootstrap admin environment variables.
const (
	// EnvAdminUsername overrides the seeded admin login name.
	EnvAdminUsername = "ADMIN_USERNAME"
	// EnvAdminPassword sets the seeded admin password instead of a random one.
	EnvAdminPassword = "ADMIN_PASSWORD"
)

// defaultAdminUsername is the seeded login name when none is configured.
const defaultAdminUsername = "admin"

// EnsureDefaultAdmin seeds the first admin account on an empty database. The
// password comes from ADMIN_PASSWORD, or is generated and logged once.
func EnsureDefaultAdmin(conn *gorm.DB) error {
	var count int64
	if errCount := conn.Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		return fmt.Errorf("count admins: %w", errCount)
	}
	if count > 0 {
		return nil
	}

	username := strings.TrimSpace(os.Getenv(EnvAdminUsername))
	if username == "" {
		username = defaultAdminUsername
	}

	password := os.Getenv(EnvAdminPassword)
	generated := false
	if strings.TrimSpace(password) == "" {
		random, errRandom := randomPassword()
		if errRandom != nil {
			return errRandom
		}
		password = random
		generated = true
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("hash admin password: %w", errHash)
	}

	admin := models.Admin{
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
	}
	if errCreate := conn.Create(&admin).Error; errCreate != nil {
		return fmt.Errorf("create admin: %w", errCreate)
	}

	if generated {
		log.Infof("seeded admin account %q with password %s (change it after first login)", username, password)
	} else {
		log.Infof("seeded admin account %q", username)
	}
	return nil
}

// randomPassword generates a one-time bootstrap password.
func randomPassword() (string, error) {
	buf := make([]byte, 12)
	if _, errRead := io.ReadFull(rand.Reader, buf); errRead != nil {
		return "", fmt.Errorf("generate admin password: %w", errRead)
	}
	return hex.EncodeToString(buf), nil
}
