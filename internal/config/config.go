// Package config provides process configuration loaded from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for settings, secret key and databases (always absolute)
	MasterKey string // Optional override for the credential encryption key
	LogLevel  string
	Port      int
	DevMode   bool
	Backup    BackupConfig
}

// BackupConfig holds optional S3-compatible backup configuration.
// Backups are disabled unless Bucket and credentials are set.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // Custom endpoint for S3-compatible providers (empty for AWS)
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string // Cron spec, defaults to daily
	RetentionDays   int    // 0 keeps every backup
}

// Load reads configuration from environment variables.
// A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it exists.
	// Everything the application persists lives under this directory.
	dataDir := getEnv("DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "8000"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT value: %w", err)
	}

	retentionDays, err := strconv.Atoi(getEnv("BACKUP_RETENTION_DAYS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKUP_RETENTION_DAYS value: %w", err)
	}

	backup := BackupConfig{
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Schedule:        getEnv("BACKUP_SCHEDULE", "@daily"),
		RetentionDays:   retentionDays,
	}
	backup.Enabled = backup.Bucket != "" && backup.AccessKeyID != "" && backup.SecretAccessKey != ""

	return &Config{
		DataDir:   absDataDir,
		MasterKey: getEnv("MASTER_KEY", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Port:      port,
		DevMode:   getEnvBool("DEV_MODE", false),
		Backup:    backup,
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
