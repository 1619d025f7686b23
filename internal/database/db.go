// Package database provides database connection and initialization functionality.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Profile defines configuration profiles for databases
type Profile string

const (
	// ProfileHistory - durable configuration for the append-only run history
	ProfileHistory Profile = "history"
	// ProfileCache - relaxed configuration for ephemeral client-data caches
	ProfileCache Profile = "cache"
)

// DB wraps the database connection with its configuration
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string // Friendly name for logging
}

// Config holds database configuration
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// New creates a new database connection with WAL journaling and sane pragmas
func New(cfg Config) (*DB, error) {
	// file: URIs (in-memory databases in tests) are used as-is
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileHistory
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under the WAL busy timeout.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{
		conn:    conn,
		path:    cfg.Path,
		profile: cfg.Profile,
		name:    cfg.Name,
	}, nil
}

// buildConnectionString appends the PRAGMAs for the given profile
func buildConnectionString(path string, profile Profile) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(ON)")

	switch profile {
	case ProfileCache:
		params.Add("_pragma", "synchronous(NORMAL)")
	default:
		params.Add("_pragma", "synchronous(FULL)")
	}

	return "file:" + path + "?" + params.Encode()
}

// Conn returns the underlying sql.DB connection
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Name returns the friendly database name
func (d *DB) Name() string {
	return d.name
}

// Close checkpoints the WAL and closes the connection
func (d *DB) Close() error {
	// Best effort: fold outstanding WAL frames back into the main file so the
	// database is a single self-contained file for backups.
	_, _ = d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.conn.Close()
}
