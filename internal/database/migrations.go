package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_vector_tables_catalog",
			SQL: `
				-- One row per table; descriptor is the JSON schema descriptor
				CREATE TABLE IF NOT EXISTS vector_tables (
					name TEXT PRIMARY KEY,
					descriptor TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version: 2,
			Name:    "create_table_rows",
			SQL: `
				CREATE TABLE IF NOT EXISTS table_rows (
					table_name TEXT NOT NULL,
					id TEXT NOT NULL,
					seq INTEGER NOT NULL,
					data TEXT NOT NULL DEFAULT '{}',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (table_name, id),
					FOREIGN KEY (table_name) REFERENCES vector_tables (name) ON DELETE CASCADE
				);

				-- Vector fields are stored as little-endian float32 blobs
				CREATE TABLE IF NOT EXISTS row_vectors (
					table_name TEXT NOT NULL,
					id TEXT NOT NULL,
					column_name TEXT NOT NULL,
					embedding BLOB NOT NULL,
					PRIMARY KEY (table_name, id, column_name),
					FOREIGN KEY (table_name, id) REFERENCES table_rows (table_name, id) ON DELETE CASCADE
				);

				CREATE INDEX IF NOT EXISTS idx_table_rows_seq ON table_rows (table_name, seq);
			`,
		},
		{
			Version: 3,
			Name:    "create_embedding_cache",
			SQL: `
				CREATE TABLE IF NOT EXISTS embedding_cache (
					key TEXT PRIMARY KEY,
					dims INTEGER NOT NULL,
					embedding BLOB NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version: 4,
			Name:    "create_index_snapshots",
			SQL: `
				-- Serialized ANN graphs, reloaded instead of rebuilt on open
				CREATE TABLE IF NOT EXISTS index_snapshots (
					table_name TEXT NOT NULL,
					column_name TEXT NOT NULL,
					data BLOB NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (table_name, column_name),
					FOREIGN KEY (table_name) REFERENCES vector_tables (name) ON DELETE CASCADE
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied migration version.
func CurrentVersion(db *sql.DB) (int, error) {
	return getCurrentVersion(db)
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfigureDatabase applies SQLite optimizations and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes; WAL lets a few readers run alongside.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Open opens the SQLite database at path, creating its directory, and
// brings it to the latest schema.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// foreign_keys is per connection, so it also goes in the DSN.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
