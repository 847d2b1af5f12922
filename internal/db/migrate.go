package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration represents an applied schema migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// Migrator applies embedded SQL migrations in lexical order.
type Migrator struct {
	db *sqlx.DB
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db}
}

// ensureMigrationsTable creates the migrations tracking table if it
// doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to create migrations table", err)
	}

	return nil
}

// getAppliedMigrations returns already applied migrations by name.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to read applied migrations", err)
	}

	applied := make(map[string]Migration)
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}

	return applied, nil
}

// getMigrationFiles returns the embedded migration files in order.
func (m *Migrator) getMigrationFiles() ([]string, error) {
	var files []string

	err := fs.WalkDir(migrationFiles, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to read migration files", err)
	}

	sort.Strings(files)
	return files, nil
}

func (m *Migrator) calculateChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// executeMigration runs one migration file in a transaction and
// records it in schema_migrations.
func (m *Migrator) executeMigration(ctx context.Context, filename string) error {
	content, err := migrationFiles.ReadFile(filename)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("failed to read migration file %s", filename), err)
	}

	contentStr := string(content)
	checksum := m.calculateChecksum(contentStr)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to begin migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, contentStr); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("failed to execute migration %s", filename), err)
	}

	migrationName := strings.TrimSuffix(filepath.Base(filename), ".sql")
	insertQuery := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`

	if _, err := tx.ExecContext(ctx, insertQuery, migrationName, checksum); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("failed to record migration %s", filename), err)
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			fmt.Sprintf("failed to commit migration %s", filename), err)
	}

	return nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	files, err := m.getMigrationFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		migrationName := strings.TrimSuffix(filepath.Base(file), ".sql")

		if _, exists := applied[migrationName]; exists {
			continue
		}

		logging.InfoDatabase("applying migration", "migration", migrationName)
		if err := m.executeMigration(ctx, file); err != nil {
			return err
		}
		logging.InfoDatabase("migration applied", "migration", migrationName)
	}

	return nil
}

// Status returns pending and applied migration names.
func (m *Migrator) Status(ctx context.Context) (applied, pending []string, err error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, nil, err
	}

	appliedSet, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}

	files, err := m.getMigrationFiles()
	if err != nil {
		return nil, nil, err
	}

	for _, file := range files {
		migrationName := strings.TrimSuffix(filepath.Base(file), ".sql")
		if _, exists := appliedSet[migrationName]; exists {
			applied = append(applied, migrationName)
		} else {
			pending = append(pending, migrationName)
		}
	}

	return applied, pending, nil
}

// Reset drops all pulse tables and re-runs migrations. Destroys all
// data.
func (m *Migrator) Reset(ctx context.Context) error {
	dropQueries := []string{
		"DROP TABLE IF EXISTS events CASCADE",
		"DROP TABLE IF EXISTS device_history CASCADE",
		"DROP TABLE IF EXISTS services CASCADE",
		"DROP TABLE IF EXISTS ports CASCADE",
		"DROP TABLE IF EXISTS scan_results CASCADE",
		"DROP TABLE IF EXISTS scan_tasks CASCADE",
		"DROP TABLE IF EXISTS devices CASCADE",
		"DROP TABLE IF EXISTS oui_cache CASCADE",
		"DROP TABLE IF EXISTS schema_migrations CASCADE",
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to begin reset transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range dropQueries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
				"failed to drop table", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to commit reset", err)
	}

	logging.InfoDatabase("all tables dropped")
	return m.Up(ctx)
}

// ConnectAndMigrate connects to the database and applies pending
// migrations.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(db.DB)
	if err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
