package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration represents an applied database migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// Migrator applies the embedded schema migrations in file name order.
type Migrator struct {
	db     *sqlx.DB
	files  fs.FS
	logger *logging.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB) *Migrator {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &Migrator{
		db:     db,
		files:  sub,
		logger: logging.Default().WithComponent("database"),
	}
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return migrationError("failed to create migrations table", err)
	}
	return nil
}

// getAppliedMigrations returns the already applied migrations by name.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, migrationError("failed to get applied migrations", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

// getMigrationFiles returns a sorted list of migration files.
func (m *Migrator) getMigrationFiles() ([]string, error) {
	files, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, migrationError("failed to read migration files", err)
	}
	sort.Strings(files)
	return files, nil
}

// calculateChecksum calculates a SHA-256 checksum for migration content.
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

// executeMigration executes a single migration file and records it.
func (m *Migrator) executeMigration(ctx context.Context, file string, content []byte) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return migrationError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return migrationError(fmt.Sprintf("failed to execute migration %s", file), err)
	}

	insertQuery := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insertQuery, migrationName(file), calculateChecksum(content)); err != nil {
		return migrationError(fmt.Sprintf("failed to record migration %s", file), err)
	}

	if err := tx.Commit(); err != nil {
		return migrationError(fmt.Sprintf("failed to commit migration %s", file), err)
	}
	return nil
}

// Up runs all pending migrations. An applied migration whose file content
// changed since it ran is reported as an error rather than re-applied.
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
		content, err := fs.ReadFile(m.files, file)
		if err != nil {
			return migrationError(fmt.Sprintf("failed to read migration file %s", file), err)
		}
		name := migrationName(file)

		if existing, ok := applied[name]; ok {
			if existing.Checksum != calculateChecksum(content) {
				return errors.NewDatabaseError(errors.CodeDatabaseMigration,
					fmt.Sprintf("migration %s was modified after it was applied", name))
			}
			m.logger.Debug("Migration already applied, skipping", "migration", name)
			continue
		}

		m.logger.Info("Applying migration", "migration", name)
		if err := m.executeMigration(ctx, file, content); err != nil {
			return err
		}
	}

	return nil
}

func migrationError(message string, err error) error {
	return errors.WrapDatabaseError(errors.CodeDatabaseMigration, message, err)
}

// ConnectAndMigrate is a convenience function to connect to database and run migrations.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(db.DB).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
