package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the session advisory lock that serializes migrators
// across service instances sharing one database.
const migrationLockID int64 = 0x4261746368 // "Batch"

// conn is the subset of *sql.DB and *sql.Conn the migrator needs.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Migrator runs SQL migration files in order. Files are named
// {version}_{name}.up.sql / .down.sql, as golang-migrate names them.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	log           zerolog.Logger
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, log: zerolog.Nop()}
}

// WithLogger sets the logger used for progress messages.
func (m *Migrator) WithLogger(logger zerolog.Logger) *Migrator {
	m.log = logger
	return m
}

// Up applies all pending up-migrations in order, each in its own
// transaction, while holding the migration lock.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(c conn) error {
		status, err := m.status(ctx, c)
		if err != nil {
			return err
		}
		applied := 0
		for _, s := range status {
			if s.Applied {
				continue
			}
			if err := m.apply(ctx, c, s.Filename); err != nil {
				return err
			}
			applied++
		}
		m.log.Info().Int("applied", applied).Int("total", len(status)).Msg("migrations up to date")
		return nil
	})
}

// Down rolls back the last applied migration while holding the migration lock.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(c conn) error {
		return m.down(ctx, c)
	})
}

func (m *Migrator) down(ctx context.Context, c conn) error {
	if err := ensureMigrationTable(ctx, c); err != nil {
		return err
	}

	var version, filename string
	err := c.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	return inTx(ctx, c, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		m.log.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up-migration file with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	return m.status(ctx, m.db)
}

func (m *Migrator) status(ctx context.Context, c conn) ([]MigrationStatus, error) {
	if err := ensureMigrationTable(ctx, c); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// locked runs fn on a dedicated connection holding the migration advisory
// lock. Session locks are released when the connection is returned.
func (m *Migrator) locked(ctx context.Context, fn func(c conn) error) error {
	c, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := c.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.log.Warn().Err(err).Msg("release migration lock")
		}
	}()
	return fn(c)
}

func (m *Migrator) apply(ctx context.Context, c conn, file string) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	m.log.Info().Str("file", file).Msg("applying migration")
	return inTx(ctx, c, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			extractVersion(file), file,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		return nil
	})
}

func inTx(ctx context.Context, c conn, fn func(tx *sql.Tx) error) error {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureMigrationTable(ctx context.Context, c conn) error {
	_, err := c.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, c conn) (map[string]bool, error) {
	rows, err := c.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename:
// "000001_event_log.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
