package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
)

// MigrationError is returned when a changeset fails. The changeset has been
// rolled back and no later changeset in the batch was attempted.
type MigrationError struct {
	Name string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// MigrationRunner applies pending SQL changesets from a directory. The set
// of names recorded in schema_migrations is the schema version; there is
// no counter.
type MigrationRunner struct {
	db      *sql.DB
	dialect Dialect
	source  fs.FS
	logger  *slog.Logger
}

// NewMigrationRunner creates a runner reading *.sql changesets from the
// root of source.
func NewMigrationRunner(db *sql.DB, dialect Dialect, source fs.FS, logger *slog.Logger) *MigrationRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationRunner{
		db:      db,
		dialect: dialect,
		source:  source,
		logger:  logger,
	}
}

// Discover lists changesets sorted lexically by name.
func (r *MigrationRunner) Discover() ([]Changeset, error) {
	matches, err := fs.Glob(r.source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list changesets: %w", err)
	}
	sort.Strings(matches)

	changesets := make([]Changeset, 0, len(matches))
	for _, match := range matches {
		changesets = append(changesets, Changeset{
			Name: strings.TrimSuffix(path.Base(match), ".sql"),
			Path: match,
		})
	}
	return changesets, nil
}

// Run applies every pending changeset in order and returns the names it
// applied. The first failure aborts the batch with a *MigrationError.
// Running again after full or partial success only applies what is left.
func (r *MigrationRunner) Run(ctx context.Context) ([]string, error) {
	changesets, err := r.Discover()
	if err != nil {
		return nil, err
	}

	if err := r.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := r.appliedSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}

	var pending []Changeset
	for _, c := range changesets {
		if _, ok := applied[c.Name]; !ok {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		r.logger.Info("no pending migrations", "total", len(changesets))
		return nil, nil
	}

	r.logger.Info("found pending migrations", "pending", len(pending))

	var done []string
	for _, c := range pending {
		r.logger.Info("applying migration", "name", c.Name)
		ran, err := r.apply(ctx, c)
		if err != nil {
			r.logger.Error("migration failed", "name", c.Name, "error", err)
			return done, &MigrationError{Name: c.Name, Err: err}
		}
		if !ran {
			r.logger.Info("migration applied concurrently, skipping", "name", c.Name)
			continue
		}
		r.logger.Info("applied migration", "name", c.Name)
		done = append(done, c.Name)
	}

	r.logger.Info("all migrations applied", "applied", len(done))
	return done, nil
}

// Status reports APPLIED or PENDING for every discovered changeset. It is
// read-only: a missing tracking table means everything is pending.
func (r *MigrationRunner) Status(ctx context.Context) (*MigrationStatus, error) {
	changesets, err := r.Discover()
	if err != nil {
		return nil, err
	}

	applied := map[string]time.Time{}
	exists, err := r.tableExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check schema_migrations table: %w", err)
	}
	if exists {
		if applied, err = r.appliedSet(ctx); err != nil {
			return nil, fmt.Errorf("read applied migrations: %w", err)
		}
	}

	status := &MigrationStatus{Changesets: make([]ChangesetStatus, 0, len(changesets))}
	for _, c := range changesets {
		appliedAt, ok := applied[c.Name]
		status.Changesets = append(status.Changesets, ChangesetStatus{
			Name:      c.Name,
			Applied:   ok,
			AppliedAt: appliedAt,
		})
		if ok {
			status.Applied++
		} else {
			status.Pending++
		}
	}
	return status, nil
}

func (r *MigrationRunner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_name TEXT PRIMARY KEY,
			applied_at     TIMESTAMP NOT NULL
		)
	`)
	return err
}

func (r *MigrationRunner) tableExists(ctx context.Context) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, r.dialect.tableExistsQuery(), "schema_migrations").Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *MigrationRunner) appliedSet(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT migration_name, applied_at FROM schema_migrations ORDER BY migration_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var name string
		var at time.Time
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		applied[name] = at
	}
	return applied, rows.Err()
}

// apply runs the changeset body and records its marker in one transaction.
// It reports false when another runner recorded the changeset first.
func (r *MigrationRunner) apply(ctx context.Context, c Changeset) (bool, error) {
	body, err := fs.ReadFile(r.source, c.Path)
	if err != nil {
		return false, fmt.Errorf("read changeset: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := r.dialect.lockMigrations(ctx, tx); err != nil {
		return false, fmt.Errorf("lock schema_migrations: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE migration_name = $1", c.Name,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("recheck migration: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (migration_name, applied_at) VALUES ($1, $2)",
		c.Name, time.Now().UTC(),
	); err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
