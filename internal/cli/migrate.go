package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/runnerr0/beacon/internal/storage"
)

type migrationStatusJSON struct {
	Dialect    string                `json:"dialect"`
	Changesets []changesetStatusJSON `json:"changesets"`
	Applied    int                   `json:"applied"`
	Pending    int                   `json:"pending"`
}

type changesetStatusJSON struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	AppliedAt string `json:"applied_at,omitempty"`
}

type migrateResultJSON struct {
	Applied []string `json:"applied"`
}

// Execute implements the go-flags Commander interface for MigrateCommand.
func (c *MigrateCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals, c.DatabaseURL)
	if err != nil {
		return err
	}
	logger, err := newLogger(c.globals, cfg)
	if err != nil {
		return err
	}

	db, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	dir := c.Dir
	if dir == "" {
		if dir, err = cfg.ResolvedMigrationsDir(); err != nil {
			return err
		}
	}
	source, err := changesetSource(dir, dialect)
	if err != nil {
		return err
	}

	return c.executeWithDB(context.Background(), db, dialect, source, logger)
}

// executeWithDB runs migrate against a provided database (for testing).
func (c *MigrateCommand) executeWithDB(ctx context.Context, db *sql.DB, dialect storage.Dialect, source fs.FS, logger *slog.Logger) error {
	runner := storage.NewMigrationRunner(db, dialect, source, logger)

	if c.List {
		status, err := runner.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		if c.globals != nil && c.globals.JSON {
			return printMigrationStatusJSON(dialect, status)
		}
		printMigrationStatusHuman(dialect, status)
		return nil
	}

	applied, err := runner.Run(ctx)
	if c.globals != nil && c.globals.JSON {
		if applied == nil {
			applied = []string{}
		}
		if encErr := writeJSON(migrateResultJSON{Applied: applied}); encErr != nil {
			return encErr
		}
	} else {
		for _, name := range applied {
			fmt.Printf("Applied %s\n", name)
		}
	}
	if err != nil {
		return fmt.Errorf("migration aborted: %w", err)
	}

	if c.globals == nil || !c.globals.JSON {
		if len(applied) == 0 {
			fmt.Println("Schema is up to date.")
		} else {
			fmt.Printf("%s applied.\n", pluralize(len(applied), "changeset", "changesets"))
		}
	}
	return nil
}

func printMigrationStatusHuman(dialect storage.Dialect, status *storage.MigrationStatus) {
	fmt.Printf("Migrations (%s)\n", dialect)
	fmt.Println("==========")
	for _, cs := range status.Changesets {
		if cs.Applied {
			fmt.Printf("  APPLIED  %-32s %s\n", cs.Name, humanize.Time(cs.AppliedAt))
		} else {
			fmt.Printf("  PENDING  %s\n", cs.Name)
		}
	}
	fmt.Println()
	fmt.Printf("Total: %d  Applied: %d  Pending: %d\n", len(status.Changesets), status.Applied, status.Pending)
}

func printMigrationStatusJSON(dialect storage.Dialect, status *storage.MigrationStatus) error {
	out := migrationStatusJSON{
		Dialect:    string(dialect),
		Changesets: make([]changesetStatusJSON, len(status.Changesets)),
		Applied:    status.Applied,
		Pending:    status.Pending,
	}
	for i, cs := range status.Changesets {
		entry := changesetStatusJSON{Name: cs.Name, State: "PENDING"}
		if cs.Applied {
			entry.State = "APPLIED"
			entry.AppliedAt = cs.AppliedAt.UTC().Format(time.RFC3339)
		}
		out.Changesets[i] = entry
	}
	return writeJSON(out)
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return humanize.Comma(int64(n)) + " " + plural
}
