package cli

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/runnerr0/beacon/internal/config"
	"github.com/runnerr0/beacon/internal/logging"
	"github.com/runnerr0/beacon/internal/storage"
)

// loadConfig reads the config file named by --config (or the default
// path), then applies environment overrides and an optional database URL
// flag.
func loadConfig(globals *GlobalFlags, databaseURL string) (*config.Config, error) {
	path := ""
	if globals != nil {
		path = globals.Config
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr. --verbose forces debug.
func newLogger(globals *GlobalFlags, cfg *config.Config) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if globals != nil && globals.Verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, level, cfg.Logging.Format)
}

// openDatabase opens the configured database. It fails when no URL is
// configured; callers that tolerate a missing store check first.
func openDatabase(cfg *config.Config) (*sql.DB, storage.Dialect, error) {
	if cfg.Database.URL == "" {
		return nil, "", fmt.Errorf("no database configured: set database.url, DB_URL or --database-url")
	}
	return storage.Open(cfg.Database.URL, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

// changesetSource returns dir as a filesystem when set, else the
// changesets bundled for dialect.
func changesetSource(dir string, dialect storage.Dialect) (fs.FS, error) {
	if dir == "" {
		return dialect.Changesets()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations directory: %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}
