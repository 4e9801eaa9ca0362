package cli

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/runnerr0/beacon/internal/config"
	"github.com/runnerr0/beacon/internal/health"
	"github.com/runnerr0/beacon/internal/ingest"
	"github.com/runnerr0/beacon/internal/logging"
	"github.com/runnerr0/beacon/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string          `json:"version"`
	Listen            string          `json:"listen"`
	ServerRunning     bool            `json:"server_running"`
	Database          string          `json:"database"`
	Dialect           string          `json:"dialect,omitempty"`
	Health            health.Report   `json:"health"`
	Migrations        *migrationCount `json:"migrations,omitempty"`
	IPHashing         bool            `json:"ip_hashing"`
	PushEnabled       bool            `json:"push_enabled"`
	ForwardingEnabled bool            `json:"forwarding_enabled"`
	ForwardingTopic   string          `json:"forwarding_topic,omitempty"`
}

type migrationCount struct {
	Applied int `json:"applied"`
	Pending int `json:"pending"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals, c.DatabaseURL)
	if err != nil {
		return err
	}

	var db *sql.DB
	var dialect storage.Dialect
	if cfg.Database.URL != "" {
		db, dialect, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	return c.executeWithDB(context.Background(), cfg, db, dialect)
}

// executeWithDB runs status against a provided database, or none (for testing).
func (c *StatusCommand) executeWithDB(ctx context.Context, cfg *config.Config, db *sql.DB, dialect storage.Dialect) error {
	out := statusJSON{
		Version:           c.version,
		Listen:            cfg.Server.Addr(),
		ServerRunning:     checkServer(cfg.Server),
		Database:          "not configured",
		IPHashing:         cfg.Privacy.IPHashSalt != "",
		PushEnabled:       cfg.Push.Enabled,
		ForwardingEnabled: cfg.Forward.Kafka.Enabled,
	}
	if out.ForwardingEnabled {
		out.ForwardingTopic = cfg.Forward.Kafka.Topic
	}

	store := storage.NotConfigured()
	if db != nil {
		store = storage.NewSQLStore(db)
		out.Database = storage.Redact(cfg.Database.URL)
		out.Dialect = string(dialect)
	}
	out.Health = health.NewChecker(store, cfg.Database.ProbeTimeout).Check(ctx)

	if db != nil && out.Health.Database == health.DetailConnected {
		dir, err := cfg.ResolvedMigrationsDir()
		if err != nil {
			return err
		}
		source, err := changesetSource(dir, dialect)
		if err != nil {
			return err
		}
		status, err := storage.NewMigrationRunner(db, dialect, source, logging.Discard()).Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		out.Migrations = &migrationCount{Applied: status.Applied, Pending: status.Pending}
	}

	if c.globals != nil && c.globals.JSON {
		return writeJSON(out)
	}
	c.printStatusHuman(out, cfg)
	return nil
}

func (c *StatusCommand) printStatusHuman(out statusJSON, cfg *config.Config) {
	fmt.Println("Beacon Status")
	fmt.Println("=============")
	fmt.Printf("Version:       %s\n", out.Version)
	if out.ServerRunning {
		fmt.Printf("Server:        %s (running)\n", out.Listen)
	} else {
		fmt.Printf("Server:        %s (not running)\n", out.Listen)
	}

	if out.Dialect != "" {
		fmt.Printf("Database:      %s (%s)\n", out.Database, out.Dialect)
	} else {
		fmt.Printf("Database:      %s\n", out.Database)
	}
	fmt.Printf("Health:        %s (%s)\n", out.Health.Status, out.Health.Database)
	if out.Migrations != nil {
		fmt.Printf("Migrations:    %d applied, %d pending\n", out.Migrations.Applied, out.Migrations.Pending)
	}

	fmt.Println()
	if out.IPHashing {
		fmt.Println("IP hashing:    enabled")
	} else {
		fmt.Println("IP hashing:    disabled")
	}
	if out.PushEnabled {
		fmt.Printf("Live push:     enabled (queue %d, write timeout %s)\n", cfg.Push.BufferSize, cfg.Push.WriteTimeout)
	} else {
		fmt.Println("Live push:     disabled")
	}
	if out.ForwardingEnabled {
		fmt.Printf("Forwarding:    kafka topic %s (%s)\n", out.ForwardingTopic,
			pluralize(len(cfg.Forward.Kafka.Brokers), "broker", "brokers"))
	} else {
		fmt.Println("Forwarding:    disabled")
	}
	fmt.Printf("Event limit:   %s per /event body\n", humanize.IBytes(ingest.MaxEventBytes))
}

// checkServer reports whether a collector answers /ping on the configured
// address within one second.
func checkServer(cfg config.ServerConfig) bool {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ping")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
