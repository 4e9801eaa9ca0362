package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runnerr0/beacon/internal/config"
	"github.com/runnerr0/beacon/internal/forward"
	"github.com/runnerr0/beacon/internal/push"
	"github.com/runnerr0/beacon/internal/server"
	"github.com/runnerr0/beacon/internal/storage"
)

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig(c.globals, c.DatabaseURL)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(c.globals, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, cfg, logger)
}

func (c *ServeCommand) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.SkipDB {
		cfg.Database.URL = ""
	}
	if c.NoMigrate {
		cfg.Database.AutoMigrate = false
	}
}

// run wires the collaborators and serves until ctx is cancelled.
func (c *ServeCommand) run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting beacon", "version", c.version, "addr", cfg.Server.Addr())

	store := storage.NotConfigured()
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, submissions will not be persisted")
	} else {
		db, dialect, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := migrateAtStartup(ctx, cfg, db, dialect, logger); err != nil {
				return err
			}
		}
		store = storage.NewSQLStore(db)
	}
	defer store.Close()

	forwarder := forward.Nop()
	if cfg.Forward.Kafka.Enabled {
		kafkaCfg := cfg.Forward.Kafka
		kf, err := forward.NewKafka(forward.KafkaConfig{
			Brokers:      kafkaCfg.Brokers,
			Topic:        kafkaCfg.Topic,
			Compression:  kafkaCfg.Compression,
			RequiredAcks: kafkaCfg.RequiredAcks,
			BatchSize:    kafkaCfg.BatchSize,
			BatchTimeout: kafkaCfg.BatchTimeout,
		}, logger)
		if err != nil {
			return err
		}
		forwarder = kf
		logger.Info("forwarding events to kafka", "topic", kafkaCfg.Topic, "brokers", kafkaCfg.Brokers)
	}
	defer func() {
		if err := forwarder.Close(); err != nil {
			logger.Warn("closing forwarder", "error", err)
		}
	}()

	var hub *push.Hub
	if cfg.Push.Enabled {
		hub = push.NewHub(push.Options{
			WriteTimeout: cfg.Push.WriteTimeout,
			BufferSize:   cfg.Push.BufferSize,
			PongWait:     cfg.Push.PongWait,
		}, logger)
	}

	libraryPaths := server.DefaultLibraryPaths
	if cfg.Server.LibraryPath != "" {
		path, err := cfg.ResolvedLibraryPath()
		if err != nil {
			return err
		}
		libraryPaths = []string{path}
	}

	srv, err := server.New(server.Options{
		Store:        store,
		Hub:          hub,
		Forwarder:    forwarder,
		ProbeTimeout: cfg.Database.ProbeTimeout,
		IPHashSalt:   cfg.Privacy.IPHashSalt,
		LibraryPaths: libraryPaths,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if cfg.Privacy.IPHashSalt == "" {
		logger.Warn("no IP hash salt configured, debug records keep raw client addresses and events keep none")
	}

	return srv.Run(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout)
}

// migrateAtStartup applies pending changesets before the store is used.
// Any failure stops startup.
func migrateAtStartup(ctx context.Context, cfg *config.Config, db *sql.DB, dialect storage.Dialect, logger *slog.Logger) error {
	dir, err := cfg.ResolvedMigrationsDir()
	if err != nil {
		return err
	}
	source, err := changesetSource(dir, dialect)
	if err != nil {
		return err
	}
	applied, err := storage.NewMigrationRunner(db, dialect, source, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("startup migration: %w", err)
	}
	logger.Info("schema ready", "dialect", dialect, "applied", len(applied))
	return nil
}
