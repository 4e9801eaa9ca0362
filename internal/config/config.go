package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file path. The file is optional.
const DefaultConfigPath = "~/.config/beacon/config.yaml"

// Config holds all beacon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Push     PushConfig     `yaml:"push"`
	Logging  LoggingConfig  `yaml:"logging"`
	Forward  ForwardConfig  `yaml:"forward"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LibraryPath     string        `yaml:"library_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MigrationsDir   string        `yaml:"migrations_dir"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

type PrivacyConfig struct {
	IPHashSalt string `yaml:"ip_hash_salt"`
}

type PushConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ForwardConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Compression  string        `yaml:"compression"`
	RequiredAcks string        `yaml:"required_acks"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read or contains invalid YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the config from path, or returns defaults when the
// file does not exist. An empty path means DefaultConfigPath.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(resolved)
}

// ApplyEnv overrides config values from environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := firstSet(lookup, "BEACON_DB_URL", "DB_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := firstSet(lookup, "BEACON_IP_HASH_SALT", "IP_HASH_SALT"); ok {
		c.Privacy.IPHashSalt = v
	}
	if v, ok := lookup("BEACON_HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("BEACON_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BEACON_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("BEACON_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("BEACON_KAFKA_BROKERS"); ok && v != "" {
		c.Forward.Kafka.Brokers = splitList(v)
		c.Forward.Kafka.Enabled = true
	}
	return nil
}

// Validate reports settings that would prevent the server from starting.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be auto, text or json", c.Logging.Format))
	}
	if c.Forward.Kafka.Enabled {
		if len(c.Forward.Kafka.Brokers) == 0 {
			problems = append(problems, "forward.kafka.brokers is empty")
		}
		if c.Forward.Kafka.Topic == "" {
			problems = append(problems, "forward.kafka.topic is empty")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolvedLibraryPath returns the client library path with ~ expanded.
func (c *Config) ResolvedLibraryPath() (string, error) {
	return expandPath(c.Server.LibraryPath)
}

// ResolvedMigrationsDir returns the migrations directory with ~ expanded,
// or "" when the bundled changesets should be used.
func (c *Config) ResolvedMigrationsDir() (string, error) {
	return expandPath(c.Database.MigrationsDir)
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func firstSet(lookup func(string) (string, bool), keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
