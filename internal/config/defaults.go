package config

import "time"

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			LibraryPath:     "",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             "",
			AutoMigrate:     true,
			MigrationsDir:   "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ProbeTimeout:    2 * time.Second,
		},
		Privacy: PrivacyConfig{
			IPHashSalt: "",
		},
		Push: PushConfig{
			Enabled:      true,
			WriteTimeout: 5 * time.Second,
			BufferSize:   16,
			PongWait:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Forward: ForwardConfig{
			Kafka: KafkaConfig{
				Enabled:      false,
				Brokers:      []string{},
				Topic:        "beacon.events",
				Compression:  "snappy",
				RequiredAcks: "one",
				BatchSize:    100,
				BatchTimeout: time.Second,
			},
		},
	}
}
