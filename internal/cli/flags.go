package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file (default ~/.config/beacon/config.yaml)" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// ServeCommand runs the HTTP collector.
type ServeCommand struct {
	Host        string `long:"host" description:"Override listen host"`
	Port        int    `long:"port" description:"Override listen port"`
	LogLevel    string `long:"log-level" description:"Override log level"`
	DatabaseURL string `long:"database-url" description:"Override the database URL (postgres://... or sqlite://path)"`
	SkipDB      bool   `long:"skip-db" description:"Run without a record store"`
	NoMigrate   bool   `long:"no-migrate" description:"Do not apply pending migrations at startup"`

	globals *GlobalFlags
	version string
}

// MigrateCommand applies or lists schema changesets.
type MigrateCommand struct {
	List        bool   `long:"list" description:"List APPLIED/PENDING changesets without applying anything"`
	Dir         string `long:"dir" description:"Directory of *.sql changesets (default: bundled changesets)"`
	DatabaseURL string `long:"database-url" description:"Override the database URL"`

	globals *GlobalFlags
	version string
}

// StatusCommand shows the effective configuration and store health.
type StatusCommand struct {
	DatabaseURL string `long:"database-url" description:"Override the database URL"`

	globals *GlobalFlags
	version string
}
