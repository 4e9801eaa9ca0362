package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Serve   *ServeCommand
	Migrate *MigrateCommand
	Status  *StatusCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "beacon"
	parser.LongDescription = "Browser telemetry collector: debug records, discrete events and live vitals."

	cmds := &commands{
		Serve:   &ServeCommand{globals: &globals, version: version},
		Migrate: &MigrateCommand{globals: &globals, version: version},
		Status:  &StatusCommand{globals: &globals, version: version},
	}

	parser.AddCommand("serve", "Run the collector", "Run the HTTP collector, applying pending migrations first unless disabled.", cmds.Serve)
	parser.AddCommand("migrate", "Apply or list schema migrations", "Apply pending schema changesets in order, or list APPLIED/PENDING with --list.", cmds.Migrate)
	parser.AddCommand("status", "Show configuration and store health", "Show the effective configuration, store health and migration state.", cmds.Status)

	return parser, &globals, cmds
}

// Run is the main entry point for the beacon CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("beacon %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
