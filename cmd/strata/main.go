// strata is the command-line interface for the strata event sourcing library.
//
// Usage:
//
//	strata <command> [flags]
//
// Commands:
//
//	init        Initialize a new strata project
//	generate    Generate code scaffolding (aggregates, events, projections)
//	setup       Create the event store schema
//	projection  Manage event projections
//	stream      Inspect and manage event streams
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Initialize a new project
//	strata init my-project
//
//	# Generate an aggregate with events
//	strata generate aggregate Order --events Created,ItemAdded,Shipped
//
//	# Create the event store schema
//	strata setup
//
//	# Check projection status
//	strata projection list
//
//	# Run diagnostics
//	strata diagnose
package main

import (
	"os"

	"github.com/stratastore/strata/cli/commands"

	// Register PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Set version info
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
