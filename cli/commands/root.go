// Package commands implements the strata CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratastore/strata/cli/styles"
	"github.com/stratastore/strata/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the strata CLI
func NewRootCommand() *cobra.Command {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Event Sourcing toolkit for Go",
		Long: ui.SimpleBanner() + `

Strata is an Event Sourcing and CQRS toolkit for Go applications.
It provides a complete solution for building event-driven systems.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("strata init") + `           Initialize a new project
  ` + styles.Code.Render("strata generate") + `       Generate code scaffolding
  ` + styles.Code.Render("strata setup") + `          Create the event store schema
  ` + styles.Code.Render("strata diagnose") + `       Check your setup

` + styles.Title.Render("Documentation:") + `

  https://github.com/stratastore/strata`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	// Add subcommands
	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewGenerateCommand())
	rootCmd.AddCommand(NewSetupCommand())
	rootCmd.AddCommand(NewProjectionCommand())
	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(styles.FormatError(err.Error()))
		return err
	}

	return nil
}
