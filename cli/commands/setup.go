package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratastore/strata/cli/styles"
)

// NewSetupCommand creates the setup command, which provisions the event store
// schema for the configured database.
func NewSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the event store schema",
		Long: `Creates the tables the event store needs (streams, events,
snapshots, checkpoints) in the configured database schema.

Setup is idempotent: running it against an already provisioned
database is safe and leaves existing data untouched.`,
		RunE: runSetup,
	}

	return cmd
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("no strata.yaml found: %w", err)
	}

	if cfg.Database.Driver == "memory" {
		fmt.Println(styles.FormatInfo("The memory driver needs no setup - skipping"))
		return nil
	}

	fmt.Println(styles.FormatStep(1, 2, "Connecting to the database"))

	adapter, _, cleanup, err := getAdapterWithConfig(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Println(styles.FormatStep(2, 2, fmt.Sprintf("Creating event store schema %q", cfg.Database.Schema)))

	if err := adapter.Initialize(ensureContext(ctx)); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}

	fmt.Println(styles.FormatSuccess("Event store schema is ready"))
	fmt.Println(styles.Muted.Render("  Run 'strata diagnose' to verify your setup"))

	return nil
}
