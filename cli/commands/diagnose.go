package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratastore/strata/cli/config"
	"github.com/stratastore/strata/cli/styles"
	"github.com/stratastore/strata/cli/ui"
)

// CheckStatus is the outcome of a single diagnostic check.
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

func (s CheckStatus) render() string {
	switch s {
	case StatusOK:
		return styles.SuccessStyle.Render("OK")
	case StatusWarning:
		return styles.WarningStyle.Render("WARNING")
	default:
		return styles.ErrorStyle.Render("FAILED")
	}
}

// CheckResult carries one check's outcome and an optional fix hint.
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check the health of your strata setup",
		Long: `Check the health of your strata setup.

Verifies the configuration file, database connectivity, the event store
schema, projection lag, and the local environment.`,
		Aliases: []string{"diag", "doctor"},
		RunE:    runDiagnose,
	}
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ensureContext(cmd.Context()), 15*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println(ui.Banner())
	fmt.Println()
	fmt.Println(styles.Title.Render(styles.IconHealth + " Running Diagnostics"))
	fmt.Println()

	results := collectDiagnostics(ctx)

	healthy := true
	for _, r := range results {
		fmt.Printf("  %s %s %s\n", styles.IconPending, r.Name, r.Status.render())
		if r.Message != "" {
			fmt.Printf("    %s\n", styles.Muted.Render(r.Message))
		}
		if r.Status != StatusOK {
			healthy = false
		}
	}

	fmt.Println()
	fmt.Println(ui.Divider(50))
	fmt.Println()

	if healthy {
		fmt.Println(styles.FormatSuccess("All checks passed! Your strata setup is healthy."))
		return nil
	}

	fmt.Println(styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Println()
	fmt.Println(styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Printf("  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return nil
}

// collectDiagnostics runs all checks. The three database-backed checks
// share one adapter connection.
func collectDiagnostics(ctx context.Context) []CheckResult {
	results := []CheckResult{
		checkGoVersion(),
		checkConfiguration(),
	}
	results = append(results, databaseDiagnostics(ctx)...)
	return append(results, checkSystemResources())
}

func checkGoVersion() CheckResult {
	version := runtime.Version()
	if version < "go1.21" {
		return newCheckResult("Go Version", StatusWarning, version).
			withRecommendation("Upgrade to Go 1.21 or later")
	}
	return newCheckResult("Go Version", StatusOK, version)
}

func checkConfiguration() CheckResult {
	const name = "Configuration"

	cwd, err := os.Getwd()
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check directory permissions")
	}
	if !config.Exists(cwd) {
		return newCheckResult(name, StatusWarning, "No strata.yaml found").
			withRecommendation("Run 'strata init' to create a configuration file")
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return newCheckResult(name, StatusError, fmt.Sprintf("Invalid config: %v", err)).
			withRecommendation("Check strata.yaml syntax")
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusWarning, fmt.Sprintf("%d validation errors", len(problems))).
			withRecommendation(problems[0])
	}
	return newCheckResult(name, StatusOK,
		fmt.Sprintf("Project: %s, Driver: %s", cfg.Project.Name, cfg.Database.Driver))
}

// databaseDiagnostics probes connectivity, the schema, and projection lag
// over a single connection. When the environment cannot be set up at all,
// each check reports the same skip.
func databaseDiagnostics(ctx context.Context) []CheckResult {
	names := []string{"Database Connection", "Event Store Schema", "Projections"}

	env, skipReason, err := SetupDiagnosticEnv(ctx)
	switch skipReason {
	case DiagnosticSkipNoConfig:
		return skipAll(names, StatusWarning, "No configuration found",
			"Run 'strata init' first")
	case DiagnosticSkipMemoryDriver:
		return skipAll(names, StatusOK, "Using in-memory driver (no connection needed)", "")
	case DiagnosticSkipNoDBURL:
		return skipAll(names, StatusWarning, "DATABASE_URL not set",
			"Set the DATABASE_URL environment variable")
	}
	if err != nil {
		return skipAll(names, StatusError, err.Error(), "Verify database credentials")
	}
	defer env.Close()

	return []CheckResult{
		checkConnection(ctx, env),
		checkSchema(ctx, env),
		checkProjectionLag(ctx, env),
	}
}

func skipAll(names []string, status CheckStatus, message, rec string) []CheckResult {
	results := make([]CheckResult, 0, len(names))
	for i, name := range names {
		r := newCheckResult(name, status, message)
		if rec != "" && i == 0 {
			r = r.withRecommendation(rec)
		}
		results = append(results, r)
	}
	return results
}

func checkConnection(ctx context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Database Connection"

	info, err := env.Adapter.GetDiagnosticInfo(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check database server status")
	}
	if !info.Connected {
		return newCheckResult(name, StatusError, info.Message).
			withRecommendation("Verify database credentials")
	}
	return newCheckResult(name, StatusOK, info.Message)
}

func checkSchema(ctx context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Event Store Schema"

	result, err := env.Adapter.CheckSchema(ctx, "")
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Check database permissions")
	}
	if !result.TableExists {
		return newCheckResult(name, StatusWarning, result.Message).
			withRecommendation("Run 'strata setup' to create tables")
	}
	return newCheckResult(name, StatusOK, result.Message)
}

func checkProjectionLag(ctx context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Projections"

	health, err := env.Adapter.GetProjectionHealth(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	if health.TotalProjections > 0 && health.ProjectionsBehind > 0 {
		return newCheckResult(name, StatusWarning, health.Message).
			withRecommendation("Check projection workers or run 'strata projection status'")
	}
	return newCheckResult(name, StatusOK, health.Message)
}

func checkSystemResources() CheckResult {
	const name = "System Resources"

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	message := fmt.Sprintf("Memory: %.1f MB used, %.1f MB total", allocMB, sysMB)

	if allocMB > 500 {
		return newCheckResult(name, StatusWarning, message).
			withRecommendation("Consider optimizing memory usage")
	}
	return newCheckResult(name, StatusOK, message)
}
