package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stratastore/strata/adapters"
	"github.com/stratastore/strata/adapters/memory"
	"github.com/stratastore/strata/adapters/postgres"
	"github.com/stratastore/strata/cli/config"
)

// CLIAdapter is the adapter surface the CLI works against: the event
// store itself plus the stream, projection, and diagnostic inspection
// interfaces.
type CLIAdapter interface {
	adapters.EventStoreAdapter
	adapters.StreamQueryAdapter
	adapters.ProjectionQueryAdapter
	adapters.DiagnosticAdapter
}

// resolveDatabaseURL expands environment references in the configured
// URL. ok is false when the URL is empty or the DATABASE_URL variable
// it points at is unset.
func resolveDatabaseURL(cfg *config.Config) (url string, ok bool) {
	url = os.ExpandEnv(cfg.Database.URL)
	return url, url != "" && url != "${DATABASE_URL}"
}

// AdapterFactory builds the adapter named by the configuration.
type AdapterFactory struct {
	config *config.Config
	dbURL  string
}

// NewAdapterFactory validates the configuration and returns a factory.
func NewAdapterFactory(cfg *config.Config) (*AdapterFactory, error) {
	dbURL, ok := resolveDatabaseURL(cfg)
	if cfg.Database.Driver != "memory" && !ok {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}
	return &AdapterFactory{config: cfg, dbURL: dbURL}, nil
}

// CreateAdapter opens the configured adapter. Postgres connections are
// verified with a short ping so a bad URL fails here rather than on the
// first command.
func (f *AdapterFactory) CreateAdapter(ctx context.Context) (CLIAdapter, error) {
	switch f.config.Database.Driver {
	case "postgres", "postgresql":
		return f.openPostgres(ensureContext(ctx))
	case "memory":
		return memory.NewAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", f.config.Database.Driver)
	}
}

func (f *AdapterFactory) openPostgres(ctx context.Context) (CLIAdapter, error) {
	var opts []postgres.Option
	if schema := f.config.Database.Schema; schema != "" {
		opts = append(opts, postgres.WithSchema(schema))
	}

	adapter, err := postgres.NewAdapter(f.dbURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return adapter, nil
}

// GetDatabaseURL returns the resolved database URL.
func (f *AdapterFactory) GetDatabaseURL() string {
	return f.dbURL
}

// IsMemoryDriver reports whether the in-memory driver is configured.
func (f *AdapterFactory) IsMemoryDriver() bool {
	return f.config.Database.Driver == "memory"
}

// ensureContext guards against commands invoked without a context, which
// happens when RunE is called directly in tests.
func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func createAdapterCleanup(adapter CLIAdapter) func() {
	return func() {
		if closer, ok := adapter.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// getAdapterWithConfig resolves the project config and opens its adapter.
// The returned cleanup closes the adapter when it holds a connection.
func getAdapterWithConfig(ctx context.Context) (CLIAdapter, *config.Config, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("no strata.yaml found: %w", err)
	}

	factory, err := NewAdapterFactory(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	adapter, err := factory.CreateAdapter(ensureContext(ctx))
	if err != nil {
		return nil, nil, nil, err
	}
	return adapter, cfg, createAdapterCleanup(adapter), nil
}

// getAdapter is getAdapterWithConfig for callers that only need the adapter.
func getAdapter(ctx context.Context) (CLIAdapter, func(), error) {
	adapter, _, cleanup, err := getAdapterWithConfig(ctx)
	return adapter, cleanup, err
}

// loadConfig finds the project configuration starting from the working
// directory.
func loadConfig() (*config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, cwd, err
	}
	return cfg, cwd, nil
}

// loadConfigOrDefault falls back to defaults when no config file exists,
// for commands like generate that work without a project.
func loadConfigOrDefault() (*config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return config.DefaultConfig(), cwd, nil
	}
	return cfg, cwd, nil
}

// DiagnosticSkipReason says why a database-backed diagnostic cannot run.
type DiagnosticSkipReason int

const (
	// DiagnosticNotSkipped means the diagnostic should proceed.
	DiagnosticNotSkipped DiagnosticSkipReason = iota
	// DiagnosticSkipNoConfig means no configuration was found.
	DiagnosticSkipNoConfig
	// DiagnosticSkipMemoryDriver means the memory driver is configured.
	DiagnosticSkipMemoryDriver
	// DiagnosticSkipNoDBURL means the database URL is not set.
	DiagnosticSkipNoDBURL
)

// DiagnosticEnv is an open adapter plus its config, shared by the
// database-backed diagnostic checks.
type DiagnosticEnv struct {
	Adapter CLIAdapter
	Config  *config.Config
	cleanup func()
}

// Close releases the adapter connection.
func (e *DiagnosticEnv) Close() {
	if e.cleanup != nil {
		e.cleanup()
	}
}

// SetupDiagnosticEnv prepares the environment for diagnostics that need
// database access. A non-zero skip reason means the checks should report
// a skip instead of failing.
func SetupDiagnosticEnv(ctx context.Context) (*DiagnosticEnv, DiagnosticSkipReason, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, DiagnosticNotSkipped, err
	}

	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, DiagnosticSkipNoConfig, nil
	}
	if cfg.Database.Driver == "memory" {
		return nil, DiagnosticSkipMemoryDriver, nil
	}
	if _, ok := resolveDatabaseURL(cfg); !ok {
		return nil, DiagnosticSkipNoDBURL, nil
	}

	adapter, cleanup, err := getAdapter(ctx)
	if err != nil {
		return nil, DiagnosticNotSkipped, err
	}
	return &DiagnosticEnv{Adapter: adapter, Config: cfg, cleanup: cleanup}, DiagnosticNotSkipped, nil
}
