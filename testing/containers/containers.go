// Package containers manages throwaway Postgres databases for integration
// tests. It targets an already-running server, typically the one from
// docker-compose.test.yml, and isolates each test in its own schema.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters/postgres"
)

// PostgresContainer describes a reachable Postgres server used by tests.
type PostgresContainer struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	connStr  string
}

// PostgresOption configures the Postgres connection parameters.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	image    string
	database string
	user     string
	password string
	port     string
}

// WithPostgresImage sets the Postgres Docker image.
func WithPostgresImage(image string) PostgresOption {
	return func(c *postgresConfig) {
		c.image = image
	}
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *postgresConfig) {
		c.database = database
	}
}

// WithPostgresUser sets the database user.
func WithPostgresUser(user string) PostgresOption {
	return func(c *postgresConfig) {
		c.user = user
	}
}

// WithPostgresPassword sets the database password.
func WithPostgresPassword(password string) PostgresOption {
	return func(c *postgresConfig) {
		c.password = password
	}
}

// WithPostgresPort sets the host port.
func WithPostgresPort(port string) PostgresOption {
	return func(c *postgresConfig) {
		c.port = port
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// defaultPostgresConfig reads the connection parameters from the
// environment, falling back to the values in docker-compose.test.yml.
//
// Recognized variables:
//   - POSTGRES_IMAGE: Docker image (default: postgres:17)
//   - POSTGRES_DB or TEST_POSTGRES_DB: database name (default: strata_test)
//   - POSTGRES_USER or TEST_POSTGRES_USER: username (default: postgres)
//   - POSTGRES_PASSWORD or TEST_POSTGRES_PASSWORD: password (default: postgres)
//   - POSTGRES_PORT or TEST_POSTGRES_PORT: port (default: 5432)
func defaultPostgresConfig() *postgresConfig {
	return &postgresConfig{
		image:    getEnvOrDefault("POSTGRES_IMAGE", "postgres:17"),
		database: getEnvOrDefault("POSTGRES_DB", getEnvOrDefault("TEST_POSTGRES_DB", "strata_test")),
		user:     getEnvOrDefault("POSTGRES_USER", getEnvOrDefault("TEST_POSTGRES_USER", "postgres")),
		password: getEnvOrDefault("POSTGRES_PASSWORD", getEnvOrDefault("TEST_POSTGRES_PASSWORD", "postgres")),
		port:     getEnvOrDefault("POSTGRES_PORT", getEnvOrDefault("TEST_POSTGRES_PORT", "5432")),
	}
}

// StartPostgres locates a reachable Postgres server for the test, skipping
// it when none is available. In CI the server comes from
// docker-compose.test.yml; locally any server matching the environment
// variables above works.
func StartPostgres(t *testing.T, opts ...PostgresOption) *PostgresContainer {
	t.Helper()

	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	container := &PostgresContainer{
		Host:     "localhost",
		Port:     cfg.port,
		Database: cfg.database,
		User:     cfg.user,
		Password: cfg.password,
	}
	container.connStr = container.ConnectionString()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := waitForPostgres(ctx, container.connStr); err != nil {
		t.Skipf("postgres not available (run docker-compose -f docker-compose.test.yml up -d): %v", err)
	}

	return container
}

// ConnectionString returns the Postgres connection string.
func (c *PostgresContainer) ConnectionString() string {
	if c.connStr != "" {
		return c.connStr
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// DB opens a connection pool against the container.
func (c *PostgresContainer) DB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("containers: open connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("containers: ping database: %w", err)
	}

	return db, nil
}

// MustDB opens a connection pool or panics.
func (c *PostgresContainer) MustDB(ctx context.Context) *sql.DB {
	db, err := c.DB(ctx)
	if err != nil {
		panic(err)
	}
	return db
}

// CreateSchema creates a uniquely named schema for the test.
func (c *PostgresContainer) CreateSchema(ctx context.Context, db *sql.DB, prefix string) (string, error) {
	schema := fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema)))
	if err != nil {
		return "", fmt.Errorf("containers: create schema: %w", err)
	}
	return schema, nil
}

// DropSchema drops a test schema and everything in it.
func (c *PostgresContainer) DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdentifier(schema)))
	return err
}

func waitForPostgres(ctx context.Context, connStr string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			db, err := sql.Open("pgx", connStr)
			if err != nil {
				continue
			}
			err = db.PingContext(ctx)
			db.Close()
			if err == nil {
				return nil
			}
		}
	}
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IntegrationTest is a per-test Postgres environment: one connection pool
// and one schema, both torn down when the test finishes.
type IntegrationTest struct {
	t         *testing.T
	ctx       context.Context
	container *PostgresContainer
	db        *sql.DB
	schema    string
}

// IntegrationTestOption configures an integration test environment.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
}

// WithSchemaPrefix sets the prefix of the generated schema name.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.schemaPrefix = prefix
	}
}

// WithTimeout bounds the test context.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.timeout = timeout
	}
}

// NewIntegrationTest connects to Postgres, creates a fresh schema, and
// registers cleanup that drops it again. Skips in short mode and when no
// server is reachable.
func NewIntegrationTest(t *testing.T, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	container := StartPostgres(t)

	db, err := container.DB(ctx)
	if err != nil {
		t.Fatalf("connecting to database: %v", err)
	}

	schema, err := container.CreateSchema(ctx, db, cfg.schemaPrefix)
	if err != nil {
		db.Close()
		t.Fatalf("creating schema: %v", err)
	}

	it := &IntegrationTest{
		t:         t,
		ctx:       ctx,
		container: container,
		db:        db,
		schema:    schema,
	}

	t.Cleanup(func() {
		if err := container.DropSchema(context.Background(), db, schema); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		db.Close()
	})

	return it
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context {
	return it.ctx
}

// DB returns the connection pool.
func (it *IntegrationTest) DB() *sql.DB {
	return it.db
}

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string {
	return it.schema
}

// Container returns the underlying Postgres description.
func (it *IntegrationTest) Container() *PostgresContainer {
	return it.container
}

// ConnectionString returns the connection string scoped to the test schema.
func (it *IntegrationTest) ConnectionString() string {
	return it.container.ConnectionString() + "&search_path=" + it.schema
}

// Exec runs a SQL statement, failing the test on error.
func (it *IntegrationTest) Exec(query string, args ...interface{}) {
	it.t.Helper()
	if _, err := it.db.ExecContext(it.ctx, query, args...); err != nil {
		it.t.Fatalf("executing SQL: %v", err)
	}
}

// Query runs a SQL query, failing the test on error.
func (it *IntegrationTest) Query(query string, args ...interface{}) *sql.Rows {
	it.t.Helper()
	rows, err := it.db.QueryContext(it.ctx, query, args...)
	if err != nil {
		it.t.Fatalf("executing query: %v", err)
	}
	return rows
}

// StoreTest is an IntegrationTest with a Postgres-backed event store built
// on top: the adapter's tables live in the test schema and disappear with
// it.
type StoreTest struct {
	*IntegrationTest
	adapter *postgres.Adapter
	store   *strata.EventStore
}

// NewStoreTest builds a ready-to-use event store in its own schema.
func NewStoreTest(t *testing.T, opts ...strata.Option) *StoreTest {
	t.Helper()

	it := NewIntegrationTest(t, WithSchemaPrefix("store"))

	adapter := postgres.NewAdapterWithDB(it.DB(), postgres.WithSchema(it.Schema()))
	if err := adapter.Initialize(it.Context()); err != nil {
		t.Fatalf("initializing event store schema: %v", err)
	}

	return &StoreTest{
		IntegrationTest: it,
		adapter:         adapter,
		store:           strata.New(adapter, opts...),
	}
}

// Store returns the event store.
func (st *StoreTest) Store() *strata.EventStore {
	return st.store
}

// Adapter returns the Postgres adapter behind the store.
func (st *StoreTest) Adapter() *postgres.Adapter {
	return st.adapter
}
