package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"

	"github.com/stratastore/strata"
)

var _ strata.ReadModelStore[any] = (*ReadModels[any])(nil)

// querier abstracts *sql.DB and *sql.Tx so every store method runs the same
// way inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// column describes one mapped struct field.
type column struct {
	name       string
	sqlType    string
	fieldIndex int
	primaryKey bool
	index      bool
	unique     bool
	nullable   bool
}

// ReadModels is a PostgreSQL-backed strata.ReadModelStore. Column mapping
// comes from `strata` struct tags:
//
//	type OrderSummary struct {
//	    OrderID    string  `strata:"order_id,pk"`
//	    CustomerID string  `strata:"customer_id,index"`
//	    Total      float64 `strata:"total_amount"`
//	    Internal   string  `strata:"-"`
//	}
//
// Untagged exported fields map to the snake_case of the field name. The
// first field tagged pk (or the field named ID, or failing that the first
// column) is the primary key used by Get, Update, Upsert and Delete.
type ReadModels[T any] struct {
	db      *sql.DB
	q       querier
	schema  string
	name    string
	columns []column
	pk      int
}

// ReadModelOption configures a ReadModels store.
type ReadModelOption func(*readModelConfig)

type readModelConfig struct {
	schema string
	name   string
}

// WithReadModelSchema sets the schema holding the read model table. Default
// is "strata".
func WithReadModelSchema(schema string) ReadModelOption {
	return func(c *readModelConfig) {
		c.schema = schema
	}
}

// WithReadModelTableName sets the table name. Default is the snake_case of
// the model type's name.
func WithReadModelTableName(name string) ReadModelOption {
	return func(c *readModelConfig) {
		c.name = name
	}
}

// NewReadModels builds a store for T over an existing connection pool. Call
// Initialize to create the table before first use.
func NewReadModels[T any](db *sql.DB, opts ...ReadModelOption) (*ReadModels[T], error) {
	cfg := readModelConfig{schema: "strata"}
	for _, opt := range opts {
		opt(&cfg)
	}

	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("strata/postgres: read model type must be a struct, got %s", typ.Kind())
	}
	if cfg.name == "" {
		cfg.name = toSnakeCase(typ.Name())
	}

	s := &ReadModels[T]{
		db:     db,
		q:      db,
		schema: cfg.schema,
		name:   cfg.name,
		pk:     -1,
	}
	if err := s.mapColumns(typ); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ReadModels[T]) mapColumns(typ reflect.Type) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		col := column{
			name:       toSnakeCase(field.Name),
			sqlType:    goTypeToSQL(field.Type),
			fieldIndex: i,
		}

		tag := field.Tag.Get("strata")
		if tag == "-" {
			continue
		}
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				col.name = parts[0]
			}
			for _, part := range parts[1:] {
				switch {
				case part == "pk":
					col.primaryKey = true
				case part == "index":
					col.index = true
				case part == "unique":
					col.unique = true
					col.index = true
				case part == "nullable":
					col.nullable = true
				case strings.HasPrefix(part, "type="):
					col.sqlType = strings.TrimPrefix(part, "type=")
				}
			}
		}

		if col.primaryKey && s.pk >= 0 {
			return fmt.Errorf("strata/postgres: read model %s has multiple pk columns", s.name)
		}
		if col.primaryKey {
			s.pk = len(s.columns)
		}
		if s.pk < 0 && field.Name == "ID" {
			col.primaryKey = true
			s.pk = len(s.columns)
		}
		s.columns = append(s.columns, col)
	}

	if len(s.columns) == 0 {
		return fmt.Errorf("strata/postgres: read model %s has no mapped columns", s.name)
	}
	if s.pk < 0 {
		s.pk = 0
		s.columns[0].primaryKey = true
	}
	return nil
}

func (s *ReadModels[T]) table() string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(s.name)
}

// TableName returns the schema-qualified table name.
func (s *ReadModels[T]) TableName() string {
	return s.schema + "." + s.name
}

// WithTx returns a store whose operations run in the given transaction. The
// receiver is unchanged; commit and rollback stay with the caller.
func (s *ReadModels[T]) WithTx(tx *sql.Tx) *ReadModels[T] {
	cp := *s
	cp.q = tx
	return &cp
}

// Initialize creates the table and its secondary indexes.
func (s *ReadModels[T]) Initialize(ctx context.Context) error {
	defs := make([]string, len(s.columns))
	for i, col := range s.columns {
		def := pq.QuoteIdentifier(col.name) + " " + col.sqlType
		switch {
		case col.primaryKey:
			def += " PRIMARY KEY"
		case col.unique:
			def += " UNIQUE"
		case !col.nullable:
			def += " NOT NULL"
		}
		defs[i] = def
	}

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.table() + ` (` + strings.Join(defs, ", ") + `)`,
	}
	for _, col := range s.columns {
		if !col.index || col.primaryKey {
			continue
		}
		unique := ""
		if col.unique {
			unique = "UNIQUE "
		}
		statements = append(statements,
			`CREATE `+unique+`INDEX IF NOT EXISTS `+
				pq.QuoteIdentifier("idx_"+s.schema+"_"+s.name+"_"+col.name)+
				` ON `+s.table()+` (`+pq.QuoteIdentifier(col.name)+`)`)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("strata/postgres: initialize read model table: %w", err)
		}
	}
	return nil
}

// Drop removes the read model table.
func (s *ReadModels[T]) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table()+` CASCADE`)
	if err != nil {
		return fmt.Errorf("strata/postgres: drop read model table: %w", err)
	}
	return nil
}

// Get retrieves a read model by primary key.
func (s *ReadModels[T]) Get(ctx context.Context, id string) (*T, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+s.selectList()+` FROM `+s.table()+
			` WHERE `+pq.QuoteIdentifier(s.columns[s.pk].name)+` = $1`, id)

	model := new(T)
	if err := row.Scan(s.scanDest(model)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, strata.ErrNotFound
		}
		return nil, fmt.Errorf("strata/postgres: get read model: %w", err)
	}
	return model, nil
}

// GetMany retrieves read models by primary key, skipping missing IDs.
func (s *ReadModels[T]) GetMany(ctx context.Context, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return []*T{}, nil
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+s.selectList()+` FROM `+s.table()+
			` WHERE `+pq.QuoteIdentifier(s.columns[s.pk].name)+` = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get read models: %w", err)
	}
	defer rows.Close()

	return s.scanAll(rows)
}

// Find returns all read models matching the query.
func (s *ReadModels[T]) Find(ctx context.Context, query strata.Query) ([]*T, error) {
	where, args, err := s.whereClause(query.Filters)
	if err != nil {
		return nil, err
	}

	sqlQuery := `SELECT ` + s.selectList() + ` FROM ` + s.table() + where +
		s.orderClause(query.OrderBy) + limitClause(query.Limit, query.Offset)

	rows, err := s.q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: find read models: %w", err)
	}
	defer rows.Close()

	return s.scanAll(rows)
}

// FindOne returns the first match, or strata.ErrNotFound.
func (s *ReadModels[T]) FindOne(ctx context.Context, query strata.Query) (*T, error) {
	query.Limit = 1
	results, err := s.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, strata.ErrNotFound
	}
	return results[0], nil
}

// Count returns the number of read models matching the query.
func (s *ReadModels[T]) Count(ctx context.Context, query strata.Query) (int64, error) {
	where, args, err := s.whereClause(query.Filters)
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table()+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: count read models: %w", err)
	}
	return count, nil
}

// Insert creates a read model, returning strata.ErrAlreadyExists on a
// primary key or unique violation.
func (s *ReadModels[T]) Insert(ctx context.Context, model *T) error {
	cols := make([]string, len(s.columns))
	placeholders := make([]string, len(s.columns))
	for i, col := range s.columns {
		cols[i] = pq.QuoteIdentifier(col.name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO `+s.table()+` (`+strings.Join(cols, ", ")+`) VALUES (`+strings.Join(placeholders, ", ")+`)`,
		s.values(model)...)
	if err != nil {
		if isUniqueViolation(err) {
			return strata.ErrAlreadyExists
		}
		return fmt.Errorf("strata/postgres: insert read model: %w", err)
	}
	return nil
}

// Update loads the model, applies updateFn and writes it back.
func (s *ReadModels[T]) Update(ctx context.Context, id string, updateFn func(*T)) error {
	model, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	updateFn(model)

	values := s.values(model)
	sets := make([]string, 0, len(s.columns)-1)
	args := make([]interface{}, 0, len(s.columns))
	for i, col := range s.columns {
		if i == s.pk {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col.name), len(args)+1))
		args = append(args, values[i])
	}
	args = append(args, id)

	result, err := s.q.ExecContext(ctx,
		`UPDATE `+s.table()+` SET `+strings.Join(sets, ", ")+
			` WHERE `+pq.QuoteIdentifier(s.columns[s.pk].name)+fmt.Sprintf(" = $%d", len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("strata/postgres: update read model: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return strata.ErrNotFound
	}
	return nil
}

// Upsert creates or replaces a read model.
func (s *ReadModels[T]) Upsert(ctx context.Context, model *T) error {
	cols := make([]string, len(s.columns))
	placeholders := make([]string, len(s.columns))
	sets := make([]string, 0, len(s.columns)-1)
	for i, col := range s.columns {
		quoted := pq.QuoteIdentifier(col.name)
		cols[i] = quoted
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if i != s.pk {
			sets = append(sets, quoted+" = EXCLUDED."+quoted)
		}
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO `+s.table()+` (`+strings.Join(cols, ", ")+`) VALUES (`+strings.Join(placeholders, ", ")+`)
		 ON CONFLICT (`+pq.QuoteIdentifier(s.columns[s.pk].name)+`) DO UPDATE SET `+strings.Join(sets, ", "),
		s.values(model)...)
	if err != nil {
		return fmt.Errorf("strata/postgres: upsert read model: %w", err)
	}
	return nil
}

// Delete removes a read model by primary key.
func (s *ReadModels[T]) Delete(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM `+s.table()+` WHERE `+pq.QuoteIdentifier(s.columns[s.pk].name)+` = $1`, id)
	if err != nil {
		return fmt.Errorf("strata/postgres: delete read model: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return strata.ErrNotFound
	}
	return nil
}

// DeleteMany removes all matches and returns how many were removed.
func (s *ReadModels[T]) DeleteMany(ctx context.Context, query strata.Query) (int64, error) {
	where, args, err := s.whereClause(query.Filters)
	if err != nil {
		return 0, err
	}

	result, err := s.q.ExecContext(ctx, `DELETE FROM `+s.table()+where, args...)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: delete read models: %w", err)
	}
	return result.RowsAffected()
}

// Clear removes all read models.
func (s *ReadModels[T]) Clear(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM `+s.table()); err != nil {
		return fmt.Errorf("strata/postgres: clear read models: %w", err)
	}
	return nil
}

func (s *ReadModels[T]) selectList() string {
	cols := make([]string, len(s.columns))
	for i, col := range s.columns {
		cols[i] = pq.QuoteIdentifier(col.name)
	}
	return strings.Join(cols, ", ")
}

func (s *ReadModels[T]) scanDest(model *T) []interface{} {
	val := reflect.ValueOf(model).Elem()
	dest := make([]interface{}, len(s.columns))
	for i, col := range s.columns {
		dest[i] = val.Field(col.fieldIndex).Addr().Interface()
	}
	return dest
}

func (s *ReadModels[T]) values(model *T) []interface{} {
	val := reflect.ValueOf(model).Elem()
	values := make([]interface{}, len(s.columns))
	for i, col := range s.columns {
		values[i] = val.Field(col.fieldIndex).Interface()
	}
	return values
}

func (s *ReadModels[T]) scanAll(rows *sql.Rows) ([]*T, error) {
	results := make([]*T, 0)
	for rows.Next() {
		model := new(T)
		if err := rows.Scan(s.scanDest(model)...); err != nil {
			return nil, fmt.Errorf("strata/postgres: scan read model: %w", err)
		}
		results = append(results, model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate read models: %w", err)
	}
	return results, nil
}

// columnFor resolves a query field to a mapped column name. Fields may use
// the column name directly or the Go field name.
func (s *ReadModels[T]) columnFor(field string) (string, error) {
	snake := toSnakeCase(field)
	for _, col := range s.columns {
		if col.name == field || col.name == snake {
			return col.name, nil
		}
	}
	return "", fmt.Errorf("strata/postgres: %w: unknown field %q", strata.ErrInvalidQuery, field)
}

func (s *ReadModels[T]) whereClause(filters []strata.Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conditions := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	for _, f := range filters {
		name, err := s.columnFor(f.Field)
		if err != nil {
			return "", nil, err
		}
		quoted := pq.QuoteIdentifier(name)

		switch f.Op {
		case strata.FilterOpEq, strata.FilterOpNe, strata.FilterOpGt, strata.FilterOpGte,
			strata.FilterOpLt, strata.FilterOpLte, strata.FilterOpLike:
			args = append(args, f.Value)
			conditions = append(conditions, fmt.Sprintf("%s %s $%d", quoted, f.Op, len(args)))
		case strata.FilterOpIn:
			arr, err := toArray(f.Value)
			if err != nil {
				return "", nil, err
			}
			args = append(args, arr)
			conditions = append(conditions, fmt.Sprintf("%s = ANY($%d)", quoted, len(args)))
		case strata.FilterOpIsNull:
			conditions = append(conditions, quoted+" IS NULL")
		case strata.FilterOpIsNotNull:
			conditions = append(conditions, quoted+" IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("strata/postgres: %w: unsupported operator %q", strata.ErrInvalidQuery, f.Op)
		}
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

func (s *ReadModels[T]) orderClause(orderBy []strata.OrderBy) string {
	if len(orderBy) == 0 {
		return ""
	}

	clauses := make([]string, 0, len(orderBy))
	for _, o := range orderBy {
		name, err := s.columnFor(o.Field)
		if err != nil {
			continue
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		clauses = append(clauses, pq.QuoteIdentifier(name)+" "+dir)
	}
	if len(clauses) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(clauses, ", ")
}

func limitClause(limit, offset int) string {
	var clause string
	if limit > 0 {
		clause = fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

// toArray wraps an IN filter value for ANY comparison.
func toArray(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []string:
		return pq.Array(v), nil
	case []int64:
		return pq.Array(v), nil
	case []int:
		vals := make([]int64, len(v))
		for i, n := range v {
			vals[i] = int64(n)
		}
		return pq.Array(vals), nil
	case []interface{}:
		strs := make([]string, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("strata/postgres: %w: IN values must share a type", strata.ErrInvalidQuery)
			}
			strs[i] = s
		}
		return pq.Array(strs), nil
	default:
		return nil, fmt.Errorf("strata/postgres: %w: IN expects a slice", strata.ErrInvalidQuery)
	}
}

// isUniqueViolation matches PostgreSQL unique constraint failures across the
// drivers we support.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}

// toSnakeCase converts CamelCase to snake_case. Runs of capitals collapse
// into one word so "OrderID" becomes "order_id".
func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && (runes[i-1] < 'A' || runes[i-1] > 'Z' ||
				(i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z')) {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// goTypeToSQL maps Go types to PostgreSQL column types.
func goTypeToSQL(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		return goTypeToSQL(t.Elem())
	}
	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return "INTEGER"
	case reflect.Int64, reflect.Uint64:
		return "BIGINT"
	case reflect.Float32:
		return "REAL"
	case reflect.Float64:
		return "DOUBLE PRECISION"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "BYTEA"
		}
		return "JSONB"
	case reflect.Map:
		return "JSONB"
	case reflect.Struct:
		if t.String() == "time.Time" {
			return "TIMESTAMPTZ"
		}
		return "JSONB"
	default:
		return "TEXT"
	}
}
