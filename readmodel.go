package strata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Read model errors
var (
	// ErrNotFound indicates the requested read model was not found.
	ErrNotFound = errors.New("strata: not found")

	// ErrAlreadyExists indicates the read model already exists.
	ErrAlreadyExists = errors.New("strata: already exists")

	// ErrInvalidQuery indicates the query is invalid.
	ErrInvalidQuery = errors.New("strata: invalid query")
)

// ReadModelStore provides CRUD and query access to one read model type.
// Projections write through this interface; query handlers read from it.
type ReadModelStore[T any] interface {
	// Get retrieves a read model by ID. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*T, error)

	// GetMany retrieves multiple read models by ID, skipping missing ones.
	GetMany(ctx context.Context, ids []string) ([]*T, error)

	// Find returns all read models matching the query.
	Find(ctx context.Context, query Query) ([]*T, error)

	// FindOne returns the first match, or ErrNotFound.
	FindOne(ctx context.Context, query Query) (*T, error)

	// Count returns the number of read models matching the query.
	Count(ctx context.Context, query Query) (int64, error)

	// Insert creates a read model. Returns ErrAlreadyExists on ID clash.
	Insert(ctx context.Context, model *T) error

	// Update modifies an existing read model in place.
	// Returns ErrNotFound if missing.
	Update(ctx context.Context, id string, updateFn func(*T)) error

	// Upsert creates or replaces a read model.
	Upsert(ctx context.Context, model *T) error

	// Delete removes a read model by ID. Returns ErrNotFound if missing.
	Delete(ctx context.Context, id string) error

	// DeleteMany removes all matches and returns how many were removed.
	DeleteMany(ctx context.Context, query Query) (int64, error)

	// Clear removes all read models. Rebuilds call this before replaying.
	Clear(ctx context.Context) error
}

// Query describes filter, ordering and pagination criteria for read models.
type Query struct {
	Filters []Filter
	OrderBy []OrderBy

	// Limit caps the number of results; 0 means unlimited.
	Limit int

	// Offset skips this many results before collecting.
	Offset int
}

// NewQuery creates an empty Query for fluent building.
func NewQuery() *Query {
	return &Query{}
}

// Where adds a filter condition.
func (q *Query) Where(field string, op FilterOp, value interface{}) *Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderByAsc adds an ascending sort key.
func (q *Query) OrderByAsc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field})
	return q
}

// OrderByDesc adds a descending sort key.
func (q *Query) OrderByDesc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field, Desc: true})
	return q
}

// WithLimit caps the number of results.
func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

// WithOffset skips the first offset results.
func (q *Query) WithOffset(offset int) *Query {
	q.Offset = offset
	return q
}

// WithPagination sets limit and offset from a 1-based page number.
func (q *Query) WithPagination(page, pageSize int) *Query {
	q.Limit = pageSize
	q.Offset = (page - 1) * pageSize
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Build returns the query by value for passing to a store.
func (q *Query) Build() Query {
	return *q
}

// Filter is one comparison in a query.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// FilterOp is a filter comparison operator.
type FilterOp string

const (
	FilterOpEq        FilterOp = "="
	FilterOpNe        FilterOp = "!="
	FilterOpGt        FilterOp = ">"
	FilterOpGte       FilterOp = ">="
	FilterOpLt        FilterOp = "<"
	FilterOpLte       FilterOp = "<="
	FilterOpIn        FilterOp = "IN"
	FilterOpLike      FilterOp = "LIKE"
	FilterOpIsNull    FilterOp = "IS NULL"
	FilterOpIsNotNull FilterOp = "IS NOT NULL"
)

// OrderBy is one sort key of a query.
type OrderBy struct {
	Field string
	Desc  bool
}

// FieldFunc extracts named fields from a read model so the in-memory store
// can evaluate filters and ordering. Database-backed stores translate the
// query to SQL instead and do not need one.
type FieldFunc[T any] func(model *T) map[string]interface{}

// MemoryReadModels is an in-memory ReadModelStore, used in tests and as
// the default backing for inline projections.
type MemoryReadModels[T any] struct {
	mu     sync.RWMutex
	data   map[string]*T
	getID  func(*T) string
	fields FieldFunc[T]
}

// NewMemoryReadModels creates an in-memory store. getID extracts the
// model's unique ID; fields may be nil, which disables filter and order
// evaluation (filtered queries then match everything).
func NewMemoryReadModels[T any](getID func(*T) string, fields FieldFunc[T]) *MemoryReadModels[T] {
	return &MemoryReadModels[T]{
		data:   make(map[string]*T),
		getID:  getID,
		fields: fields,
	}
}

// Get retrieves a read model by ID.
func (s *MemoryReadModels[T]) Get(ctx context.Context, id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if model, ok := s.data[id]; ok {
		return model, nil
	}
	return nil, ErrNotFound
}

// GetMany retrieves multiple read models by their IDs.
func (s *MemoryReadModels[T]) GetMany(ctx context.Context, ids []string) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*T
	for _, id := range ids {
		if model, ok := s.data[id]; ok {
			results = append(results, model)
		}
	}
	return results, nil
}

// Find returns all read models matching the query, ordered and paginated.
func (s *MemoryReadModels[T]) Find(ctx context.Context, query Query) ([]*T, error) {
	s.mu.RLock()
	matches := s.matchLocked(query)
	s.mu.RUnlock()

	s.order(matches, query.OrderBy)
	return paginate(matches, query.Offset, query.Limit), nil
}

// FindOne returns the first read model matching the query.
func (s *MemoryReadModels[T]) FindOne(ctx context.Context, query Query) (*T, error) {
	query.Limit = 1
	results, err := s.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

// Count returns the number of read models matching the query's filters.
func (s *MemoryReadModels[T]) Count(ctx context.Context, query Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matchLocked(query))), nil
}

// Insert creates a new read model.
func (s *MemoryReadModels[T]) Insert(ctx context.Context, model *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.getID(model)
	if _, exists := s.data[id]; exists {
		return ErrAlreadyExists
	}
	s.data[id] = model
	return nil
}

// Update modifies an existing read model.
func (s *MemoryReadModels[T]) Update(ctx context.Context, id string, updateFn func(*T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	model, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	updateFn(model)
	return nil
}

// Upsert creates or replaces a read model.
func (s *MemoryReadModels[T]) Upsert(ctx context.Context, model *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[s.getID(model)] = model
	return nil
}

// Delete removes a read model by ID.
func (s *MemoryReadModels[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// DeleteMany removes all read models matching the query.
func (s *MemoryReadModels[T]) DeleteMany(ctx context.Context, query Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.matchLocked(query)
	for _, model := range matches {
		delete(s.data, s.getID(model))
	}
	return int64(len(matches)), nil
}

// Clear removes all read models.
func (s *MemoryReadModels[T]) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*T)
	return nil
}

// Len returns the number of stored read models.
func (s *MemoryReadModels[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// matchLocked collects models passing every filter. Caller holds the lock.
func (s *MemoryReadModels[T]) matchLocked(query Query) []*T {
	var results []*T
	for _, model := range s.data {
		if s.matches(model, query.Filters) {
			results = append(results, model)
		}
	}
	return results
}

func (s *MemoryReadModels[T]) matches(model *T, filters []Filter) bool {
	if len(filters) == 0 || s.fields == nil {
		return true
	}
	fields := s.fields(model)
	for _, f := range filters {
		if !evalFilter(fields[f.Field], f) {
			return false
		}
	}
	return true
}

func (s *MemoryReadModels[T]) order(models []*T, keys []OrderBy) {
	if len(keys) == 0 || s.fields == nil {
		return
	}
	sort.SliceStable(models, func(i, j int) bool {
		fi := s.fields(models[i])
		fj := s.fields(models[j])
		for _, key := range keys {
			c := compareValues(fi[key.Field], fj[key.Field])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func paginate[T any](results []*T, offset, limit int) []*T {
	if offset >= len(results) {
		return []*T{}
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}

// evalFilter applies one filter to an extracted field value.
func evalFilter(value interface{}, f Filter) bool {
	switch f.Op {
	case FilterOpEq:
		return compareValues(value, f.Value) == 0
	case FilterOpNe:
		return compareValues(value, f.Value) != 0
	case FilterOpGt:
		return compareValues(value, f.Value) > 0
	case FilterOpGte:
		return compareValues(value, f.Value) >= 0
	case FilterOpLt:
		return compareValues(value, f.Value) < 0
	case FilterOpLte:
		return compareValues(value, f.Value) <= 0
	case FilterOpIn:
		candidates, ok := f.Value.([]interface{})
		if !ok {
			return false
		}
		for _, c := range candidates {
			if compareValues(value, c) == 0 {
				return true
			}
		}
		return false
	case FilterOpLike:
		str, ok1 := value.(string)
		pattern, ok2 := f.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		return likeMatch(str, pattern)
	case FilterOpIsNull:
		return value == nil
	case FilterOpIsNotNull:
		return value != nil
	default:
		return false
	}
}

// compareValues orders two field values of the same kind.
// Returns -1, 0 or 1; unequal kinds compare as unequal.
func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int:
		if bv, ok := toInt64(b); ok {
			return compareInt64(int64(av), bv)
		}
	case int64:
		if bv, ok := toInt64(b); ok {
			return compareInt64(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			if !av {
				return -1
			}
			return 1
		}
	}
	if a == b {
		return 0
	}
	return 1
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// likeMatch evaluates a SQL LIKE pattern where % matches any run of
// characters. Underscore wildcards are not supported.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}

	if parts[0] != "" {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
	}
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}
