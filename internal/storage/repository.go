package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// PageQuery describes one keyset page over a table.
//
// The generated statement is, modulo dialect:
//
//	SELECT key, columns... FROM table WHERE (Where) AND key > After ORDER BY key LIMIT Limit
//
// After == nil reads from the start. Where is operator-supplied SQL and is
// inserted verbatim inside parentheses.
type PageQuery struct {
	Table     string
	KeyColumn string
	Columns   []string
	Where     string
	After     any
	Limit     int
}

// Row is one result row of a page. Values is aligned with PageQuery.Columns.
type Row struct {
	Key    any
	Values []any
}

// Writer is the write surface shared by a Repository and its transactions.
type Writer interface {
	// SetAll writes value into column for every row of table.
	SetAll(ctx context.Context, table, column string, value any) (int64, error)

	// UpdateByKeys writes value into column for every row whose keyColumn is in keys.
	//
	// Edge cases:
	//   - len(keys)==0 is a no-op.
	//   - A single key uses "= ?"; many keys use IN lists chunked below the
	//     backend's parameter limit. Keys absent from the table are ignored.
	UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error)
}

// Tx is a backend transaction. Call Rollback after Commit safely (it is a no-op).
type Tx interface {
	Writer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is the backend-agnostic table access used by the tagging and join
// workflows. Reads are keyset pages so no cursor stays open while writes run.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// Columns returns the column names of table in table order.
	Columns(ctx context.Context, table string) ([]string, error)

	// SelectPage returns up to q.Limit rows ordered by key, strictly after q.After.
	SelectPage(ctx context.Context, q PageQuery) ([]Row, error)

	Writer

	Begin(ctx context.Context) (Tx, error)
}

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "mssql", "postgres", "sqlite").
// Backend packages call it from init().
//
// Panics:
//   - If kind is empty or f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Chunks splits keys into consecutive slices of at most size elements.
// The returned slices share keys' backing array.
func Chunks(keys []any, size int) [][]any {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(keys)
	}
	out := make([][]any, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		out = append(out, keys[start:end])
	}
	return out
}
