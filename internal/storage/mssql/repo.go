package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	mssql "github.com/microsoft/go-mssqldb"

	"gistools/internal/storage"
)

// SQL Server has a hard limit of 2100 parameters per statement. We stay
// comfortably below that.
const chunkSize = 1000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Dialect notes:
//   - Identifiers are bracket-quoted; "dbo.parcels" becomes [dbo].[parcels].
//   - Parameters are positional @p1..@pN.
//   - Pages use TOP (n) with ORDER BY on the key column.
//   - A string keyset bound on a varchar/char key is sent as varchar, so the
//     comparison uses the column's collation like the ORDER BY does.
//
// Reads and writes never overlap on one connection: a page is fully drained
// and closed before the caller issues updates, so a reader never blocks on
// locks taken by its own session's writes.
type Repo struct {
	db dbConn

	mu sync.Mutex
	// ansiKeys caches, per "table\x00column", whether the key is non-Unicode.
	ansiKeys map[string]bool
}

func init() {
	storage.Register("mssql", New)
}

// New opens a SQL Server repository using the "sqlserver" driver from
// github.com/microsoft/go-mssqldb. cfg.DSN is a sqlserver:// URL (see
// config.MSSQLDSN). Connectivity is validated via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Columns returns the column names of table using a zero-row select.
func (r *Repo) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT TOP (0) * FROM "+mssqlTableIdent(table))
	if err != nil {
		return nil, fmt.Errorf("mssql: columns %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

// SelectPage reads one keyset page.
func (r *Repo) SelectPage(ctx context.Context, q storage.PageQuery) ([]storage.Row, error) {
	if q.Table == "" || q.KeyColumn == "" {
		return nil, fmt.Errorf("mssql: SelectPage: table and key column are required")
	}
	var ansi bool
	if _, ok := q.After.(string); ok {
		var err error
		if ansi, err = r.ansiKey(ctx, q.Table, q.KeyColumn); err != nil {
			return nil, err
		}
	}
	query, args := buildPageSQL(q, ansi)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: select page %s: %w", q.Table, err)
	}
	return storage.ScanRows(rows, len(q.Columns))
}

// ansiKey reports whether keyColumn of table is char, varchar or text.
func (r *Repo) ansiKey(ctx context.Context, table, keyColumn string) (bool, error) {
	ck := table + "\x00" + keyColumn
	r.mu.Lock()
	v, ok := r.ansiKeys[ck]
	r.mu.Unlock()
	if ok {
		return v, nil
	}
	rows, err := r.db.QueryContext(ctx, "SELECT TOP (0) "+mssqlIdent(keyColumn)+" FROM "+mssqlTableIdent(table))
	if err != nil {
		return false, fmt.Errorf("mssql: key type %s.%s: %w", table, keyColumn, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil || len(types) == 0 {
		return false, fmt.Errorf("mssql: key type %s.%s: %v", table, keyColumn, err)
	}
	v = nonUnicode(types[0].DatabaseTypeName())

	r.mu.Lock()
	if r.ansiKeys == nil {
		r.ansiKeys = map[string]bool{}
	}
	r.ansiKeys[ck] = v
	r.mu.Unlock()
	return v, nil
}

// nonUnicode reports whether a driver type name is a single-byte string type.
func nonUnicode(typeName string) bool {
	switch strings.ToUpper(typeName) {
	case "CHAR", "VARCHAR", "TEXT":
		return true
	}
	return false
}

func (r *Repo) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, r.db, table, column, value)
}

func (r *Repo) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, r.db, table, keyColumn, column, value, keys)
}

// Begin starts a READ COMMITTED transaction.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("mssql: begin tx: %w", err)
	}
	return &repoTx{tx: tx}, nil
}

type repoTx struct {
	tx txConn
}

func (t *repoTx) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, t.tx, table, column, value)
}

func (t *repoTx) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, t.tx, table, keyColumn, column, value, keys)
}

func (t *repoTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (t *repoTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func setAll(ctx context.Context, db storage.Execer, table, column string, value any) (int64, error) {
	if table == "" || column == "" {
		return 0, fmt.Errorf("mssql: SetAll: table and column are required")
	}
	q := fmt.Sprintf("UPDATE %s SET %s = @p1", mssqlTableIdent(table), mssqlIdent(column))
	n, err := storage.ExecAffected(ctx, db, q, value)
	if err != nil {
		return 0, fmt.Errorf("mssql: reset %s.%s: %w", table, column, err)
	}
	return n, nil
}

// updateByKeys issues one UPDATE per chunk of keys.
func updateByKeys(ctx context.Context, db storage.Execer, table, keyColumn, column string, value any, keys []any) (int64, error) {
	if table == "" || keyColumn == "" || column == "" {
		return 0, fmt.Errorf("mssql: UpdateByKeys: table, key column and column are required")
	}
	var total int64
	for _, part := range storage.Chunks(keys, chunkSize) {
		q, args := buildUpdateSQL(table, keyColumn, column, value, part)
		n, err := storage.ExecAffected(ctx, db, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: update %s.%s: %w", table, column, err)
		}
		total += n
	}
	return total, nil
}

// buildPageSQL renders:
//
//	SELECT TOP (n) [key], [c1]... FROM [t] WHERE [key] IS NOT NULL AND (where) AND [key] > @p1 ORDER BY [key]
//
// With ansiKey set a string After is bound as varchar instead of nvarchar.
func buildPageSQL(q storage.PageQuery, ansiKey bool) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Limit > 0 {
		b.WriteString("TOP (")
		b.WriteString(strconv.Itoa(q.Limit))
		b.WriteString(") ")
	}
	b.WriteString(mssqlIdent(q.KeyColumn))
	for _, c := range q.Columns {
		b.WriteString(", ")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(q.Table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(q.KeyColumn))
	b.WriteString(" IS NOT NULL")

	var args []any
	if w := strings.TrimSpace(q.Where); w != "" {
		b.WriteString(" AND (")
		b.WriteString(w)
		b.WriteString(")")
	}
	if q.After != nil {
		b.WriteString(" AND ")
		b.WriteString(mssqlIdent(q.KeyColumn))
		b.WriteString(" > @p1")
		after := q.After
		if s, ok := after.(string); ok && ansiKey {
			after = mssql.VarChar(s)
		}
		args = append(args, after)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(mssqlIdent(q.KeyColumn))
	return b.String(), args
}

// buildUpdateSQL renders an UPDATE for one chunk. The value is @p1 and keys
// follow from @p2.
func buildUpdateSQL(table, keyColumn, column string, value any, keys []any) (string, []any) {
	args := make([]any, 0, len(keys)+1)
	args = append(args, value)
	args = append(args, keys...)

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" SET ")
	b.WriteString(mssqlIdent(column))
	b.WriteString(" = @p1 WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	if len(keys) == 1 {
		b.WriteString(" = @p2")
		return b.String(), args
	}
	b.WriteString(" IN (")
	for i := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 2))
	}
	b.WriteString(")")
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier for SQL Server.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.parcels" -> [dbo].[parcels]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }
