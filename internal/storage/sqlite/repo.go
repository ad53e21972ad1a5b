package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"gistools/internal/storage"
)

// chunkSize stays under SQLITE_MAX_VARIABLE_NUMBER on older builds (999),
// leaving one slot for the SET value.
const chunkSize = 900

// Repo implements storage.Repository for SQLite.
//
// The pool is limited to one connection: SQLite allows a single writer, and
// a second pooled connection would see SQLITE_BUSY while a transaction holds
// the write lock.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file named by cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Open wraps an existing handle; tests use it to share a database with fixtures.
func Open(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+tableIdent(table)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

func (r *Repo) SelectPage(ctx context.Context, q storage.PageQuery) ([]storage.Row, error) {
	query, args := buildPageSQL(q)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select page %s: %w", q.Table, err)
	}
	return storage.ScanRows(rows, len(q.Columns))
}

func (r *Repo) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, r.db, table, column, value)
}

func (r *Repo) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, r.db, table, keyColumn, column, value, keys)
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, t.tx, table, column, value)
}

func (t *sqlTx) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, t.tx, table, keyColumn, column, value, keys)
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func setAll(ctx context.Context, db storage.Execer, table, column string, value any) (int64, error) {
	q := fmt.Sprintf("UPDATE %s SET %s = ?", tableIdent(table), sqlIdent(column))
	n, err := storage.ExecAffected(ctx, db, q, value)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reset %s.%s: %w", table, column, err)
	}
	return n, nil
}

func updateByKeys(ctx context.Context, db storage.Execer, table, keyColumn, column string, value any, keys []any) (int64, error) {
	var total int64
	for _, part := range storage.Chunks(keys, chunkSize) {
		q, args := buildUpdateSQL(table, keyColumn, column, value, part)
		n, err := storage.ExecAffected(ctx, db, q, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: update %s.%s: %w", table, column, err)
		}
		total += n
	}
	return total, nil
}

// buildPageSQL renders a keyset page. NULL keys are never returned since they
// cannot be addressed by a later update.
func buildPageSQL(q storage.PageQuery) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(sqlIdent(q.KeyColumn))
	for _, c := range q.Columns {
		b.WriteString(", ")
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(tableIdent(q.Table))
	b.WriteString(" WHERE ")
	b.WriteString(sqlIdent(q.KeyColumn))
	b.WriteString(" IS NOT NULL")

	var args []any
	if w := strings.TrimSpace(q.Where); w != "" {
		b.WriteString(" AND (")
		b.WriteString(w)
		b.WriteString(")")
	}
	if q.After != nil {
		b.WriteString(" AND ")
		b.WriteString(sqlIdent(q.KeyColumn))
		b.WriteString(" > ?")
		args = append(args, q.After)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(sqlIdent(q.KeyColumn))
	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.Limit))
	}
	return b.String(), args
}

func buildUpdateSQL(table, keyColumn, column string, value any, keys []any) (string, []any) {
	args := make([]any, 0, len(keys)+1)
	args = append(args, value)
	args = append(args, keys...)

	q := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s", tableIdent(table), sqlIdent(column), sqlIdent(keyColumn))
	if len(keys) == 1 {
		return q + " = ?", args
	}
	return q + " IN (" + strings.TrimRight(strings.Repeat("?,", len(keys)), ",") + ")", args
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableIdent quotes each part of a possibly schema-qualified name ("main.parcels").
func tableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = sqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
