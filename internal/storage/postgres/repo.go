package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"gistools/internal/storage"
)

// Postgres allows 65535 bind parameters; chunks stay well below it.
const chunkSize = 5000

/*
Repo implements storage.Repository for Postgres on a pgx connection pool.

Values come back as pgx decodes them; NUMERIC columns are converted to float64
so coordinate and attribute handling upstream sees the same types as the
database/sql backends.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo. cfg.DSN is a libpq URL or keyword string.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT * FROM "+pgTableIdent(table)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("postgres: columns %s: %w", table, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	out := make([]string, 0, len(fds))
	for _, fd := range fds {
		out = append(out, fd.Name)
	}
	return out, rows.Err()
}

func (r *Repo) SelectPage(ctx context.Context, q storage.PageQuery) ([]storage.Row, error) {
	query, args := buildPageSQL(q)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select page %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: select page %s: %w", q.Table, err)
		}
		for i := range vals {
			vals[i] = normalizeValue(vals[i])
		}
		out = append(out, storage.Row{Key: vals[0], Values: vals[1:]})
	}
	return out, rows.Err()
}

func (r *Repo) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, r.pool, table, column, value)
}

func (r *Repo) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, r.pool, table, keyColumn, column, value, keys)
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &repoTx{tx: tx}, nil
}

type repoTx struct {
	tx pgx.Tx
}

func (t *repoTx) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return setAll(ctx, t.tx, table, column, value)
}

func (t *repoTx) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return updateByKeys(ctx, t.tx, table, keyColumn, column, value, keys)
}

func (t *repoTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *repoTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setAll(ctx context.Context, db execer, table, column string, value any) (int64, error) {
	q := fmt.Sprintf("UPDATE %s SET %s = $1", pgTableIdent(table), pgIdent(column))
	tag, err := db.Exec(ctx, q, value)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset %s.%s: %w", table, column, err)
	}
	return tag.RowsAffected(), nil
}

func updateByKeys(ctx context.Context, db execer, table, keyColumn, column string, value any, keys []any) (int64, error) {
	var total int64
	for _, part := range storage.Chunks(keys, chunkSize) {
		q, args := buildUpdateSQL(table, keyColumn, column, value, part)
		tag, err := db.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: update %s.%s: %w", table, column, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// buildPageSQL is pure so placeholder numbering can be tested without a database.
func buildPageSQL(q storage.PageQuery) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(q.KeyColumn))
	for _, c := range q.Columns {
		b.WriteString(", ")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(q.Table))
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(q.KeyColumn))
	b.WriteString(" IS NOT NULL")

	var args []any
	if w := strings.TrimSpace(q.Where); w != "" {
		b.WriteString(" AND (")
		b.WriteString(w)
		b.WriteString(")")
	}
	if q.After != nil {
		b.WriteString(" AND ")
		b.WriteString(pgIdent(q.KeyColumn))
		b.WriteString(" > $1")
		args = append(args, q.After)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(pgIdent(q.KeyColumn))
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

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" SET ")
	b.WriteString(pgIdent(column))
	b.WriteString(" = $1 WHERE ")
	b.WriteString(pgIdent(keyColumn))
	if len(keys) == 1 {
		b.WriteString(" = $2")
		return b.String(), args
	}
	b.WriteString(" IN (")
	for i := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+2)
	}
	b.WriteString(")")
	return b.String(), args
}

// normalizeValue maps pgx-specific decodings onto plain Go scalars.
// Integral NUMERIC values become int64 so keys survive keyset paging exactly;
// integral values past int64 stay pgtype.Numeric for the same reason.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		if integralNumeric(t) {
			if i, err := t.Int64Value(); err == nil && i.Valid {
				return i.Int64
			}
			return t
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func integralNumeric(n pgtype.Numeric) bool {
	if n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return false
	}
	if n.Exp >= 0 {
		return true
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
	return new(big.Int).Rem(n.Int, div).Sign() == 0
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a schema-qualified name ("public.parcels").
func pgTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = pgIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
