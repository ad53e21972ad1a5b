package storage

import (
	"context"
	"database/sql"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ScanRows reads rows shaped "key, v1..vn" into Rows and closes rows.
func ScanRows(rows *sql.Rows, n int) ([]Row, error) {
	defer rows.Close()

	var out []Row
	for rows.Next() {
		dest := make([]any, n+1)
		ptrs := make([]any, n+1)
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, Row{Key: dest[0], Values: dest[1:]})
	}
	return out, rows.Err()
}

// ExecAffected runs one statement and returns its affected-row count.
// Drivers that cannot report a count contribute 0.
func ExecAffected(ctx context.Context, db Execer, q string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
