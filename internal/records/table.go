package records

import (
	"context"
	"fmt"
	"io"

	"gistools/internal/crs"
	"gistools/internal/storage"
)

// Pager is the read side of storage.Repository.
type Pager interface {
	SelectPage(ctx context.Context, q storage.PageQuery) ([]storage.Row, error)
}

// TableSource reads a table in keyset pages ordered by the key field. Keys
// must be unique; rows with a NULL key are never returned.
type TableSource struct {
	Pager     Pager
	Table     string
	Fields    Fields
	Where     string
	BatchSize int
	Proj      Projection
}

// Open starts a pass from the smallest key.
func (s *TableSource) Open(ctx context.Context) (Reader, error) {
	if s.BatchSize <= 0 {
		return nil, fmt.Errorf("records: batch size must be > 0, got %d", s.BatchSize)
	}
	tr, err := s.Proj.transformer()
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	cols := make([]string, 0, 2+len(s.Fields.Values))
	cols = append(cols, s.Fields.X, s.Fields.Y)
	cols = append(cols, s.Fields.Values...)
	return &tableReader{src: s, tr: tr, cols: cols}, nil
}

type tableReader struct {
	src   *TableSource
	tr    crs.Transformer
	cols  []string
	after any
	index int
	done  bool
}

func (r *tableReader) Next(ctx context.Context) (*Batch, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.src.Pager.SelectPage(ctx, storage.PageQuery{
		Table:     r.src.Table,
		KeyColumn: r.src.Fields.Key,
		Columns:   r.cols,
		Where:     r.src.Where,
		After:     r.after,
		Limit:     r.src.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("records: batch %d: %w", r.index, err)
	}
	if len(rows) == 0 {
		r.done = true
		return nil, io.EOF
	}
	if len(rows) < r.src.BatchSize {
		r.done = true
	}
	r.after = rows[len(rows)-1].Key

	raws := make([]raw, 0, len(rows))
	for _, row := range rows {
		if len(row.Values) < 2 {
			return nil, fmt.Errorf("records: batch %d: row has %d values, want at least 2", r.index, len(row.Values))
		}
		rw := raw{key: row.Key, x: row.Values[0], y: row.Values[1]}
		if n := len(r.src.Fields.Values); n > 0 {
			rw.values = make(map[string]any, n)
			for i, name := range r.src.Fields.Values {
				if 2+i < len(row.Values) {
					rw.values[name] = row.Values[2+i]
				}
			}
		}
		raws = append(raws, rw)
	}
	b := build(r.index, raws, r.tr)
	r.index++
	return b, nil
}

func (r *tableReader) Close() error { return nil }
