// Package attrjoin copies attribute fields from a join table onto a target
// table that shares a key.
package attrjoin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gistools/internal/config"
	"gistools/internal/metrics"
	"gistools/internal/storage"
	"gistools/internal/tagging"
)

// ErrMissingField is returned when a key or joined field is absent from
// either table.
var ErrMissingField = errors.New("attrjoin: field not found")

// Logger is the minimal logging interface used by the joiner.
type Logger interface {
	Printf(format string, v ...any)
}

// Repo is the part of storage.Repository a join needs.
type Repo interface {
	Columns(ctx context.Context, table string) ([]string, error)
	SelectPage(ctx context.Context, q storage.PageQuery) ([]storage.Row, error)
	Begin(ctx context.Context) (storage.Tx, error)
}

// Result summarizes one join.
type Result struct {
	JoinRows    int
	Updates     int
	RowsUpdated int64
}

// Joiner runs one attribute join. The join key must be unique in the join
// table; rows are read in key order a page at a time.
type Joiner struct {
	Repo   Repo
	Job    config.JoinJob
	Logger Logger
}

// Run reads the whole join table, groups target keys by (field, value) and
// writes every group in one transaction. Join keys missing from the target
// update nothing; target rows with no join row keep their values.
func (j *Joiner) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("join", start, err) }()

	names, err := j.resolve(ctx)
	if err != nil {
		return nil, err
	}
	res = &Result{}

	var matches []tagging.Match
	var after any
	for {
		rows, err := j.Repo.SelectPage(ctx, storage.PageQuery{
			Table:     j.Job.JoinTable,
			KeyColumn: names.joinKey,
			Columns:   names.joinFields,
			Where:     j.Job.Where,
			After:     after,
			Limit:     j.Job.BatchSize,
		})
		if err != nil {
			return res, fmt.Errorf("attrjoin: read %s: %w", j.Job.JoinTable, err)
		}
		for _, r := range rows {
			vals := make([]any, len(r.Values))
			for i, v := range r.Values {
				vals[i] = tagging.Coerce(v)
			}
			matches = append(matches, tagging.Match{Key: tagging.Coerce(r.Key), Values: vals})
		}
		res.JoinRows += len(rows)
		metrics.AddRecords("join_read", len(rows))
		if len(rows) < j.Job.BatchSize || len(rows) == 0 {
			break
		}
		after = rows[len(rows)-1].Key
	}
	j.logf("stage=join_read ok table=%s rows=%d duration=%s", j.Job.JoinTable, res.JoinRows, time.Since(start).Truncate(time.Millisecond))

	ups := tagging.GroupUpdates(names.targetFields, matches)
	if err := j.write(ctx, res, names.targetKey, ups); err != nil {
		return res, err
	}
	j.logf("stage=join_write ok table=%s fields=%s updates=%d rows=%d", j.Job.TargetTable, strings.Join(names.targetFields, ","), res.Updates, res.RowsUpdated)
	return res, nil
}

func (j *Joiner) write(ctx context.Context, res *Result, targetKey string, ups []tagging.Update) (err error) {
	tx, err := j.Repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("attrjoin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, u := range ups {
		n, err := tx.UpdateByKeys(ctx, j.Job.TargetTable, targetKey, u.Field, u.Value, u.Keys)
		if err != nil {
			return fmt.Errorf("attrjoin: update %s.%s: %w", j.Job.TargetTable, u.Field, err)
		}
		res.Updates++
		res.RowsUpdated += n
		metrics.IncCounter(metrics.StatementsTotal, 1, metrics.Labels{"kind": "join"})
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("attrjoin: commit: %w", err)
	}
	return nil
}

// columnNames are the key and joined fields as spelled on each table.
type columnNames struct {
	targetKey, joinKey       string
	targetFields, joinFields []string
}

// resolve checks that the keys and every joined field exist on both tables.
func (j *Joiner) resolve(ctx context.Context) (columnNames, error) {
	var n columnNames
	tcols, err := j.Repo.Columns(ctx, j.Job.TargetTable)
	if err != nil {
		return n, fmt.Errorf("attrjoin: %w", err)
	}
	jcols, err := j.Repo.Columns(ctx, j.Job.JoinTable)
	if err != nil {
		return n, fmt.Errorf("attrjoin: %w", err)
	}
	var missing []string
	lookup := func(cols []string, table, name string) string {
		c, ok := find(cols, name)
		if !ok {
			missing = append(missing, table+"."+name)
		}
		return c
	}
	n.targetKey = lookup(tcols, j.Job.TargetTable, j.Job.TargetKey)
	n.joinKey = lookup(jcols, j.Job.JoinTable, j.Job.JoinKey)
	for _, f := range j.Job.Fields {
		n.targetFields = append(n.targetFields, lookup(tcols, j.Job.TargetTable, f))
		n.joinFields = append(n.joinFields, lookup(jcols, j.Job.JoinTable, f))
	}
	if len(missing) > 0 {
		return n, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return n, nil
}

func find(cols []string, name string) (string, bool) {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

func (j *Joiner) logf(format string, v ...any) {
	if j.Logger != nil {
		j.Logger.Printf(format, v...)
	}
}
