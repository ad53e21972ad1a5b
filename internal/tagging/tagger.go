package tagging

import (
	"context"
	"fmt"
	"time"

	"gistools/internal/config"
	"gistools/internal/layer"
	"gistools/internal/metrics"
	"gistools/internal/records"
	"gistools/internal/storage"
)

// Logger is the minimal logging interface used by the tagger.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Store is the write side of storage.Repository.
type Store interface {
	storage.Writer
	Begin(ctx context.Context) (storage.Tx, error)
}

// Result summarizes one run.
type Result struct {
	Batches    int
	Rows       int
	Matched    int
	Unmatched  int
	MultiMatch int

	// ResetRows and RowsUpdated are affected-row counts reported by the store.
	ResetRows   int64
	RowsUpdated int64

	// Statements counts reset and grouped update calls.
	Statements int

	Skipped []records.Skipped
}

// Tagger runs the read, assign and write-back passes for one job.
type Tagger struct {
	Store    Store
	Polygons *layer.PolygonSet
	Options  Options
	Logger   Logger
}

// Run tags every record of src.
//
// In atomic mode (the default) the whole source is read and assigned first;
// the reset pass and every grouped update then run in one transaction, so a
// failure leaves the table untouched.
//
// In streaming mode the reset pass commits on its own and each batch is
// written as soon as it is assigned. A failure leaves earlier batches written
// and there is no resume marker.
func (t *Tagger) Run(ctx context.Context, src records.Source) (*Result, error) {
	if t.Store == nil || t.Polygons == nil {
		return nil, fmt.Errorf("tagging: Store and Polygons are required")
	}
	if t.Options.Table == "" || t.Options.KeyField == "" {
		return nil, fmt.Errorf("tagging: table and key field are required")
	}
	start := time.Now()
	var (
		res *Result
		err error
	)
	if t.Options.Mode == config.ModeStreaming {
		res, err = t.runStreaming(ctx, src)
	} else {
		res, err = t.runAtomic(ctx, src)
	}
	metrics.RecordStep("tag", start, err)
	if err != nil {
		return res, err
	}
	t.logf("stage=tag ok mode=%s batches=%d rows=%d matched=%d unmatched=%d multi_match=%d skipped=%d updated=%d statements=%d duration=%s",
		t.mode(), res.Batches, res.Rows, res.Matched, res.Unmatched, res.MultiMatch, len(res.Skipped), res.RowsUpdated, res.Statements, durMS(start))
	return res, nil
}

func (t *Tagger) runAtomic(ctx context.Context, src records.Source) (*Result, error) {
	res := &Result{}
	p := newPlan(t.Options.TargetFields())
	prog := t.progress()
	readStart := time.Now()
	err := records.Each(ctx, src, func(b *records.Batch) error {
		a, err := t.assign(b, res)
		if err != nil {
			return err
		}
		p.add(a.Matches)
		prog(res)
		return nil
	})
	metrics.RecordStep("read_assign", readStart, err)
	if err != nil {
		return res, err
	}
	t.logf("stage=read_assign ok batches=%d rows=%d duration=%s", res.Batches, res.Rows, durMS(readStart))

	writeStart := time.Now()
	err = t.writeTx(ctx, res, p.updates())
	metrics.RecordStep("write", writeStart, err)
	if err != nil {
		return res, err
	}
	t.logf("stage=write ok updated=%d statements=%d duration=%s", res.RowsUpdated, res.Statements, durMS(writeStart))
	return res, nil
}

func (t *Tagger) writeTx(ctx context.Context, res *Result, ups []Update) (err error) {
	tx, err := t.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tagging: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				t.logf("stage=write rollback_error=%q", rbErr.Error())
			}
		}
	}()
	if t.Options.Reset {
		if err = t.reset(ctx, tx, res); err != nil {
			return err
		}
	}
	if err = t.write(ctx, tx, res, ups); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tagging: commit: %w", err)
	}
	return nil
}

func (t *Tagger) runStreaming(ctx context.Context, src records.Source) (*Result, error) {
	res := &Result{}
	if t.Options.Reset {
		if err := t.reset(ctx, t.Store, res); err != nil {
			return res, err
		}
	}
	fields := t.Options.TargetFields()
	prog := t.progress()
	err := records.Each(ctx, src, func(b *records.Batch) error {
		a, err := t.assign(b, res)
		if err != nil {
			return err
		}
		if err := t.write(ctx, t.Store, res, GroupUpdates(fields, a.Matches)); err != nil {
			return fmt.Errorf("batch %d: %w", b.Index, err)
		}
		prog(res)
		return nil
	})
	return res, err
}

func (t *Tagger) assign(b *records.Batch, res *Result) (*Assignment, error) {
	a, err := Assign(b, t.Polygons, t.Options)
	if err != nil {
		return nil, err
	}
	res.Batches++
	res.Rows += b.Rows()
	res.Matched += len(a.Matches)
	res.Unmatched += len(a.Unmatched)
	res.MultiMatch += a.MultiMatch
	res.Skipped = append(res.Skipped, b.Skipped...)

	metrics.IncCounter(metrics.BatchesTotal, 1, nil)
	metrics.AddRecords("read", b.Rows())
	metrics.AddRecords("matched", len(a.Matches))
	metrics.AddRecords("skipped", len(b.Skipped))
	if len(b.Skipped) > 0 {
		t.logf("stage=read batch=%d skipped=%d first_key=%v reason=%s", b.Index, len(b.Skipped), b.Skipped[0].Key, b.Skipped[0].Reason)
	}
	return a, nil
}

func (t *Tagger) reset(ctx context.Context, w storage.Writer, res *Result) error {
	for _, f := range t.Options.TargetFields() {
		n, err := w.SetAll(ctx, t.Options.Table, f, t.Options.Default)
		if err != nil {
			return fmt.Errorf("tagging: reset %s: %w", f, err)
		}
		res.ResetRows += n
		res.Statements++
		metrics.IncCounter(metrics.StatementsTotal, 1, metrics.Labels{"kind": "reset"})
		t.logf("stage=reset field=%s value=%v rows=%d", f, t.Options.Default, n)
	}
	return nil
}

func (t *Tagger) write(ctx context.Context, w storage.Writer, res *Result, ups []Update) error {
	for _, u := range ups {
		n, err := w.UpdateByKeys(ctx, t.Options.Table, t.Options.KeyField, u.Field, u.Value, u.Keys)
		if err != nil {
			return fmt.Errorf("tagging: update %s=%v: %w", u.Field, u.Value, err)
		}
		res.RowsUpdated += n
		res.Statements++
		metrics.IncCounter(metrics.StatementsTotal, 1, metrics.Labels{"kind": "update"})
		metrics.AddRecords("updated", int(n))
	}
	return nil
}

// progress returns a callback that logs each time another ProgressEvery rows
// have been read.
func (t *Tagger) progress() func(*Result) {
	every := t.Options.ProgressEvery
	if every <= 0 {
		every = config.DefaultProgressEvery
	}
	next := every
	return func(res *Result) {
		if res.Rows < next {
			return
		}
		for next <= res.Rows {
			next += every
		}
		t.logf("stage=progress rows=%d batches=%d matched=%d skipped=%d", res.Rows, res.Batches, res.Matched, len(res.Skipped))
	}
}

func (t *Tagger) mode() string {
	if t.Options.Mode == "" {
		return config.ModeAtomic
	}
	return t.Options.Mode
}

func (t *Tagger) logf(format string, v ...any) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
