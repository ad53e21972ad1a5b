package tagging

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sfomuseum/go-csvdict"

	"gistools/internal/layer"
	"gistools/internal/metrics"
	"gistools/internal/records"
	"gistools/internal/storage"
)

// Row is one record with its tag, as emitted by Associate.
type Row struct {
	Key    any
	X, Y   float64
	Values map[string]any
	// Tags line up with Options.TargetFields: the matched polygon's values,
	// or the default for records outside every polygon.
	Tags    []any
	Matched bool
}

// Sink receives associated rows.
type Sink interface {
	Write(Row) error
}

// Associate tags every record of src without touching the store and sends
// each one to sink in source order. Records without a usable point are
// reported in Result.Skipped and not emitted.
func Associate(ctx context.Context, src records.Source, set *layer.PolygonSet, opts Options, sink Sink) (*Result, error) {
	start := time.Now()
	res := &Result{}
	fields := opts.TargetFields()
	defaults := make([]any, len(fields))
	for i := range defaults {
		defaults[i] = opts.Default
	}
	err := records.Each(ctx, src, func(b *records.Batch) error {
		a, err := Assign(b, set, opts)
		if err != nil {
			return err
		}
		res.Batches++
		res.Rows += b.Rows()
		res.Matched += len(a.Matches)
		res.Unmatched += len(a.Unmatched)
		res.MultiMatch += a.MultiMatch
		res.Skipped = append(res.Skipped, b.Skipped...)
		for i, r := range b.Records {
			row := Row{Key: r.Key, X: r.X, Y: r.Y, Values: r.Values, Tags: defaults}
			if m := a.Outcome[i]; m >= 0 {
				row.Tags = a.Matches[m].Values
				row.Matched = true
			}
			if err := sink.Write(row); err != nil {
				return fmt.Errorf("tagging: export key %v: %w", r.Key, err)
			}
		}
		metrics.AddRecords("exported", len(b.Records))
		return nil
	})
	metrics.RecordStep("associate", start, err)
	return res, err
}

// CSVSink writes associated rows as CSV with a header row.
type CSVSink struct {
	w       *csvdict.Writer
	key     string
	x, y    string
	values  []string
	targets []string
}

// NewCSVSink writes the header immediately. Columns are the key, X and Y
// fields, the value fields, then the target fields; a target field that is
// also a value field appears once and carries the tag.
func NewCSVSink(w io.Writer, key, x, y string, values, targets []string) (*CSVSink, error) {
	var cols []string
	seen := map[string]bool{}
	for _, c := range append(append([]string{key, x, y}, values...), targets...) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	cw, err := csvdict.NewWriter(w, cols)
	if err != nil {
		return nil, fmt.Errorf("tagging: csv export: %w", err)
	}
	cw.WriteHeader()
	return &CSVSink{w: cw, key: key, x: x, y: y, values: values, targets: targets}, nil
}

func (s *CSVSink) Write(r Row) error {
	out := map[string]string{
		s.key: Cell(r.Key),
		s.x:   Cell(r.X),
		s.y:   Cell(r.Y),
	}
	for _, v := range s.values {
		out[v] = Cell(r.Values[v])
	}
	for i, f := range s.targets {
		if i < len(r.Tags) {
			out[f] = Cell(r.Tags[i])
		}
	}
	return s.w.WriteRow(out)
}

// Close flushes buffered output.
func (s *CSVSink) Close() error {
	s.w.Writer.Flush()
	return s.w.Writer.Error()
}

// Cell formats a value for CSV output. Floats keep full precision without
// exponent notation.
func Cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return storage.NormalizeKey(v)
	}
}
