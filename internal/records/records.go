// Package records streams point records from a table or a delimited file in
// bounded batches.
//
// A Source is restartable: every Open starts from the first record. Readers
// are not resumable mid-stream and hold no cursor between batches.
package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"gistools/internal/crs"
)

// SkipReason says why a record was left out of a batch's geometry set.
type SkipReason string

const (
	ReasonNullCoord   SkipReason = "null_coordinate"
	ReasonNonFinite   SkipReason = "non_finite_coordinate"
	ReasonUnparseable SkipReason = "unparseable_coordinate"
	ReasonNullKey     SkipReason = "null_key"
	ReasonReproject   SkipReason = "reprojection_failed"
)

// Record is one source row with its point in the working CRS.
type Record struct {
	Key    any
	X, Y   float64 // as stored, in the source CRS
	Point  orb.Point
	Values map[string]any
}

// Skipped is a row that produced no point.
type Skipped struct {
	Key    any
	Reason SkipReason
}

// Batch is one bounded slice of the record stream.
type Batch struct {
	// Index is 0-based.
	Index   int
	Records []Record
	Skipped []Skipped
}

// Rows is the number of source rows in the batch, skipped ones included.
func (b *Batch) Rows() int { return len(b.Records) + len(b.Skipped) }

// Source opens a fresh pass over the records.
type Source interface {
	Open(ctx context.Context) (Reader, error)
}

// Reader yields batches until it returns io.EOF.
type Reader interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Each opens a pass over src and calls fn for every batch in order. It stops
// at the first error from the reader or from fn.
func Each(ctx context.Context, src Source, fn func(*Batch) error) error {
	r, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		b, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
}

// Fields names the columns a source reads.
type Fields struct {
	Key    string
	X, Y   string
	Values []string
}

// Projection reprojects points from the stored CRS into the working CRS.
// A zero From means the points are already in the working CRS.
type Projection struct {
	From, To int
	CRS      crs.Factory
}

func (p Projection) transformer() (crs.Transformer, error) {
	if p.From == 0 || p.To == 0 {
		return crs.Identity{}, nil
	}
	return crs.For(p.CRS, p.From, p.To)
}

// raw is a row before coordinate parsing.
type raw struct {
	key    any
	x, y   any
	values map[string]any
}

// build turns raw rows into a batch, reporting rows without a usable point.
func build(index int, rows []raw, tr crs.Transformer) *Batch {
	b := &Batch{Index: index, Records: make([]Record, 0, len(rows))}
	for _, r := range rows {
		if r.key == nil {
			b.Skipped = append(b.Skipped, Skipped{Key: nil, Reason: ReasonNullKey})
			continue
		}
		x, reason := Coord(r.x)
		if reason == "" {
			var y float64
			y, reason = Coord(r.y)
			if reason == "" {
				pt, err := tr.Transform(orb.Point{x, y})
				if err != nil || !finite(pt[0]) || !finite(pt[1]) {
					reason = ReasonReproject
				} else {
					b.Records = append(b.Records, Record{Key: r.key, X: x, Y: y, Point: pt, Values: r.values})
					continue
				}
			}
		}
		b.Skipped = append(b.Skipped, Skipped{Key: r.key, Reason: reason})
	}
	return b
}

// Coord parses a stored coordinate. The reason is empty when v is usable.
func Coord(v any) (float64, SkipReason) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, ReasonNullCoord
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case int:
		f = float64(t)
	case []byte:
		return parseCoord(string(t))
	case string:
		return parseCoord(t)
	default:
		return parseCoord(fmt.Sprint(v))
	}
	if !finite(f) {
		return 0, ReasonNonFinite
	}
	return f, ""
}

func parseCoord(s string) (float64, SkipReason) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ReasonNullCoord
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ReasonUnparseable
	}
	if !finite(f) {
		return 0, ReasonNonFinite
	}
	return f, ""
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
