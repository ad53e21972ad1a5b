package records

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"gistools/internal/crs"
)

// CSVSource reads records from a delimited file with a header row. Header
// names match the configured fields case-insensitively. Empty cells are nil.
type CSVSource struct {
	Path      string
	Comma     rune   // 0 means ','
	Encoding  string // "" or utf-8, otherwise a WHATWG label such as windows-1252
	Fields    Fields
	BatchSize int
	Proj      Projection
}

// Decoder returns the decoder for an encoding label; nil means UTF-8.
func Decoder(label string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "cp437", "ibm437":
		return charmap.CodePage437.NewDecoder(), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("records: unknown encoding %q: %w", label, err)
	}
	return enc.NewDecoder(), nil
}

// Open opens the file and maps the header.
func (s *CSVSource) Open(ctx context.Context) (Reader, error) {
	if s.BatchSize <= 0 {
		return nil, fmt.Errorf("records: batch size must be > 0, got %d", s.BatchSize)
	}
	tr, err := s.Proj.transformer()
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	dec, err := Decoder(s.Encoding)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	var in io.Reader = f
	if dec != nil {
		in = dec.Reader(f)
	}

	cr := csv.NewReader(in)
	if s.Comma != 0 {
		cr.Comma = s.Comma
	}
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("records: %s: empty file", s.Path)
		}
		return nil, fmt.Errorf("records: %s: read header: %w", s.Path, err)
	}
	byName := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		byName[strings.ToLower(h)] = i
	}
	want := append([]string{s.Fields.Key, s.Fields.X, s.Fields.Y}, s.Fields.Values...)
	idx := make([]int, len(want))
	var missing []string
	for i, w := range want {
		j, ok := byName[strings.ToLower(w)]
		if !ok {
			missing = append(missing, w)
			continue
		}
		idx[i] = j
	}
	if len(missing) > 0 {
		f.Close()
		return nil, fmt.Errorf("records: %s: missing columns %s", s.Path, strings.Join(missing, ", "))
	}
	return &csvReader{src: s, f: f, cr: cr, idx: idx, tr: tr, line: 1}, nil
}

type csvReader struct {
	src   *CSVSource
	f     *os.File
	cr    *csv.Reader
	idx   []int // key, x, y, values...
	tr    crs.Transformer
	index int
	line  int
	done  bool
}

func (r *csvReader) Next(ctx context.Context) (*Batch, error) {
	if r.done {
		return nil, io.EOF
	}
	raws := make([]raw, 0, r.src.BatchSize)
	for len(raws) < r.src.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		r.line++
		if err != nil {
			return nil, fmt.Errorf("records: %s line %d: %w", r.src.Path, r.line, err)
		}
		cell := func(i int) any {
			j := r.idx[i]
			if j >= len(rec) {
				return nil
			}
			v := strings.TrimSpace(rec[j])
			if v == "" {
				return nil
			}
			return v
		}
		rw := raw{key: cell(0), x: cell(1), y: cell(2)}
		if n := len(r.src.Fields.Values); n > 0 {
			rw.values = make(map[string]any, n)
			for i, name := range r.src.Fields.Values {
				rw.values[name] = cell(3 + i)
			}
		}
		raws = append(raws, rw)
	}
	if len(raws) == 0 {
		return nil, io.EOF
	}
	b := build(r.index, raws, r.tr)
	r.index++
	return b, nil
}

func (r *csvReader) Close() error { return r.f.Close() }
