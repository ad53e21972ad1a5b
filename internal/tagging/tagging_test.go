package tagging

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"gistools/internal/config"
	"gistools/internal/geo"
	"gistools/internal/layer"
	"gistools/internal/records"
	"gistools/internal/storage"
	"gistools/internal/storage/sqlite"
)

func rect(i int, name string, x0, y0, x1, y1 float64) layer.Polygon {
	g := orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
	return layer.Polygon{Index: i, ID: name, Geometry: g, Attrs: map[string]any{"NAME": name}, Bound: g.Bound(), Area: geo.Area(g)}
}

// zones are three non-overlapping rectangles, each 10% of a 100x100 area.
func zones() *layer.PolygonSet {
	return &layer.PolygonSet{
		CRS:    2226,
		Fields: []string{"NAME"},
		Polygons: []layer.Polygon{
			rect(0, "west", 0, 0, 25, 40),
			rect(1, "central", 25, 0, 50, 40),
			rect(2, "north", 50, 40, 75, 80),
		},
	}
}

func batchOf(pts map[string]orb.Point, order ...string) *records.Batch {
	b := &records.Batch{}
	for _, k := range order {
		p := pts[k]
		b.Records = append(b.Records, records.Record{Key: k, X: p[0], Y: p[1], Point: p})
	}
	return b
}

func TestAssignSimpleMode(t *testing.T) {
	pts := map[string]orb.Point{
		"in":     {10, 10},
		"out":    {90, 10},
		"edge":   {25, 20},
		"vertex": {50, 40},
	}
	a, err := Assign(batchOf(pts, "in", "out", "edge", "vertex"), zones(), Options{TargetField: "flag", TargetValue: int64(1)})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(a.Matches) != 1 || a.Matches[0].Key != "in" || a.Matches[0].Values[0] != int64(1) {
		t.Fatalf("matches=%+v", a.Matches)
	}
	if !reflect.DeepEqual(a.Unmatched, []any{"out", "edge", "vertex"}) {
		t.Fatalf("unmatched=%v", a.Unmatched)
	}
	if !reflect.DeepEqual(a.Outcome, []int{0, -1, -1, -1}) {
		t.Fatalf("outcome=%v", a.Outcome)
	}
}

func TestAssignTieBreak(t *testing.T) {
	set := &layer.PolygonSet{
		Fields: []string{"NAME"},
		Polygons: []layer.Polygon{
			rect(0, "county", 0, 0, 10, 10),
			rect(1, "tract", 2, 2, 4, 4),
			rect(2, "tract-dup", 1, 1, 5, 5),
		},
	}
	set.Polygons[2].Attrs["NAME"] = "tract"
	b := batchOf(map[string]orb.Point{"p": {3, 3}}, "p")
	fm := [][2]string{{"name", "zone"}}

	tests := []struct {
		policy string
		want   any
	}{
		{config.TieBreakSmallestArea, "tract"},
		{config.TieBreakFirst, "county"},
	}
	for _, tc := range tests {
		a, err := Assign(b, set, Options{FieldMap: fm, TieBreak: tc.policy})
		if err != nil {
			t.Fatalf("%s: %v", tc.policy, err)
		}
		if got := a.Matches[0].Values[0]; got != tc.want {
			t.Fatalf("%s: value=%v, want %v", tc.policy, got, tc.want)
		}
		if a.MultiMatch != 1 || a.Matches[0].Candidates != 3 {
			t.Fatalf("%s: multi=%d candidates=%d", tc.policy, a.MultiMatch, a.Matches[0].Candidates)
		}
	}

	if _, err := Assign(b, set, Options{FieldMap: fm, TieBreak: config.TieBreakError}); !errors.Is(err, ErrMultiMatch) {
		t.Fatalf("error policy: err=%v, want ErrMultiMatch", err)
	}

	// Equal values are not a conflict.
	set.Polygons = set.Polygons[1:]
	a, err := Assign(b, set, Options{FieldMap: fm, TieBreak: config.TieBreakError})
	if err != nil || a.Matches[0].Values[0] != "tract" {
		t.Fatalf("equal values: %v %v", a, err)
	}

	// Simple mode never conflicts.
	if _, err := Assign(b, set, Options{TargetValue: int64(1), TieBreak: config.TieBreakError}); err != nil {
		t.Fatalf("simple mode: %v", err)
	}
}

func TestAssignSmallestAreaTieUsesLoadOrder(t *testing.T) {
	set := &layer.PolygonSet{
		Fields: []string{"NAME"},
		Polygons: []layer.Polygon{
			rect(0, "a", 0, 0, 4, 4),
			rect(1, "b", 1, 1, 5, 5),
		},
	}
	a, err := Assign(batchOf(map[string]orb.Point{"p": {2, 2}}, "p"), set, Options{FieldMap: [][2]string{{"NAME", "zone"}}})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.Matches[0].Polygon != 0 {
		t.Fatalf("polygon=%d, want 0", a.Matches[0].Polygon)
	}
}

func TestAssignUnknownAttribute(t *testing.T) {
	_, err := Assign(&records.Batch{}, zones(), Options{FieldMap: [][2]string{{"ZONE_ID", "zone"}}})
	if !errors.Is(err, layer.ErrMissingField) {
		t.Fatalf("err=%v", err)
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct{ in, want any }{
		{float64(12), int64(12)},
		{12.5, 12.5},
		{float32(3), int64(3)},
		{[]byte("APN-1"), "APN-1"},
		{int32(4), int64(4)},
		{7, int64(7)},
		{"x", "x"},
		{nil, nil},
	}
	for _, tc := range tests {
		if got := Coerce(tc.in); got != tc.want {
			t.Fatalf("Coerce(%#v)=%#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestGroupUpdates(t *testing.T) {
	matches := []Match{
		{Key: int64(3), Values: []any{"b", int64(1)}},
		{Key: int64(1), Values: []any{"a", int64(1)}},
		{Key: int64(2), Values: []any{"b", nil}},
		{Key: int64(1), Values: []any{"a", int64(1)}},
	}
	got := GroupUpdates([]string{"zone", "code"}, matches)
	want := []Update{
		{Field: "zone", Value: "a", Keys: []any{int64(1)}},
		{Field: "zone", Value: "b", Keys: []any{int64(2), int64(3)}},
		{Field: "code", Value: nil, Keys: []any{int64(2)}},
		{Field: "code", Value: int64(1), Keys: []any{int64(1), int64(3)}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("updates=%+v\nwant    %+v", got, want)
	}
}

func TestGroupUpdatesExactValues(t *testing.T) {
	matches := []Match{
		{Key: "p1", Values: []any{"Main St"}},
		{Key: "p2", Values: []any{"Main St "}},
		{Key: "", Values: []any{""}},
		{Key: "p3", Values: []any{nil}},
	}
	got := GroupUpdates([]string{"zone"}, matches)
	want := []Update{
		{Field: "zone", Value: nil, Keys: []any{"p3"}},
		{Field: "zone", Value: "", Keys: []any{""}},
		{Field: "zone", Value: "Main St", Keys: []any{"p1"}},
		{Field: "zone", Value: "Main St ", Keys: []any{"p2"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("updates=%+v\nwant    %+v", got, want)
	}
}

// parcelDB holds 1,000 points on a 40x25 grid over a 100x100 area. No
// point lies on a zone edge, so each zone contains exactly 100 points.
func parcelDB(t *testing.T) (*sql.DB, *sqlite.Repo) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "parcels.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE parcels (id INTEGER PRIMARY KEY, x REAL, y REAL, in_zone INTEGER, zone TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id := 0
	for r := 0; r < 25; r++ {
		for c := 0; c < 40; c++ {
			id++
			x, y := (float64(c)+0.5)*2.5, (float64(r)+0.5)*4
			if _, err := tx.Exec(`INSERT INTO parcels (id, x, y) VALUES (?, ?, ?)`, id, x, y); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return db, sqlite.Open(db)
}

func source(repo *sqlite.Repo, batch int) *records.TableSource {
	return &records.TableSource{
		Pager:     repo,
		Table:     "parcels",
		Fields:    records.Fields{Key: "id", X: "x", Y: "y"},
		BatchSize: batch,
	}
}

func counts(t *testing.T, db *sql.DB, col string) map[string]int {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf(`SELECT COALESCE(CAST(%s AS TEXT), 'NULL'), COUNT(*) FROM parcels GROUP BY 1`, col))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[k] = n
	}
	return out
}

func snapshot(t *testing.T, db *sql.DB, col string) map[int64]string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf(`SELECT id, COALESCE(CAST(%s AS TEXT), 'NULL') FROM parcels`, col))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var v string
		if err := rows.Scan(&id, &v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[id] = v
	}
	return out
}

func simpleOptions() Options {
	return Options{
		Table:       "parcels",
		KeyField:    "id",
		TargetField: "in_zone",
		TargetValue: int64(1),
		Reset:       true,
		Default:     int64(0),
	}
}

func TestRunSimpleScenario(t *testing.T) {
	for _, mode := range []string{config.ModeAtomic, config.ModeStreaming} {
		t.Run(mode, func(t *testing.T) {
			db, repo := parcelDB(t)
			opts := simpleOptions()
			opts.Mode = mode
			tg := &Tagger{Store: repo, Polygons: zones(), Options: opts}

			res, err := tg.Run(context.Background(), source(repo, 128))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Rows != 1000 || res.Matched != 300 || res.Unmatched != 700 || res.MultiMatch != 0 {
				t.Fatalf("result=%+v", res)
			}
			if res.ResetRows != 1000 || res.RowsUpdated != 300 {
				t.Fatalf("reset=%d updated=%d", res.ResetRows, res.RowsUpdated)
			}
			if got := counts(t, db, "in_zone"); got["1"] != 300 || got["0"] != 700 {
				t.Fatalf("counts=%v", got)
			}

			// Re-tagging without a reset changes nothing.
			before := snapshot(t, db, "in_zone")
			opts.Reset = false
			tg.Options = opts
			if _, err := tg.Run(context.Background(), source(repo, 128)); err != nil {
				t.Fatalf("second Run: %v", err)
			}
			if after := snapshot(t, db, "in_zone"); !reflect.DeepEqual(before, after) {
				t.Fatalf("re-tagging changed the table")
			}
		})
	}
}

func TestRunFieldMapIndependentOfBatchSize(t *testing.T) {
	var first map[int64]string
	for _, size := range []int{1000, 7, 1} {
		db, repo := parcelDB(t)
		opts := Options{
			Table:    "parcels",
			KeyField: "id",
			FieldMap: [][2]string{{"NAME", "zone"}},
			Reset:    true,
			Default:  "none",
		}
		tg := &Tagger{Store: repo, Polygons: zones(), Options: opts}
		if _, err := tg.Run(context.Background(), source(repo, size)); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		got := counts(t, db, "zone")
		want := map[string]int{"west": 100, "central": 100, "north": 100, "none": 700}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("size %d: counts=%v", size, got)
		}
		snap := snapshot(t, db, "zone")
		if first == nil {
			first = snap
		} else if !reflect.DeepEqual(first, snap) {
			t.Fatalf("size %d: values differ from batch size 1000", size)
		}
	}
}

func TestRunBoundaryStaysDefault(t *testing.T) {
	db, repo := parcelDB(t)
	ctx := context.Background()
	// On the west/central shared edge, on a corner, and just inside.
	extra := []struct {
		id   int64
		x, y float64
	}{{2001, 25, 20}, {2002, 50, 40}, {2003, 24.999, 20}}
	for _, p := range extra {
		if _, err := db.ExecContext(ctx, `INSERT INTO parcels (id, x, y) VALUES (?, ?, ?)`, p.id, p.x, p.y); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	tg := &Tagger{Store: repo, Polygons: zones(), Options: simpleOptions()}
	if _, err := tg.Run(ctx, source(repo, 500)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := snapshot(t, db, "in_zone")
	if snap[2001] != "0" || snap[2002] != "0" || snap[2003] != "1" {
		t.Fatalf("boundary tags: %s %s %s", snap[2001], snap[2002], snap[2003])
	}
}

type fakeStore struct {
	calls      []string
	failOn     string
	committed  bool
	rolledBack bool
}

func (s *fakeStore) SetAll(_ context.Context, table, column string, value any) (int64, error) {
	s.calls = append(s.calls, fmt.Sprintf("reset %s.%s=%v", table, column, value))
	return 10, nil
}

func (s *fakeStore) UpdateByKeys(_ context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	call := fmt.Sprintf("update %s.%s=%v keys=%v", table, column, value, keys)
	s.calls = append(s.calls, call)
	if s.failOn != "" && strings.Contains(call, s.failOn) {
		return 0, errors.New("deadlock victim")
	}
	return int64(len(keys)), nil
}

func (s *fakeStore) Begin(context.Context) (storage.Tx, error) {
	s.calls = append(s.calls, "begin")
	return &fakeTx{s: s}, nil
}

type fakeTx struct{ s *fakeStore }

func (t *fakeTx) SetAll(ctx context.Context, table, column string, value any) (int64, error) {
	return t.s.SetAll(ctx, table, column, value)
}

func (t *fakeTx) UpdateByKeys(ctx context.Context, table, keyColumn, column string, value any, keys []any) (int64, error) {
	return t.s.UpdateByKeys(ctx, table, keyColumn, column, value, keys)
}

func (t *fakeTx) Commit(context.Context) error {
	t.s.committed = true
	t.s.calls = append(t.s.calls, "commit")
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.s.committed {
		t.s.rolledBack = true
		t.s.calls = append(t.s.calls, "rollback")
	}
	return nil
}

type sliceSource struct{ batches []*records.Batch }

func (s *sliceSource) Open(context.Context) (records.Reader, error) {
	return &sliceReader{batches: s.batches}, nil
}

type sliceReader struct {
	batches []*records.Batch
	i       int
}

func (r *sliceReader) Next(context.Context) (*records.Batch, error) {
	if r.i >= len(r.batches) {
		return nil, io.EOF
	}
	b := r.batches[r.i]
	r.i++
	return b, nil
}

func (r *sliceReader) Close() error { return nil }

func twoBatches() *sliceSource {
	pts := map[string]orb.Point{"A": {10, 10}, "B": {30, 10}, "C": {90, 90}, "D": {60, 50}}
	b0 := batchOf(pts, "A", "B")
	b1 := batchOf(pts, "C", "D")
	b1.Index = 1
	b1.Skipped = []records.Skipped{{Key: "E", Reason: records.ReasonNullCoord}}
	return &sliceSource{batches: []*records.Batch{b0, b1}}
}

func TestRunAtomicWritesAfterReading(t *testing.T) {
	s := &fakeStore{}
	opts := Options{Table: "parcels", KeyField: "APN", FieldMap: [][2]string{{"NAME", "zone"}}, Reset: true, Default: "none"}
	tg := &Tagger{Store: s, Polygons: zones(), Options: opts}
	res, err := tg.Run(context.Background(), twoBatches())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"begin",
		"reset parcels.zone=none",
		"update parcels.zone=central keys=[B]",
		"update parcels.zone=north keys=[D]",
		"update parcels.zone=west keys=[A]",
		"commit",
	}
	if !reflect.DeepEqual(s.calls, want) {
		t.Fatalf("calls=%q", s.calls)
	}
	if res.Statements != 4 || res.Rows != 5 || len(res.Skipped) != 1 || res.Skipped[0].Key != "E" {
		t.Fatalf("result=%+v", res)
	}
}

func TestRunAtomicRollsBackOnError(t *testing.T) {
	s := &fakeStore{failOn: "north"}
	opts := Options{Table: "parcels", KeyField: "APN", FieldMap: [][2]string{{"NAME", "zone"}}, Reset: true, Default: "none"}
	tg := &Tagger{Store: s, Polygons: zones(), Options: opts}
	if _, err := tg.Run(context.Background(), twoBatches()); err == nil {
		t.Fatalf("expected error")
	}
	if s.committed || !s.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", s.committed, s.rolledBack)
	}
}

func TestRunStreamingWritesPerBatch(t *testing.T) {
	s := &fakeStore{failOn: "north"}
	opts := Options{Table: "parcels", KeyField: "APN", FieldMap: [][2]string{{"NAME", "zone"}}, Reset: true, Default: "none", Mode: config.ModeStreaming}
	tg := &Tagger{Store: s, Polygons: zones(), Options: opts}
	_, err := tg.Run(context.Background(), twoBatches())
	if err == nil || !strings.Contains(err.Error(), "batch 1") {
		t.Fatalf("err=%v", err)
	}
	want := []string{
		"reset parcels.zone=none",
		"update parcels.zone=central keys=[B]",
		"update parcels.zone=west keys=[A]",
		"update parcels.zone=north keys=[D]",
	}
	if !reflect.DeepEqual(s.calls, want) {
		t.Fatalf("calls=%q", s.calls)
	}
}

type lines struct{ msgs []string }

func (l *lines) Printf(format string, v ...any) { l.msgs = append(l.msgs, fmt.Sprintf(format, v...)) }

func TestRunLogsProgress(t *testing.T) {
	l := &lines{}
	opts := simpleOptions()
	opts.Table, opts.KeyField, opts.ProgressEvery = "parcels", "APN", 2
	tg := &Tagger{Store: &fakeStore{}, Polygons: zones(), Options: opts, Logger: l}
	if _, err := tg.Run(context.Background(), twoBatches()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var progress int
	for _, m := range l.msgs {
		if strings.HasPrefix(m, "stage=progress") {
			progress++
		}
	}
	if progress != 2 {
		t.Fatalf("progress lines=%d in %q", progress, l.msgs)
	}
}

type memSink struct{ rows []Row }

func (m *memSink) Write(r Row) error {
	m.rows = append(m.rows, r)
	return nil
}

func TestAssociate(t *testing.T) {
	sink := &memSink{}
	opts := Options{TargetField: "in_zone", TargetValue: "Y", Default: "N"}
	res, err := Associate(context.Background(), twoBatches(), zones(), opts, sink)
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	var tags []string
	for _, r := range sink.rows {
		tags = append(tags, fmt.Sprintf("%v=%v", r.Key, r.Tags[0]))
	}
	if got := strings.Join(tags, " "); got != "A=Y B=Y C=N D=Y" {
		t.Fatalf("tags=%s", got)
	}
	if res.Matched != 3 || res.Unmatched != 1 || len(res.Skipped) != 1 {
		t.Fatalf("result=%+v", res)
	}
}

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSVSink(&buf, "APN", "X", "Y", []string{"Owner", "zone"}, []string{"zone"})
	if err != nil {
		t.Fatalf("NewCSVSink: %v", err)
	}
	rows := []Row{
		{Key: "001-A", X: 6500000.25, Y: 1900000, Values: map[string]any{"Owner": "Smith, J", "zone": "old"}, Tags: []any{"west"}, Matched: true},
		{Key: int64(2), X: 1.5, Y: 2, Values: map[string]any{"Owner": nil}, Tags: []any{nil}},
	}
	for _, r := range rows {
		if err := sink.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := "APN,X,Y,Owner,zone\n001-A,6500000.25,1900000,\"Smith, J\",west\n2,1.5,2,,\n"
	if buf.String() != want {
		t.Fatalf("csv=\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestCheckColumns(t *testing.T) {
	_, repo := parcelDB(t)
	ctx := context.Background()
	fields := records.Fields{Key: "ID", X: "x", Y: "y"}
	if err := CheckColumns(ctx, repo, "parcels", fields, []string{"zone", "In_Zone"}); err != nil {
		t.Fatalf("CheckColumns: %v", err)
	}

	fields.Values = []string{"owner"}
	err := CheckColumns(ctx, repo, "parcels", fields, []string{"zoen"})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err=%v, want ErrMissingField", err)
	}
	if !strings.Contains(err.Error(), "parcels.owner, parcels.zoen") {
		t.Fatalf("err=%v, want both missing fields", err)
	}
}
