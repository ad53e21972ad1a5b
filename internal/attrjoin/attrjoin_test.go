package attrjoin

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"gistools/internal/config"
	"gistools/internal/storage/sqlite"
)

func hexDB(t *testing.T) (*sql.DB, *sqlite.Repo) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "hex.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, s := range []string{
		`CREATE TABLE hex2020 (GRID_ID INTEGER PRIMARY KEY, DU35 INTEGER, EMPTOT35 REAL)`,
		`CREATE TABLE hex2035 (grid_id INTEGER PRIMARY KEY, du35 INTEGER, emptot35 REAL, note TEXT)`,
		`INSERT INTO hex2020 (GRID_ID, DU35, EMPTOT35) VALUES (1, -1, -1), (2, -1, -1), (3, -1, -1), (4, -1, -1)`,
		`INSERT INTO hex2035 VALUES (1, 10, 2.5, 'a'), (2, 10, NULL, 'b'), (3, 30, 7.25, 'c'), (99, 5, 5, 'orphan')`,
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return db, sqlite.Open(db)
}

func job() config.JoinJob {
	return config.JoinJob{
		TargetTable: "hex2020",
		TargetKey:   "GRID_ID",
		JoinTable:   "hex2035",
		JoinKey:     "GRID_ID",
		Fields:      []string{"DU35", "EMPTOT35"},
		BatchSize:   2,
	}
}

func TestJoinerRun(t *testing.T) {
	db, repo := hexDB(t)
	j := &Joiner{Repo: repo, Job: job()}
	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.JoinRows != 4 {
		t.Fatalf("join rows=%d", res.JoinRows)
	}
	// DU35: 5, 10, 30. EMPTOT35: NULL, 2.5, 5, 7.25.
	if res.Updates != 7 {
		t.Fatalf("updates=%d", res.Updates)
	}
	if res.RowsUpdated != 6 {
		t.Fatalf("rows updated=%d", res.RowsUpdated)
	}

	rows, err := db.Query(`SELECT GRID_ID, DU35, EMPTOT35 FROM hex2020 ORDER BY GRID_ID`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	type rec struct {
		du  int64
		emp sql.NullFloat64
	}
	got := map[int64]rec{}
	for rows.Next() {
		var id int64
		var r rec
		if err := rows.Scan(&id, &r.du, &r.emp); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got[id] = r
	}
	want := map[int64]rec{
		1: {10, sql.NullFloat64{Float64: 2.5, Valid: true}},
		2: {10, sql.NullFloat64{}},
		3: {30, sql.NullFloat64{Float64: 7.25, Valid: true}},
		4: {-1, sql.NullFloat64{Float64: -1, Valid: true}},
	}
	for id, w := range want {
		if got[id] != w {
			t.Fatalf("grid %d: got %+v, want %+v", id, got[id], w)
		}
	}
}

func TestJoinerWhere(t *testing.T) {
	db, repo := hexDB(t)
	jb := job()
	jb.Where = "note <> 'a'"
	if _, err := (&Joiner{Repo: repo, Job: jb}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var du int64
	if err := db.QueryRow(`SELECT DU35 FROM hex2020 WHERE GRID_ID = 1`).Scan(&du); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if du != -1 {
		t.Fatalf("filtered row was joined: DU35=%d", du)
	}
}

func TestJoinerMissingField(t *testing.T) {
	_, repo := hexDB(t)
	jb := job()
	jb.Fields = []string{"DU35", "note"}
	_, err := (&Joiner{Repo: repo, Job: jb}).Run(context.Background())
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err=%v, want ErrMissingField", err)
	}
}

func TestJoinerKeepsExactTextValues(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "streets.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, s := range []string{
		`CREATE TABLE segments (seg TEXT PRIMARY KEY, name TEXT)`,
		`CREATE TABLE names (seg TEXT PRIMARY KEY, name TEXT)`,
		`INSERT INTO segments VALUES ('', 'old'), ('a', 'old'), ('b', 'old')`,
		`INSERT INTO names VALUES ('', 'E'), ('a', 'Main St'), ('b', 'Main St ')`,
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	jb := config.JoinJob{
		TargetTable: "segments",
		TargetKey:   "seg",
		JoinTable:   "names",
		JoinKey:     "seg",
		Fields:      []string{"name"},
		BatchSize:   2,
	}
	res, err := (&Joiner{Repo: sqlite.Open(db), Job: jb}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RowsUpdated != 3 {
		t.Fatalf("rows updated=%d, want 3", res.RowsUpdated)
	}
	want := map[string]string{"": "E", "a": "Main St", "b": "Main St "}
	rows, err := db.Query(`SELECT seg, name FROM segments`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if want[k] != v {
			t.Fatalf("seg %q name=%q, want %q", k, v, want[k])
		}
	}
}
