package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gistools/internal/cli"
)

const stopsGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::2226"}},
  "features": [
    {"type": "Feature", "properties": {"STOP_ID": 12, "NAME": "Depot", "ROUTES": "1,30"},
     "geometry": {"type": "Point", "coordinates": [6700000.5, 1980000]}},
    {"type": "Feature", "properties": {"STOP_ID": 13, "NAME": "K St", "ROUTES": "30"},
     "geometry": {"type": "Point", "coordinates": [6701000, 1980250.25]}}
  ]
}`

func stops(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stops.geojson")
	if err := os.WriteFile(p, []byte(stopsGeoJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunExportsChosenFields(t *testing.T) {
	in := stops(t)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-in", in, "-fields", "name,stop_id", "-geometry", "centroid"},
		cli.Deps{Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, stderr.String())
	}
	want := "NAME,STOP_ID,x,y\nDepot,12,6700000.5,1980000\nK St,13,6701000,1980250.25\n"
	if stdout.String() != want {
		t.Fatalf("csv=%q, want %q", stdout.String(), want)
	}
	if !strings.Contains(stderr.String(), "stage=done rows=2 skipped_empty=0 fields=NAME,STOP_ID geometry=centroid crs=2226") {
		t.Fatalf("stderr=%s", stderr.String())
	}
}

func TestRunExportsAllFieldsToFile(t *testing.T) {
	in := stops(t)
	out := filepath.Join(t.TempDir(), "stops.csv")
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"-in", in, "-out", out}, cli.Deps{Stderr: &stderr}); code != 0 {
		t.Fatalf("code=%d stderr=%s", code, stderr.String())
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	// GeoJSON properties come back in name order.
	if want := "NAME,ROUTES,STOP_ID\nDepot,\"1,30\",12\nK St,30,13\n"; string(b) != want {
		t.Fatalf("csv=%q, want %q", b, want)
	}
}

func TestRunErrors(t *testing.T) {
	in := stops(t)
	tests := []struct {
		args []string
		code int
		want string
	}{
		{nil, 2, "missing required -in"},
		{[]string{"-in", in, "-geometry", "geojson"}, 2, "-geometry must be"},
		{[]string{"-in", in, "-fields", "NAME,ZONE"}, 1, "field not found"},
		{[]string{"-in", in, "-out", filepath.Join(t.TempDir(), "missing", "x.csv")}, 1, "stage=failed"},
	}
	for _, tt := range tests {
		var stderr bytes.Buffer
		if code := run(context.Background(), tt.args, cli.Deps{Stderr: &stderr}); code != tt.code {
			t.Fatalf("args %v: code=%d, want %d (stderr=%s)", tt.args, code, tt.code, stderr.String())
		}
		if !strings.Contains(stderr.String(), tt.want) {
			t.Fatalf("args %v: stderr=%q, want %q", tt.args, stderr.String(), tt.want)
		}
	}
}
