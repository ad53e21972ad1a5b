package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gistools/internal/cli"
	"gistools/internal/layer"
)

const parcelsGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::2226"}},
  "features": [
    {"type": "Feature", "id": 1, "properties": {"APN": "001", "OWNER": "city"},
     "geometry": {"type": "Polygon", "coordinates": [[[1,1],[3,1],[3,3],[1,3],[1,1]]]}},
    {"type": "Feature", "id": 2, "properties": {"APN": "002", "OWNER": "county"},
     "geometry": {"type": "Polygon", "coordinates": [[[8,1],[12,1],[12,3],[8,3],[8,1]]]}},
    {"type": "Feature", "id": 3, "properties": {"APN": "003", "OWNER": "state"},
     "geometry": {"type": "Polygon", "coordinates": [[[20,20],[22,20],[22,22],[20,22],[20,20]]]}},
    {"type": "Feature", "id": 4, "properties": {"APN": "004", "OWNER": "none"}, "geometry": null}
  ]
}`

const districtGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::2226"}},
  "features": [
    {"type": "Feature", "properties": {"name": "downtown"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
  ]
}`

func fixture(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "parcels.geojson")
	sel := filepath.Join(dir, "downtown.geojson")
	for p, body := range map[string]string{in: parcelsGeoJSON, sel: districtGeoJSON} {
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return in, sel
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-in", "data/parcels.shp", "-select", "d.geojson", "-fields", " APN, OWNER ,"})
	if err != nil {
		t.Fatal(err)
	}
	if o.out != "data/parcels_selected.geojson" || o.rel != "intersects" || o.crs != 0 {
		t.Fatalf("defaults=%+v", o)
	}
	if strings.Join(o.fields, "|") != "APN|OWNER" {
		t.Fatalf("fields=%q", o.fields)
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "missing required -in"},
		{[]string{"-in", "a.geojson"}, "missing required -select"},
		{[]string{"-in", "a.geojson", "-select", "b.geojson", "-relationship", "touches"}, "-relationship must be one of"},
		{[]string{"-in", "a.geojson", "-select", "b.geojson", "-crs", "-1"}, "-crs must be"},
		{[]string{"-bogus"}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		var stderr bytes.Buffer
		if code := run(context.Background(), tt.args, cli.Deps{Stderr: &stderr}); code != 2 {
			t.Fatalf("args %v: code=%d, want 2", tt.args, code)
		}
		if !strings.Contains(stderr.String(), tt.want) {
			t.Fatalf("args %v: stderr=%q, want %q", tt.args, stderr.String(), tt.want)
		}
	}
}

func TestRunSelects(t *testing.T) {
	in, sel := fixture(t)
	tests := []struct {
		rel  string
		want []string
	}{
		{"intersects", []string{"001", "002"}},
		{"within", []string{"001"}},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "sel.geojson")
			var stdout, stderr bytes.Buffer
			code := run(context.Background(),
				[]string{"-in", in, "-select", sel, "-relationship", tt.rel, "-fields", "apn", "-out", out},
				cli.Deps{Stdout: &stdout, Stderr: &stderr})
			if code != 0 {
				t.Fatalf("code=%d stderr=%s", code, stderr.String())
			}
			if strings.TrimSpace(stdout.String()) != out {
				t.Fatalf("stdout=%q", stdout.String())
			}
			if !strings.Contains(stderr.String(), "stage=load ok features=3 skipped_empty=1 selection=1 crs=2226") {
				t.Fatalf("stderr=%s", stderr.String())
			}

			got, err := layer.LoadFeatures(layer.Options{Path: out})
			if err != nil {
				t.Fatalf("read output: %v", err)
			}
			if got.CRS != 2226 || strings.Join(got.Fields, ",") != "APN" {
				t.Fatalf("crs=%d fields=%v", got.CRS, got.Fields)
			}
			var apns []string
			for _, f := range got.Features {
				apns = append(apns, f.Attrs["APN"].(string))
			}
			if strings.Join(apns, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("selected %v, want %v", apns, tt.want)
			}
		})
	}
}

func TestRunMissingSelection(t *testing.T) {
	in, _ := fixture(t)
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-in", in, "-select", filepath.Join(t.TempDir(), "none.geojson")}, cli.Deps{Stderr: &stderr})
	if code != 1 || !strings.Contains(stderr.String(), "stage=failed") {
		t.Fatalf("code=%d stderr=%s", code, stderr.String())
	}
}
