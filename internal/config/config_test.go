package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "job.json", `{
		"job": "ej_tag",
		"storage": {"kind": "mssql", "database": "MTP2024"},
		"records": {"table": "PARCEL_MASTER", "key_field": "PARCELID", "x_field": "XCOORD", "y_field": "YCOORD"},
		"polygons": {"path": "ej.geojson", "id_field": "OBJECTID"},
		"tag": {"target_field": "EJ", "reset": {"enabled": true}}
	}`)

	j, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if j.CRS != DefaultCRS || j.Records.CRS != DefaultCRS {
		t.Fatalf("crs=%d records.crs=%d", j.CRS, j.Records.CRS)
	}
	if j.Records.BatchSize != DefaultBatchSize {
		t.Fatalf("batch_size=%d", j.Records.BatchSize)
	}
	if j.Storage.Server != DefaultServer {
		t.Fatalf("server=%q", j.Storage.Server)
	}
	if j.Tag.TargetValue != int64(1) || j.Tag.Reset.Default != int64(0) {
		t.Fatalf("target=%#v default=%#v", j.Tag.TargetValue, j.Tag.Reset.Default)
	}
	if j.Tag.TieBreak != TieBreakSmallestArea || j.Tag.Mode != ModeAtomic {
		t.Fatalf("tie_break=%q mode=%q", j.Tag.TieBreak, j.Tag.Mode)
	}
	if !reflect.DeepEqual(j.Polygons.Fields, []string{"OBJECTID"}) {
		t.Fatalf("fields=%v", j.Polygons.Fields)
	}
	if issues := Validate(j); HasErrors(issues) {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestLoadYAMLWithEnvAndFieldMap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "GIS_PG_DSN=postgres://gis@localhost/parcels\n")
	t.Cleanup(func() { os.Unsetenv("GIS_PG_DSN") })

	p := writeFile(t, dir, "job.yaml", `
job: jobctr
crs: 2226
storage:
  kind: postgres
  dsn: "${GIS_PG_DSN}"
records:
  table: parcel_master
  key_field: parcelid
  x_field: xcoord
  y_field: ycoord
  batch_size: 500
polygons:
  path: jobctr.gpkg
tag:
  field_map:
    Status: JOBCTR
    Name: CTR_NAME
  reset:
    enabled: true
    default: "none"
  tie_break: first
`)

	j, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if j.Storage.DSN != "postgres://gis@localhost/parcels" {
		t.Fatalf("dsn=%q", j.Storage.DSN)
	}
	if j.Records.BatchSize != 500 {
		t.Fatalf("batch_size=%d", j.Records.BatchSize)
	}
	if want := []string{"Name", "Status"}; !reflect.DeepEqual(j.Polygons.Fields, want) {
		t.Fatalf("fields=%v, want %v", j.Polygons.Fields, want)
	}
	if want := []string{"CTR_NAME", "JOBCTR"}; !reflect.DeepEqual(j.Tag.TargetFields(), want) {
		t.Fatalf("target fields=%v, want %v", j.Tag.TargetFields(), want)
	}
	if j.Tag.Reset.Default != "none" {
		t.Fatalf("default=%#v", j.Tag.Reset.Default)
	}
	if issues := Validate(j); HasErrors(issues) {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestLoadRejectsUnknownJSONFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "job.json", `{"job":"x","polygon":{}}`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestValidateReportsProblems(t *testing.T) {
	j := Job{
		Storage: Storage{Kind: "oracle"},
		Tag: Tag{
			FieldMap: map[string]string{"Status": "", "Name": "x", "Other": "X"},
			TieBreak: "random",
			Mode:     "batchy",
		},
	}
	j.ApplyDefaults()
	j.Tag.TieBreak = "random"
	j.Tag.Mode = "batchy"

	issues := Validate(j)
	err := IssuesError(issues)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"storage.kind",
		"records.table",
		"records.key_field",
		"polygons.path",
		"tag.field_map.Status",
		"already mapped",
		"tag.tie_break",
		"tag.mode",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestValidateCSVRecordsNeedNoStorage(t *testing.T) {
	j := Job{
		Records:  Records{KeyField: "id", XField: "x", YField: "y", CSV: &CSVSource{Path: "pts.csv"}},
		Polygons: Polygons{Path: "zones.geojson", IDField: "id"},
		Tag:      Tag{TargetField: "in_zone"},
	}
	j.ApplyDefaults()
	issues := Validate(j)
	if HasErrors(issues) {
		t.Fatalf("unexpected errors: %v", issues)
	}
	var warned bool
	for _, i := range issues {
		if i.Path == "export.path" && i.Severity == SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected export.path warning, got %v", issues)
	}
}

func TestMSSQLDSN(t *testing.T) {
	no := false
	tests := []struct {
		name string
		in   Storage
		want string
	}{
		{name: "trusted_default", in: Storage{Server: "SQL-SVR", Database: "MTP2024"}, want: "sqlserver://SQL-SVR?database=MTP2024"},
		{name: "named_instance", in: Storage{Server: `SQL-SVR\GIS`, Database: "db"}, want: "sqlserver://SQL-SVR/GIS?database=db"},
		{name: "sql_login", in: Storage{Server: "h", Database: "db", TrustedConnection: &no, User: "u", Password: "p w"}, want: "sqlserver://u:p%20w@h?database=db"},
		{name: "explicit_dsn", in: Storage{DSN: "sqlserver://x"}, want: "sqlserver://x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MSSQLDSN(tc.in); got != tc.want {
				t.Fatalf("MSSQLDSN()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestLoadJoinAndValidate(t *testing.T) {
	p := writeFile(t, t.TempDir(), "join.json", `{
		"storage": {"kind": "sqlite", "dsn": "parcels.db"},
		"target_table": "parcels", "target_key": "apn",
		"join_table": "landuse", "join_key": "apn",
		"fields": ["LU_CODE"]
	}`)
	j, err := LoadJoin(p)
	if err != nil {
		t.Fatalf("LoadJoin: %v", err)
	}
	if j.BatchSize != DefaultBatchSize {
		t.Fatalf("batch_size=%d", j.BatchSize)
	}
	if issues := ValidateJoin(j); len(issues) != 0 {
		t.Fatalf("issues=%v", issues)
	}
	if issues := ValidateJoin(JoinJob{}); !HasErrors(issues) || issues[0].Path != "batch_size" {
		t.Fatalf("want sorted errors, got %v", issues)
	}
}

func TestScalar(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{float64(3), int64(3)},
		{2.5, 2.5},
		{uint64(7), int64(7)},
		{"R1", "R1"},
		{nil, nil},
	}
	for _, tc := range tests {
		if got := Scalar(tc.in); got != tc.want {
			t.Fatalf("Scalar(%#v)=%#v, want %#v", tc.in, got, tc.want)
		}
	}
}
