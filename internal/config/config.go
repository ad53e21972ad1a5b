// Package config defines the job files that parameterize each workflow.
//
// A job is JSON, or YAML when the file ends in .yaml/.yml. String fields that
// carry connection details go through os.ExpandEnv after .env files are loaded,
// so secrets stay out of the job file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultCRS           = 2226
	DefaultBatchSize     = 10_000
	DefaultProgressEvery = 50_000
	DefaultServer        = "SQL-SVR"
)

// Tie-break policies for records inside more than one polygon.
const (
	TieBreakSmallestArea = "smallest_area"
	TieBreakFirst        = "first"
	TieBreakError        = "error"
)

// Write modes.
const (
	ModeAtomic    = "atomic"
	ModeStreaming = "streaming"
)

// Job configures one spatial tagging run.
type Job struct {
	Name     string   `json:"job" yaml:"job"`
	CRS      int      `json:"crs" yaml:"crs"`
	Storage  Storage  `json:"storage" yaml:"storage"`
	Records  Records  `json:"records" yaml:"records"`
	Polygons Polygons `json:"polygons" yaml:"polygons"`
	Tag      Tag      `json:"tag" yaml:"tag"`
	Export   Export   `json:"export" yaml:"export"`
}

// Storage selects a backend. For mssql either DSN or Server+Database is used.
type Storage struct {
	Kind              string `json:"kind" yaml:"kind"`
	DSN               string `json:"dsn" yaml:"dsn"`
	Server            string `json:"server" yaml:"server"`
	Database          string `json:"database" yaml:"database"`
	TrustedConnection *bool  `json:"trusted_connection" yaml:"trusted_connection"`
	User              string `json:"user" yaml:"user"`
	Password          string `json:"password" yaml:"password"`
}

// Records describes the point table (or CSV file) to tag.
type Records struct {
	Table       string     `json:"table" yaml:"table"`
	KeyField    string     `json:"key_field" yaml:"key_field"`
	XField      string     `json:"x_field" yaml:"x_field"`
	YField      string     `json:"y_field" yaml:"y_field"`
	ValueFields []string   `json:"value_fields" yaml:"value_fields"`
	Where       string     `json:"where" yaml:"where"`
	BatchSize   int        `json:"batch_size" yaml:"batch_size"`
	CRS         int        `json:"crs" yaml:"crs"`
	CSV         *CSVSource `json:"csv" yaml:"csv"`
}

// CSVSource reads records from a delimited file instead of a table.
type CSVSource struct {
	Path     string `json:"path" yaml:"path"`
	Comma    string `json:"comma" yaml:"comma"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

// Polygons describes the reference polygon layer.
type Polygons struct {
	Path    string   `json:"path" yaml:"path"`
	Layer   string   `json:"layer" yaml:"layer"`
	Fields  []string `json:"fields" yaml:"fields"`
	IDField string   `json:"id_field" yaml:"id_field"`
	CRS     int      `json:"crs" yaml:"crs"`
}

// Tag controls what gets written back.
type Tag struct {
	TargetField string            `json:"target_field" yaml:"target_field"`
	TargetValue any               `json:"target_value" yaml:"target_value"`
	FieldMap    map[string]string `json:"field_map" yaml:"field_map"`
	Reset       Reset             `json:"reset" yaml:"reset"`
	TieBreak    string            `json:"tie_break" yaml:"tie_break"`
	Mode        string            `json:"mode" yaml:"mode"`

	// ProgressEvery logs a progress line each time this many rows have been read.
	ProgressEvery int `json:"progress_every" yaml:"progress_every"`
}

// Reset is the default-value pass run before tagging.
type Reset struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Default any  `json:"default" yaml:"default"`
}

// Export optionally writes every record with its tag to CSV.
type Export struct {
	Path string `json:"path" yaml:"path"`
}

// JoinJob configures an attribute join between two tables.
type JoinJob struct {
	Name        string   `json:"job" yaml:"job"`
	Storage     Storage  `json:"storage" yaml:"storage"`
	TargetTable string   `json:"target_table" yaml:"target_table"`
	TargetKey   string   `json:"target_key" yaml:"target_key"`
	JoinTable   string   `json:"join_table" yaml:"join_table"`
	JoinKey     string   `json:"join_key" yaml:"join_key"`
	Fields      []string `json:"fields" yaml:"fields"`
	Where       string   `json:"where" yaml:"where"`
	BatchSize   int      `json:"batch_size" yaml:"batch_size"`
}

// FieldMapPairs returns the field map as (source, destination) pairs sorted by
// source field, so writes happen in a stable order.
func (t Tag) FieldMapPairs() [][2]string {
	src := make([]string, 0, len(t.FieldMap))
	for k := range t.FieldMap {
		src = append(src, k)
	}
	sort.Strings(src)
	out := make([][2]string, 0, len(src))
	for _, s := range src {
		out = append(out, [2]string{s, t.FieldMap[s]})
	}
	return out
}

// TargetFields lists every record field the tag writes to.
func (t Tag) TargetFields() []string {
	if len(t.FieldMap) == 0 {
		return []string{t.TargetField}
	}
	var out []string
	for _, p := range t.FieldMapPairs() {
		out = append(out, p[1])
	}
	return out
}

// LoadEnv loads .env and .env.local from dir (or the working directory when dir
// is empty). Missing files are ignored; already-set variables win.
func LoadEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a tagging job, loads .env files next to it, expands environment
// references and applies defaults. It does not validate; call Validate.
func Load(path string) (Job, error) {
	var j Job
	if err := decodeFile(path, &j); err != nil {
		return Job{}, err
	}
	j.Storage = j.Storage.expand()
	j.ApplyDefaults()
	return j, nil
}

// LoadJoin reads an attribute join job.
func LoadJoin(path string) (JoinJob, error) {
	var j JoinJob
	if err := decodeFile(path, &j); err != nil {
		return JoinJob{}, err
	}
	j.Storage = j.Storage.expand()
	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.Storage.Kind == "mssql" && j.Storage.Server == "" {
		j.Storage.Server = DefaultServer
	}
	return j, nil
}

func decodeFile(path string, v any) error {
	if err := LoadEnv(filepath.Dir(path)); err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

func (s Storage) expand() Storage {
	s.DSN = os.ExpandEnv(s.DSN)
	s.Server = os.ExpandEnv(s.Server)
	s.Database = os.ExpandEnv(s.Database)
	s.User = os.ExpandEnv(s.User)
	s.Password = os.ExpandEnv(s.Password)
	return s
}

// ApplyDefaults fills unset fields and normalizes numeric scalars decoded from
// JSON (float64) or YAML (uint64) into int64 when integral.
func (j *Job) ApplyDefaults() {
	if j.CRS == 0 {
		j.CRS = DefaultCRS
	}
	if j.Storage.Kind == "mssql" && j.Storage.DSN == "" && j.Storage.Server == "" {
		j.Storage.Server = DefaultServer
	}
	if j.Records.BatchSize <= 0 {
		j.Records.BatchSize = DefaultBatchSize
	}
	if j.Records.CRS == 0 {
		j.Records.CRS = j.CRS
	}
	if len(j.Polygons.Fields) == 0 {
		if len(j.Tag.FieldMap) > 0 {
			for _, p := range j.Tag.FieldMapPairs() {
				j.Polygons.Fields = append(j.Polygons.Fields, p[0])
			}
		} else if j.Polygons.IDField != "" {
			j.Polygons.Fields = []string{j.Polygons.IDField}
		}
	}
	if j.Tag.TargetValue == nil {
		j.Tag.TargetValue = int64(1)
	}
	j.Tag.TargetValue = Scalar(j.Tag.TargetValue)
	if j.Tag.Reset.Default == nil {
		j.Tag.Reset.Default = int64(0)
	}
	j.Tag.Reset.Default = Scalar(j.Tag.Reset.Default)
	if j.Tag.TieBreak == "" {
		j.Tag.TieBreak = TieBreakSmallestArea
	}
	if j.Tag.Mode == "" {
		j.Tag.Mode = ModeAtomic
	}
	if j.Tag.ProgressEvery <= 0 {
		j.Tag.ProgressEvery = DefaultProgressEvery
	}
}

// Scalar converts decoded config numbers to int64 when integral, leaving
// strings and other values unchanged.
func Scalar(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	default:
		return v
	}
}

// MSSQLDSN returns the connection string for a SQL Server storage block.
// An explicit DSN wins. Otherwise a sqlserver:// URL is built; with a trusted
// connection (the default) no credentials are embedded and the driver uses
// integrated authentication.
func MSSQLDSN(s Storage) string {
	if s.DSN != "" {
		return s.DSN
	}
	server := s.Server
	if server == "" {
		server = DefaultServer
	}
	// A named instance (SERVER\INSTANCE) becomes the URL path.
	host, instance, _ := strings.Cut(server, `\`)
	u := &url.URL{Scheme: "sqlserver", Host: host}
	if instance != "" {
		u.Path = "/" + instance
	}
	trusted := s.TrustedConnection == nil || *s.TrustedConnection
	if !trusted && s.User != "" {
		u.User = url.UserPassword(s.User, s.Password)
	}
	q := url.Values{}
	if s.Database != "" {
		q.Set("database", s.Database)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ResolveDSN returns the backend DSN for any storage kind.
func (s Storage) ResolveDSN() string {
	if s.Kind == "mssql" {
		return MSSQLDSN(s)
	}
	return s.DSN
}
