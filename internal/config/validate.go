package config

import (
	"fmt"
	"sort"
	"strings"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found by Validate. Path is the dotted job field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// IssuesError joins error-severity issues into one error, or returns nil.
func IssuesError(issues []Issue) error {
	var msgs []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			msgs = append(msgs, i.Path+": "+i.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid job: %s", strings.Join(msgs, "; "))
}

type issues []Issue

func (is *issues) errf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a job after ApplyDefaults. Column existence is checked
// later against the live table; this only checks the job's own shape.
func Validate(j Job) []Issue {
	var is issues

	if j.CRS <= 0 {
		is.errf("crs", "must be a positive EPSG code")
	}

	if j.Records.CSV == nil {
		validateStorage(&is, "storage", j.Storage)
		if j.Records.Table == "" {
			is.errf("records.table", "required")
		}
	} else {
		if j.Records.CSV.Path == "" {
			is.errf("records.csv.path", "required")
		}
		if len([]rune(j.Records.CSV.Comma)) > 1 {
			is.errf("records.csv.comma", "must be a single character")
		}
		if j.Export.Path == "" {
			is.warnf("export.path", "CSV records cannot be written back; set export.path to keep the tags")
		}
	}
	if j.Records.KeyField == "" {
		is.errf("records.key_field", "required")
	}
	if j.Records.XField == "" {
		is.errf("records.x_field", "required")
	}
	if j.Records.YField == "" {
		is.errf("records.y_field", "required")
	}
	if j.Records.BatchSize <= 0 {
		is.errf("records.batch_size", "must be > 0")
	}

	if j.Polygons.Path == "" {
		is.errf("polygons.path", "required")
	}
	if len(j.Polygons.Fields) == 0 {
		is.warnf("polygons.fields", "no attribute fields selected; set id_field to keep a polygon identifier")
	}

	if len(j.Tag.FieldMap) == 0 {
		if j.Tag.TargetField == "" {
			is.errf("tag.target_field", "required when tag.field_map is empty")
		}
	} else {
		if j.Tag.TargetField != "" {
			is.warnf("tag.target_field", "ignored when tag.field_map is set")
		}
		seen := map[string]string{}
		for _, p := range j.Tag.FieldMapPairs() {
			if p[1] == "" {
				is.errf("tag.field_map."+p[0], "destination field is empty")
				continue
			}
			if prev, ok := seen[strings.ToLower(p[1])]; ok {
				is.errf("tag.field_map."+p[0], "destination %q already mapped from %q", p[1], prev)
			}
			seen[strings.ToLower(p[1])] = p[0]
			if !containsFold(j.Polygons.Fields, p[0]) {
				is.errf("tag.field_map."+p[0], "source field is not in polygons.fields")
			}
		}
	}

	switch j.Tag.TieBreak {
	case TieBreakSmallestArea, TieBreakFirst, TieBreakError:
	default:
		is.errf("tag.tie_break", "unknown policy %q (want %s, %s or %s)", j.Tag.TieBreak, TieBreakSmallestArea, TieBreakFirst, TieBreakError)
	}
	switch j.Tag.Mode {
	case ModeAtomic, ModeStreaming:
	default:
		is.errf("tag.mode", "unknown mode %q (want %s or %s)", j.Tag.Mode, ModeAtomic, ModeStreaming)
	}
	if j.Tag.Mode == ModeStreaming && j.Tag.Reset.Enabled {
		is.warnf("tag.mode", "streaming mode commits the reset pass before tagging; a failed run leaves defaults behind")
	}
	if j.Records.CSV != nil && j.Tag.Mode == ModeStreaming {
		is.warnf("tag.mode", "ignored for CSV records")
	}

	return is
}

// ValidateJoin checks an attribute join job.
func ValidateJoin(j JoinJob) []Issue {
	var is issues
	validateStorage(&is, "storage", j.Storage)
	for path, v := range map[string]string{
		"target_table": j.TargetTable,
		"target_key":   j.TargetKey,
		"join_table":   j.JoinTable,
		"join_key":     j.JoinKey,
	} {
		if v == "" {
			is.errf(path, "required")
		}
	}
	if len(j.Fields) == 0 {
		is.errf("fields", "at least one field is required")
	}
	if j.BatchSize <= 0 {
		is.errf("batch_size", "must be > 0")
	}
	sortIssues(is)
	return is
}

func validateStorage(is *issues, path string, s Storage) {
	switch s.Kind {
	case "mssql":
		if s.DSN == "" && s.Database == "" {
			is.errf(path+".database", "required when dsn is empty")
		}
		if s.TrustedConnection != nil && !*s.TrustedConnection && s.DSN == "" && s.User == "" {
			is.errf(path+".user", "required when trusted_connection is false")
		}
	case "postgres", "sqlite":
		if s.DSN == "" {
			is.errf(path+".dsn", "required")
		}
	case "":
		is.errf(path+".kind", "required (mssql, postgres or sqlite)")
	default:
		is.errf(path+".kind", "unknown kind %q", s.Kind)
	}
}

func containsFold(xs []string, want string) bool {
	for _, x := range xs {
		if strings.EqualFold(x, want) {
			return true
		}
	}
	return false
}

// sortIssues orders issues by path so map-driven checks report deterministically.
func sortIssues(is issues) {
	sort.SliceStable(is, func(a, b int) bool { return is[a].Path < is[b].Path })
}
