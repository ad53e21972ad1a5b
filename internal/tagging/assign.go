// Package tagging classifies point records by the polygons that contain them
// and writes the result back to the record table.
package tagging

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gistools/internal/config"
	"gistools/internal/layer"
	"gistools/internal/records"
	"gistools/internal/storage"
)

// ErrMultiMatch is returned under the "error" tie-break when a record lies in
// several polygons that would write different values.
var ErrMultiMatch = errors.New("tagging: record matches polygons with different values")

// Options describe what a match writes.
type Options struct {
	Table    string
	KeyField string

	// TargetField and TargetValue apply in simple mode (no FieldMap).
	TargetField string
	TargetValue any

	// FieldMap holds (polygon attribute, record field) pairs. When non-empty a
	// match writes each attribute of the chosen polygon to its record field.
	FieldMap [][2]string

	// Reset writes Default to every target field before tagging.
	Reset   bool
	Default any

	TieBreak      string
	Mode          string
	ProgressEvery int
}

// OptionsFromJob maps a tagging job onto Options.
func OptionsFromJob(j config.Job) Options {
	return Options{
		Table:         j.Records.Table,
		KeyField:      j.Records.KeyField,
		TargetField:   j.Tag.TargetField,
		TargetValue:   j.Tag.TargetValue,
		FieldMap:      j.Tag.FieldMapPairs(),
		Reset:         j.Tag.Reset.Enabled,
		Default:       j.Tag.Reset.Default,
		TieBreak:      j.Tag.TieBreak,
		Mode:          j.Tag.Mode,
		ProgressEvery: j.Tag.ProgressEvery,
	}
}

// TargetFields lists the record fields a match writes, in write order.
func (o Options) TargetFields() []string {
	if len(o.FieldMap) == 0 {
		return []string{o.TargetField}
	}
	out := make([]string, len(o.FieldMap))
	for i, p := range o.FieldMap {
		out[i] = p[1]
	}
	return out
}

// Match is a record inside at least one polygon.
type Match struct {
	Key any
	// Polygon is the index of the chosen polygon in the set.
	Polygon int
	// Candidates is how many polygons contain the record.
	Candidates int
	// Values line up with Options.TargetFields.
	Values []any
}

// Assignment is the outcome for one batch.
type Assignment struct {
	// Outcome holds, per batch record, its index in Matches or -1.
	Outcome    []int
	Matches    []Match
	Unmatched  []any
	MultiMatch int
}

// Assign tests every record of b against the polygon set. Containment is
// strict: a record on a polygon edge is not inside it.
func Assign(b *records.Batch, set *layer.PolygonSet, opts Options) (*Assignment, error) {
	attrs, err := attrNames(set, opts.FieldMap)
	if err != nil {
		return nil, err
	}
	out := &Assignment{Outcome: make([]int, len(b.Records))}
	for ri, r := range b.Records {
		cands := set.Containing(r.Point)
		if len(cands) == 0 {
			out.Outcome[ri] = -1
			out.Unmatched = append(out.Unmatched, r.Key)
			continue
		}
		if len(cands) > 1 {
			out.MultiMatch++
		}
		pick, err := choose(set, cands, attrs, opts.TieBreak)
		if err != nil {
			return nil, fmt.Errorf("%w: key %v in polygons %s", err, r.Key, polygonIDs(set, cands))
		}
		out.Outcome[ri] = len(out.Matches)
		out.Matches = append(out.Matches, Match{
			Key:        Coerce(r.Key),
			Polygon:    pick,
			Candidates: len(cands),
			Values:     values(set, pick, attrs, opts.TargetValue),
		})
	}
	return out, nil
}

// choose applies the tie-break to the polygons containing one record.
// cands are in load order.
func choose(set *layer.PolygonSet, cands []int, attrs []string, policy string) (int, error) {
	if len(cands) == 1 {
		return cands[0], nil
	}
	switch policy {
	case config.TieBreakFirst:
		return cands[0], nil
	case config.TieBreakError:
		first := values(set, cands[0], attrs, nil)
		for _, c := range cands[1:] {
			if !sameValues(first, values(set, c, attrs, nil)) {
				return 0, ErrMultiMatch
			}
		}
		return cands[0], nil
	default:
		best := cands[0]
		for _, c := range cands[1:] {
			if set.Polygons[c].Area < set.Polygons[best].Area {
				best = c
			}
		}
		return best, nil
	}
}

// values returns what polygon i writes. Without attrs it is the simple-mode
// target value.
func values(set *layer.PolygonSet, i int, attrs []string, target any) []any {
	if len(attrs) == 0 {
		return []any{target}
	}
	out := make([]any, len(attrs))
	for j, a := range attrs {
		out[j] = Coerce(set.Polygons[i].Attrs[a])
	}
	return out
}

func sameValues(a, b []any) bool {
	for i := range a {
		if groupKey(a[i]) != groupKey(b[i]) {
			return false
		}
	}
	return true
}

// attrNames resolves field-map sources to the attribute spelling on the set.
func attrNames(set *layer.PolygonSet, fm [][2]string) ([]string, error) {
	if len(fm) == 0 {
		return nil, nil
	}
	out := make([]string, len(fm))
	for i, p := range fm {
		found := false
		for _, f := range set.Fields {
			if strings.EqualFold(f, p[0]) {
				out[i] = f
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: polygon attribute %q was not loaded", layer.ErrMissingField, p[0])
		}
	}
	return out, nil
}

func polygonIDs(set *layer.PolygonSet, idx []int) string {
	ids := make([]string, len(idx))
	for i, j := range idx {
		ids[i] = storage.NormalizeKey(set.Polygons[j].ID)
	}
	return strings.Join(ids, ",")
}

// Coerce converts keys and attribute values to the types written back:
// integral floats become int64 and []byte becomes string.
func Coerce(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case float32:
		return Coerce(float64(t))
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case []byte:
		return string(t)
	default:
		return v
	}
}

// groupKey identifies a written value exactly; NULL is kept apart from "".
func groupKey(v any) string {
	return storage.IdentityKey(v)
}
