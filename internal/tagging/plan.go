package tagging

import (
	"sort"

	"gistools/internal/storage"
)

// Update sets Field to Value on every key in Keys. One Update is one grouped
// write; backends split Keys into chunks under their parameter limit.
type Update struct {
	Field string
	Value any
	Keys  []any
}

// plan groups matched keys by (field, value).
type plan struct {
	fields []string
	groups []map[string]*group // per field, by groupKey(value)
}

type group struct {
	value any
	keys  []any
}

func newPlan(fields []string) *plan {
	p := &plan{fields: fields, groups: make([]map[string]*group, len(fields))}
	for i := range p.groups {
		p.groups[i] = map[string]*group{}
	}
	return p
}

func (p *plan) add(matches []Match) {
	for _, m := range matches {
		for i, v := range m.Values {
			gk := groupKey(v)
			g, ok := p.groups[i][gk]
			if !ok {
				g = &group{value: v}
				p.groups[i][gk] = g
			}
			g.keys = append(g.keys, m.Key)
		}
	}
}

// updates returns the grouped writes ordered by field, then value, with
// deduplicated sorted keys. The order is stable across runs and batch sizes.
func (p *plan) updates() []Update {
	var out []Update
	for i, f := range p.fields {
		gks := make([]string, 0, len(p.groups[i]))
		for gk := range p.groups[i] {
			gks = append(gks, gk)
		}
		sort.Strings(gks)
		for _, gk := range gks {
			g := p.groups[i][gk]
			out = append(out, Update{Field: f, Value: g.value, Keys: storage.UniqueKeys(g.keys)})
		}
	}
	return out
}

// GroupUpdates groups matches into writes for the given target fields.
func GroupUpdates(fields []string, matches []Match) []Update {
	p := newPlan(fields)
	p.add(matches)
	return p.updates()
}
