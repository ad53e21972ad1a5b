package isochrone

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"gistools/internal/crs"
	"gistools/internal/layer"
	"gistools/internal/metrics"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// PointsAlongLine returns points every interval units along ls, measured in
// the line's own units, starting at its first vertex. The last vertex is
// always included.
func PointsAlongLine(ls orb.LineString, interval float64) []orb.Point {
	if len(ls) == 0 {
		return nil
	}
	if len(ls) == 1 || interval <= 0 {
		return []orb.Point{ls[0], ls[len(ls)-1]}
	}
	out := []orb.Point{ls[0]}
	next := interval
	walked := 0.0
	for i := 1; i < len(ls); i++ {
		a, b := ls[i-1], ls[i]
		seg := math.Hypot(b[0]-a[0], b[1]-a[1])
		for seg > 0 && next <= walked+seg {
			t := (next - walked) / seg
			out = append(out, orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])})
			next += interval
		}
		walked += seg
	}
	if last := ls[len(ls)-1]; out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

// LineOptions configures LineIsochrones.
type LineOptions struct {
	Profile   string
	RangeType string

	// Range is in API units; see RangeFor.
	Range []float64

	// Interval is the spacing between origins in LineCRS units.
	Interval float64
	LineCRS  int
	CRS      crs.Factory
	Logger   Logger
}

// LineIsochrones samples origins along every line, reprojects them to
// EPSG:4326, requests isochrones MaxLocations at a time and dissolves the
// answers into one MultiPolygon feature per range value, in ascending order.
func LineIsochrones(ctx context.Context, c *Client, lines []layer.Line, opts LineOptions) (fc *geojson.FeatureCollection, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("isochrone", start, err) }()

	tr, err := crs.For(opts.CRS, opts.LineCRS, crs.WGS84)
	if err != nil {
		return nil, fmt.Errorf("isochrone: %w", err)
	}
	var origins []orb.Point
	for _, l := range lines {
		for _, part := range l.Geometry {
			for _, p := range PointsAlongLine(part, opts.Interval) {
				q, err := tr.Transform(p)
				if err != nil {
					return nil, fmt.Errorf("isochrone: line %v: %w", l.ID, err)
				}
				origins = append(origins, q)
			}
		}
	}
	if len(origins) == 0 {
		return nil, fmt.Errorf("isochrone: no origins generated from %d lines", len(lines))
	}
	logf(opts.Logger, "stage=isochrone_origins lines=%d points=%d requests=%d",
		len(lines), len(origins), (len(origins)+MaxLocations-1)/MaxLocations)

	var polys []*geojson.Feature
	for i := 0; i < len(origins); i += MaxLocations {
		end := min(i+MaxLocations, len(origins))
		res, err := c.Isochrones(ctx, Request{
			Profile:   opts.Profile,
			Locations: origins[i:end],
			Range:     opts.Range,
			RangeType: opts.RangeType,
		})
		if err != nil {
			return nil, fmt.Errorf("isochrone: request %d: %w", i/MaxLocations+1, err)
		}
		polys = append(polys, res.Features...)
		metrics.AddRecords("isochrone_origins", end-i)
	}

	out := Dissolve(polys)
	for _, f := range out.Features {
		f.Properties["profile"] = opts.Profile
		f.Properties["range_type"] = opts.RangeType
	}
	logf(opts.Logger, "stage=isochrone_done polygons=%d features=%d dur_ms=%d",
		len(polys), len(out.Features), time.Since(start).Milliseconds())
	return out, nil
}

// Dissolve merges polygon features sharing a "value" property into one
// MultiPolygon each. Parts are collected, not unioned, so overlapping
// isochrones stay as separate parts. Non-polygon features are ignored.
func Dissolve(features []*geojson.Feature) *geojson.FeatureCollection {
	groups := map[float64]orb.MultiPolygon{}
	for _, f := range features {
		v, ok := f.Properties["value"].(float64)
		if !ok {
			continue
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			groups[v] = append(groups[v], g)
		case orb.MultiPolygon:
			groups[v] = append(groups[v], g...)
		}
	}
	values := make([]float64, 0, len(groups))
	for v := range groups {
		values = append(values, v)
	}
	sort.Float64s(values)

	fc := geojson.NewFeatureCollection()
	for _, v := range values {
		f := geojson.NewFeature(groups[v])
		f.Properties["value"] = v
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes fc to path.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection) error {
	return layer.WriteGeoJSON(path, fc, crs.WGS84)
}

func logf(l Logger, format string, v ...any) {
	if l != nil {
		l.Printf(format, v...)
	}
}
