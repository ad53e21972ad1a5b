// Package extract copies subsets of a layer: the features related to a set
// of selection polygons, or chosen fields as a CSV table.
package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	sfgeom "github.com/peterstace/simplefeatures/geom"

	"gistools/internal/layer"
	"gistools/internal/metrics"
)

// Spatial relationships a feature can have with a selection polygon.
const (
	// Intersects selects features sharing any point with the polygon,
	// boundary included.
	Intersects = "intersects"
	// Within selects features with no point outside the polygon.
	Within = "within"
)

// Relationships lists the accepted relationship names.
var Relationships = []string{Intersects, Within}

// Select returns the features of fs related by rel to at least one polygon
// of sel. Each feature is returned once, in load order. fs and sel must be
// in the same CRS.
func Select(ctx context.Context, fs *layer.FeatureSet, sel *layer.PolygonSet, rel string) (out []layer.Feature, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("select", start, err) }()

	if rel != Intersects && rel != Within {
		return nil, fmt.Errorf("extract: unknown relationship %q", rel)
	}
	polys := make([]sfgeom.Geometry, len(sel.Polygons))
	for i, p := range sel.Polygons {
		if polys[i], err = toSF(p.Geometry); err != nil {
			return nil, fmt.Errorf("extract: selection polygon %v: %w", p.ID, err)
		}
	}

	for i, f := range fs.Features {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fb := f.Geometry.Bound()
		var g sfgeom.Geometry
		converted := false
		for j, p := range sel.Polygons {
			if !candidate(fb, p.Bound, rel) {
				continue
			}
			if !converted {
				if g, err = toSF(f.Geometry); err != nil {
					return nil, fmt.Errorf("extract: feature %v: %w", f.ID, err)
				}
				converted = true
			}
			ok, err := related(polys[j], g, rel)
			if err != nil {
				return nil, fmt.Errorf("extract: feature %v: %w", f.ID, err)
			}
			if ok {
				out = append(out, f)
				break
			}
		}
	}
	metrics.AddRecords("selected", len(out))
	return out, nil
}

// candidate is the bound test that must pass before the exact predicate.
func candidate(feature, poly orb.Bound, rel string) bool {
	if rel == Within {
		return poly.Contains(feature.Min) && poly.Contains(feature.Max)
	}
	return poly.Intersects(feature)
}

func related(poly, g sfgeom.Geometry, rel string) (bool, error) {
	if rel == Within {
		return sfgeom.Contains(poly, g)
	}
	return sfgeom.Intersects(poly, g), nil
}

func toSF(g orb.Geometry) (sfgeom.Geometry, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return sfgeom.Geometry{}, err
	}
	return sfgeom.UnmarshalWKB(b)
}

// FeatureCollection converts features to GeoJSON, keeping ids and attributes.
func FeatureCollection(feats []layer.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range feats {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		for k, v := range f.Attrs {
			gf.Properties[k] = v
		}
		fc.Append(gf)
	}
	return fc
}
