package layer

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"gistools/internal/crs"
)

// Feature is one feature of a layer of any geometry type.
type Feature struct {
	Index    int
	ID       any
	Geometry orb.Geometry
	Attrs    map[string]any
}

// FeatureSet is a whole layer read with LoadFeatures.
type FeatureSet struct {
	Features []Feature
	// Fields are the kept attributes, as spelled on the source.
	Fields []string
	CRS    int

	SkippedEmpty int
}

// LoadFeatures reads every feature of a layer whatever its geometry type.
// Without opts.Fields every source attribute is kept. Features with no
// geometry are counted in SkippedEmpty.
func LoadFeatures(opts Options) (*FeatureSet, error) {
	src, err := read(opts)
	if err != nil {
		return nil, err
	}
	fields := src.fields
	if len(opts.Fields) > 0 {
		if fields, err = resolveFields(src, opts.Fields, opts.Path); err != nil {
			return nil, err
		}
	}
	var idField string
	if opts.IDField != "" {
		resolved, err := resolveFields(src, []string{opts.IDField}, opts.Path)
		if err != nil {
			return nil, err
		}
		idField = resolved[0]
	}
	tr, outCRS, err := opts.transformer(src.crs)
	if err != nil {
		return nil, err
	}

	set := &FeatureSet{Fields: fields, CRS: outCRS}
	for i, f := range src.features {
		if f.geom == nil {
			set.SkippedEmpty++
			continue
		}
		g, err := crs.TransformGeometry(tr, f.geom)
		if err != nil {
			return nil, fmt.Errorf("layer: reproject feature %d of %s: %w", i+1, opts.Path, err)
		}
		set.Features = append(set.Features, Feature{
			Index:    len(set.Features),
			ID:       featureID(f, idField, i),
			Geometry: g,
			Attrs:    pick(f.props, fields),
		})
	}
	if len(set.Features) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFeatures, opts.Path)
	}
	return set, nil
}

// WriteGeoJSON writes fc to path. A CRS other than 0 or EPSG:4326 is
// recorded in a legacy "crs" member so LoadPolygons and LoadFeatures read the
// file back in the same CRS.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection, epsg int) error {
	if epsg != 0 && epsg != crs.WGS84 {
		if fc.ExtraMembers == nil {
			fc.ExtraMembers = geojson.Properties{}
		}
		fc.ExtraMembers["crs"] = map[string]any{
			"type":       "name",
			"properties": map[string]any{"name": fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", epsg)},
		}
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("layer: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("layer: write %s: %w", path, err)
	}
	return nil
}
