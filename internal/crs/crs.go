// Package crs reprojects geometries between EPSG coordinate reference systems.
//
// The workflows only depend on the Transformer and Factory interfaces; the PROJ
// implementation lives in crs/projcrs so packages and tests that never
// reproject do not need cgo.
package crs

import (
	"fmt"

	"github.com/paulmach/orb"
)

// WGS84 is the geographic CRS used by GeoJSON and web APIs.
const WGS84 = 4326

// Transformer maps a point from one CRS to another. Geographic coordinates are
// always lon/lat (x=lon, y=lat).
type Transformer interface {
	Transform(p orb.Point) (orb.Point, error)
}

// Factory builds transformers between EPSG codes.
type Factory interface {
	New(from, to int) (Transformer, error)
}

// Identity leaves points unchanged.
type Identity struct{}

func (Identity) Transform(p orb.Point) (orb.Point, error) { return p, nil }

// IdentityFactory only supports from == to. It is the default where no
// reprojection engine is wired in.
type IdentityFactory struct{}

func (IdentityFactory) New(from, to int) (Transformer, error) {
	if from == to || from == 0 || to == 0 {
		return Identity{}, nil
	}
	return nil, fmt.Errorf("crs: no reprojection engine for EPSG:%d -> EPSG:%d", from, to)
}

// For returns Identity when from == to and otherwise defers to f.
func For(f Factory, from, to int) (Transformer, error) {
	if from == to {
		return Identity{}, nil
	}
	if f == nil {
		f = IdentityFactory{}
	}
	return f.New(from, to)
}

// TransformGeometry reprojects every vertex of g. Supported types are the ones
// the loaders produce: points, line strings, rings, polygons and their multi forms.
func TransformGeometry(t Transformer, g orb.Geometry) (orb.Geometry, error) {
	if _, ok := t.(Identity); ok {
		return g, nil
	}
	switch v := g.(type) {
	case orb.Point:
		q, err := t.Transform(v)
		if err != nil {
			return nil, err
		}
		return q, nil
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(v))
		for i, p := range v {
			q, err := t.Transform(p)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	case orb.LineString:
		pts, err := transformPoints(t, v)
		if err != nil {
			return nil, err
		}
		return orb.LineString(pts), nil
	case orb.Ring:
		pts, err := transformPoints(t, v)
		if err != nil {
			return nil, err
		}
		return orb.Ring(pts), nil
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(v))
		for i, ls := range v {
			pts, err := transformPoints(t, ls)
			if err != nil {
				return nil, err
			}
			out[i] = orb.LineString(pts)
		}
		return out, nil
	case orb.Polygon:
		q, err := transformPolygon(t, v)
		if err != nil {
			return nil, err
		}
		return q, nil
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			q, err := transformPolygon(t, p)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	default:
		return nil, fmt.Errorf("crs: unsupported geometry %s", g.GeoJSONType())
	}
}

func transformPolygon(t Transformer, p orb.Polygon) (orb.Polygon, error) {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		pts, err := transformPoints(t, r)
		if err != nil {
			return nil, err
		}
		out[i] = orb.Ring(pts)
	}
	return out, nil
}

func transformPoints(t Transformer, pts []orb.Point) ([]orb.Point, error) {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		q, err := t.Transform(p)
		if err != nil {
			return nil, fmt.Errorf("crs: vertex %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}
