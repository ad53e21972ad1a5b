package layer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// readShapefile reads a .shp with its .dbf. Shapefiles carry their CRS only
// as WKT in the .prj, so the declared CRS is left unknown and the job's
// polygons.crs applies.
func readShapefile(path string) (*source, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("layer: open %s: %w", path, err)
	}
	defer r.Close()

	fields := r.Fields()
	src := &source{}
	for _, f := range fields {
		src.fields = append(src.fields, f.String())
	}

	for r.Next() {
		n, shape := r.Shape()
		f := feature{props: make(map[string]any, len(fields))}
		for i, fd := range fields {
			f.props[fd.String()] = dbfValue(fd, r.ReadAttribute(n, i))
		}
		g, err := shapeGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("layer: %s shape %d: %w", path, n+1, err)
		}
		f.geom = g
		src.features = append(src.features, f)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("layer: read %s: %w", path, err)
	}
	return src, nil
}

// dbfValue types a DBF attribute: N without decimals as int64, N/F with
// decimals as float64, L as bool, everything else as a trimmed string.
// Blank values are nil.
func dbfValue(fd shp.Field, raw string) any {
	s := strings.TrimSpace(strings.Trim(raw, "\x00"))
	if s == "" {
		return nil
	}
	switch fd.Fieldtype {
	case 'N', 'F':
		if fd.Precision == 0 {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
		return s
	case 'L':
		switch strings.ToUpper(s) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		}
		return nil
	default:
		return s
	}
}

func shapeGeometry(s shp.Shape) (orb.Geometry, error) {
	switch v := s.(type) {
	case *shp.Null:
		return nil, nil
	case *shp.Polygon:
		return polygonFromParts(v.Parts, v.Points), nil
	case *shp.PolygonZ:
		return polygonFromParts(v.Parts, v.Points), nil
	case *shp.PolygonM:
		return polygonFromParts(v.Parts, v.Points), nil
	case *shp.PolyLine:
		return linesFromParts(v.Parts, v.Points), nil
	case *shp.PolyLineZ:
		return linesFromParts(v.Parts, v.Points), nil
	case *shp.PolyLineM:
		return linesFromParts(v.Parts, v.Points), nil
	case *shp.Point:
		return orb.Point{v.X, v.Y}, nil
	default:
		return nil, fmt.Errorf("%w: shape type %T", ErrUnsupported, s)
	}
}

func splitParts(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := len(pts)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) >= end {
			continue
		}
		part := make([]orb.Point, 0, end-int(start))
		for _, p := range pts[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func linesFromParts(parts []int32, pts []shp.Point) orb.Geometry {
	var mls orb.MultiLineString
	for _, p := range splitParts(parts, pts) {
		mls = append(mls, orb.LineString(p))
	}
	if len(mls) == 1 {
		return mls[0]
	}
	return mls
}

// polygonFromParts groups rings into polygons. Shells are clockwise in the
// shapefile format; each counter-clockwise ring is a hole of the first shell
// that contains it, or of the last shell read when none does.
func polygonFromParts(parts []int32, pts []shp.Point) orb.Geometry {
	var mp orb.MultiPolygon
	var holes []orb.Ring
	for _, p := range splitParts(parts, pts) {
		r := orb.Ring(p)
		if r.Orientation() == orb.CW {
			mp = append(mp, orb.Polygon{r})
			continue
		}
		holes = append(holes, r)
	}
	if len(mp) == 0 {
		// Writers that ignore the winding rule: treat every ring as a shell.
		for _, h := range holes {
			mp = append(mp, orb.Polygon{h})
		}
		holes = nil
	}
	for _, h := range holes {
		target := len(mp) - 1
		for i := range mp {
			if planar.RingContains(mp[i][0], h[0]) {
				target = i
				break
			}
		}
		mp[target] = append(mp[target], h)
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}
