// Package layer loads reference polygon and line layers into memory.
//
// Sources are chosen by file extension: GeoJSON (.geojson, .json), GeoPackage
// (.gpkg) and Shapefile (.shp). Every geometry is reprojected into the working
// CRS on load, and a loaded PolygonSet is never modified afterwards.
package layer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"

	"gistools/internal/crs"
	"gistools/internal/geo"
)

var (
	// ErrNoFeatures is returned when a source yields zero usable features.
	ErrNoFeatures = errors.New("layer: source has no features")

	// ErrMissingField is returned when a requested attribute is not on the source.
	ErrMissingField = errors.New("layer: field not found on source")

	// ErrUnsupported is returned for unknown extensions and unexpected geometry types.
	ErrUnsupported = errors.New("layer: unsupported")
)

// Options selects what to load.
type Options struct {
	Path string

	// Layer names the GeoPackage table. Optional when the package has one layer.
	Layer string

	// Fields are the attributes kept on each feature. Matching is
	// case-insensitive; the names are reported as spelled on the source.
	Fields []string

	// IDField supplies Polygon.ID. When empty the source feature id is used,
	// falling back to the 1-based load position.
	IDField string

	// SourceCRS overrides the CRS declared by the source (0 = use declared).
	SourceCRS int

	// TargetCRS is the working CRS geometries are reprojected into.
	TargetCRS int

	// CRS builds transformers; nil only supports SourceCRS == TargetCRS.
	CRS crs.Factory
}

// Polygon is one reference polygon.
type Polygon struct {
	// Index is the 0-based load position; it breaks ties deterministically.
	Index    int
	ID       any
	Geometry orb.Geometry // orb.Polygon or orb.MultiPolygon
	Attrs    map[string]any
	Bound    orb.Bound
	Area     float64
}

// PolygonSet is an immutable, in-memory polygon layer.
type PolygonSet struct {
	Polygons []Polygon
	CRS      int
	Fields   []string

	// SkippedEmpty counts source features with no geometry.
	SkippedEmpty int

	indexOnce sync.Once
	index     *rtreego.Rtree
}

// Len returns the number of polygons.
func (s *PolygonSet) Len() int { return len(s.Polygons) }

// Containing returns the indexes of polygons that strictly contain pt, in load order.
func (s *PolygonSet) Containing(pt orb.Point) []int {
	s.indexOnce.Do(s.buildIndex)
	// A strictly interior point intersects its polygon's bound even as a
	// zero-size rect; points on a bound edge are never strictly inside.
	hits := s.index.SearchIntersect(rtreego.Point{pt[0], pt[1]}.ToRect(0))
	if len(hits) == 0 {
		return nil
	}
	var out []int
	for _, h := range hits {
		i := h.(indexed).i
		p := &s.Polygons[i]
		if geo.WithinBound(pt, p.Geometry, p.Bound) {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// indexed is one polygon bound in the R-tree.
type indexed struct {
	i int
	r rtreego.Rect
}

func (x indexed) Bounds() rtreego.Rect { return x.r }

func (s *PolygonSet) buildIndex() {
	items := make([]rtreego.Spatial, 0, len(s.Polygons))
	for i, p := range s.Polygons {
		b := p.Bound
		r, err := rtreego.NewRectFromPoints(rtreego.Point{b.Min[0], b.Min[1]}, rtreego.Point{b.Max[0], b.Max[1]})
		if err != nil {
			continue
		}
		items = append(items, indexed{i: i, r: r})
	}
	s.index = rtreego.NewTree(2, 25, 50, items...)
}

// Line is one feature of a line layer.
type Line struct {
	Index    int
	ID       any
	Geometry orb.MultiLineString
	Attrs    map[string]any
}

// feature is the format-neutral record every reader produces.
type feature struct {
	id    any
	geom  orb.Geometry
	props map[string]any
}

// source is a fully read layer before field selection and reprojection.
type source struct {
	features []feature
	fields   []string // attribute names available on the source
	crs      int      // declared CRS, 0 when unknown
}

func read(opts Options) (*source, error) {
	switch strings.ToLower(filepath.Ext(opts.Path)) {
	case ".geojson", ".json":
		return readGeoJSON(opts.Path)
	case ".gpkg":
		return readGeoPackage(opts.Path, opts.Layer)
	case ".shp":
		return readShapefile(opts.Path)
	default:
		return nil, fmt.Errorf("%w: file type %q (%s)", ErrUnsupported, filepath.Ext(opts.Path), opts.Path)
	}
}

// resolveFields maps requested names onto the source's spelling.
func resolveFields(src *source, want []string, path string) ([]string, error) {
	byLower := make(map[string]string, len(src.fields))
	for _, f := range src.fields {
		byLower[strings.ToLower(f)] = f
	}
	out := make([]string, 0, len(want))
	var missing []string
	for _, w := range want {
		f, ok := byLower[strings.ToLower(w)]
		if !ok {
			missing = append(missing, w)
			continue
		}
		out = append(out, f)
	}
	if len(missing) > 0 {
		avail := append([]string(nil), src.fields...)
		sort.Strings(avail)
		return nil, fmt.Errorf("%w: %s on %s (available: %s)", ErrMissingField, strings.Join(missing, ", "), path, strings.Join(avail, ", "))
	}
	return out, nil
}

func (o Options) transformer(declared int) (crs.Transformer, int, error) {
	from := o.SourceCRS
	if from == 0 {
		from = declared
	}
	if from == 0 {
		from = o.TargetCRS
	}
	if o.TargetCRS == 0 {
		return crs.Identity{}, from, nil
	}
	t, err := crs.For(o.CRS, from, o.TargetCRS)
	if err != nil {
		return nil, 0, err
	}
	return t, o.TargetCRS, nil
}

// LoadPolygons reads a polygon layer. It fails, with nothing loaded, when the
// source has zero polygon features, when a requested field is absent, or when
// any feature carries a non-polygon geometry.
func LoadPolygons(opts Options) (*PolygonSet, error) {
	src, err := read(opts)
	if err != nil {
		return nil, err
	}
	var idField string
	if opts.IDField != "" {
		resolved, err := resolveFields(src, []string{opts.IDField}, opts.Path)
		if err != nil {
			return nil, err
		}
		idField = resolved[0]
	}
	fields, err := resolveFields(src, opts.Fields, opts.Path)
	if err != nil {
		return nil, err
	}
	tr, outCRS, err := opts.transformer(src.crs)
	if err != nil {
		return nil, err
	}

	set := &PolygonSet{CRS: outCRS, Fields: fields}
	for i, f := range src.features {
		if f.geom == nil {
			set.SkippedEmpty++
			continue
		}
		switch f.geom.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("%w: feature %d of %s is %s, want Polygon or MultiPolygon", ErrUnsupported, i+1, opts.Path, f.geom.GeoJSONType())
		}
		g, err := crs.TransformGeometry(tr, f.geom)
		if err != nil {
			return nil, fmt.Errorf("layer: reproject feature %d of %s: %w", i+1, opts.Path, err)
		}

		p := Polygon{
			Index:    len(set.Polygons),
			ID:       featureID(f, idField, i),
			Geometry: g,
			Attrs:    pick(f.props, fields),
			Bound:    g.Bound(),
			Area:     geo.Area(g),
		}
		set.Polygons = append(set.Polygons, p)
	}
	if len(set.Polygons) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFeatures, opts.Path)
	}
	return set, nil
}

// LoadLines reads a line layer. LineStrings are promoted to one-part
// MultiLineStrings.
func LoadLines(opts Options) ([]Line, int, error) {
	src, err := read(opts)
	if err != nil {
		return nil, 0, err
	}
	fields, err := resolveFields(src, opts.Fields, opts.Path)
	if err != nil {
		return nil, 0, err
	}
	var idField string
	if opts.IDField != "" {
		resolved, err := resolveFields(src, []string{opts.IDField}, opts.Path)
		if err != nil {
			return nil, 0, err
		}
		idField = resolved[0]
	}
	tr, outCRS, err := opts.transformer(src.crs)
	if err != nil {
		return nil, 0, err
	}

	var out []Line
	for i, f := range src.features {
		var mls orb.MultiLineString
		switch g := f.geom.(type) {
		case nil:
			continue
		case orb.LineString:
			mls = orb.MultiLineString{g}
		case orb.MultiLineString:
			mls = g
		default:
			return nil, 0, fmt.Errorf("%w: feature %d of %s is %s, want LineString", ErrUnsupported, i+1, opts.Path, f.geom.GeoJSONType())
		}
		g, err := crs.TransformGeometry(tr, mls)
		if err != nil {
			return nil, 0, fmt.Errorf("layer: reproject feature %d of %s: %w", i+1, opts.Path, err)
		}
		out = append(out, Line{
			Index:    len(out),
			ID:       featureID(f, idField, i),
			Geometry: g.(orb.MultiLineString),
			Attrs:    pick(f.props, fields),
		})
	}
	if len(out) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoFeatures, opts.Path)
	}
	return out, outCRS, nil
}

func featureID(f feature, idField string, i int) any {
	if idField != "" {
		return f.props[idField]
	}
	if f.id != nil {
		return f.id
	}
	return int64(i + 1)
}

func pick(props map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, k := range fields {
		out[k] = props[k]
	}
	return out
}
