package layer

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"gistools/internal/crs"
)

var epsgSuffix = regexp.MustCompile(`(?i)EPSG:+(\d+)$`)

// readGeoJSON reads a FeatureCollection. RFC 7946 files are EPSG:4326; a
// legacy "crs" member naming an EPSG code (e.g. urn:ogc:def:crs:EPSG::2226)
// overrides that.
func readGeoJSON(path string) (*source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layer: read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("layer: parse %s: %w", path, err)
	}

	src := &source{crs: crs.WGS84}
	if name := gjson.GetBytes(raw, "crs.properties.name"); name.Exists() {
		switch m := epsgSuffix.FindStringSubmatch(name.String()); {
		case m != nil:
			src.crs, _ = strconv.Atoi(m[1])
		case strings.HasSuffix(name.String(), "CRS84"):
			src.crs = crs.WGS84
		default:
			return nil, fmt.Errorf("%w: crs %q in %s", ErrUnsupported, name.String(), path)
		}
	}

	seen := map[string]bool{}
	for _, f := range fc.Features {
		src.features = append(src.features, feature{
			id:    f.ID,
			geom:  f.Geometry,
			props: map[string]any(f.Properties),
		})
		for k := range f.Properties {
			if !seen[k] {
				seen[k] = true
				src.fields = append(src.fields, k)
			}
		}
	}
	sort.Strings(src.fields)
	return src, nil
}
