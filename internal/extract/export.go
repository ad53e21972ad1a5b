package extract

import (
	"fmt"
	"io"
	"strconv"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/sfomuseum/go-csvdict"

	"gistools/internal/layer"
	"gistools/internal/metrics"
	"gistools/internal/tagging"
)

// Geometry columns WriteCSV can append.
const (
	GeometryNone     = "none"
	GeometryWKT      = "wkt"      // one "wkt" column
	GeometryCentroid = "centroid" // "x" and "y" columns
)

// WriteCSV writes fs as a table: one row per feature with fs.Fields in order,
// then the geometry columns asked for. It returns the rows written.
func WriteCSV(w io.Writer, fs *layer.FeatureSet, geometry string) (int, error) {
	cols := append([]string(nil), fs.Fields...)
	switch geometry {
	case "", GeometryNone:
	case GeometryWKT:
		cols = append(cols, "wkt")
	case GeometryCentroid:
		cols = append(cols, "x", "y")
	default:
		return 0, fmt.Errorf("extract: unknown geometry output %q", geometry)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c] {
			return 0, fmt.Errorf("extract: column %q appears twice", c)
		}
		seen[c] = true
	}

	cw, err := csvdict.NewWriter(w, cols)
	if err != nil {
		return 0, fmt.Errorf("extract: csv: %w", err)
	}
	cw.WriteHeader()
	for _, f := range fs.Features {
		row := make(map[string]string, len(cols))
		for _, k := range fs.Fields {
			row[k] = tagging.Cell(f.Attrs[k])
		}
		switch geometry {
		case GeometryWKT:
			row["wkt"] = wkt.MarshalString(f.Geometry)
		case GeometryCentroid:
			c, _ := planar.CentroidArea(f.Geometry)
			row["x"] = strconv.FormatFloat(c[0], 'f', -1, 64)
			row["y"] = strconv.FormatFloat(c[1], 'f', -1, 64)
		}
		if err := cw.WriteRow(row); err != nil {
			return 0, fmt.Errorf("extract: csv row %d: %w", f.Index+1, err)
		}
	}
	cw.Writer.Flush()
	if err := cw.Writer.Error(); err != nil {
		return 0, fmt.Errorf("extract: csv: %w", err)
	}
	metrics.AddRecords("exported", len(fs.Features))
	return len(fs.Features), nil
}
