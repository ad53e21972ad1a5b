package layer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"
)

// readGeoPackage reads one feature table of a GeoPackage. layer may be empty
// when the package holds exactly one feature table.
func readGeoPackage(path, layer string) (*source, error) {
	ctx := context.Background()
	// sqlite creates missing files; a typo in the path must not yield an empty package.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("layer: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("layer: open %s: %w", path, err)
	}
	defer db.Close()

	table, geomCol, srsID, err := gpkgLayer(ctx, db, layer)
	if err != nil {
		return nil, fmt.Errorf("layer: %s: %w", path, err)
	}

	src := &source{crs: gpkgEPSG(ctx, db, srsID)}

	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("layer: read %s.%s: %w", path, table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	geomIdx := -1
	for i, c := range cols {
		if strings.EqualFold(c, geomCol) {
			geomIdx = i
			continue
		}
		src.fields = append(src.fields, c)
	}
	if geomIdx < 0 {
		return nil, fmt.Errorf("layer: %s.%s has no column %q", path, table, geomCol)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		f := feature{props: make(map[string]any, len(cols)-1)}
		for i, c := range cols {
			if i == geomIdx {
				continue
			}
			f.props[c] = vals[i]
		}
		if blob, ok := vals[geomIdx].([]byte); ok && len(blob) > 0 {
			g, err := decodeGPKGGeometry(blob)
			if err != nil {
				return nil, fmt.Errorf("layer: %s.%s feature %d: %w", path, table, len(src.features)+1, err)
			}
			f.geom = g
		}
		src.features = append(src.features, f)
	}
	return src, rows.Err()
}

func gpkgLayer(ctx context.Context, db *sql.DB, layer string) (table, geomCol string, srsID int64, err error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns`)
	if err != nil {
		return "", "", 0, fmt.Errorf("not a GeoPackage: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var t, c string
		var srs int64
		if err := rows.Scan(&t, &c, &srs); err != nil {
			return "", "", 0, err
		}
		names = append(names, t)
		if layer == "" || strings.EqualFold(layer, t) {
			table, geomCol, srsID = t, c, srs
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", 0, err
	}
	switch {
	case len(names) == 0:
		return "", "", 0, ErrNoFeatures
	case layer == "" && len(names) > 1:
		return "", "", 0, fmt.Errorf("several layers (%s); set polygons.layer", strings.Join(names, ", "))
	case table == "":
		return "", "", 0, fmt.Errorf("layer %q not found (have %s)", layer, strings.Join(names, ", "))
	}
	return table, geomCol, srsID, nil
}

// gpkgEPSG maps a GeoPackage srs_id to its EPSG code, falling back to the id itself.
func gpkgEPSG(ctx context.Context, db *sql.DB, srsID int64) int {
	var org string
	var code int64
	err := db.QueryRowContext(ctx,
		`SELECT organization, organization_coordsys_id FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srsID,
	).Scan(&org, &code)
	if err == nil && strings.EqualFold(org, "EPSG") && code > 0 {
		return int(code)
	}
	if srsID > 0 {
		return int(srsID)
	}
	return 0
}

// decodeGPKGGeometry strips the GeoPackage binary header and decodes the WKB body.
//
// Header: "GP", version, flags, int32 srs_id, optional envelope. Flags bit 0
// is the header byte order, bits 1-3 the envelope kind, bit 4 the empty flag.
func decodeGPKGGeometry(b []byte) (orb.Geometry, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, fmt.Errorf("bad GeoPackage geometry header")
	}
	flags := b[3]
	if flags&0x10 != 0 {
		return nil, nil
	}
	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
		envelope = 0
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("bad GeoPackage envelope flag %d", (flags>>1)&0x07)
	}
	start := 8 + envelope
	if len(b) < start {
		return nil, fmt.Errorf("truncated GeoPackage geometry")
	}
	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return g, nil
}

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
