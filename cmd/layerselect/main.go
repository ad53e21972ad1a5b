// Command layerselect writes the features of a layer that intersect, or lie
// within, the polygons of a selection layer to a new GeoJSON file.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gistools/internal/cli"
	"gistools/internal/crs/projcrs"
	"gistools/internal/extract"
	"gistools/internal/layer"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], cli.Deps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: cli.DatadogFactory,
	}))
}

type options struct {
	in       string
	sel      string
	selLayer string
	inLayer  string
	rel      string
	fields   []string
	crs      int
	out      string
	metrics  cli.MetricsFlags
}

func parseFlags(args []string) (options, error) {
	fs, usage := cli.NewFlagSet("layerselect")
	var o options
	var fields string
	fs.StringVar(&o.in, "in", "", "layer to select from (.geojson, .gpkg or .shp)")
	fs.StringVar(&o.inLayer, "in-layer", "", "GeoPackage table of -in")
	fs.StringVar(&o.sel, "select", "", "polygon layer to select with")
	fs.StringVar(&o.selLayer, "select-layer", "", "GeoPackage table of -select")
	fs.StringVar(&o.rel, "relationship", extract.Intersects, "spatial relationship: "+strings.Join(extract.Relationships, " or "))
	fs.StringVar(&fields, "fields", "", "comma-separated fields to keep (default all)")
	fs.IntVar(&o.crs, "crs", 0, "EPSG code both layers are compared in (default the -in layer's CRS)")
	fs.StringVar(&o.out, "out", "", "output GeoJSON (default <in>_selected.geojson)")
	o.metrics.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		return options{}, err
	}

	switch {
	case o.in == "":
		return options{}, fmt.Errorf("missing required -in <layer>")
	case o.sel == "":
		return options{}, fmt.Errorf("missing required -select <polygon layer>")
	case !slices.Contains(extract.Relationships, o.rel):
		return options{}, fmt.Errorf("-relationship must be one of %s", strings.Join(extract.Relationships, ", "))
	case o.crs < 0:
		return options{}, fmt.Errorf("-crs must be a positive EPSG code")
	}
	o.fields = splitList(fields)
	if o.out == "" {
		o.out = strings.TrimSuffix(o.in, filepath.Ext(o.in)) + "_selected.geojson"
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// run returns 0 on success, 1 when the run fails and 2 for usage errors.
func run(ctx context.Context, args []string, d cli.Deps) int {
	d = d.Defaults()
	o, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	runID := cli.NewRunID()
	logger := log.New(d.Stderr, "run_id="+runID+" ", log.LstdFlags)
	stop, err := cli.StartMetrics(ctx, d, o.metrics, "layerselect", runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	if err := selectFeatures(ctx, o, logger); err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	fmt.Fprintln(d.Stdout, o.out)
	return 0
}

func selectFeatures(ctx context.Context, o options, logger *log.Logger) error {
	factory := projcrs.Factory{}
	in, err := layer.LoadFeatures(layer.Options{Path: o.in, Layer: o.inLayer, Fields: o.fields, TargetCRS: o.crs, CRS: factory})
	if err != nil {
		return err
	}
	// The selection layer follows the input into one CRS.
	sel, err := layer.LoadPolygons(layer.Options{Path: o.sel, Layer: o.selLayer, TargetCRS: in.CRS, CRS: factory})
	if err != nil {
		return err
	}
	logger.Printf("stage=load ok features=%d skipped_empty=%d selection=%d crs=%d", len(in.Features), in.SkippedEmpty, sel.Len(), in.CRS)

	feats, err := extract.Select(ctx, in, sel, o.rel)
	if err != nil {
		return err
	}
	if err := layer.WriteGeoJSON(o.out, extract.FeatureCollection(feats), in.CRS); err != nil {
		return err
	}
	logger.Printf("stage=done relationship=%s selected=%d of=%d out=%s", o.rel, len(feats), len(in.Features), o.out)
	return nil
}
