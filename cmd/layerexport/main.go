// Command layerexport writes chosen fields of a layer to CSV, optionally
// with each feature's geometry as WKT or as centroid coordinates.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
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
	layer    string
	fields   []string
	geometry string
	crs      int
	out      string
	metrics  cli.MetricsFlags
}

func parseFlags(args []string) (options, error) {
	fs, usage := cli.NewFlagSet("layerexport")
	var o options
	var fields string
	fs.StringVar(&o.in, "in", "", "layer to export (.geojson, .gpkg or .shp)")
	fs.StringVar(&o.layer, "layer", "", "GeoPackage table")
	fs.StringVar(&fields, "fields", "", "comma-separated fields in output order (default all)")
	fs.StringVar(&o.geometry, "geometry", extract.GeometryNone, "geometry columns: none, wkt or centroid")
	fs.IntVar(&o.crs, "crs", 0, "EPSG code to reproject into before writing geometry (default the layer's CRS)")
	fs.StringVar(&o.out, "out", "", "output CSV (default stdout)")
	o.metrics.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		return options{}, err
	}

	switch o.geometry {
	case extract.GeometryNone, extract.GeometryWKT, extract.GeometryCentroid:
	default:
		return options{}, fmt.Errorf("-geometry must be none, wkt or centroid")
	}
	if o.in == "" {
		return options{}, fmt.Errorf("missing required -in <layer>")
	}
	if o.crs < 0 {
		return options{}, fmt.Errorf("-crs must be a positive EPSG code")
	}
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			o.fields = append(o.fields, f)
		}
	}
	return o, nil
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
	stop, err := cli.StartMetrics(ctx, d, o.metrics, "layerexport", runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	if err := export(o, d.Stdout, logger); err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	return 0
}

func export(o options, stdout io.Writer, logger *log.Logger) (err error) {
	fs, err := layer.LoadFeatures(layer.Options{Path: o.in, Layer: o.layer, Fields: o.fields, TargetCRS: o.crs, CRS: projcrs.Factory{}})
	if err != nil {
		return err
	}

	w := stdout
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("export: %w", cerr)
			}
		}()
		w = f
	}
	n, err := extract.WriteCSV(w, fs, o.geometry)
	if err != nil {
		return err
	}
	logger.Printf("stage=done rows=%d skipped_empty=%d fields=%s geometry=%s crs=%d", n, fs.SkippedEmpty, strings.Join(fs.Fields, ","), o.geometry, fs.CRS)
	return nil
}
