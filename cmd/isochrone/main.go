// Command isochrone writes travel-time or travel-distance polygons around a
// line layer, using origins sampled along each line.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gistools/internal/cli"
	"gistools/internal/crs/projcrs"
	"gistools/internal/isochrone"
	"gistools/internal/layer"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], cli.Deps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: cli.DatadogFactory,
	}))
}

const feetPerMile = 5280

type options struct {
	line      string
	keyFile   string
	profile   string
	rangeType string
	ranges    string
	perMile   float64
	crs       int
	out       string
	baseURL   string
	perMinute int
	metrics   cli.MetricsFlags
}

func parseFlags(args []string, now time.Time) (options, error) {
	fs, usage := cli.NewFlagSet("isochrone")
	var o options
	fs.StringVar(&o.line, "line", "", "line layer (.geojson, .gpkg or .shp)")
	fs.StringVar(&o.keyFile, "key-file", "", "one-line file holding the API key")
	fs.StringVar(&o.profile, "mode", "cycling-regular", "travel mode: "+strings.Join(isochrone.Profiles, ", "))
	fs.StringVar(&o.rangeType, "type", isochrone.RangeTime, "range type: time (minutes) or distance (miles)")
	fs.StringVar(&o.ranges, "range", "10", "comma-separated ranges in minutes or miles")
	fs.Float64Var(&o.perMile, "per-mile", 7, "origins per mile along the line")
	fs.IntVar(&o.crs, "crs", 2226, "EPSG code of a CRS in feet the line is sampled in")
	fs.StringVar(&o.out, "out", "", "output GeoJSON (default isoch_<mode>_<timestamp>.geojson)")
	fs.StringVar(&o.baseURL, "url", isochrone.DefaultBaseURL, "API base URL")
	fs.IntVar(&o.perMinute, "per-minute", isochrone.DefaultPerMinute, "request rate limit")
	o.metrics.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		return options{}, err
	}

	switch {
	case o.line == "":
		return options{}, fmt.Errorf("missing required -line <line layer>")
	case o.keyFile == "":
		return options{}, fmt.Errorf("missing required -key-file <file>")
	case !isochrone.ValidProfile(o.profile):
		return options{}, fmt.Errorf("-mode must be one of %s", strings.Join(isochrone.Profiles, ", "))
	case o.perMile <= 0:
		return options{}, fmt.Errorf("-per-mile must be > 0")
	case o.crs <= 0:
		return options{}, fmt.Errorf("-crs must be a positive EPSG code")
	}
	if o.out == "" {
		short, _, _ := strings.Cut(o.profile, "-")
		o.out = fmt.Sprintf("isoch_%s_%s.geojson", short, now.Format("20060102_1504"))
	}
	return o, nil
}

// apiRanges converts the -range list into API units.
func apiRanges(kind, list string) ([]float64, error) {
	var out []float64
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("-range: %q is not a positive number", s)
		}
		r, err := isochrone.RangeFor(kind, v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("-range is empty")
	}
	return out, nil
}

func run(ctx context.Context, args []string, d cli.Deps) int {
	d = d.Defaults()
	o, err := parseFlags(args, time.Now())
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	ranges, err := apiRanges(o.rangeType, o.ranges)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	key, err := isochrone.ReadKey(o.keyFile)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	runID := cli.NewRunID()
	logger := log.New(d.Stderr, "run_id="+runID+" ", log.LstdFlags)
	stop, err := cli.StartMetrics(ctx, d, o.metrics, "isochrone", runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	factory := projcrs.Factory{}
	lines, lineCRS, err := layer.LoadLines(layer.Options{Path: o.line, TargetCRS: o.crs, CRS: factory})
	if err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	fc, err := isochrone.LineIsochrones(ctx, isochrone.NewClient(o.baseURL, key, o.perMinute), lines, isochrone.LineOptions{
		Profile:   o.profile,
		RangeType: o.rangeType,
		Range:     ranges,
		Interval:  feetPerMile / o.perMile,
		LineCRS:   lineCRS,
		CRS:       factory,
		Logger:    logger,
	})
	if err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	if err := isochrone.WriteGeoJSON(o.out, fc); err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	fmt.Fprintln(d.Stdout, o.out)
	return 0
}
