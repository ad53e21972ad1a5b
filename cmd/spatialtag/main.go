// Command spatialtag tags the records of a table (or CSV file) with the
// reference polygon that strictly contains each record's point.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gistools/internal/cli"
	"gistools/internal/config"
	"gistools/internal/crs"
	"gistools/internal/crs/projcrs"
	"gistools/internal/layer"
	"gistools/internal/records"
	"gistools/internal/storage"
	"gistools/internal/tagging"

	// Every backend is compiled in; the job picks one.
	_ "gistools/internal/storage/all"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], cli.Deps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: cli.DatadogFactory,
	}))
}

type options struct {
	configPath string
	validate   bool
	exportPath string
	verbose    bool
	metrics    cli.MetricsFlags
}

func parseFlags(args []string) (options, error) {
	fs, usage := cli.NewFlagSet("spatialtag")
	var o options
	fs.StringVar(&o.configPath, "config", "", "job file (.json, .yaml or .yml)")
	fs.BoolVar(&o.validate, "validate", false, "validate the job and exit")
	fs.StringVar(&o.exportPath, "export", "", "write every record with its tag to this CSV (overrides export.path)")
	fs.BoolVar(&o.verbose, "v", false, "log every skipped record")
	o.metrics.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		return options{}, err
	}
	if o.configPath == "" {
		return options{}, fmt.Errorf("missing required -config <job file>")
	}
	return o, nil
}

// run returns 0 on success, 1 when the run fails and 2 for usage or job errors.
func run(ctx context.Context, args []string, d cli.Deps) int {
	d = d.Defaults()
	o, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}

	job, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	if o.exportPath != "" {
		job.Export.Path = o.exportPath
	}
	issues := config.Validate(job)
	for _, is := range issues {
		fmt.Fprintln(d.Stderr, is)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "job is invalid: %s\n", o.configPath)
		return 2
	}
	if o.validate {
		fmt.Fprintf(d.Stdout, "job is valid: %s\n", o.configPath)
		return 0
	}

	runID := cli.NewRunID()
	logger := log.New(d.Stderr, "", log.LstdFlags)
	logger.SetPrefix("run_id=" + runID + " ")
	stop, err := cli.StartMetrics(ctx, d, o.metrics, jobName(job), runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	if err := tag(ctx, job, o.verbose, logger, d.Stdout); err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	return 0
}

func jobName(j config.Job) string {
	if j.Name != "" {
		return j.Name
	}
	return "spatialtag"
}

func tag(ctx context.Context, job config.Job, verbose bool, logger *log.Logger, stdout io.Writer) error {
	start := time.Now()
	var factory crs.Factory = projcrs.Factory{}

	set, err := layer.LoadPolygons(layer.Options{
		Path:      job.Polygons.Path,
		Layer:     job.Polygons.Layer,
		Fields:    job.Polygons.Fields,
		IDField:   job.Polygons.IDField,
		SourceCRS: job.Polygons.CRS,
		TargetCRS: job.CRS,
		CRS:       factory,
	})
	if err != nil {
		return err
	}
	logger.Printf("stage=load_polygons ok path=%s polygons=%d skipped_empty=%d crs=%d",
		job.Polygons.Path, set.Len(), set.SkippedEmpty, set.CRS)

	opts := tagging.OptionsFromJob(job)
	fields := records.Fields{
		Key:    job.Records.KeyField,
		X:      job.Records.XField,
		Y:      job.Records.YField,
		Values: job.Records.ValueFields,
	}
	proj := records.Projection{From: job.Records.CRS, To: job.CRS, CRS: factory}

	var res *tagging.Result
	if job.Records.CSV != nil {
		var comma rune
		for _, r := range job.Records.CSV.Comma {
			comma = r
			break
		}
		src := &records.CSVSource{
			Path:      job.Records.CSV.Path,
			Comma:     comma,
			Encoding:  job.Records.CSV.Encoding,
			Fields:    fields,
			BatchSize: job.Records.BatchSize,
			Proj:      proj,
		}
		res, err = export(ctx, job, src, set, opts, stdout)
		if err != nil {
			return err
		}
	} else {
		repo, err := storage.New(ctx, storage.Config{Kind: job.Storage.Kind, DSN: job.Storage.ResolveDSN()})
		if err != nil {
			return fmt.Errorf("storage: open %s: %w", job.Storage.Kind, err)
		}
		defer repo.Close()
		if err := tagging.CheckColumns(ctx, repo, job.Records.Table, fields, opts.TargetFields()); err != nil {
			return err
		}

		src := &records.TableSource{
			Pager:     repo,
			Table:     job.Records.Table,
			Fields:    fields,
			Where:     job.Records.Where,
			BatchSize: job.Records.BatchSize,
			Proj:      proj,
		}
		t := &tagging.Tagger{Store: repo, Polygons: set, Options: opts, Logger: logger}
		res, err = t.Run(ctx, src)
		if err != nil {
			return err
		}
		if job.Export.Path != "" {
			if _, err := export(ctx, job, src, set, opts, stdout); err != nil {
				return err
			}
		}
	}

	if verbose {
		for _, s := range res.Skipped {
			logger.Printf("stage=skipped key=%v reason=%s", s.Key, s.Reason)
		}
	}
	logger.Printf("stage=done rows=%d matched=%d unmatched=%d skipped=%d duration=%s",
		res.Rows, res.Matched, res.Unmatched, len(res.Skipped), time.Since(start).Truncate(time.Millisecond))
	return nil
}

// export writes the associated records to job.Export.Path, or to stdout when
// no path is set.
func export(ctx context.Context, job config.Job, src records.Source, set *layer.PolygonSet, opts tagging.Options, stdout io.Writer) (res *tagging.Result, err error) {
	w := stdout
	if job.Export.Path != "" {
		f, err := os.Create(job.Export.Path)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("export: %w", cerr)
			}
		}()
		w = f
	}
	sink, err := tagging.NewCSVSink(w, job.Records.KeyField, job.Records.XField, job.Records.YField,
		job.Records.ValueFields, opts.TargetFields())
	if err != nil {
		return nil, err
	}
	res, err = tagging.Associate(ctx, src, set, opts, sink)
	if err != nil {
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return res, nil
}
