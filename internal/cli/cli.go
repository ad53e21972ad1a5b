// Package cli holds the flag and metrics wiring shared by the commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"gistools/internal/metrics"
	"gistools/internal/metrics/datadog"
)

// BackendCloser is a metrics backend the command must close on exit.
type BackendCloser interface {
	metrics.Backend
	Close() error
}

// BackendFactory builds the Datadog backend. Tests swap it for a fake.
type BackendFactory func(ctx context.Context, opts datadog.Options) (BackendCloser, error)

// DatadogFactory is the production BackendFactory.
func DatadogFactory(ctx context.Context, opts datadog.Options) (BackendCloser, error) {
	return datadog.NewBackend(ctx, opts)
}

// Deps are the external seams of a command.
type Deps struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Backend BackendFactory
}

// Defaults fills nil writers with io.Discard and a nil factory with DatadogFactory.
func (d Deps) Defaults() Deps {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Backend == nil {
		d.Backend = DatadogFactory
	}
	return d
}

// MetricsFlags are the metrics options every command accepts.
type MetricsFlags struct {
	Backend    string
	Tags       string
	FlushEvery time.Duration
}

// Register adds -metrics-backend, -dd-tags and -metrics-flush to fs.
func (m *MetricsFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&m.Backend, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend: none or datadog (default from METRICS_BACKEND)")
	fs.StringVar(&m.Tags, "dd-tags", os.Getenv("METRICS_TAGS"), "extra Datadog tags CSV (e.g. env:prod,team:gis)")
	fs.DurationVar(&m.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")
}

// NewFlagSet returns a ContinueOnError flag set whose usage text is kept in
// the returned builder instead of printed.
func NewFlagSet(name string) (*flag.FlagSet, *strings.Builder) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var usage strings.Builder
	fs.SetOutput(&usage)
	fs.Usage = func() {
		fmt.Fprintf(&usage, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}
	return fs, &usage
}

// Parse parses args and folds the captured usage text into the error.
func Parse(fs *flag.FlagSet, usage *strings.Builder, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errors.New(usage.String())
		}
		return fmt.Errorf("%v\n\n%s", err, usage.String())
	}
	return nil
}

// NewRunID returns the id tagging one run's log lines and metrics.
func NewRunID() string { return uuid.NewString() }

// StartMetrics installs the selected backend and returns the function that
// flushes and closes it. An unknown backend name is an error; a backend that
// fails to start is logged and metrics stay disabled.
func StartMetrics(ctx context.Context, d Deps, m MetricsFlags, job, runID string, logger *log.Logger) (func(), error) {
	switch m.Backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
	default:
		return nil, fmt.Errorf("unknown metrics backend %q (want none or datadog)", m.Backend)
	}
	b, err := d.Backend(ctx, datadog.Options{
		JobName:    job,
		RunID:      runID,
		Tags:       datadog.ParseTagsCSV(m.Tags),
		FlushEvery: m.FlushEvery,
	})
	if err != nil {
		logger.Printf("stage=metrics backend=datadog err=%q using=nop", err)
		return func() {}, nil
	}
	logger.Printf("stage=metrics backend=datadog job=%s", job)
	metrics.SetBackend(b)
	return func() {
		// Close stops the flush loop and submits what is buffered.
		if err := b.Close(); err != nil {
			logger.Printf("stage=metrics close err=%q", err)
		}
		metrics.SetBackend(nil)
	}, nil
}
