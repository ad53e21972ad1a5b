// Command attrjoin copies fields from a join table onto a target table by a
// shared key.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"gistools/internal/attrjoin"
	"gistools/internal/cli"
	"gistools/internal/config"
	"gistools/internal/storage"

	_ "gistools/internal/storage/all"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], cli.Deps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: cli.DatadogFactory,
	}))
}

func run(ctx context.Context, args []string, d cli.Deps) int {
	d = d.Defaults()
	fs, usage := cli.NewFlagSet("attrjoin")
	var (
		configPath string
		validate   bool
		mf         cli.MetricsFlags
	)
	fs.StringVar(&configPath, "config", "", "join job file (.json, .yaml or .yml)")
	fs.BoolVar(&validate, "validate", false, "validate the job and exit")
	mf.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	if configPath == "" {
		fmt.Fprintln(d.Stderr, "missing required -config <join job file>")
		return 2
	}

	job, err := config.LoadJoin(configPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	issues := config.ValidateJoin(job)
	for _, is := range issues {
		fmt.Fprintln(d.Stderr, is)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "job is invalid: %s\n", configPath)
		return 2
	}
	if validate {
		fmt.Fprintf(d.Stdout, "job is valid: %s\n", configPath)
		return 0
	}

	runID := cli.NewRunID()
	logger := log.New(d.Stderr, "run_id="+runID+" ", log.LstdFlags)
	name := job.Name
	if name == "" {
		name = "attrjoin"
	}
	stop, err := cli.StartMetrics(ctx, d, mf, name, runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	repo, err := storage.New(ctx, storage.Config{Kind: job.Storage.Kind, DSN: job.Storage.ResolveDSN()})
	if err != nil {
		logger.Printf("stage=failed err=%q", fmt.Errorf("storage: open %s: %w", job.Storage.Kind, err))
		return 1
	}
	defer repo.Close()

	j := &attrjoin.Joiner{Repo: repo, Job: job, Logger: logger}
	res, err := j.Run(ctx)
	if err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	fmt.Fprintf(d.Stdout, "joined %d rows from %s: %d updates, %d rows updated in %s\n",
		res.JoinRows, job.JoinTable, res.Updates, res.RowsUpdated, job.TargetTable)
	return 0
}
