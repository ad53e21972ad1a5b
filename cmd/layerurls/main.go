// Command layerurls prints the service URL of each named portal item.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"gistools/internal/cli"
	"gistools/internal/portal"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], cli.Deps{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: cli.DatadogFactory,
	}))
}

// run prints found URLs to stdout, one per line, in title order. Titles with
// no match are reported on stderr and do not change the exit code.
func run(ctx context.Context, args []string, d cli.Deps) int {
	d = d.Defaults()
	fs, usage := cli.NewFlagSet("layerurls")
	var (
		portalURL, owner, token string
		mf                      cli.MetricsFlags
	)
	fs.StringVar(&portalURL, "portal", "", "portal URL (e.g. https://www.arcgis.com)")
	fs.StringVar(&owner, "owner", "", "item owner username")
	fs.StringVar(&token, "token", os.Getenv("PORTAL_TOKEN"), "access token (default from PORTAL_TOKEN)")
	mf.Register(fs)
	if err := cli.Parse(fs, usage, args); err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	titles := fs.Args()
	switch {
	case portalURL == "":
		fmt.Fprintln(d.Stderr, "missing required -portal <url>")
		return 2
	case owner == "":
		fmt.Fprintln(d.Stderr, "missing required -owner <username>")
		return 2
	case len(titles) == 0:
		fmt.Fprintln(d.Stderr, "usage: layerurls -portal URL -owner USER [-token T] title...")
		return 2
	}

	runID := cli.NewRunID()
	logger := log.New(d.Stderr, "run_id="+runID+" ", log.LstdFlags)
	stop, err := cli.StartMetrics(ctx, d, mf, "layerurls", runID, logger)
	if err != nil {
		fmt.Fprintln(d.Stderr, err)
		return 2
	}
	defer stop()

	res, err := portal.NewClient(portalURL, token).LayerURLs(ctx, owner, titles)
	if err != nil {
		logger.Printf("stage=failed err=%q", err)
		return 1
	}
	for _, t := range res.Missing {
		fmt.Fprintf(d.Stderr, "No objects found with name %s and owner %s\n", t, owner)
	}
	for _, u := range res.URLs {
		fmt.Fprintln(d.Stdout, u)
	}
	return 0
}
