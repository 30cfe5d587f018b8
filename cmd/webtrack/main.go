package main

import (
	"fmt"
	"os"
)

const usageText = `Usage: webtrack <subcommand> [flags]

Subcommands:
  fetch              Capture due sources through the headless browser
  process-snapshots  Diff draft snapshots against their predecessors
  render-diffs       Screenshot annotated diff pairs
  index-web-updates  Publish pending diffs to client feeds
  archive            Prune unpublished diffs past retention (dry run by default)
  serve              Run the diff-serving web server
  probe-sources      Bulk health-check active sources

Run 'webtrack <subcommand> -h' for the subcommand's flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "fetch":
		err = runFetch(args)
	case "process-snapshots":
		err = runProcessSnapshots(args)
	case "render-diffs":
		err = runRenderDiffs(args)
	case "index-web-updates":
		err = runIndexWebUpdates(args)
	case "archive":
		err = runArchive(args)
	case "serve":
		err = runServe(args)
	case "probe-sources":
		err = runProbeSources(args)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "webtrack: unknown subcommand %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "webtrack: %v\n", err)
		os.Exit(1)
	}
}
