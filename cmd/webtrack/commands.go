package main

import (
	"flag"
	"time"

	"github.com/aleister1102/webtrack/internal/archiver"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/fetcher"
	"github.com/aleister1102/webtrack/internal/indexer"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/prober"
	"github.com/aleister1102/webtrack/internal/processor"
	"github.com/aleister1102/webtrack/internal/renderer"
	"github.com/aleister1102/webtrack/internal/webserver"
)

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	freq := fs.Int("freq", 0, "Fetch frequency bucket in hours: 6, 12, or 24 (required)")
	shard := fs.Int("shard", 0, "Shard index this run handles")
	maxShards := fs.Int("max-shards", 0, "Total number of shards (0 uses the configured default)")
	sourceIDs := fs.String("source-ids", "", "Comma-separated source ids to fetch regardless of schedule")
	urls := fs.String("urls", "", "Comma-separated source urls to fetch regardless of schedule")
	includeClients := fs.String("include-clients", "", "Comma-separated client ids; only their sources are fetched")
	excludeClients := fs.String("exclude-clients", "", "Comma-separated client ids whose sources are skipped")
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !models.IsValidFrequency(*freq) {
		return common.NewValidationError("freq", *freq, "must be 6, 12, or 24")
	}
	ids, err := parseIDList(*sourceIDs)
	if err != nil {
		return err
	}
	include, err := parseIDList(*includeClients)
	if err != nil {
		return err
	}
	exclude, err := parseIDList(*excludeClients)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "fetch", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return fetcher.New(a.cfg, a.db, a.blobs, a.mailer, a.logger).Run(ctx, fetcher.Options{
		FrequencyHours: *freq,
		Shard:          *shard,
		MaxShards:      shardCount(*maxShards, a.cfg.FetchConfig.MaxShards),
		SourceIDs:      ids,
		URLs:           parseStringList(*urls),
		IncludeClients: include,
		ExcludeClients: exclude,
	})
}

func runProcessSnapshots(args []string) error {
	fs := flag.NewFlagSet("process-snapshots", flag.ExitOnError)
	ratioMode := fs.String("ratio-mode", "", "Diff ratio mode override: accurate, fast, or faster")
	threshold := fs.Float64("threshold", 0, "Diff match threshold override (0 keeps the configured value)")
	sourceIDs := fs.String("source-ids", "", "Comma-separated source ids whose drafts are processed")
	shard := fs.Int("shard", 0, "Shard index this run handles")
	maxShards := fs.Int("max-shards", 0, "Total number of shards (0 uses the configured default)")
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := parseIDList(*sourceIDs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "process-snapshots", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if *ratioMode != "" {
		a.cfg.DiffConfig.RatioMode = *ratioMode
	}
	if *threshold > 0 {
		a.cfg.DiffConfig.MatchThreshold = *threshold
	}

	return processor.New(a.cfg, a.db, a.blobs, a.mailer, a.logger).Run(ctx, processor.Options{
		Shard:     *shard,
		MaxShards: shardCount(*maxShards, a.cfg.DiffConfig.MaxShards),
		SourceIDs: ids,
	})
}

func runRenderDiffs(args []string) error {
	fs := flag.NewFlagSet("render-diffs", flag.ExitOnError)
	from := fs.String("from", "", "Window start (RFC 3339); default is window_hours before -to")
	to := fs.String("to", "", "Window end (RFC 3339); default is now")
	failed := fs.Bool("failed", false, "Re-render previously failed diffs instead of drafts")
	diffIDs := fs.String("diff-ids", "", "Comma-separated new-snapshot ids of the diffs to render")
	shard := fs.Int("shard", 0, "Shard index this run handles")
	maxShards := fs.Int("max-shards", 0, "Total number of shards (0 uses the configured default)")
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fromTS, err := parseTimeFlag("from", *from)
	if err != nil {
		return err
	}
	toTS, err := parseTimeFlag("to", *to)
	if err != nil {
		return err
	}
	ids, err := parseIDList(*diffIDs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "render-diffs", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := renderer.New(a.cfg, a.db, a.blobs, a.mailer, a.logger)
	if err != nil {
		return err
	}
	return r.Run(ctx, renderer.Options{
		From:           fromTS,
		To:             toTS,
		Failed:         *failed,
		NewSnapshotIDs: ids,
		Shard:          *shard,
		MaxShards:      shardCount(*maxShards, a.cfg.RenderConfig.MaxShards),
	})
}

func runIndexWebUpdates(args []string) error {
	fs := flag.NewFlagSet("index-web-updates", flag.ExitOnError)
	minutes := fs.Int("minutes", 0, "Index diffs from the last N minutes")
	days := fs.Int("days", 0, "Index diffs from the last N days")
	start := fs.String("start", "", "Window start (RFC 3339); overrides -minutes/-days")
	end := fs.String("end", "", "Window end (RFC 3339); default is now")
	clientIDs := fs.String("client-ids", "", "Comma-separated client ids to publish to (default: all bound clients)")
	statuses := fs.String("statuses", "", "Comma-separated diff content statuses to index: pending and/or published (default: pending)")
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	startTS, err := parseTimeFlag("start", *start)
	if err != nil {
		return err
	}
	endTS, err := parseTimeFlag("end", *end)
	if err != nil {
		return err
	}
	if startTS.IsZero() {
		switch {
		case *minutes > 0:
			startTS = time.Now().Add(-time.Duration(*minutes) * time.Minute)
		case *days > 0:
			startTS = time.Now().AddDate(0, 0, -*days)
		}
	}
	clients, err := parseIDList(*clientIDs)
	if err != nil {
		return err
	}
	statusList, err := parseStatusList(*statuses)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "index-web-updates", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return indexer.New(a.cfg, a.db, a.blobs, a.mailer, a.logger).Run(ctx, indexer.Options{
		From:      startTS,
		To:        endTS,
		ClientIDs: clients,
		Statuses:  statusList,
	})
}

func runArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	months := fs.Int("months", 0, "Retention override in months (0 uses the configured value)")
	maxCandidates := fs.Int("max", 0, "Candidate cap override (0 uses the configured value)")
	execute := fs.Bool("delete", false, "Actually delete; without this flag the run is a dry run")
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "archive", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if *months > 0 {
		a.cfg.ArchiveConfig.RetentionMonths = *months
	}
	if *maxCandidates > 0 {
		a.cfg.ArchiveConfig.MaxCandidates = *maxCandidates
	}

	return archiver.New(a.cfg, a.db, a.blobs, a.mailer, a.logger).Run(ctx, archiver.Options{
		Execute: *execute,
	})
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "serve", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := webserver.New(a.cfg, a.db, a.blobs, a.logger)
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx)
}

func runProbeSources(args []string) error {
	fs := flag.NewFlagSet("probe-sources", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the YAML/JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(ctx, "probe-sources", *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return prober.New(a.cfg, a.db, a.mailer, a.logger).Run(ctx)
}

// shardCount resolves the effective shard total: the flag wins when set.
func shardCount(flagValue, configured int) int {
	if flagValue > 0 {
		return flagValue
	}
	if configured > 0 {
		return configured
	}
	return 1
}
