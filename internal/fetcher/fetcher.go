package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/browser"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/normalizer"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/rs/zerolog"
)

// wallClockGrace is how long after the deadline the process group backstop
// waits before terminating stuck Chrome children.
const wallClockGrace = 5 * time.Minute

// Options select which slice of the source table one fetch run covers.
// Cron starts one run per frequency and shard; an explicit id or url list
// overrides the schedule for manual reruns, and the client filters narrow
// a run to sources bound to (or away from) particular clients.
type Options struct {
	FrequencyHours int
	Shard          int
	MaxShards      int
	SourceIDs      []int64
	URLs           []string
	IncludeClients []int64
	ExcludeClients []int64
}

// Fetcher captures due sources through a headless browser and stores each
// capture as a draft snapshot.
type Fetcher struct {
	cfg     *config.Config
	db      *datastore.DB
	blobs   blobstore.Store
	browser *browser.Manager
	mailer  *notifier.Mailer
	logger  zerolog.Logger
}

// New wires a Fetcher from its dependencies.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, mailer *notifier.Mailer, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		db:      db,
		blobs:   blobs,
		browser: browser.NewManager(cfg.BrowserConfig, logger),
		mailer:  mailer,
		logger:  logger.With().Str("component", "Fetcher").Logger(),
	}
}

// Run executes one fetch pass: list due sources, capture them in batches,
// and mail a digest of whatever failed. A run already in progress for the
// same frequency and shard makes this one exit cleanly.
func (f *Fetcher) Run(ctx context.Context, opts Options) error {
	lock := common.NewFileLock(fmt.Sprintf("fetch_%d_%d", opts.FrequencyHours, opts.Shard))
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			f.logger.Info().Str("lock", lock.Path()).Msg("Previous fetch run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	limit := time.Duration(f.cfg.FetchConfig.WallClockMins) * time.Minute
	ctx, cancel := common.WithWallClock(ctx, limit, wallClockGrace, f.logger)
	defer cancel()

	sources, err := f.db.ListFetchableSources(ctx, datastore.SourceFilter{
		FrequencyHours: opts.FrequencyHours,
		Shard:          opts.Shard,
		MaxShards:      opts.MaxShards,
		SourceIDs:      opts.SourceIDs,
		URLs:           opts.URLs,
		IncludeClients: opts.IncludeClients,
		ExcludeClients: opts.ExcludeClients,
	}, time.Now())
	if err != nil {
		return common.WrapError(err, "failed to list fetchable sources")
	}
	if len(sources) == 0 {
		f.logger.Info().Int("frequency_hours", opts.FrequencyHours).Int("shard", opts.Shard).Msg("No sources due")
		return nil
	}
	f.logger.Info().Int("sources", len(sources)).Int("shard", opts.Shard).Msg("Fetch run starting")

	if err := f.browser.Start(); err != nil {
		return common.WrapError(err, "failed to start browser")
	}
	defer f.browser.Stop()

	report := notifier.NewErrorReport("fetch")
	batches := groupBatches(sources, f.cfg.FetchConfig.BatchGroupSize)

	for i, batch := range batches {
		if ctx.Err() != nil {
			report.Add(common.ErrTimeout, 0, "run stopped before all batches completed")
			break
		}
		if i > 0 && f.shouldRecycle(i) {
			if err := f.browser.Recycle(); err != nil {
				return common.WrapError(err, "failed to recycle browser")
			}
		}
		f.fetchBatch(ctx, batch, report)
	}

	f.logger.Info().
		Int("sources", len(sources)).
		Int("errors", report.Count()).
		Msg("Fetch run finished")

	// The report goes out even when the wall clock killed the run context.
	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, f.mailer); err != nil {
		f.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

// shouldRecycle relaunches Chrome on a fixed batch cadence and whenever its
// resident memory crosses the configured limit. Long headless sessions leak.
func (f *Fetcher) shouldRecycle(batchIndex int) bool {
	if every := f.cfg.FetchConfig.RecycleEveryBatches; every > 0 && batchIndex%every == 0 {
		return true
	}
	return f.browser.MemoryExceeded()
}

// fetchBatch runs one batch. Same-domain batches go sequentially with a
// politeness delay between sources; mixed batches run in parallel.
func (f *Fetcher) fetchBatch(ctx context.Context, batch []models.Source, report *notifier.ErrorReport) {
	if sameRegisteredDomain(batch) {
		for i, src := range batch {
			if i > 0 {
				politenessSleep(ctx, f.cfg.FetchConfig.PolitenessDelaySecs)
			}
			f.fetchOne(ctx, src, report)
		}
		return
	}

	done := make(chan struct{}, len(batch))
	for _, src := range batch {
		go func(src models.Source) {
			defer func() { done <- struct{}{} }()
			f.fetchOne(ctx, src, report)
		}(src)
	}
	for range batch {
		<-done
	}
}

// fetchOne captures a single source with retries. DNS failures mark the
// source broken immediately: the prober is the one that un-breaks it.
func (f *Fetcher) fetchOne(ctx context.Context, src models.Source, report *notifier.ErrorReport) {
	log := f.logger.With().Int64("source_id", src.ID).Str("url", src.URL).Logger()

	var lastErr error
	for attempt := 0; attempt <= f.cfg.FetchConfig.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Msg("Retrying fetch")
			politenessSleep(ctx, f.cfg.FetchConfig.PolitenessDelaySecs)
		}

		err := f.capture(ctx, src, log)
		if err == nil {
			if dbErr := f.db.UpdateSourceFetched(ctx, src.ID, time.Now()); dbErr != nil {
				log.Error().Err(dbErr).Msg("Failed to record fetch time")
			}
			return
		}

		if browser.IsDNSError(err) {
			log.Warn().Err(err).Msg("DNS resolution failed, marking source broken")
			if dbErr := f.db.MarkSourceBroken(ctx, src.ID, err.Error()); dbErr != nil {
				log.Error().Err(dbErr).Msg("Failed to mark source broken")
			}
			report.Add(err, src.ID, src.URL)
			return
		}
		lastErr = err
	}

	log.Error().Err(lastErr).Msg("Fetch failed after retries")
	if isBrokenPageError(lastErr) {
		if dbErr := f.db.MarkSourceBroken(ctx, src.ID, lastErr.Error()); dbErr != nil {
			log.Error().Err(dbErr).Msg("Failed to mark source broken")
		}
	} else if dbErr := f.db.UpdateSourceError(ctx, src.ID, lastErr.Error()); dbErr != nil {
		log.Error().Err(dbErr).Msg("Failed to record fetch error")
	}
	report.Add(lastErr, src.ID, src.URL)
}

// isBrokenPageError reports whether the final fetch error is an HTTP error
// response rather than a transient failure. A page that answers every retry
// with a 4xx or 5xx stays broken until the prober sees it recover.
func isBrokenPageError(err error) bool {
	var httpErr *common.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 400
}

// capture is one attempt: navigate, settle the page, fingerprint, and
// store. An unchanged fingerprint is success without a new snapshot.
func (f *Fetcher) capture(ctx context.Context, src models.Source, log zerolog.Logger) error {
	page, err := f.browser.NewPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close()

	navTimeout := time.Duration(f.cfg.FetchConfig.NavigateTimeoutSecs) * time.Second
	if err := page.Goto(src.URL, navTimeout); err != nil {
		return err
	}

	page.AcceptCookies(src.AcceptCookieXPaths)
	page.ClosePopups()
	page.AutoScroll()
	page.Sleep(f.screenshotSleepMs(src))

	rawHTML, err := page.CaptureHTML()
	if err != nil {
		return err
	}
	normalized, err := normalizer.Normalize([]byte(rawHTML))
	if err != nil {
		return err
	}
	hash := normalizer.Fingerprint(normalized)

	exists, err := f.db.HashExists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("hash", hash).Msg("Page unchanged since a previous capture")
		return nil
	}

	shot, err := page.Screenshot()
	if err != nil {
		return err
	}

	captureTS := time.Now()
	htmlKey := blobstore.SnapshotHTMLKey(src.ID, captureTS)
	shotKey := blobstore.SnapshotScreenshotKey(src.ID, captureTS)

	// The stored snapshot is the page as fetched; normalization exists only
	// to compute the dedup fingerprint.
	if err := f.blobs.Put(ctx, htmlKey, []byte(rawHTML), blobstore.ContentTypeHTML); err != nil {
		return common.WrapError(err, "failed to store html blob")
	}
	if err := f.blobs.Put(ctx, shotKey, shot, blobstore.ContentTypeJPEG); err != nil {
		return common.WrapError(err, "failed to store screenshot blob")
	}

	_, err = f.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID:          src.ID,
		CaptureTS:         captureTS,
		Status:            models.SnapshotStatusDraft,
		HashHTML:          hash,
		HTMLBlobKey:       htmlKey,
		ScreenshotBlobKey: shotKey,
	})
	if err != nil {
		// Another shard captured the identical page between our hash check
		// and the insert. Their snapshot wins.
		if datastore.IsUniqueViolation(err) {
			log.Debug().Str("hash", hash).Msg("Identical snapshot created concurrently")
			return nil
		}
		return common.WrapError(err, "failed to create snapshot")
	}

	log.Info().Str("hash", hash).Msg("Snapshot captured")
	return nil
}

func (f *Fetcher) screenshotSleepMs(src models.Source) int {
	if src.ScreenshotSleepMs > 0 {
		return src.ScreenshotSleepMs
	}
	return f.cfg.FetchConfig.ScreenshotSleepMs
}

func politenessSleep(ctx context.Context, secs int) {
	if secs <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(secs) * time.Second):
	case <-ctx.Done():
	}
}
