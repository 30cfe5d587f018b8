package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const defaultBatchLimit = 100

// indexOutcome classifies what happened to one pending DiffContent.
type indexOutcome int

const (
	outcomePublished indexOutcome = iota
	outcomeRejected
	outcomeSkipped
)

// Options bound the window of pending diffs one indexing run publishes.
// The window defaults to the last 24 hours. A non-empty ClientIDs list
// restricts which client bindings receive updates. Statuses defaults to
// pending; adding published re-pushes the window's existing updates to the
// feed endpoint, which rebuilds the feed after it was cleared.
type Options struct {
	From      time.Time
	To        time.Time
	ClientIDs []int64
	Statuses  []models.DiffContentStatus
}

func (o Options) wantStatus(status models.DiffContentStatus) bool {
	if len(o.Statuses) == 0 {
		return status == models.DiffContentStatusPending
	}
	for _, s := range o.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Indexer fans pending DiffContents out to the clients tracking their
// sources: one WebUpdate per client with per-client image copies, then the
// content is published. Updates optionally go to an external feed endpoint.
type Indexer struct {
	cfg    *config.Config
	db     *datastore.DB
	blobs  blobstore.Store
	mailer *notifier.Mailer
	client *http.Client
	logger zerolog.Logger
}

// New wires an Indexer from its dependencies.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, mailer *notifier.Mailer, logger zerolog.Logger) *Indexer {
	timeout := time.Duration(cfg.IndexConfig.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Indexer{
		cfg:    cfg,
		db:     db,
		blobs:  blobs,
		mailer: mailer,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "Indexer").Logger(),
	}
}

// Run executes one indexing pass.
func (ix *Indexer) Run(ctx context.Context, opts Options) error {
	lock := common.NewFileLock("index_web_updates")
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			ix.logger.Info().Str("lock", lock.Path()).Msg("Previous indexing run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	from, to := ix.window(opts)
	report := notifier.NewErrorReport("index-web-updates")
	var created []models.WebUpdate

	if opts.wantStatus(models.DiffContentStatusPublished) {
		prior, err := ix.db.ListWebUpdatesInWindow(ctx, from, to, opts.ClientIDs)
		if err != nil {
			return common.WrapError(err, "failed to list published web updates")
		}
		ix.logger.Info().Int("web_updates", len(prior)).Msg("Re-pushing previously published updates")
		created = append(created, prior...)
	}

	published, rejected, skipped := 0, 0, 0
	if opts.wantStatus(models.DiffContentStatusPending) {
		pending, err := ix.db.ListPendingDiffContents(ctx, from, to, defaultBatchLimit)
		if err != nil {
			return common.WrapError(err, "failed to list pending diff contents")
		}
		ix.logger.Info().Int("pending", len(pending)).Msg("Indexing run starting")

		for _, content := range pending {
			if ctx.Err() != nil {
				break
			}
			updates, outcome, err := ix.indexOne(ctx, content, opts.ClientIDs)
			if err != nil {
				report.Add(err, content.SourceID, fmt.Sprintf("diff content %d", content.ID))
				continue
			}
			switch outcome {
			case outcomePublished:
				published++
				created = append(created, updates...)
			case outcomeRejected:
				rejected++
			case outcomeSkipped:
				skipped++
			}
		}
	}

	if len(created) > 0 {
		ix.pushToEndpoint(ctx, created)
	}

	ix.logger.Info().
		Int("published", published).
		Int("rejected", rejected).
		Int("skipped", skipped).
		Int("web_updates", len(created)).
		Int("errors", report.Count()).
		Msg("Indexing run finished")

	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, ix.mailer); err != nil {
		ix.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

func (ix *Indexer) window(opts Options) (time.Time, time.Time) {
	to := opts.To
	if to.IsZero() {
		to = time.Now()
	}
	from := opts.From
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	return from, to
}

// indexOne publishes one DiffContent. Contents whose source has no active
// client at all are rejected; contents excluded only by the client filter
// stay pending for a later unfiltered run.
func (ix *Indexer) indexOne(ctx context.Context, content datastore.DiffContentWithSource, onlyClients []int64) ([]models.WebUpdate, indexOutcome, error) {
	log := ix.logger.With().Int64("diff_content_id", content.ID).Int64("source_id", content.SourceID).Logger()

	bound, err := ix.db.ListActiveClientIDs(ctx, content.SourceID)
	if err != nil {
		return nil, outcomeSkipped, err
	}
	if len(bound) == 0 {
		log.Info().Msg("No active clients, rejecting diff content")
		if err := ix.db.TransitionDiffContent(ctx, content.ID, models.DiffContentStatusRejected); err != nil {
			return nil, outcomeSkipped, err
		}
		return nil, outcomeRejected, nil
	}

	clientIDs := filterClients(bound, onlyClients)
	if len(clientIDs) == 0 {
		log.Debug().Msg("All bound clients excluded by filter, leaving content pending")
		return nil, outcomeSkipped, nil
	}

	title := content.SourceName
	description := buildDescription(content.Added, content.Removed)

	var created []models.WebUpdate
	for _, clientID := range clientIDs {
		update := models.WebUpdate{
			ClientID:      clientID,
			SourceID:      content.SourceID,
			DiffContentID: content.ID,
			Title:         title,
			Description:   description,
		}

		if !content.Degraded {
			update.OldImageKey, update.NewImageKey, err = ix.copyImages(ctx, clientID, content)
			if err != nil {
				return nil, outcomeSkipped, err
			}
		}

		if _, err := ix.db.CreateWebUpdate(ctx, &update); err != nil {
			// The client already received this exact text for this source.
			if datastore.IsUniqueViolation(err) {
				log.Debug().Int64("client_id", clientID).Msg("Duplicate web update skipped")
				continue
			}
			return nil, outcomeSkipped, common.WrapError(err, "failed to create web update")
		}
		created = append(created, update)
	}

	if err := ix.db.TransitionDiffContent(ctx, content.ID, models.DiffContentStatusPublished); err != nil {
		return nil, outcomeSkipped, err
	}
	log.Info().Int("clients", len(clientIDs)).Int("web_updates", len(created)).Msg("Diff content published")
	return created, outcomePublished, nil
}

// copyImages clones the diff screenshots into per-client keys so archiving
// the diff later never breaks a client's feed.
func (ix *Indexer) copyImages(ctx context.Context, clientID int64, content datastore.DiffContentWithSource) (oldKey, newKey string, err error) {
	now := time.Now()
	if content.OldScreenshotKey != "" {
		oldKey = blobstore.WebUpdateImageKey(clientID, content.ID, blobstore.SideOld, now)
		if err = ix.copyBlob(ctx, content.OldScreenshotKey, oldKey); err != nil {
			return "", "", err
		}
	}
	if content.NewScreenshotKey != "" {
		newKey = blobstore.WebUpdateImageKey(clientID, content.ID, blobstore.SideNew, now)
		if err = ix.copyBlob(ctx, content.NewScreenshotKey, newKey); err != nil {
			return "", "", err
		}
	}
	return oldKey, newKey, nil
}

func (ix *Indexer) copyBlob(ctx context.Context, from, to string) error {
	data, err := ix.blobs.Get(ctx, from)
	if err != nil {
		return common.WrapError(err, "failed to read screenshot "+from)
	}
	return ix.blobs.Put(ctx, to, data, blobstore.ContentTypeJPEG)
}

// pushToEndpoint forwards the created updates to the external feed. The
// feed is best effort: a failure is logged, never fatal, and the updates
// stay published locally.
func (ix *Indexer) pushToEndpoint(ctx context.Context, updates []models.WebUpdate) {
	endpoint := ix.cfg.IndexConfig.EndpointURL
	if endpoint == "" {
		return
	}

	payload, err := json.Marshal(updates)
	if err != nil {
		ix.logger.Error().Err(err).Msg("Failed to marshal web updates")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		ix.logger.Error().Err(err).Msg("Failed to build feed request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ix.client.Do(req)
	if err != nil {
		ix.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to push web updates to feed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ix.logger.Error().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("Feed endpoint rejected web updates")
		return
	}
	ix.logger.Info().Int("web_updates", len(updates)).Msg("Web updates pushed to feed")
}

// buildDescription renders the summaries as the plain-text update body.
// Summary fragments may carry markup lifted from the page; goquery strips
// it down to visible text.
func buildDescription(added, removed models.ChangeSummary) string {
	var parts []string
	if lines := stripAll(added.Text); len(lines) > 0 {
		parts = append(parts, "Added: "+strings.Join(lines, " | "))
	}
	if lines := stripAll(removed.Text); len(lines) > 0 {
		parts = append(parts, "Removed: "+strings.Join(lines, " | "))
	}
	if len(added.Links) > 0 {
		parts = append(parts, "New links: "+strings.Join(added.Links, " "))
	}
	if len(added.Images) > 0 {
		parts = append(parts, "New images: "+strings.Join(added.Images, " "))
	}
	return strings.Join(parts, "\n")
}

// filterClients intersects the bound clients with an explicit allow list.
// An empty allow list keeps everything.
func filterClients(bound, only []int64) []int64 {
	if len(only) == 0 {
		return bound
	}
	allowed := make(map[int64]bool, len(only))
	for _, id := range only {
		allowed[id] = true
	}
	var out []int64
	for _, id := range bound {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}

func stripAll(fragments []string) []string {
	var out []string
	for _, f := range fragments {
		if text := stripMarkup(f); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func stripMarkup(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(doc.Text())
}
