package renderer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/browser"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"
	"github.com/aleister1102/webtrack/internal/token"

	"github.com/rs/zerolog"
)

const wallClockGrace = 5 * time.Minute

// AuthHeader carries the short-lived token the webserver checks before
// serving annotated diff HTML.
const AuthHeader = "WST-Auth-Key"

// Options select which diff records one render run covers. The window
// defaults to the last WindowHours; --failed reruns previously failed
// records instead of drafts only.
type Options struct {
	From           time.Time
	To             time.Time
	Failed         bool
	NewSnapshotIDs []int64
	Shard          int
	MaxShards      int
}

// Renderer turns draft DiffHtml records into publishable DiffContent by
// screenshotting both annotated sides through the webserver.
type Renderer struct {
	cfg     *config.Config
	db      *datastore.DB
	blobs   blobstore.Store
	browser *browser.Manager
	codec   *token.Codec
	mailer  *notifier.Mailer
	logger  zerolog.Logger
}

// New wires a Renderer. The signing key must match the webserver's.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, mailer *notifier.Mailer, logger zerolog.Logger) (*Renderer, error) {
	codec, err := token.NewCodec(cfg.ServerConfig.SigningKey)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		cfg:     cfg,
		db:      db,
		blobs:   blobs,
		browser: browser.NewManager(cfg.BrowserConfig, logger),
		codec:   codec,
		mailer:  mailer,
		logger:  logger.With().Str("component", "Renderer").Logger(),
	}, nil
}

// Run executes one render pass over the shard's renderable diff records.
func (r *Renderer) Run(ctx context.Context, opts Options) error {
	lock := common.NewFileLock(fmt.Sprintf("render_%d", opts.Shard))
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			r.logger.Info().Str("lock", lock.Path()).Msg("Previous render run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	limit := time.Duration(r.cfg.RenderConfig.WallClockMins) * time.Minute
	ctx, cancel := common.WithWallClock(ctx, limit, wallClockGrace, r.logger)
	defer cancel()

	from, to := r.window(opts)
	diffs, err := r.db.ListRenderableDiffHtmls(ctx, from, to, opts.Failed, opts.NewSnapshotIDs,
		opts.Shard, opts.MaxShards, r.cfg.RenderConfig.BatchSize)
	if err != nil {
		return common.WrapError(err, "failed to list renderable diffs")
	}
	if len(diffs) == 0 {
		r.logger.Info().Int("shard", opts.Shard).Msg("No diffs to render")
		return nil
	}
	r.logger.Info().Int("diffs", len(diffs)).Int("shard", opts.Shard).Msg("Render run starting")

	if err := r.browser.Start(); err != nil {
		return common.WrapError(err, "failed to start browser")
	}
	defer r.browser.Stop()

	report := notifier.NewErrorReport("render-diffs")
	rendered, degraded := 0, 0
	for _, diff := range diffs {
		if ctx.Err() != nil {
			report.Add(common.ErrTimeout, 0, "run stopped before all diffs rendered")
			break
		}
		switch err := r.renderOne(ctx, diff); {
		case err == nil:
			rendered++
		case errors.Is(err, errDegraded):
			degraded++
		default:
			report.Add(err, 0, fmt.Sprintf("diff %d", diff.ID))
		}
	}

	r.logger.Info().
		Int("rendered", rendered).
		Int("degraded", degraded).
		Int("errors", report.Count()).
		Msg("Render run finished")

	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, r.mailer); err != nil {
		r.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

func (r *Renderer) window(opts Options) (time.Time, time.Time) {
	to := opts.To
	if to.IsZero() {
		to = time.Now()
	}
	from := opts.From
	if from.IsZero() {
		from = to.Add(-time.Duration(r.cfg.RenderConfig.WindowHours) * time.Hour)
	}
	return from, to
}

// errDegraded marks a diff that fell back to a screenshot-less DiffContent.
var errDegraded = errors.New("diff rendered degraded")

// renderOne screenshots both sides of one diff and persists the result.
// When screenshotting fails but the diff carries visible summaries, a
// degraded DiffContent without images is created so the change still
// reaches clients.
func (r *Renderer) renderOne(ctx context.Context, diff models.DiffHtml) error {
	log := r.logger.With().Int64("diff_id", diff.ID).Logger()

	oldShot, err := r.screenshotSide(ctx, diff.ID, r.cfg.RenderConfig.OldSideToken)
	var newShot []byte
	if err == nil {
		newShot, err = r.screenshotSide(ctx, diff.ID, r.cfg.RenderConfig.NewSideToken)
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to screenshot diff")
		if dbErr := r.db.TransitionDiffHtml(ctx, diff.ID, models.DiffHtmlStatusFailed, err.Error()); dbErr != nil {
			return dbErr
		}
		if !diff.Added.IsEmpty() || !diff.Removed.IsEmpty() {
			if _, dgErr := r.createContent(ctx, diff, true); dgErr != nil {
				return dgErr
			}
			log.Warn().Msg("Created degraded diff content without screenshots")
			return errDegraded
		}
		return err
	}

	contentID, err := r.createContent(ctx, diff, false)
	if err != nil {
		return err
	}
	if contentID != 0 {
		now := time.Now()
		oldKey := blobstore.DiffScreenshotKey(blobstore.SideOld, contentID, now)
		newKey := blobstore.DiffScreenshotKey(blobstore.SideNew, contentID, now)
		if err := r.blobs.Put(ctx, oldKey, oldShot, blobstore.ContentTypeJPEG); err != nil {
			return common.WrapError(err, "failed to store old side screenshot")
		}
		if err := r.blobs.Put(ctx, newKey, newShot, blobstore.ContentTypeJPEG); err != nil {
			return common.WrapError(err, "failed to store new side screenshot")
		}
		if err := r.db.UpdateDiffContentScreenshots(ctx, contentID, oldKey, newKey); err != nil {
			return err
		}
	}
	if err := r.db.TransitionDiffHtml(ctx, diff.ID, models.DiffHtmlStatusProcessed, ""); err != nil {
		return err
	}
	log.Info().Msg("Diff rendered")
	return nil
}

// createContent inserts the DiffContent row and returns its id. Screenshot
// keys embed that id, so they are attached in a second step once the row
// exists. A unique violation means another worker rendered this diff first;
// theirs stands and the id comes back zero.
func (r *Renderer) createContent(ctx context.Context, diff models.DiffHtml, degraded bool) (int64, error) {
	id, err := r.db.CreateDiffContent(ctx, &models.DiffContent{
		OldSnapshotID:  diff.OldSnapshotID,
		NewSnapshotID:  diff.NewSnapshotID,
		OldHTMLBlobKey: diff.OldHTMLBlobKey,
		NewHTMLBlobKey: diff.NewHTMLBlobKey,
		Added:          diff.Added,
		Removed:        diff.Removed,
		Status:         models.DiffContentStatusPending,
		State:          diff.State,
		Degraded:       degraded,
	})
	if err != nil {
		if datastore.IsUniqueViolation(err) {
			r.logger.Debug().Int64("diff_id", diff.ID).Msg("Diff content already created by another worker")
			return 0, nil
		}
		return 0, common.WrapError(err, "failed to create diff content")
	}
	return id, nil
}

// screenshotSide loads one annotated side through the webserver and
// screenshots it, with retries. Each attempt mints a fresh auth token.
func (r *Renderer) screenshotSide(ctx context.Context, diffID int64, sideToken string) ([]byte, error) {
	url, err := r.ServeURL(diffID, sideToken)
	if err != nil {
		return nil, err
	}
	navTimeout := time.Duration(r.cfg.RenderConfig.NavTimeoutSecs) * time.Second
	validity := time.Duration(r.cfg.ServerConfig.AuthTokenValidityHours) * time.Hour

	var lastErr error
	for attempt := 0; attempt <= r.cfg.RenderConfig.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, common.ErrTimeout
		}

		shot, err := r.attemptScreenshot(ctx, url, navTimeout, validity)
		if err == nil {
			return shot, nil
		}
		lastErr = err
		r.logger.Debug().Err(err).Str("url", url).Int("attempt", attempt).Msg("Side screenshot failed")
	}
	return nil, lastErr
}

func (r *Renderer) attemptScreenshot(ctx context.Context, url string, navTimeout, validity time.Duration) ([]byte, error) {
	page, err := r.browser.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	authToken, err := r.codec.NewAuthToken(validity)
	if err != nil {
		return nil, err
	}
	if err := page.SetHeader(AuthHeader, authToken); err != nil {
		return nil, err
	}
	if err := page.Goto(url, navTimeout); err != nil {
		return nil, err
	}
	return page.Screenshot()
}

// ServeURL builds the webserver path for one side of a diff:
// {site}/{prefix}/{encrypted id}/{side token}/{suffix}/.
func (r *Renderer) ServeURL(diffID int64, sideToken string) (string, error) {
	encID, err := r.codec.EncryptID(diffID)
	if err != nil {
		return "", err
	}
	rc := r.cfg.RenderConfig
	base := strings.TrimRight(rc.SiteBaseURL, "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s/", base, rc.ServePathPrefix, encID, sideToken, rc.ServePathSuffix), nil
}
