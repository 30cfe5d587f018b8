package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"
	"github.com/aleister1102/webtrack/internal/treediff"

	"github.com/rs/zerolog"
)

// maxStoredErrorLen bounds last_error columns; diff failures can embed
// whole HTML fragments.
const maxStoredErrorLen = 1000

// Options select the drafts one processing run covers.
type Options struct {
	Shard     int
	MaxShards int
	SourceIDs []int64
}

// Processor walks draft snapshots, diffs each against its source's last
// processed snapshot, and emits DiffHtml records for visible changes.
type Processor struct {
	cfg    *config.Config
	db     *datastore.DB
	blobs  blobstore.Store
	mailer *notifier.Mailer
	logger zerolog.Logger
}

// New wires a Processor from its dependencies.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, mailer *notifier.Mailer, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		db:     db,
		blobs:  blobs,
		mailer: mailer,
		logger: logger.With().Str("component", "Processor").Logger(),
	}
}

// Run executes one processing pass over the shard's draft snapshots.
func (p *Processor) Run(ctx context.Context, opts Options) error {
	lock := common.NewFileLock(fmt.Sprintf("process_%d", opts.Shard))
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			p.logger.Info().Str("lock", lock.Path()).Msg("Previous processing run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	drafts, err := p.db.ListDraftSnapshots(ctx, opts.Shard, opts.MaxShards, p.cfg.DiffConfig.BatchSize, opts.SourceIDs)
	if err != nil {
		return common.WrapError(err, "failed to list draft snapshots")
	}
	if len(drafts) == 0 {
		p.logger.Info().Int("shard", opts.Shard).Msg("No draft snapshots to process")
		return nil
	}
	p.logger.Info().Int("drafts", len(drafts)).Int("shard", opts.Shard).Msg("Processing run starting")

	report := notifier.NewErrorReport("process-snapshots")
	processed, diffed := 0, 0
	for _, snap := range drafts {
		if ctx.Err() != nil {
			break
		}
		madeDiff, err := p.processOne(ctx, snap)
		if err != nil {
			report.Add(err, snap.SourceID, fmt.Sprintf("snapshot %d", snap.ID))
			continue
		}
		processed++
		if madeDiff {
			diffed++
		}
	}

	p.logger.Info().
		Int("processed", processed).
		Int("diffs_created", diffed).
		Int("errors", report.Count()).
		Msg("Processing run finished")

	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, p.mailer); err != nil {
		p.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

// processOne diffs a single draft against its predecessor and settles its
// terminal status. The returned bool reports whether a DiffHtml was made.
func (p *Processor) processOne(ctx context.Context, snap models.Snapshot) (bool, error) {
	log := p.logger.With().Int64("snapshot_id", snap.ID).Int64("source_id", snap.SourceID).Logger()

	prev, err := p.db.LatestProcessedSnapshot(ctx, snap.SourceID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return false, err
	}

	// First capture of a source has nothing to diff against.
	if prev == nil || !prev.CaptureTS.Before(snap.CaptureTS) {
		log.Debug().Msg("No earlier processed snapshot, marking processed")
		return false, p.db.TransitionSnapshot(ctx, snap.ID, models.SnapshotStatusProcessed, "")
	}

	result, err := p.diffPair(ctx, prev, &snap)
	if err != nil {
		if errors.Is(err, treediff.ErrDiffTimeout) {
			log.Warn().Int64("old_snapshot_id", prev.ID).Msg("Diff timed out, parking snapshot")
			return false, p.db.TransitionSnapshot(ctx, snap.ID, models.SnapshotStatusDiffTimeout, truncateError(err))
		}
		log.Error().Err(err).Msg("Diff failed")
		if dbErr := p.db.TransitionSnapshot(ctx, snap.ID, models.SnapshotStatusFailed, truncateError(err)); dbErr != nil {
			return false, dbErr
		}
		return false, err
	}

	if !result.HasVisibleChange() {
		log.Debug().Int64("old_snapshot_id", prev.ID).Msg("No visible change")
		return false, p.db.TransitionSnapshot(ctx, snap.ID, models.SnapshotStatusProcessed, "")
	}

	if err := p.storeDiff(ctx, prev, &snap, result); err != nil {
		return false, err
	}
	log.Info().Int64("old_snapshot_id", prev.ID).Msg("Diff created")
	return true, p.db.TransitionSnapshot(ctx, snap.ID, models.SnapshotStatusProcessed, "")
}

// diffPair loads both sides' normalized HTML and runs the tree diff with
// the source's junk xpaths.
func (p *Processor) diffPair(ctx context.Context, prev, snap *models.Snapshot) (*treediff.Result, error) {
	src, err := p.db.GetSourceByID(ctx, snap.SourceID)
	if err != nil {
		return nil, err
	}

	oldHTML, err := p.blobs.Get(ctx, prev.HTMLBlobKey)
	if err != nil {
		return nil, common.WrapError(err, "failed to load old html blob")
	}
	newHTML, err := p.blobs.Get(ctx, snap.HTMLBlobKey)
	if err != nil {
		return nil, common.WrapError(err, "failed to load new html blob")
	}

	opts := treediff.OptionsFromConfig(p.cfg.DiffConfig)
	opts.BaseURL = src.URL
	differ := treediff.NewDiffer(opts, p.logger)
	return differ.Diff(ctx, oldHTML, newHTML, src.JunkXPaths)
}

// storeDiff persists the annotated sides and the DiffHtml row. A unique
// violation on new_snapshot_id means another worker already produced this
// diff; theirs stands.
func (p *Processor) storeDiff(ctx context.Context, prev, snap *models.Snapshot, result *treediff.Result) error {
	oldKey := blobstore.DiffHTMLKey(blobstore.SideOld, snap.ID)
	newKey := blobstore.DiffHTMLKey(blobstore.SideNew, snap.ID)

	if err := p.blobs.Put(ctx, oldKey, []byte(result.LeftHTML), blobstore.ContentTypeHTML); err != nil {
		return common.WrapError(err, "failed to store old annotated html")
	}
	if err := p.blobs.Put(ctx, newKey, []byte(result.RightHTML), blobstore.ContentTypeHTML); err != nil {
		return common.WrapError(err, "failed to store new annotated html")
	}

	_, err := p.db.CreateDiffHtml(ctx, &models.DiffHtml{
		OldSnapshotID:  prev.ID,
		NewSnapshotID:  snap.ID,
		OldHTMLBlobKey: oldKey,
		NewHTMLBlobKey: newKey,
		Added:          result.Added,
		Removed:        result.Removed,
		Status:         models.DiffHtmlStatusDraft,
		State:          models.SourceStateActive,
	})
	if err != nil {
		if datastore.IsUniqueViolation(err) {
			p.logger.Debug().Int64("new_snapshot_id", snap.ID).Msg("Diff already created by another worker")
			return nil
		}
		return common.WrapError(err, "failed to create diff record")
	}
	return nil
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxStoredErrorLen {
		return msg[:maxStoredErrorLen]
	}
	return msg
}
