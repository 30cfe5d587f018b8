package archiver

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

	"github.com/rs/zerolog"
)

// Options control one archive run. Execute is deliberately opt-in: the
// default run only reports what would be deleted. A zero Before means the
// cutoff comes from the configured retention.
type Options struct {
	Execute bool
	Before  time.Time
}

// Archiver prunes diff pairs that were never published and the snapshots
// nothing references anymore. Published content and the two most recent
// processed snapshots of every source are always retained.
type Archiver struct {
	cfg    *config.Config
	db     *datastore.DB
	blobs  blobstore.Store
	mailer *notifier.Mailer
	logger zerolog.Logger
}

// New wires an Archiver from its dependencies.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, mailer *notifier.Mailer, logger zerolog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		db:     db,
		blobs:  blobs,
		mailer: mailer,
		logger: logger.With().Str("component", "Archiver").Logger(),
	}
}

// Run executes one archive pass.
func (a *Archiver) Run(ctx context.Context, opts Options) error {
	lock := common.NewFileLock("archive")
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			a.logger.Info().Str("lock", lock.Path()).Msg("Previous archive run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	cutoff := opts.Before
	if cutoff.IsZero() {
		cutoff = time.Now().AddDate(0, -a.cfg.ArchiveConfig.RetentionMonths, 0)
	}
	candidates, err := a.db.ListArchiveCandidates(ctx, cutoff, a.cfg.ArchiveConfig.MaxCandidates)
	if err != nil {
		return common.WrapError(err, "failed to list archive candidates")
	}
	if len(candidates) == 0 {
		a.logger.Info().Time("cutoff", cutoff).Msg("Nothing to archive")
		return nil
	}

	keep, err := a.db.KeepSnapshotIDs(ctx)
	if err != nil {
		return common.WrapError(err, "failed to compute retention set")
	}

	a.logger.Info().
		Int("candidates", len(candidates)).
		Int("retained_snapshots", len(keep)).
		Time("cutoff", cutoff).
		Bool("execute", opts.Execute).
		Msg("Archive run starting")

	if !opts.Execute {
		for _, c := range candidates {
			a.logger.Info().
				Int64("diff_content_id", c.ID).
				Int64("old_snapshot_id", c.OldSnapshotID).
				Int64("new_snapshot_id", c.NewSnapshotID).
				Str("status", string(c.Status)).
				Time("created_at", c.CreatedAt).
				Msg("Dry run: would archive")
		}
		return nil
	}

	auditPath, err := writeAudit(a.cfg.ArchiveConfig.AuditDir, cutoff, candidates)
	if err != nil {
		return common.WrapError(err, "failed to write archive audit")
	}
	a.logger.Info().Str("audit", auditPath).Msg("Audit file written")

	report := notifier.NewErrorReport("archive")
	var retry []int64
	deleted := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		snapRetry, err := a.archiveOne(ctx, c, keep)
		if err != nil {
			report.Add(err, 0, fmt.Sprintf("diff content %d", c.ID))
			continue
		}
		retry = append(retry, snapRetry...)
		deleted++
	}

	// Snapshots that still had a diff pointing at them the first time
	// around. The diff rows are gone now, so one more pass settles them.
	retried := 0
	for _, snapID := range retry {
		if err := a.deleteSnapshot(ctx, snapID); err != nil {
			if datastore.IsForeignKeyViolation(err) {
				a.logger.Warn().Int64("snapshot_id", snapID).Msg("Snapshot still referenced after retry, leaving it")
				continue
			}
			report.Add(err, 0, fmt.Sprintf("snapshot %d", snapID))
			continue
		}
		retried++
	}

	a.logger.Info().
		Int("archived", deleted).
		Int("snapshots_retried", retried).
		Int("errors", report.Count()).
		Msg("Archive run finished")

	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, a.mailer); err != nil {
		a.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

// archiveOne deletes one candidate and everything hanging off it. Snapshot
// deletes blocked by a foreign key are returned for the retry pass.
func (a *Archiver) archiveOne(ctx context.Context, c models.DiffContent, keep map[int64]struct{}) ([]int64, error) {
	a.deleteBlob(ctx, c.OldScreenshotKey)
	a.deleteBlob(ctx, c.NewScreenshotKey)
	a.deleteBlob(ctx, blobstore.DiffHTMLKey(blobstore.SideOld, c.NewSnapshotID))
	a.deleteBlob(ctx, blobstore.DiffHTMLKey(blobstore.SideNew, c.NewSnapshotID))

	if err := a.db.DeleteDiffContent(ctx, c.ID); err != nil {
		return nil, common.WrapError(err, "failed to delete diff content")
	}
	if err := a.db.DeleteDiffHtmlsByPair(ctx, c.OldSnapshotID, c.NewSnapshotID); err != nil {
		return nil, common.WrapError(err, "failed to delete diff html pair")
	}

	var retry []int64
	for _, snapID := range []int64{c.OldSnapshotID, c.NewSnapshotID} {
		if _, keepIt := keep[snapID]; keepIt {
			continue
		}
		if err := a.deleteSnapshot(ctx, snapID); err != nil {
			if datastore.IsForeignKeyViolation(err) {
				retry = append(retry, snapID)
				continue
			}
			return nil, err
		}
	}
	return retry, nil
}

// deleteSnapshot removes the snapshot row together with its blobs. The row
// goes first: if a foreign key still protects it, the blobs must survive.
func (a *Archiver) deleteSnapshot(ctx context.Context, id int64) error {
	snap, err := a.db.GetSnapshotByID(ctx, id)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := a.db.DeleteSnapshot(ctx, id); err != nil {
		return err
	}
	a.deleteBlob(ctx, snap.HTMLBlobKey)
	a.deleteBlob(ctx, snap.ScreenshotBlobKey)
	return nil
}

func (a *Archiver) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := a.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotExist) {
		a.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete blob")
	}
}
