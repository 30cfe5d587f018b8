package archiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	cfg      *config.Config
	db       *datastore.DB
	blobs    blobstore.Store
	archiver *Archiver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefaultConfig()
	cfg.StorageConfig.SQLitePath = filepath.Join(dir, "test.db")
	cfg.StorageConfig.BlobRootDir = filepath.Join(dir, "blobs")
	cfg.ArchiveConfig.AuditDir = filepath.Join(dir, "audit")

	db, err := datastore.NewDB(cfg.StorageConfig.SQLitePath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.New(context.Background(), &cfg.StorageConfig, zerolog.Nop())
	require.NoError(t, err)

	mailer := notifier.NewMailer(cfg.MailConfig, zerolog.Nop())
	return &testEnv{
		cfg:      cfg,
		db:       db,
		blobs:    blobs,
		archiver: New(cfg, db, blobs, mailer, zerolog.Nop()),
	}
}

type seededCandidate struct {
	sourceID  int64
	oldSnap   int64
	newSnap   int64
	contentID int64
	blobKeys  []string
}

// seedCandidate builds a source with a processed snapshot pair, a pending
// DiffContent, and all blobs the archiver is expected to remove.
func (e *testEnv) seedCandidate(t *testing.T, tag string) seededCandidate {
	t.Helper()
	ctx := context.Background()

	sourceID, err := e.db.CreateSource(ctx, &models.Source{
		URL: "https://example.com/" + tag, Name: tag, FrequencyHours: 24,
	})
	require.NoError(t, err)

	var snaps [2]int64
	for i := range snaps {
		id, err := e.db.CreateSnapshot(ctx, &models.Snapshot{
			SourceID: sourceID, CaptureTS: time.Now(),
			HashHTML:          fmt.Sprintf("%s-%d", tag, i),
			HTMLBlobKey:       fmt.Sprintf("snapshots/%s-%d.html", tag, i),
			ScreenshotBlobKey: fmt.Sprintf("snapshots/%s-%d.jpeg", tag, i),
		})
		require.NoError(t, err)
		require.NoError(t, e.db.TransitionSnapshot(ctx, id, models.SnapshotStatusProcessed, ""))
		snaps[i] = id
	}

	oldShot := fmt.Sprintf("diffshots/%s-old.jpeg", tag)
	newShot := fmt.Sprintf("diffshots/%s-new.jpeg", tag)
	contentID, err := e.db.CreateDiffContent(ctx, &models.DiffContent{
		OldSnapshotID: snaps[0], NewSnapshotID: snaps[1],
		OldHTMLBlobKey:   blobstore.DiffHTMLKey(blobstore.SideOld, snaps[1]),
		NewHTMLBlobKey:   blobstore.DiffHTMLKey(blobstore.SideNew, snaps[1]),
		OldScreenshotKey: oldShot, NewScreenshotKey: newShot,
		Added: models.ChangeSummary{Text: []string{"change"}},
	})
	require.NoError(t, err)

	keys := []string{
		fmt.Sprintf("snapshots/%s-0.html", tag), fmt.Sprintf("snapshots/%s-0.jpeg", tag),
		fmt.Sprintf("snapshots/%s-1.html", tag), fmt.Sprintf("snapshots/%s-1.jpeg", tag),
		blobstore.DiffHTMLKey(blobstore.SideOld, snaps[1]),
		blobstore.DiffHTMLKey(blobstore.SideNew, snaps[1]),
		oldShot, newShot,
	}
	for _, key := range keys {
		require.NoError(t, e.blobs.Put(ctx, key, []byte(key), blobstore.ContentTypeHTML))
	}

	return seededCandidate{
		sourceID: sourceID, oldSnap: snaps[0], newSnap: snaps[1],
		contentID: contentID, blobKeys: keys,
	}
}

func futureCutoff() Options {
	return Options{Execute: true, Before: time.Now().Add(time.Hour)}
}

func TestArchiveDryRunDeletesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "dry")

	require.NoError(t, env.archiver.Run(ctx, Options{Before: time.Now().Add(time.Hour)}))

	content, err := env.db.GetDiffContentByID(ctx, cand.contentID)
	require.NoError(t, err)
	assert.Equal(t, models.DiffContentStatusPending, content.Status)
	for _, key := range cand.blobKeys {
		exists, err := env.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists, "blob %s should survive a dry run", key)
	}

	// No audit file either.
	entries, err := os.ReadDir(env.cfg.ArchiveConfig.AuditDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestArchiveExecuteRemovesCandidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "exec")

	require.NoError(t, env.archiver.Run(ctx, futureCutoff()))

	_, err := env.db.GetDiffContentByID(ctx, cand.contentID)
	assert.ErrorIs(t, err, datastore.ErrNotFound)

	// The snapshot pair is the source's two most recent processed snapshots,
	// so the rows and their blobs are retained.
	for _, snapID := range []int64{cand.oldSnap, cand.newSnap} {
		_, err := env.db.GetSnapshotByID(ctx, snapID)
		assert.NoError(t, err)
	}

	// Diff blobs are gone, snapshot blobs retained.
	for _, key := range cand.blobKeys[:4] {
		exists, err := env.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists, "snapshot blob %s should be retained", key)
	}
	for _, key := range cand.blobKeys[4:] {
		exists, err := env.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, "diff blob %s should be deleted", key)
	}
}

func TestArchiveDeletesUnreferencedSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "prune")

	// Two newer processed snapshots push the candidate pair out of the
	// retention set.
	for i := 0; i < 2; i++ {
		id, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
			SourceID: cand.sourceID, CaptureTS: time.Now(),
			HashHTML: fmt.Sprintf("newer-%d", i), HTMLBlobKey: fmt.Sprintf("newer-%d.html", i),
		})
		require.NoError(t, err)
		require.NoError(t, env.db.TransitionSnapshot(ctx, id, models.SnapshotStatusProcessed, ""))
	}

	require.NoError(t, env.archiver.Run(ctx, futureCutoff()))

	for _, snapID := range []int64{cand.oldSnap, cand.newSnap} {
		_, err := env.db.GetSnapshotByID(ctx, snapID)
		assert.ErrorIs(t, err, datastore.ErrNotFound)
	}
	for _, key := range cand.blobKeys {
		exists, err := env.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, "blob %s should be deleted", key)
	}
}

func TestArchiveKeepsPublishedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "published")
	require.NoError(t, env.db.TransitionDiffContent(ctx, cand.contentID, models.DiffContentStatusPublished))

	require.NoError(t, env.archiver.Run(ctx, futureCutoff()))

	content, err := env.db.GetDiffContentByID(ctx, cand.contentID)
	require.NoError(t, err)
	assert.Equal(t, models.DiffContentStatusPublished, content.Status)
}

func TestArchiveRetriesSharedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "shared")

	// A second candidate reusing the same old snapshot: the first delete
	// attempt hits the foreign key, the retry pass succeeds once both
	// referencing pairs are gone.
	thirdSnap, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID: cand.sourceID, CaptureTS: time.Now(),
		HashHTML: "shared-2", HTMLBlobKey: "snapshots/shared-2.html",
	})
	require.NoError(t, err)
	require.NoError(t, env.db.TransitionSnapshot(ctx, thirdSnap, models.SnapshotStatusProcessed, ""))
	secondContent, err := env.db.CreateDiffContent(ctx, &models.DiffContent{
		OldSnapshotID: cand.oldSnap, NewSnapshotID: thirdSnap,
		OldHTMLBlobKey: blobstore.DiffHTMLKey(blobstore.SideOld, thirdSnap),
		NewHTMLBlobKey: blobstore.DiffHTMLKey(blobstore.SideNew, thirdSnap),
		Added:          models.ChangeSummary{Text: []string{"second change"}},
	})
	require.NoError(t, err)

	// Yet more snapshots so nothing here lands in the retention set.
	for i := 0; i < 2; i++ {
		id, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
			SourceID: cand.sourceID, CaptureTS: time.Now(),
			HashHTML: fmt.Sprintf("top-%d", i), HTMLBlobKey: fmt.Sprintf("top-%d.html", i),
		})
		require.NoError(t, err)
		require.NoError(t, env.db.TransitionSnapshot(ctx, id, models.SnapshotStatusProcessed, ""))
	}

	require.NoError(t, env.archiver.Run(ctx, futureCutoff()))

	for _, id := range []int64{cand.contentID, secondContent} {
		_, err := env.db.GetDiffContentByID(ctx, id)
		assert.ErrorIs(t, err, datastore.ErrNotFound)
	}
	for _, id := range []int64{cand.oldSnap, cand.newSnap, thirdSnap} {
		_, err := env.db.GetSnapshotByID(ctx, id)
		assert.ErrorIs(t, err, datastore.ErrNotFound)
	}
}

func TestArchiveWritesAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cand := env.seedCandidate(t, "audit")

	// Push the pair out of retention so the run is a full delete.
	for i := 0; i < 2; i++ {
		id, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
			SourceID: cand.sourceID, CaptureTS: time.Now(),
			HashHTML: fmt.Sprintf("audit-top-%d", i), HTMLBlobKey: fmt.Sprintf("audit-top-%d.html", i),
		})
		require.NoError(t, err)
		require.NoError(t, env.db.TransitionSnapshot(ctx, id, models.SnapshotStatusProcessed, ""))
	}

	require.NoError(t, env.archiver.Run(ctx, futureCutoff()))

	entries, err := os.ReadDir(env.cfg.ArchiveConfig.AuditDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "archive-audit-")

	rows, err := parquet.ReadFile[auditRecord](filepath.Join(env.cfg.ArchiveConfig.AuditDir, entries[0].Name()))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, cand.contentID, rows[0].DiffContentID)
	assert.Equal(t, "pending", rows[0].Status)
}
