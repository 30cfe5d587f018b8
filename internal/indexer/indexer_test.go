package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	cfg   *config.Config
	db    *datastore.DB
	blobs blobstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefaultConfig()
	cfg.StorageConfig.SQLitePath = filepath.Join(dir, "test.db")
	cfg.StorageConfig.BlobRootDir = filepath.Join(dir, "blobs")

	db, err := datastore.NewDB(cfg.StorageConfig.SQLitePath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.New(context.Background(), &cfg.StorageConfig, zerolog.Nop())
	require.NoError(t, err)

	return &testEnv{cfg: cfg, db: db, blobs: blobs}
}

func (e *testEnv) newIndexer(t *testing.T) *Indexer {
	t.Helper()
	mailer := notifier.NewMailer(e.cfg.MailConfig, zerolog.Nop())
	return New(e.cfg, e.db, e.blobs, mailer, zerolog.Nop())
}

func (e *testEnv) seedSource(t *testing.T, name string, clientIDs ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	sourceID, err := e.db.CreateSource(ctx, &models.Source{
		URL: "https://example.com/" + name, Name: name, FrequencyHours: 24,
	})
	require.NoError(t, err)
	for _, clientID := range clientIDs {
		_, err := e.db.CreateClientSource(ctx, &models.ClientSource{ClientID: clientID, SourceID: sourceID})
		require.NoError(t, err)
	}
	return sourceID
}

// seedContent builds a snapshot pair with a pending DiffContent whose
// screenshots live in the blob store.
func (e *testEnv) seedContent(t *testing.T, sourceID int64, added models.ChangeSummary) int64 {
	t.Helper()
	ctx := context.Background()

	hashSeed := fmt.Sprintf("%d-%d", sourceID, time.Now().UnixNano())
	oldSnap, err := e.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID: sourceID, CaptureTS: time.Now(), HashHTML: "old-" + hashSeed, HTMLBlobKey: "old.html",
	})
	require.NoError(t, err)
	newSnap, err := e.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID: sourceID, CaptureTS: time.Now(), HashHTML: "new-" + hashSeed, HTMLBlobKey: "new.html",
	})
	require.NoError(t, err)

	oldShot := fmt.Sprintf("shots/%d-old.jpeg", newSnap)
	newShot := fmt.Sprintf("shots/%d-new.jpeg", newSnap)
	require.NoError(t, e.blobs.Put(ctx, oldShot, []byte("old-image"), blobstore.ContentTypeJPEG))
	require.NoError(t, e.blobs.Put(ctx, newShot, []byte("new-image"), blobstore.ContentTypeJPEG))

	contentID, err := e.db.CreateDiffContent(ctx, &models.DiffContent{
		OldSnapshotID: oldSnap, NewSnapshotID: newSnap,
		OldHTMLBlobKey: "diff-old.html", NewHTMLBlobKey: "diff-new.html",
		OldScreenshotKey: oldShot, NewScreenshotKey: newShot,
		Added: added,
	})
	require.NoError(t, err)
	return contentID
}

func (e *testEnv) contentStatus(t *testing.T, contentID int64) models.DiffContentStatus {
	t.Helper()
	content, err := e.db.GetDiffContentByID(context.Background(), contentID)
	require.NoError(t, err)
	return content.Status
}

func TestIndexPublishesPerClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "news", 1, 2)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"fresh headline"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))

	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, contentID))

	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	byClient := map[int64]models.WebUpdate{}
	for _, u := range updates {
		byClient[u.ClientID] = u
	}
	for _, clientID := range []int64{1, 2} {
		u, ok := byClient[clientID]
		require.True(t, ok, "missing update for client %d", clientID)
		assert.Equal(t, "news", u.Title)
		assert.Contains(t, u.Description, "fresh headline")
		assert.Equal(t, sourceID, u.SourceID)
		assert.Equal(t, contentID, u.DiffContentID)

		// Each client got its own image copies.
		oldImg, err := env.blobs.Get(ctx, u.OldImageKey)
		require.NoError(t, err)
		assert.Equal(t, "old-image", string(oldImg))
		newImg, err := env.blobs.Get(ctx, u.NewImageKey)
		require.NoError(t, err)
		assert.Equal(t, "new-image", string(newImg))
	}
}

func TestIndexRejectsWithoutClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "orphan")
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"nobody sees this"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))

	assert.Equal(t, models.DiffContentStatusRejected, env.contentStatus(t, contentID))

	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestIndexSkipsDuplicateText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "repeats", 1)
	summary := models.ChangeSummary{Text: []string{"same text twice"}}
	first := env.seedContent(t, sourceID, summary)
	second := env.seedContent(t, sourceID, summary)

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))

	// Both contents are published, but the identical text reached the
	// client only once.
	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, first))
	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, second))

	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), []int64{1})
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestIndexDegradedContentHasNoImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "degraded", 1)

	oldSnap, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID: sourceID, CaptureTS: time.Now(), HashHTML: "deg-old", HTMLBlobKey: "old.html",
	})
	require.NoError(t, err)
	newSnap, err := env.db.CreateSnapshot(ctx, &models.Snapshot{
		SourceID: sourceID, CaptureTS: time.Now(), HashHTML: "deg-new", HTMLBlobKey: "new.html",
	})
	require.NoError(t, err)
	contentID, err := env.db.CreateDiffContent(ctx, &models.DiffContent{
		OldSnapshotID: oldSnap, NewSnapshotID: newSnap,
		OldHTMLBlobKey: "diff-old.html", NewHTMLBlobKey: "diff-new.html",
		Added: models.ChangeSummary{Text: []string{"render failed but text survived"}},
	})
	require.NoError(t, err)

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))

	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, contentID))
	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), []int64{1})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].OldImageKey)
	assert.Empty(t, updates[0].NewImageKey)
}

func TestIndexClientFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "filtered", 1, 2)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"partial rollout"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{ClientIDs: []int64{2}}))

	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, contentID))
	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(2), updates[0].ClientID)
}

func TestIndexClientFilterExcludingAllLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "excluded", 1)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"not yet"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{ClientIDs: []int64{99}}))

	assert.Equal(t, models.DiffContentStatusPending, env.contentStatus(t, contentID))
}

func TestIndexIgnoresContentOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "stale", 1)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"too old"}})

	// A window entirely in the past leaves the content untouched.
	to := time.Now().Add(-48 * time.Hour)
	require.NoError(t, env.newIndexer(t).Run(ctx, Options{From: to.Add(-24 * time.Hour), To: to}))

	assert.Equal(t, models.DiffContentStatusPending, env.contentStatus(t, contentID))
}

func TestIndexPushesToFeedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var received []models.WebUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	env.cfg.IndexConfig.EndpointURL = server.URL

	sourceID := env.seedSource(t, "feed", 7)
	env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"pushed downstream"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))

	require.Len(t, received, 1)
	assert.Equal(t, int64(7), received[0].ClientID)
	assert.Contains(t, received[0].Description, "pushed downstream")
}

func TestIndexFeedFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()
	env.cfg.IndexConfig.EndpointURL = server.URL

	sourceID := env.seedSource(t, "flaky-feed", 1)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"still published"}})

	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))
	assert.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, contentID))
}

func TestIndexRepublishPushesExistingUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sourceID := env.seedSource(t, "replay", 1)
	contentID := env.seedContent(t, sourceID, models.ChangeSummary{Text: []string{"seen before"}})

	// First pass publishes normally without a feed endpoint.
	require.NoError(t, env.newIndexer(t).Run(ctx, Options{}))
	require.Equal(t, models.DiffContentStatusPublished, env.contentStatus(t, contentID))

	var received []models.WebUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	env.cfg.IndexConfig.EndpointURL = server.URL

	// A published-statuses pass re-pushes the window's updates to the feed
	// without touching stored rows.
	require.NoError(t, env.newIndexer(t).Run(ctx, Options{
		Statuses: []models.DiffContentStatus{models.DiffContentStatusPublished},
	}))

	require.Len(t, received, 1)
	assert.Equal(t, contentID, received[0].DiffContentID)

	updates, err := env.db.ListWebUpdatesInWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestBuildDescription(t *testing.T) {
	tests := []struct {
		name    string
		added   models.ChangeSummary
		removed models.ChangeSummary
		want    []string
	}{
		{
			name:  "plain text",
			added: models.ChangeSummary{Text: []string{"hello world"}},
			want:  []string{"Added: hello world"},
		},
		{
			name:  "markup stripped",
			added: models.ChangeSummary{Text: []string{"<b>bold</b> move"}},
			want:  []string{"Added: bold move"},
		},
		{
			name:    "added and removed",
			added:   models.ChangeSummary{Text: []string{"new"}, Links: []string{"/promo"}},
			removed: models.ChangeSummary{Text: []string{"old"}},
			want:    []string{"Added: new", "Removed: old", "New links: /promo"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildDescription(tt.added, tt.removed)
			for _, want := range tt.want {
				assert.Contains(t, got, want)
			}
		})
	}
}
