package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleister1102/webtrack/internal/config"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestFilesystemStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("<html><body>captured</body></html>")
	require.NoError(t, store.Put(ctx, "snapshots/7/2025-01-02-03-04-05.html", data, ContentTypeHTML))

	got, err := store.Get(ctx, "snapshots/7/2025-01-02-03-04-05.html")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFilesystemStore_GetMissingKey(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "snapshots/1/absent.html")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFilesystemStore_Exists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "diff/old/3/x.jpeg")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Put(ctx, "diff/old/3/x.jpeg", []byte{0xff, 0xd8}, ContentTypeJPEG))

	exists, err = store.Exists(ctx, "diff/old/3/x.jpeg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFilesystemStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "snapshots/2/a.html", []byte("x"), ContentTypeHTML))
	require.NoError(t, store.Delete(ctx, "snapshots/2/a.html"))

	assert.ErrorIs(t, store.Delete(ctx, "snapshots/2/a.html"), ErrNotExist)

	_, err := store.Get(ctx, "snapshots/2/a.html")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFilesystemStore_OverwriteIsAtomicReplacement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("first"), ContentTypeHTML))
	require.NoError(t, store.Put(ctx, "k", []byte("second"), ContentTypeHTML))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestFilesystemStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemStore(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "snapshots/5/x.html", []byte("y"), ContentTypeHTML))

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots", "5"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.html", entries[0].Name())
}

func TestFilesystemStore_RejectsEscapingKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"parent traversal", "../outside"},
		{"absolute path", "/etc/passwd"},
		{"empty key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(ctx, tt.key, []byte("x"), ContentTypeHTML)
			assert.Error(t, err)
		})
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := config.NewDefaultStorageConfig()
	cfg.BlobRootDir = t.TempDir()

	store, err := New(context.Background(), &cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &FilesystemStore{}, store)

	cfg.BlobBackend = "nonsense"
	_, err = New(context.Background(), &cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestKeyBuilders(t *testing.T) {
	ts := time.Date(2025, 3, 9, 14, 30, 45, 0, time.UTC)

	assert.Equal(t, "snapshots/12/2025-03-09-14-30-45.html", SnapshotHTMLKey(12, ts))
	assert.Equal(t, "snapshots/12/2025-03-09-14-30-45.jpeg", SnapshotScreenshotKey(12, ts))
	assert.Equal(t, "diff/old/44/2025-03-09-14-30-45.jpeg", DiffScreenshotKey(SideOld, 44, ts))
	assert.Equal(t, "diff/new/44/2025-03-09-14-30-45.jpeg", DiffScreenshotKey(SideNew, 44, ts))
	assert.Equal(t, "web_updates/9/44/new/09-03-2025-14-30-45.jpeg", WebUpdateImageKey(9, 44, SideNew, ts))
}
