package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aleister1102/webtrack/internal/common"

	"github.com/rs/zerolog"
)

// FilesystemStore maps keys to files under a root directory. Writes are
// atomic (temp file + rename) so a killed job never leaves a half-written
// blob behind for the renderer to serve.
type FilesystemStore struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(rootDir string, logger zerolog.Logger) (*FilesystemStore, error) {
	if rootDir == "" {
		return nil, common.NewValidationError("blob_root_dir", rootDir, "root directory cannot be empty")
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, common.WrapError(err, "failed to create blob root directory "+rootDir)
	}
	return &FilesystemStore{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "FilesystemStore").Logger(),
	}, nil
}

// Put writes data under key. The content type is carried by the key's
// extension on this backend.
func (fs *FilesystemStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return common.WrapError(err, "failed to create blob directory for "+key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return common.WrapError(err, "failed to create temp blob file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return common.WrapError(err, "failed to write blob "+key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return common.WrapError(err, "failed to close temp blob file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return common.WrapError(err, "failed to move blob into place "+key)
	}

	fs.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("Blob written")
	return nil
}

// Get reads the blob at key, or ErrNotExist.
func (fs *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to read blob "+key)
	}
	return data, nil
}

// Exists reports whether the key is present.
func (fs *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, common.WrapError(err, "failed to stat blob "+key)
	}
	return true, nil
}

// Delete removes the blob. A missing key returns ErrNotExist so the
// archiver can count blobs already gone.
func (fs *FilesystemStore) Delete(ctx context.Context, key string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotExist
	}
	if err != nil {
		return common.WrapError(err, "failed to delete blob "+key)
	}
	return nil
}

// resolve maps a key to a path and rejects traversal outside the root.
func (fs *FilesystemStore) resolve(key string) (string, error) {
	if key == "" {
		return "", common.NewValidationError("key", key, "blob key cannot be empty")
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", common.NewValidationError("key", key, "blob key escapes the root directory")
	}
	return filepath.Join(fs.rootDir, cleaned), nil
}
