package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
)

// GCSStore stores blobs in a Google Cloud Storage bucket under an optional
// prefix. Objects are written with a long-lived cache-control header since
// snapshot and diff blobs are immutable once written.
type GCSStore struct {
	client       *storage.Client
	bucket       string
	prefix       string
	cacheControl string
	logger       zerolog.Logger
}

// NewGCSStore connects with application-default credentials.
func NewGCSStore(ctx context.Context, cfg *config.StorageConfig, logger zerolog.Logger) (*GCSStore, error) {
	if cfg.GCSBucket == "" {
		return nil, common.NewValidationError("gcs_bucket", cfg.GCSBucket, "bucket required for the gcs backend")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, common.WrapError(err, "failed to create gcs client")
	}

	return &GCSStore{
		client:       client,
		bucket:       cfg.GCSBucket,
		prefix:       strings.Trim(cfg.GCSPrefix, "/"),
		cacheControl: cfg.CacheControl,
		logger:       logger.With().Str("component", "GCSStore").Logger(),
	}, nil
}

// Put uploads data with the configured content type and cache headers.
func (g *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	writer := g.object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = g.cacheControl

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return common.WrapError(err, "failed to write gcs object "+key)
	}
	if err := writer.Close(); err != nil {
		return common.WrapError(err, "failed to finalize gcs object "+key)
	}

	g.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("Blob uploaded")
	return nil
}

// Get downloads the object, mapping storage.ErrObjectNotExist to the
// backend-neutral ErrNotExist.
func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, common.WrapError(err, "failed to open gcs object "+key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, common.WrapError(err, "failed to read gcs object "+key)
	}
	return data, nil
}

// Exists checks object attributes without downloading.
func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, common.WrapError(err, "failed to stat gcs object "+key)
	}
	return true, nil
}

// Delete removes the object, mapping absence to ErrNotExist.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotExist
	}
	if err != nil {
		return common.WrapError(err, "failed to delete gcs object "+key)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) object(key string) *storage.ObjectHandle {
	name := key
	if g.prefix != "" {
		name = g.prefix + "/" + key
	}
	return g.client.Bucket(g.bucket).Object(name)
}
