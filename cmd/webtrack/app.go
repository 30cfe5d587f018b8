package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/logger"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/rs/zerolog"
)

// app bundles the dependencies every job starts from: config, a per-job
// logger, the SQLite store, the blob store, and the mail relay.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *datastore.DB
	blobs  blobstore.Store
	mailer *notifier.Mailer
}

// newApp loads and validates config, then opens the shared stores.
func newApp(ctx context.Context, jobName, configFlag string) (*app, error) {
	cfg, err := config.LoadConfigFromFile(config.GetConfigPath(configFlag))
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, common.WrapError(err, "configuration validation failed")
	}

	zLogger, err := logger.NewForJob(cfg.LogConfig, jobName)
	if err != nil {
		return nil, common.WrapError(err, "failed to initialize logger")
	}

	db, err := datastore.NewDB(cfg.StorageConfig.SQLitePath, zLogger)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(ctx, &cfg.StorageConfig, zLogger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: zLogger,
		db:     db,
		blobs:  blobs,
		mailer: notifier.NewMailer(cfg.MailConfig, zLogger),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close database")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseIDList parses a comma-separated id list, tolerating blanks.
func parseIDList(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, common.NewValidationError("id_list", raw, "ids must be comma-separated integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseStringList splits a comma-separated flag value, tolerating blanks.
func parseStringList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		items = append(items, part)
	}
	return items
}

// parseStatusList parses the -statuses flag. Only pending and published
// make sense as indexing inputs; rejected contents are terminal noise.
func parseStatusList(raw string) ([]models.DiffContentStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var statuses []models.DiffContentStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch status := models.DiffContentStatus(part); status {
		case models.DiffContentStatusPending, models.DiffContentStatusPublished:
			statuses = append(statuses, status)
		default:
			return nil, common.NewValidationError("statuses", raw, "must be a comma-separated subset of: pending, published")
		}
	}
	return statuses, nil
}

// parseTimeFlag parses an RFC 3339 timestamp, accepting a bare date too.
func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, common.NewValidationError(name, raw, "must be RFC 3339 or YYYY-MM-DD")
}
