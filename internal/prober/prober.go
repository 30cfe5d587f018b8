package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/notifier"

	"github.com/rs/zerolog"
)

// Prober bulk-checks the health of every active source and flips the
// fetchable flag both ways: dead sources get marked broken so the fetcher
// stops burning browser time on them, and broken sources that answer again
// get marked ok.
type Prober struct {
	cfg    *config.Config
	db     *datastore.DB
	mailer *notifier.Mailer
	logger zerolog.Logger
}

// New wires a Prober from its dependencies.
func New(cfg *config.Config, db *datastore.DB, mailer *notifier.Mailer, logger zerolog.Logger) *Prober {
	return &Prober{
		cfg:    cfg,
		db:     db,
		mailer: mailer,
		logger: logger.With().Str("component", "Prober").Logger(),
	}
}

// Run executes one probing pass over all active sources.
func (p *Prober) Run(ctx context.Context) error {
	lock := common.NewFileLock("probe_sources")
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, common.ErrLockBusy) {
			p.logger.Info().Str("lock", lock.Path()).Msg("Previous probe run still holds the lock, exiting")
			return nil
		}
		return err
	}
	defer lock.Unlock()

	sources, err := p.db.ListActiveSources(ctx)
	if err != nil {
		return common.WrapError(err, "failed to list active sources")
	}
	if len(sources) == 0 {
		p.logger.Info().Msg("No active sources to probe")
		return nil
	}

	targets := make([]string, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if !seen[src.URL] {
			seen[src.URL] = true
			targets = append(targets, src.URL)
		}
	}
	p.logger.Info().Int("sources", len(sources)).Int("targets", len(targets)).Msg("Probe run starting")

	outcomes, err := probeTargets(targets, p.cfg.ProberConfig, p.logger)
	if err != nil {
		return err
	}

	report := notifier.NewErrorReport("probe-sources")
	broken, recovered := p.reconcile(ctx, sources, outcomes, report)

	p.logger.Info().
		Int("probed", len(outcomes)).
		Int("marked_broken", broken).
		Int("recovered", recovered).
		Int("errors", report.Count()).
		Msg("Probe run finished")

	mailCtx, mailCancel := context.WithTimeout(context.Background(), time.Minute)
	defer mailCancel()
	if err := report.Send(mailCtx, p.mailer); err != nil {
		p.logger.Error().Err(err).Msg("Failed to send error report")
	}
	return nil
}

// reconcile applies the probe outcomes to source health. A source with no
// outcome at all is treated as dead: httpx drops targets it cannot even
// resolve.
func (p *Prober) reconcile(ctx context.Context, sources []models.Source, outcomes map[string]probeOutcome, report *notifier.ErrorReport) (broken, recovered int) {
	for _, src := range sources {
		outcome, probed := outcomes[src.URL]
		alive := probed && outcome.Alive()

		switch {
		case !alive && src.Status != models.SourceStatusBroken:
			reason := outcome.Reason
			if !probed {
				reason = "no response from probe"
			}
			if err := p.db.MarkSourceBroken(ctx, src.ID, fmt.Sprintf("probe failed: %s", reason)); err != nil {
				report.Add(err, src.ID, src.URL)
				continue
			}
			p.logger.Warn().Int64("source_id", src.ID).Str("url", src.URL).Str("reason", reason).Msg("Source marked broken")
			broken++

		case alive && src.Status == models.SourceStatusBroken:
			if err := p.db.MarkSourceOK(ctx, src.ID); err != nil {
				report.Add(err, src.ID, src.URL)
				continue
			}
			p.logger.Info().Int64("source_id", src.ID).Str("url", src.URL).Int("status", outcome.StatusCode).Msg("Source recovered")
			recovered++
		}
	}
	return broken, recovered
}
