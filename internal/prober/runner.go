package prober

import (
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/config"

	"github.com/projectdiscovery/httpx/runner"
	"github.com/rs/zerolog"
)

// probeOutcome is the health verdict for one probed URL.
type probeOutcome struct {
	URL        string
	FinalURL   string
	StatusCode int
	Failed     bool
	Reason     string
}

// Alive reports whether the target answered with any HTTP response at all.
// Status codes are deliberately ignored: a 404 or 500 still proves the host
// resolves and speaks HTTP, which is all the fetch scheduler needs.
func (o probeOutcome) Alive() bool {
	return !o.Failed && o.StatusCode > 0
}

// probeTargets runs one httpx enumeration over the targets and returns the
// outcomes keyed by input URL. The enumeration is synchronous; results
// arrive on a channel because httpx invokes the callback from its workers.
func probeTargets(targets []string, cfg config.ProberConfig, logger zerolog.Logger) (map[string]probeOutcome, error) {
	results := make(chan probeOutcome, len(targets))

	options := &runner.Options{
		Methods:            "GET",
		FollowRedirects:    true,
		Threads:            cfg.Threads,
		Timeout:            cfg.TimeoutSecs,
		Retries:            cfg.Retries,
		Silent:             true,
		DisableUpdateCheck: true,
		InputTargetHost:    targets,
		OnResult: func(res runner.Result) {
			results <- probeOutcome{
				URL:        res.Input,
				FinalURL:   res.URL,
				StatusCode: res.StatusCode,
				Failed:     res.Failed,
				Reason:     res.Error,
			}
		},
	}

	httpxRunner, err := runner.New(options)
	if err != nil {
		return nil, common.WrapError(err, "failed to initialize probe runner")
	}
	defer httpxRunner.Close()

	httpxRunner.RunEnumeration()
	close(results)

	outcomes := make(map[string]probeOutcome, len(targets))
	for res := range results {
		logger.Debug().
			Str("url", res.URL).
			Int("status", res.StatusCode).
			Bool("failed", res.Failed).
			Msg("Probe result")
		outcomes[res.URL] = res
	}
	return outcomes, nil
}
