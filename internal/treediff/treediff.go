package treediff

import (
	"context"
	"errors"
	"time"

	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/normalizer"
	"github.com/rs/zerolog"
)

// ErrDiffTimeout is returned when a diff exceeds its time budget. Callers
// treat it differently from other failures: the new snapshot is parked
// instead of retried.
var ErrDiffTimeout = errors.New("tree diff timed out")

// RatioMode selects how deep node comparison descends. Accurate compares
// every element; fast treats option/label as text leaves; faster also
// flattens paragraphs and headings.
type RatioMode string

const (
	RatioModeAccurate RatioMode = "accurate"
	RatioModeFast     RatioMode = "fast"
	RatioModeFaster   RatioMode = "faster"
)

// Options tune one diff run.
type Options struct {
	RatioMode   RatioMode
	Threshold   float64
	FastMatch   bool
	UniqueAttrs []string

	// BaseURL is written into a <base> tag of both annotated documents so
	// relative assets resolve when the sides are rendered later.
	BaseURL string

	// Timeout bounds the whole diff; zero means no limit beyond the
	// caller's context.
	Timeout time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		RatioMode:   RatioModeAccurate,
		Threshold:   config.DefaultDiffMatchThreshold,
		FastMatch:   true,
		UniqueAttrs: []string{"xml:id"},
		Timeout:     config.DefaultDiffTimeoutSecs * time.Second,
	}
}

// OptionsFromConfig builds diff options from the diff section of the
// configuration file.
func OptionsFromConfig(cfg config.DiffConfig) Options {
	opts := DefaultOptions()
	if cfg.RatioMode != "" {
		opts.RatioMode = RatioMode(cfg.RatioMode)
	}
	if cfg.MatchThreshold > 0 {
		opts.Threshold = cfg.MatchThreshold
	}
	if cfg.TimeoutSecs > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return opts
}

// Result is the full outcome of diffing two captures: both annotated sides,
// the added/removed summaries, and the structural edit script.
type Result struct {
	LeftHTML  string
	RightHTML string
	Added     models.ChangeSummary
	Removed   models.ChangeSummary
	Ops       []Op
}

// HasVisibleChange reports whether the diff found anything a reader would
// see. Junk-only churn produces empty summaries and must not yield a diff
// record downstream.
func (r *Result) HasVisibleChange() bool {
	return !r.Added.IsEmpty() || !r.Removed.IsEmpty()
}

// Differ turns two normalized captures of one page into an annotated
// side-by-side diff.
type Differ struct {
	opts   Options
	logger zerolog.Logger
}

// NewDiffer constructs a Differ with a component-scoped logger.
func NewDiffer(opts Options, logger zerolog.Logger) *Differ {
	return &Differ{
		opts:   opts,
		logger: logger.With().Str("component", "Differ").Logger(),
	}
}

// Diff parses both documents, strips per-source junk, matches the trees,
// and produces annotated sides plus change summaries. The junk xpaths are
// the source's curated noise list; they are applied to both sides before
// anything is compared.
func (d *Differ) Diff(ctx context.Context, oldHTML, newHTML []byte, junkXPaths []string) (*Result, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	started := time.Now()

	oldDoc, err := normalizer.ParseDocument(oldHTML)
	if err != nil {
		return nil, err
	}
	newDoc, err := normalizer.ParseDocument(newHTML)
	if err != nil {
		return nil, err
	}

	normalizer.RemoveJunk(oldDoc, junkXPaths, d.logger)
	normalizer.RemoveJunk(newDoc, junkXPaths, d.logger)

	oldRoot := buildTree(oldDoc, d.opts.RatioMode)
	newRoot := buildTree(newDoc, d.opts.RatioMode)

	m := &matcher{opts: d.opts}
	if err := m.matchTrees(ctx, oldRoot, newRoot); err != nil {
		return nil, err
	}

	ops := buildEditScript(oldRoot, newRoot)
	added, removed := summarize(oldRoot, newRoot)

	left, right, err := annotateSides(oldDoc, newDoc, oldRoot, newRoot, d.opts.BaseURL)
	if err != nil {
		return nil, err
	}

	d.logger.Debug().
		Int("ops", len(ops)).
		Int("added_text", len(added.Text)).
		Int("removed_text", len(removed.Text)).
		Dur("elapsed", time.Since(started)).
		Msg("Tree diff completed")

	return &Result{
		LeftHTML:  left,
		RightHTML: right,
		Added:     added,
		Removed:   removed,
		Ops:       ops,
	}, nil
}
