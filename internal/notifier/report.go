package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorReport accumulates per-source failures over one job run and mails
// them as a single digest. Errors are grouped by message so a flaky DNS
// resolver hitting forty sources produces one section, not forty mails.
// Safe for concurrent Add from parallel batch workers.
type ErrorReport struct {
	jobName string

	mu      sync.Mutex
	entries map[string][]reportEntry
}

type reportEntry struct {
	sourceID int64
	detail   string
	at       time.Time
}

// NewErrorReport starts an empty report for one job run.
func NewErrorReport(jobName string) *ErrorReport {
	return &ErrorReport{
		jobName: jobName,
		entries: make(map[string][]reportEntry),
	}
}

// Add records one failure against a source. A zero sourceID marks a
// job-level failure not tied to any source.
func (r *ErrorReport) Add(err error, sourceID int64, detail string) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := err.Error()
	r.entries[key] = append(r.entries[key], reportEntry{
		sourceID: sourceID,
		detail:   detail,
		at:       time.Now(),
	})
}

// Empty reports whether the run finished clean.
func (r *ErrorReport) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// Count returns the total number of recorded failures.
func (r *ErrorReport) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, group := range r.entries {
		n += len(group)
	}
	return n
}

// Send mails the digest when anything was recorded. A clean run sends
// nothing.
func (r *ErrorReport) Send(ctx context.Context, mailer *Mailer) error {
	if r.Empty() {
		return nil
	}
	subject := fmt.Sprintf("%s job caught %d errors", r.jobName, r.Count())
	return mailer.Send(ctx, subject, r.body())
}

func (r *ErrorReport) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error caught on %s\n\n", time.Now().UTC().Format(time.RFC3339))
	for _, key := range keys {
		group := r.entries[key]
		fmt.Fprintf(&sb, "%s (%d occurrences)\n", key, len(group))
		for _, e := range group {
			if e.sourceID != 0 {
				fmt.Fprintf(&sb, "  - source %d", e.sourceID)
			} else {
				sb.WriteString("  - job")
			}
			if e.detail != "" {
				fmt.Fprintf(&sb, ": %s", e.detail)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
