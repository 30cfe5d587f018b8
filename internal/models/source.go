package models

import "time"

// SourceState controls whether a source participates in fetching.
type SourceState string

const (
	SourceStateActive   SourceState = "active"
	SourceStateInactive SourceState = "inactive"
)

// SourceStatus reflects the health of the last fetch attempts.
type SourceStatus string

const (
	SourceStatusOK     SourceStatus = "ok"
	SourceStatusBroken SourceStatus = "broken"
)

// Valid fetch frequencies in hours.
const (
	FrequencySixHours    = 6
	FrequencyTwelveHours = 12
	FrequencyDaily       = 24
)

// Source is a tracked web page.
type Source struct {
	ID                 int64        `json:"id"`
	URL                string       `json:"url"`
	BaseURL            string       `json:"base_url,omitempty"`
	Domain             string       `json:"domain,omitempty"`
	Name               string       `json:"name"`
	State              SourceState  `json:"state"`
	Status             SourceStatus `json:"status"`
	FrequencyHours     int          `json:"frequency_hours"`
	JunkXPaths         []string     `json:"junk_xpaths,omitempty"`
	AcceptCookieXPaths []string     `json:"accept_cookie_xpaths,omitempty"`
	ScreenshotSleepMs  int          `json:"screenshot_sleep_ms,omitempty"`
	LastRun            *time.Time   `json:"last_run,omitempty"`
	LastError          string       `json:"last_error,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// IsFetchable reports whether the source should be considered by the fetch
// scheduler at all. The frequency window check happens in the store query.
func (s *Source) IsFetchable() bool {
	return s.State == SourceStateActive && s.Status != SourceStatusBroken
}

// IsValidFrequency reports whether hours is one of the supported cadences.
func IsValidFrequency(hours int) bool {
	switch hours {
	case FrequencySixHours, FrequencyTwelveHours, FrequencyDaily:
		return true
	}
	return false
}

// ClientSource binds a client to a source. A source with no active binding
// is not tracked even when its own state is active.
type ClientSource struct {
	ID        int64       `json:"id"`
	ClientID  int64       `json:"client_id"`
	SourceID  int64       `json:"source_id"`
	State     SourceState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}
