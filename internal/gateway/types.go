package gateway

import (
	"time"
)

// DateLayout is the calendar-date format used for quota resets (UTC).
const DateLayout = "2006-01-02"

// Today formats t as a UTC calendar date.
func Today(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// UsageRecord is the persisted quota state of one API key.
type UsageRecord struct {
	APIKey    string `json:"-"`
	Count     int    `json:"usage_count"`
	LastReset string `json:"last_reset"`
}

// EffectiveCount returns the count that applies on the given day. A record
// last reset on another day counts as zero.
func (r UsageRecord) EffectiveCount(today string) int {
	if r.LastReset != today {
		return 0
	}
	return r.Count
}

// Decision is the outcome of an accepted quota check.
type Decision struct {
	APIKey string
	Count  int
	Limit  int
}

// IPInfo is the geolocation record returned for an egress IP. Fields absent
// upstream stay at their zero value.
type IPInfo struct {
	Status      string  `json:"status,omitempty"`
	Query       string  `json:"query,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"countryCode,omitempty"`
	Region      string  `json:"region,omitempty"`
	RegionName  string  `json:"regionName,omitempty"`
	City        string  `json:"city,omitempty"`
	Zip         string  `json:"zip,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Org         string  `json:"org,omitempty"`
	AS          string  `json:"as,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// IdentitySnapshot is the egress identity observed for one request.
type IdentitySnapshot struct {
	UserAgent string
	PublicIP  string
	IPInfo    *IPInfo
}

// FetchMode selects how a target is retrieved.
type FetchMode string

const (
	// ModeHTTP is a plain GET.
	ModeHTTP FetchMode = "http"
	// ModeScrape is a headless-browser render of a search page.
	ModeScrape FetchMode = "scrape"
)

// FetchResult carries the output of one execution.
type FetchResult struct {
	Mode        FetchMode
	Source      string
	URL         string
	StatusCode  int
	ContentType string
	Content     []byte
	Links       []string
	UserAgent   string
	Duration    time.Duration
	// Truncated is set when Content stopped at the configured body limit.
	Truncated bool
}

// ArtifactHandle references staged content.
type ArtifactHandle struct {
	ObjectKey   string    `json:"object_key"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256"`
	Size        int       `json:"size"`
}

// EgressState is the classified status of the egress utility.
type EgressState string

const (
	EgressConnected    EgressState = "Connected"
	EgressDisconnected EgressState = "Disconnected"
	EgressUnknown      EgressState = "Unknown"
)

// StepResult records one invocation of the egress utility.
type StepResult struct {
	Action   string        `json:"action"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the step exited cleanly.
func (s StepResult) OK() bool {
	return s.ExitCode == 0 && s.Err == ""
}

// RotationReport summarizes a disconnect/connect cycle.
type RotationReport struct {
	Disconnect StepResult `json:"disconnect"`
	Connect    StepResult `json:"connect"`
	Shared     bool       `json:"shared"`
}

// OK reports whether both steps succeeded.
func (r RotationReport) OK() bool {
	return r.Disconnect.OK() && r.Connect.OK()
}

// ScrapeEvent is published after a scrape has been staged.
type ScrapeEvent struct {
	RequestID   string    `json:"request_id"`
	Query       string    `json:"query"`
	LinkCount   int       `json:"link_count"`
	ObjectKey   string    `json:"object_key"`
	SHA256      string    `json:"sha256"`
	UsageCount  int       `json:"usage_count"`
	DeviceID    string    `json:"device_id"`
	CompletedAt time.Time `json:"completed_at"`
}
