// Package download defines core types shared across subsystems.
package download

import (
	"net/url"
	"strings"
	"time"
)

// CredentialType distinguishes service tiers.
type CredentialType string

// Credential tiers; the tier decides job priority.
const (
	CredentialFree    CredentialType = "free"
	CredentialPremium CredentialType = "premium"
)

// Job priorities derived from the admitting credential (lower runs first).
const (
	PriorityPremium = 1
	PriorityFree    = 10
)

// Priority returns the queue priority for jobs admitted by this tier.
func (t CredentialType) Priority() int {
	if t == CredentialPremium {
		return PriorityPremium
	}
	return PriorityFree
}

// CredentialStats aggregates per-credential usage counters.
type CredentialStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Credential is a hashed, revocable secret granting rate-limited access.
// The raw secret is shown in full exactly once at creation or regeneration;
// only HashedSecret and Preview persist.
type Credential struct {
	ID                 string          `json:"id"`
	HashedSecret       string          `json:"-"`
	Preview            string          `json:"preview"`
	Type               CredentialType  `json:"type"`
	Enabled            bool            `json:"enabled"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time      `json:"last_used_at,omitempty"`
	Stats              CredentialStats `json:"stats"`
}

// Expired reports whether the credential has an expiry in the past.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// JobPayload is the closed, versioned request record carried by a job.
// Unknown fields are rejected at submission, not tolerated silently.
type JobPayload struct {
	URL          string    `json:"url"`
	OwnerID      string    `json:"owner_id"`
	CredentialID string    `json:"credential_id"`
	Target       string    `json:"target"`
	Priority     int       `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Job is a unit of work flowing through the queue and worker pool.
// Attempts and RecordID are owned by the processing worker.
type Job struct {
	ID           string        `json:"id"`
	Payload      JobPayload    `json:"payload"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	BackoffDelay time.Duration `json:"backoff_delay"`
	RecordID     string        `json:"record_id,omitempty"`
}

// RecordStatus is the lifecycle state of a DownloadRecord. Transitions are
// monotonic: pending -> processing -> completed|failed.
type RecordStatus string

// Record status values persisted by the audit log.
const (
	RecordPending    RecordStatus = "pending"
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RecordStatus) Terminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// DownloadRecord is the persisted trace of one download request.
type DownloadRecord struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	Platform     string       `json:"platform"`
	URL          string       `json:"url"`
	Title        string       `json:"title,omitempty"`
	Status       RecordStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// MediaFormat is one downloadable rendition reported by the extractor.
type MediaFormat struct {
	FormatID string  `json:"format_id"`
	Quality  string  `json:"quality"`
	Ext      string  `json:"ext"`
	Filesize int64   `json:"filesize,omitempty"`
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	Height   int     `json:"height,omitempty"`
	Width    int     `json:"width,omitempty"`
	FPS      float64 `json:"fps,omitempty"`
	VCodec   string  `json:"vcodec,omitempty"`
	ACodec   string  `json:"acodec,omitempty"`
	ABR      float64 `json:"abr,omitempty"`
}

// MediaInfo is the scraped metadata for a target URL.
type MediaInfo struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Author      string        `json:"author,omitempty"`
	Duration    int           `json:"duration,omitempty"`
	Thumbnail   string        `json:"thumbnail,omitempty"`
	ViewCount   int64         `json:"view_count,omitempty"`
	Formats     []MediaFormat `json:"formats"`
}

// DeliveryPayload is handed to the Notifier after a successful scrape.
type DeliveryPayload struct {
	JobID    string    `json:"job_id"`
	RecordID string    `json:"record_id,omitempty"`
	Platform string    `json:"platform"`
	URL      string    `json:"url"`
	Media    MediaInfo `json:"media"`
	At       time.Time `json:"at"`
}

// FailureNotice is sent on the terminal failure path so the caller can retry.
type FailureNotice struct {
	JobID    string `json:"job_id"`
	URL      string `json:"url"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	CanRetry bool   `json:"can_retry"`
}

// MaintenanceState describes the system-wide maintenance flag.
type MaintenanceState struct {
	Active bool
	Scope  string
}

// Maintenance scopes. Only the full scope blocks the worker path.
const (
	MaintenanceScopeFull    = "full"
	MaintenanceScopeAPIOnly = "api-only"
)

// Blocking reports whether the maintenance state should stop job processing.
func (m MaintenanceState) Blocking() bool {
	return m.Active && m.Scope == MaintenanceScopeFull
}

var platformHosts = map[string]string{
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"tiktok.com":    "tiktok",
	"instagram.com": "instagram",
	"twitter.com":   "x",
	"x.com":         "x",
	"vimeo.com":     "vimeo",
}

// PlatformFromURL maps a target URL to a known platform name. It returns
// an empty string for hosts that no extractor handles.
func PlatformFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	if p, ok := platformHosts[host]; ok {
		return p
	}
	return ""
}
