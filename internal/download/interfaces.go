package download

import (
	"context"
	"time"
)

// UsageOutcome labels a finished request for usage-stat accounting.
type UsageOutcome string

// Usage outcomes recorded against a credential. Request is written at
// admission (lastUsedAt, totalRequests); success and error are written when
// the job reaches a terminal outcome.
const (
	UsageRequest UsageOutcome = "request"
	UsageSuccess UsageOutcome = "success"
	UsageError   UsageOutcome = "error"
)

// CredentialStore looks up credentials by secret hash and records usage.
// FindByHash must read from a store consistent with the most recent write;
// a stale replica can let a just-revoked credential pass.
type CredentialStore interface {
	FindByHash(ctx context.Context, hash string) (Credential, error)
	RecordUsage(ctx context.Context, id string, outcome UsageOutcome) error
}

// WindowDecision is the outcome of one fixed-window counter hit.
type WindowDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// WindowStore is a fixed-window counter keyed by an opaque string. The same
// mechanics back both per-credential rate limiting and the brute-force guard.
type WindowStore interface {
	Hit(ctx context.Context, key string, limit int) (WindowDecision, error)
}

// Scraper is the external extraction collaborator. It is an opaque single
// call; retry policy lives at the job level, not inside the scraper.
type Scraper interface {
	Run(ctx context.Context, platform, targetURL string) (MediaInfo, error)
}

// Notifier delivers results and notices to the caller. Transport-agnostic.
type Notifier interface {
	Deliver(ctx context.Context, target string, payload DeliveryPayload) error
	Notify(ctx context.Context, target string, notice FailureNotice) error
}

// AuditLog persists DownloadRecords. Optional: a nil AuditLog degrades
// record-keeping to a no-op without blocking processing.
type AuditLog interface {
	CreateRecord(ctx context.Context, rec DownloadRecord) (string, error)
	UpdateStatus(ctx context.Context, id string, status RecordStatus, errMsg string) error
}

// ConfigProvider exposes operational toggles polled at the start of each
// job. Caching and TTL of this data is the provider's responsibility.
type ConfigProvider interface {
	MaintenanceMode(ctx context.Context) MaintenanceState
	PlatformEnabled(ctx context.Context, platform string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes the one-way digest stored for a credential secret.
type Hasher interface {
	Hash(data []byte) (string, error)
}
