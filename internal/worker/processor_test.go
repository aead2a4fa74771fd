package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/download"
)

type fakeScraper struct {
	mu      sync.Mutex
	calls   int
	callsAt []time.Time
	run     func(ctx context.Context, call int) (download.MediaInfo, error)
}

func (s *fakeScraper) Run(ctx context.Context, platform, targetURL string) (download.MediaInfo, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.callsAt = append(s.callsAt, time.Now())
	s.mu.Unlock()
	return s.run(ctx, call)
}

func (s *fakeScraper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeScraper) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.callsAt...)
}

type fakeNotifier struct {
	mu         sync.Mutex
	delivered  []download.DeliveryPayload
	notices    []download.FailureNotice
	deliverErr error
	deliverFn  func(ctx context.Context) error
	notifyErr  error
}

func (n *fakeNotifier) Deliver(ctx context.Context, target string, payload download.DeliveryPayload) error {
	if n.deliverFn != nil {
		if err := n.deliverFn(ctx); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deliverErr != nil {
		return n.deliverErr
	}
	n.delivered = append(n.delivered, payload)
	return nil
}

func (n *fakeNotifier) Notify(ctx context.Context, target string, notice download.FailureNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notifyErr != nil {
		return n.notifyErr
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *fakeNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *fakeNotifier) lastNotice() (download.FailureNotice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return download.FailureNotice{}, false
	}
	return n.notices[len(n.notices)-1], true
}

type statusUpdate struct {
	id     string
	status download.RecordStatus
	errMsg string
}

type fakeAudit struct {
	mu        sync.Mutex
	created   []download.DownloadRecord
	updates   []statusUpdate
	createErr error
	updateErr error
}

func (a *fakeAudit) CreateRecord(ctx context.Context, rec download.DownloadRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return "", a.createErr
	}
	a.created = append(a.created, rec)
	return rec.ID, nil
}

func (a *fakeAudit) UpdateStatus(ctx context.Context, id string, status download.RecordStatus, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return a.updateErr
	}
	a.updates = append(a.updates, statusUpdate{id: id, status: status, errMsg: errMsg})
	return nil
}

type fakeProvider struct {
	maintenance download.MaintenanceState
	disabled    map[string]bool
}

func (p *fakeProvider) MaintenanceMode(ctx context.Context) download.MaintenanceState {
	return p.maintenance
}

func (p *fakeProvider) PlatformEnabled(ctx context.Context, platform string) bool {
	return !p.disabled[platform]
}

type usageEntry struct {
	id      string
	outcome download.UsageOutcome
}

type fakeUsageStore struct {
	mu    sync.Mutex
	usage []usageEntry
}

func (s *fakeUsageStore) FindByHash(ctx context.Context, hash string) (download.Credential, error) {
	return download.Credential{}, download.ErrCredentialNotFound
}

func (s *fakeUsageStore) RecordUsage(ctx context.Context, id string, outcome download.UsageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usageEntry{id: id, outcome: outcome})
	return nil
}

func (s *fakeUsageStore) outcomes() []download.UsageOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]download.UsageOutcome, len(s.usage))
	for i, u := range s.usage {
		out[i] = u.outcome
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type procFixture struct {
	proc     *Processor
	scraper  *fakeScraper
	notifier *fakeNotifier
	audit    *fakeAudit
	provider *fakeProvider
	creds    *fakeUsageStore
}

func okScrape(ctx context.Context, call int) (download.MediaInfo, error) {
	return download.MediaInfo{
		ID:    "vid-1",
		Title: "Test Clip",
		Formats: []download.MediaFormat{
			{FormatID: "hd", Quality: "720p", Ext: "mp4", URL: "https://cdn.example.com/v.mp4"},
		},
	}, nil
}

func newProcFixture(t *testing.T, cfg ProcessorConfig) *procFixture {
	t.Helper()
	f := &procFixture{
		scraper:  &fakeScraper{run: okScrape},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		provider: &fakeProvider{disabled: map[string]bool{}},
		creds:    &fakeUsageStore{},
	}
	f.proc = NewProcessor(
		f.scraper, f.notifier, f.audit, f.provider, f.creds,
		&seqIDs{}, fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		nil, cfg, zap.NewNop(),
	)
	return f
}

func testJob() *download.Job {
	return &download.Job{
		ID: "job-1",
		Payload: download.JobPayload{
			URL:          "https://www.youtube.com/watch?v=abc",
			OwnerID:      "owner-1",
			CredentialID: "cred-1",
			Target:       "chat-1",
		},
		MaxAttempts: 2,
	}
}

func TestProcessorSuccessPath(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	job := testJob()

	jerr := f.proc.Process(context.Background(), job)
	require.Nil(t, jerr)
	f.proc.Wait()

	require.NotEmpty(t, job.RecordID)
	require.Len(t, f.audit.created, 1)
	require.Equal(t, download.RecordProcessing, f.audit.created[0].Status)
	require.Equal(t, "youtube", f.audit.created[0].Platform)

	require.Len(t, f.audit.updates, 1)
	require.Equal(t, download.RecordCompleted, f.audit.updates[0].status)

	require.Equal(t, 1, f.notifier.deliveredCount())
	require.Equal(t, "Test Clip", f.notifier.delivered[0].Media.Title)
	require.Equal(t, []download.UsageOutcome{download.UsageSuccess}, f.creds.outcomes())
}

func TestProcessorMaintenanceGate(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.provider.maintenance = download.MaintenanceState{Active: true, Scope: "full"}

	jerr := f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrMaintenance, jerr.Code)
	require.Equal(t, 0, f.scraper.callCount())

	// API-only maintenance never blocks background processing.
	f.provider.maintenance = download.MaintenanceState{Active: true, Scope: "api-only"}
	require.Nil(t, f.proc.Process(context.Background(), testJob()))
}

func TestProcessorPlatformGates(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})

	job := testJob()
	job.Payload.URL = "https://example.com/watch?v=abc"
	jerr := f.proc.Process(context.Background(), job)
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrInvalidURL, jerr.Code)

	f.provider.disabled["youtube"] = true
	jerr = f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrPlatformDisabled, jerr.Code)
	require.Empty(t, f.audit.created)
}

func TestProcessorScrapeTimeout(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{ScrapeTimeout: 20 * time.Millisecond})
	f.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		<-ctx.Done()
		return download.MediaInfo{}, ctx.Err()
	}

	jerr := f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrTimeout, jerr.Code)
	require.True(t, jerr.Retryable())
}

func TestProcessorEmptyFormatsIsFailure(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		return download.MediaInfo{ID: "vid-1", Title: "empty"}, nil
	}

	jerr := f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrScrapeFailed, jerr.Code)
	require.False(t, jerr.Retryable())
}

func TestProcessorDeliveryErrors(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.notifier.deliverErr = errors.New("chat gone")
	jerr := f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrDeliveryFailed, jerr.Code)

	f = newProcFixture(t, ProcessorConfig{DeliverTimeout: 20 * time.Millisecond})
	f.notifier.deliverFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	jerr = f.proc.Process(context.Background(), testJob())
	require.NotNil(t, jerr)
	require.Equal(t, download.JobErrTimeout, jerr.Code)
}

func TestProcessorNilAuditLogIsNoop(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.proc = NewProcessor(
		f.scraper, f.notifier, nil, f.provider, f.creds,
		&seqIDs{}, fixedClock{t: time.Now()}, nil, ProcessorConfig{}, zap.NewNop(),
	)

	job := testJob()
	require.Nil(t, f.proc.Process(context.Background(), job))
	require.Empty(t, job.RecordID)
	require.Equal(t, 1, f.notifier.deliveredCount())
}

func TestProcessorRecordCreatedOncePerJob(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.scraper.run = func(ctx context.Context, call int) (download.MediaInfo, error) {
		if call == 1 {
			return download.MediaInfo{}, errors.New("transient upstream wobble")
		}
		return okScrape(ctx, call)
	}

	job := testJob()
	jerr := f.proc.Process(context.Background(), job)
	require.NotNil(t, jerr)
	require.NotEmpty(t, job.RecordID)

	require.Nil(t, f.proc.Process(context.Background(), job))
	require.Len(t, f.audit.created, 1)
}

func TestProcessorCleanupRunsDetached(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	var mu sync.Mutex
	var cleaned []string
	f.proc = NewProcessor(
		f.scraper, f.notifier, f.audit, f.provider, f.creds,
		&seqIDs{}, fixedClock{t: time.Now()},
		func(ctx context.Context, job *download.Job) error {
			mu.Lock()
			cleaned = append(cleaned, job.ID)
			mu.Unlock()
			return nil
		},
		ProcessorConfig{}, zap.NewNop(),
	)

	require.Nil(t, f.proc.Process(context.Background(), testJob()))
	f.proc.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"job-1"}, cleaned)
}

func TestProcessorFailSideEffects(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	job := testJob()
	job.RecordID = "rec-9"

	jerr := download.NewJobError(download.JobErrScrapeFailed, errors.New("extractor said no"))
	f.proc.Fail(job, jerr)
	f.proc.Wait()

	require.Len(t, f.audit.updates, 1)
	require.Equal(t, statusUpdate{id: "rec-9", status: download.RecordFailed, errMsg: jerr.Error()}, f.audit.updates[0])

	notice, ok := f.notifier.lastNotice()
	require.True(t, ok)
	require.Equal(t, "SCRAPE_FAILED", notice.Code)
	require.True(t, notice.CanRetry)

	require.Equal(t, []download.UsageOutcome{download.UsageError}, f.creds.outcomes())
}

func TestProcessorFailToleratesSecondaryFailures(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.audit.updateErr = errors.New("db down")
	job := testJob()
	job.RecordID = "rec-9"

	f.proc.Fail(job, download.NewJobError(download.JobErrTimeout, context.DeadlineExceeded))
	f.proc.Wait()

	// The record update failed but the caller still got a notice and
	// usage was still accounted.
	notice, ok := f.notifier.lastNotice()
	require.True(t, ok)
	require.Equal(t, "TIMEOUT", notice.Code)
	require.Equal(t, []download.UsageOutcome{download.UsageError}, f.creds.outcomes())
}

func TestProcessorNoRetryForDisabledPlatformNotice(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t, ProcessorConfig{})
	f.proc.Fail(testJob(), download.NewJobError(download.JobErrPlatformDisabled, errors.New("off")))
	f.proc.Wait()

	notice, ok := f.notifier.lastNotice()
	require.True(t, ok)
	require.False(t, notice.CanRetry)
}
