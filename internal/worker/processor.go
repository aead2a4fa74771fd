// Package worker implements the download pipeline: a concurrent pool
// draining the job queue and a per-job gated processor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/download"
)

// CleanupFunc removes ephemeral artifacts of the triggering request (for
// example the originating chat message). Best-effort, never on the critical
// path.
type CleanupFunc func(ctx context.Context, job *download.Job) error

// ProcessorConfig bounds the two suspension points and the side-effect
// timeouts.
type ProcessorConfig struct {
	ScrapeTimeout  time.Duration
	DeliverTimeout time.Duration
	EffectTimeout  time.Duration
}

// Processor runs the per-job gate pipeline: maintenance, platform, record
// creation, scrape, deliver, account. Failure at any gate surfaces as a
// tagged JobError; only that error feeds the pool's retry decision.
type Processor struct {
	scraper  download.Scraper
	notifier download.Notifier
	audit    download.AuditLog // optional; nil degrades record keeping to a no-op
	provider download.ConfigProvider
	creds    download.CredentialStore
	idGen    download.IDGenerator
	clock    download.Clock
	cleanup  CleanupFunc // optional
	logger   *zap.Logger
	cfg      ProcessorConfig

	detached sync.WaitGroup
}

// NewProcessor constructs a Processor.
func NewProcessor(
	scraper download.Scraper,
	notifier download.Notifier,
	audit download.AuditLog,
	provider download.ConfigProvider,
	creds download.CredentialStore,
	idGen download.IDGenerator,
	clock download.Clock,
	cleanup CleanupFunc,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *Processor {
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 60 * time.Second
	}
	// The deliver timeout is not optional: without it a hung transport
	// leaves jobs "processing" forever with the transfer silently dropped.
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 5 * time.Second
	}
	return &Processor{
		scraper:  scraper,
		notifier: notifier,
		audit:    audit,
		provider: provider,
		creds:    creds,
		idGen:    idGen,
		clock:    clock,
		cleanup:  cleanup,
		logger:   logger,
		cfg:      cfg,
	}
}

// Process runs one attempt of the pipeline for job. It returns nil on full
// success, or the classified primary error.
func (p *Processor) Process(ctx context.Context, job *download.Job) *download.JobError {
	if m := p.provider.MaintenanceMode(ctx); m.Blocking() {
		return download.NewJobError(download.JobErrMaintenance, errors.New("service is under maintenance"))
	}

	platform := download.PlatformFromURL(job.Payload.URL)
	if platform == "" {
		return download.NewJobError(download.JobErrInvalidURL,
			fmt.Errorf("no extractor handles %q", job.Payload.URL))
	}
	if !p.provider.PlatformEnabled(ctx, platform) {
		return download.NewJobError(download.JobErrPlatformDisabled,
			fmt.Errorf("platform %s is disabled", platform))
	}

	p.ensureRecord(ctx, job, platform)

	info, jerr := p.scrape(ctx, job, platform)
	if jerr != nil {
		return jerr
	}

	if jerr := p.deliver(ctx, job, platform, info); jerr != nil {
		return jerr
	}

	p.finishSuccess(job)
	return nil
}

// Fail applies the terminal-failure side effects. Each one is independently
// wrapped so a secondary failure here never masks or replaces the primary
// error that drove the retry decision. Timeouts come from fresh contexts:
// the job context may already be dead by the time a forced shutdown lands
// here.
func (p *Processor) Fail(job *download.Job, jerr *download.JobError) {
	if p.audit != nil && job.RecordID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EffectTimeout)
		if err := p.audit.UpdateStatus(ctx, job.RecordID, download.RecordFailed, jerr.Error()); err != nil {
			p.logger.Warn("failed record update", zap.String("job_id", job.ID), zap.Error(err))
		}
		cancel()
	}

	notice := download.FailureNotice{
		JobID:    job.ID,
		URL:      job.Payload.URL,
		Code:     string(jerr.Code),
		Message:  failureMessage(jerr),
		CanRetry: userCanRetry(jerr.Code),
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DeliverTimeout)
	if err := p.notifier.Notify(ctx, job.Payload.Target, notice); err != nil {
		p.logger.Warn("failure notice undelivered", zap.String("job_id", job.ID), zap.Error(err))
	}
	cancel()

	p.recordUsageDetached(job.Payload.CredentialID, download.UsageError)
}

// Wait blocks until detached side effects finish. Test hook.
func (p *Processor) Wait() {
	p.detached.Wait()
}

// ensureRecord creates the DownloadRecord on the first attempt. A missing
// audit log, or a failing one, never blocks processing.
func (p *Processor) ensureRecord(ctx context.Context, job *download.Job, platform string) {
	if p.audit == nil || job.RecordID != "" {
		return
	}
	id, err := p.idGen.NewID()
	if err != nil {
		p.logger.Warn("record id generation failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	rec := download.DownloadRecord{
		ID:        id,
		OwnerID:   job.Payload.OwnerID,
		Platform:  platform,
		URL:       job.Payload.URL,
		Status:    download.RecordProcessing,
		CreatedAt: p.clock.Now(),
	}
	recordID, err := p.audit.CreateRecord(ctx, rec)
	if err != nil {
		p.logger.Warn("record creation failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.RecordID = recordID
}

func (p *Processor) scrape(ctx context.Context, job *download.Job, platform string) (download.MediaInfo, *download.JobError) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.ScrapeTimeout)
	defer cancel()

	info, err := p.scraper.Run(sctx, platform, job.Payload.URL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return download.MediaInfo{}, download.NewJobError(download.JobErrTimeout,
				fmt.Errorf("scrape: %w", err))
		}
		return download.MediaInfo{}, download.NewJobError(download.JobErrScrapeFailed, err)
	}
	if len(info.Formats) == 0 {
		// A "successful" scrape with nothing to deliver is a failure.
		return download.MediaInfo{}, download.NewJobError(download.JobErrScrapeFailed,
			errors.New("no downloadable formats"))
	}
	return info, nil
}

func (p *Processor) deliver(ctx context.Context, job *download.Job, platform string, info download.MediaInfo) *download.JobError {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DeliverTimeout)
	defer cancel()

	payload := download.DeliveryPayload{
		JobID:    job.ID,
		RecordID: job.RecordID,
		Platform: platform,
		URL:      job.Payload.URL,
		Media:    info,
		At:       p.clock.Now(),
	}
	if err := p.notifier.Deliver(dctx, job.Payload.Target, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return download.NewJobError(download.JobErrTimeout, fmt.Errorf("deliver: %w", err))
		}
		return download.NewJobError(download.JobErrDeliveryFailed, err)
	}
	return nil
}

// finishSuccess closes out the record and runs the best-effort accounting:
// quota consumption and artifact cleanup run detached with their own error
// boundaries; the job's success never waits on them.
func (p *Processor) finishSuccess(job *download.Job) {
	if p.audit != nil && job.RecordID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EffectTimeout)
		if err := p.audit.UpdateStatus(ctx, job.RecordID, download.RecordCompleted, ""); err != nil {
			p.logger.Warn("completed record update failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		cancel()
	}

	p.recordUsageDetached(job.Payload.CredentialID, download.UsageSuccess)

	if p.cleanup != nil {
		job := job
		p.detached.Add(1)
		go func() {
			defer p.detached.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EffectTimeout)
			defer cancel()
			if err := p.cleanup(ctx, job); err != nil {
				p.logger.Warn("artifact cleanup failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
	}
}

func (p *Processor) recordUsageDetached(credentialID string, outcome download.UsageOutcome) {
	if p.creds == nil || credentialID == "" {
		return
	}
	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EffectTimeout)
		defer cancel()
		if err := p.creds.RecordUsage(ctx, credentialID, outcome); err != nil {
			p.logger.Warn("usage accounting failed",
				zap.String("credential_id", credentialID), zap.Error(err))
		}
	}()
}

func failureMessage(jerr *download.JobError) string {
	switch jerr.Code {
	case download.JobErrMaintenance:
		return "The service is under maintenance. Please try again later."
	case download.JobErrPlatformDisabled:
		return "Downloads from this platform are currently disabled."
	case download.JobErrInvalidURL:
		return "This link is not supported."
	case download.JobErrTimeout:
		return "The download timed out. Please try again."
	case download.JobErrDeliveryFailed:
		return "The download finished but could not be delivered. Please try again."
	default:
		return "The download failed. Please try again."
	}
}

func userCanRetry(code download.JobErrorCode) bool {
	switch code {
	case download.JobErrPlatformDisabled, download.JobErrInvalidURL:
		return false
	default:
		return true
	}
}
