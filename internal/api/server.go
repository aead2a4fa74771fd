// Package api exposes the HTTP interface for the download service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/admission"
	"github.com/mediafetch/fetchq/internal/download"
	"github.com/mediafetch/fetchq/internal/metrics"
	"github.com/mediafetch/fetchq/internal/queue"
	"github.com/mediafetch/fetchq/internal/telemetry"
	"github.com/mediafetch/fetchq/internal/worker"
)

// Admitter validates a credential secret into an admission decision.
type Admitter interface {
	Validate(ctx context.Context, secret string) (admission.Decision, error)
}

// WorkerControl is the slice of the pool the API needs.
type WorkerControl interface {
	State() worker.State
	Pause()
	Resume()
}

// RecordFinder reads persisted download records. Optional.
type RecordFinder interface {
	FindByID(ctx context.Context, id string) (download.DownloadRecord, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]download.DownloadRecord, error)
}

// CredentialAdmin manages credentials while keeping admission caches
// coherent with the writes. Optional.
type CredentialAdmin interface {
	Create(ctx context.Context, typ download.CredentialType, rateLimit int, expiresAt *time.Time) (admission.IssuedCredential, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	List(ctx context.Context) ([]download.Credential, error)
}

// Config carries the API-relevant knobs.
type Config struct {
	RequestTimeout time.Duration
	AdminKey       string // empty disables the admin routes
}

// Server wires HTTP handlers to admission, the queue, and the worker pool.
type Server struct {
	router   chi.Router
	admitter Admitter
	queue    *queue.Queue
	pool     WorkerControl
	registry *metrics.Registry
	records  RecordFinder
	creds    CredentialAdmin
	provider *maintenanceView
	idGen    download.IDGenerator
	clock    download.Clock
	logger   *zap.Logger
	cfg      Config

	draining chan struct{}
}

// maintenanceView narrows download.ConfigProvider plus the runtime setters
// the admin routes use.
type maintenanceView struct {
	download.ConfigProvider
	SetMaintenance     func(download.MaintenanceState)
	SetPlatformEnabled func(platform string, enabled bool)
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	admitter Admitter,
	q *queue.Queue,
	pool WorkerControl,
	registry *metrics.Registry,
	records RecordFinder,
	creds CredentialAdmin,
	provider download.ConfigProvider,
	setMaintenance func(download.MaintenanceState),
	setPlatform func(string, bool),
	idGen download.IDGenerator,
	clock download.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		admitter: admitter,
		queue:    q,
		pool:     pool,
		registry: registry,
		records:  records,
		creds:    creds,
		provider: &maintenanceView{
			ConfigProvider:     provider,
			SetMaintenance:     setMaintenance,
			SetPlatformEnabled: setPlatform,
		},
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		draining: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/downloads", s.submitDownload)
		r.Get("/metrics", s.pipelineMetrics)
		r.Get("/jobs/history", s.jobHistory)
		if s.records != nil {
			r.Get("/records", s.listRecords)
			r.Get("/records/{record_id}", s.getRecord)
		}
		if cfg.AdminKey != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(adminKeyMiddleware(cfg.AdminKey))
				r.Post("/maintenance", s.setMaintenance)
				r.Post("/platforms/{platform}", s.setPlatform)
				r.Post("/workers/pause", s.pauseWorkers)
				r.Post("/workers/resume", s.resumeWorkers)
				if s.creds != nil {
					r.Get("/credentials", s.listCredentials)
					r.Post("/credentials", s.createCredential)
					r.Post("/credentials/{credential_id}/enabled", s.setCredentialEnabled)
				}
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining flips the server into shutdown mode: readiness fails and new
// submissions are refused while in-flight requests finish.
func (s *Server) SetDraining() {
	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
}

func (s *Server) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		s.writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"workers": s.pool.State().String(),
	})
}

type downloadRequest struct {
	URL     string `json:"url"`
	Target  string `json:"target"`
	OwnerID string `json:"owner_id"`
}

type downloadResponse struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Depth    int    `json:"queue_depth"`
}

func (s *Server) submitDownload(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if m := s.provider.MaintenanceMode(r.Context()); m.Active {
		// Any active maintenance scope closes the submission surface.
		s.writeError(w, http.StatusServiceUnavailable, "service is under maintenance")
		return
	}

	secret := credentialSecret(r)
	if secret == "" {
		s.writeError(w, http.StatusUnauthorized, "missing credential")
		return
	}

	decision, err := s.admitter.Validate(r.Context(), secret)
	if err != nil {
		s.logger.Error("admission failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "admission unavailable")
		return
	}
	telemetry.ObserveAdmission(admissionCode(decision))
	if !decision.Valid {
		s.writeAdmissionRejection(w, decision)
		return
	}

	var req downloadRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" || req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "url and target are required")
		return
	}
	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = decision.Credential.ID
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate job id: %v", err))
		return
	}
	job := &download.Job{
		ID: jobID,
		Payload: download.JobPayload{
			URL:          req.URL,
			OwnerID:      ownerID,
			CredentialID: decision.Credential.ID,
			Target:       req.Target,
			Priority:     decision.Credential.Type.Priority(),
			EnqueuedAt:   s.clock.Now(),
		},
	}

	result := s.queue.Submit(job)
	if !result.Accepted {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "queue is full, try again later",
			"reason": result.Reason,
		})
		return
	}
	depth := s.queue.Depth()
	s.registry.ObserveQueueDepth(depth)
	telemetry.SetQueueDepth(depth)

	s.writeJSON(w, http.StatusAccepted, downloadResponse{
		JobID:    jobID,
		Priority: job.Payload.Priority,
		Depth:    depth,
	})
}

func (s *Server) writeAdmissionRejection(w http.ResponseWriter, d admission.Decision) {
	switch d.Code {
	case download.AdmissionTooManyAttempts, download.AdmissionRateLimited:
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		}
		s.writeError(w, http.StatusTooManyRequests, rejectionMessage(d.Code))
	case download.AdmissionDisabled, download.AdmissionExpired:
		s.writeError(w, http.StatusForbidden, rejectionMessage(d.Code))
	default:
		s.writeError(w, http.StatusUnauthorized, rejectionMessage(d.Code))
	}
}

func rejectionMessage(code download.AdmissionCode) string {
	switch code {
	case download.AdmissionInvalidFormat:
		return "malformed credential"
	case download.AdmissionTooManyAttempts:
		return "too many failed attempts, slow down"
	case download.AdmissionDisabled:
		return "credential is disabled"
	case download.AdmissionExpired:
		return "credential has expired"
	case download.AdmissionRateLimited:
		return "rate limit exceeded"
	default:
		return "invalid credential"
	}
}

func admissionCode(d admission.Decision) string {
	if d.Valid {
		return "ok"
	}
	return string(d.Code)
}

type pipelineMetricsResponse struct {
	metrics.Snapshot
	SuccessRate float64 `json:"success_rate"`
	QueueDepth  int     `json:"queue_depth"`
	PeakDepth   int     `json:"peak_queue_depth_total"`
	Workers     string  `json:"worker_state"`
}

func (s *Server) pipelineMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	s.writeJSON(w, http.StatusOK, pipelineMetricsResponse{
		Snapshot:    snap,
		SuccessRate: snap.SuccessRate(),
		QueueDepth:  s.queue.Depth(),
		PeakDepth:   s.queue.PeakDepth(),
		Workers:     s.pool.State().String(),
	})
}

func (s *Server) jobHistory(w http.ResponseWriter, _ *http.Request) {
	completed, failed := s.queue.History()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"completed": completed,
		"failed":    failed,
	})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "record_id")
	rec, err := s.records.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, download.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "record lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.records.ListByOwner(r.Context(), ownerID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "record listing failed")
		return
	}
	if recs == nil {
		recs = []download.DownloadRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type createCredentialRequest struct {
	Type               string     `json:"type"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	typ := download.CredentialType(req.Type)
	if req.Type == "" {
		typ = download.CredentialFree
	}
	issued, err := s.creds.Create(r.Context(), typ, req.RateLimitPerMinute, req.ExpiresAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The raw secret appears in this response and nowhere else.
	s.writeJSON(w, http.StatusCreated, issued)
}

type credentialEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setCredentialEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credential_id")
	var req credentialEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.creds.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, download.ErrCredentialNotFound) {
			s.writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "credential update failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "credential listing failed")
		return
	}
	if creds == nil {
		creds = []download.Credential{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

type maintenanceRequest struct {
	Active bool   `json:"active"`
	Scope  string `json:"scope"`
}

func (s *Server) setMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = "full"
	}
	if scope != "full" && scope != "api-only" {
		s.writeError(w, http.StatusBadRequest, "scope must be full or api-only")
		return
	}
	s.provider.SetMaintenance(download.MaintenanceState{Active: req.Active, Scope: scope})
	s.writeJSON(w, http.StatusOK, map[string]any{"active": req.Active, "scope": scope})
}

type platformRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setPlatform(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	var req platformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.provider.SetPlatformEnabled(platform, req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]any{"platform": platform, "enabled": req.Enabled})
}

func (s *Server) pauseWorkers(w http.ResponseWriter, _ *http.Request) {
	s.pool.Pause()
	s.writeJSON(w, http.StatusOK, map[string]string{"workers": s.pool.State().String()})
}

func (s *Server) resumeWorkers(w http.ResponseWriter, _ *http.Request) {
	s.pool.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"workers": s.pool.State().String()})
}

func credentialSecret(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func adminKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Admin-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
