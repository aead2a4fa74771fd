// Package memory provides in-memory store implementations used in
// development mode and as a degraded fallback when Postgres is not
// configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mediafetch/fetchq/internal/download"
)

// CredentialStore implements download.CredentialStore on a mutex-guarded map.
type CredentialStore struct {
	mu     sync.RWMutex
	byID   map[string]download.Credential
	byHash map[string]string // hash -> id
	clock  download.Clock
}

// NewCredentialStore constructs an empty store.
func NewCredentialStore(clock download.Clock) *CredentialStore {
	return &CredentialStore{
		byID:   make(map[string]download.Credential),
		byHash: make(map[string]string),
		clock:  clock,
	}
}

// Create adds a credential.
func (s *CredentialStore) Create(ctx context.Context, cred download.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[cred.ID]; ok {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	s.byID[cred.ID] = cred
	s.byHash[cred.HashedSecret] = cred.ID
	return nil
}

// FindByHash implements download.CredentialStore.
func (s *CredentialStore) FindByHash(ctx context.Context, hash string) (download.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return download.Credential{}, download.ErrCredentialNotFound
	}
	return s.byID[id], nil
}

// RecordUsage implements download.CredentialStore.
func (s *CredentialStore) RecordUsage(ctx context.Context, id string, outcome download.UsageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byID[id]
	if !ok {
		return download.ErrCredentialNotFound
	}
	now := s.clock.Now()
	cred.LastUsedAt = &now
	switch outcome {
	case download.UsageRequest:
		cred.Stats.TotalRequests++
	case download.UsageSuccess:
		cred.Stats.SuccessCount++
	case download.UsageError:
		cred.Stats.ErrorCount++
	default:
		return fmt.Errorf("unknown usage outcome %q", outcome)
	}
	s.byID[id] = cred
	return nil
}

// SetEnabled flips a credential's enabled flag.
func (s *CredentialStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byID[id]
	if !ok {
		return download.ErrCredentialNotFound
	}
	cred.Enabled = enabled
	s.byID[id] = cred
	return nil
}

// List returns all credentials, newest first.
func (s *CredentialStore) List(ctx context.Context) ([]download.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds := make([]download.Credential, 0, len(s.byID))
	for _, cred := range s.byID {
		creds = append(creds, cred)
	}
	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.After(creds[j].CreatedAt)
	})
	return creds, nil
}

// RecordStore implements download.AuditLog on a mutex-guarded map.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]download.DownloadRecord
	clock   download.Clock
}

// NewRecordStore constructs an empty store.
func NewRecordStore(clock download.Clock) *RecordStore {
	return &RecordStore{
		records: make(map[string]download.DownloadRecord),
		clock:   clock,
	}
}

// CreateRecord implements download.AuditLog.
func (s *RecordStore) CreateRecord(ctx context.Context, rec download.DownloadRecord) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// UpdateStatus implements download.AuditLog. Terminal records are immutable.
func (s *RecordStore) UpdateStatus(ctx context.Context, id string, status download.RecordStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status.Terminal() {
		return download.ErrRecordNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errMsg
	if status.Terminal() {
		now := s.clock.Now()
		rec.CompletedAt = &now
	}
	s.records[id] = rec
	return nil
}

// FindByID returns one record.
func (s *RecordStore) FindByID(ctx context.Context, id string) (download.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return download.DownloadRecord{}, download.ErrRecordNotFound
	}
	return rec, nil
}

// ListByOwner returns an owner's records, newest first.
func (s *RecordStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]download.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []download.DownloadRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
