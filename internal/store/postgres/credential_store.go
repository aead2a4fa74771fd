package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mediafetch/fetchq/internal/download"
)

// CredentialStore implements download.CredentialStore on Postgres. Lookups
// must hit the primary: admission decisions read through this store, and a
// stale replica can let a just-revoked credential through.
type CredentialStore struct {
	pool  db
	clock download.Clock
}

// NewCredentialStore opens its own pool from cfg.
func NewCredentialStore(ctx context.Context, cfg Config, clock download.Clock) (*CredentialStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CredentialStore{pool: pool, clock: clock}, nil
}

// NewCredentialStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewCredentialStoreWithPool(pool db, clock download.Clock) (*CredentialStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CredentialStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *CredentialStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const credentialColumns = `id, hashed_secret, preview, type, enabled, rate_limit_per_minute, created_at, expires_at, last_used_at, total_requests, success_count, error_count`

// FindByHash looks a credential up by its secret hash.
func (s *CredentialStore) FindByHash(ctx context.Context, hash string) (download.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE hashed_secret = $1`
	cred, err := scanCredential(s.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return download.Credential{}, download.ErrCredentialNotFound
		}
		return download.Credential{}, fmt.Errorf("find credential: %w", err)
	}
	return cred, nil
}

// RecordUsage folds one outcome into the credential's usage counters.
// A request bumps total_requests and last_used_at; success and error bump
// their respective counters.
func (s *CredentialStore) RecordUsage(ctx context.Context, id string, outcome download.UsageOutcome) error {
	var query string
	switch outcome {
	case download.UsageRequest:
		query = `UPDATE credentials SET total_requests = total_requests + 1, last_used_at = $2 WHERE id = $1`
	case download.UsageSuccess:
		query = `UPDATE credentials SET success_count = success_count + 1, last_used_at = $2 WHERE id = $1`
	case download.UsageError:
		query = `UPDATE credentials SET error_count = error_count + 1, last_used_at = $2 WHERE id = $1`
	default:
		return fmt.Errorf("unknown usage outcome %q", outcome)
	}
	res, err := s.pool.Exec(ctx, query, id, s.clock.Now())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if res.RowsAffected() == 0 {
		return download.ErrCredentialNotFound
	}
	return nil
}

// Create persists a new credential row.
func (s *CredentialStore) Create(ctx context.Context, cred download.Credential) error {
	query := `INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.pool.Exec(ctx, query,
		cred.ID,
		cred.HashedSecret,
		cred.Preview,
		string(cred.Type),
		cred.Enabled,
		cred.RateLimitPerMinute,
		cred.CreatedAt,
		cred.ExpiresAt,
		cred.LastUsedAt,
		cred.Stats.TotalRequests,
		cred.Stats.SuccessCount,
		cred.Stats.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// SetEnabled flips a credential's enabled flag. Disabling takes effect on
// the next admission once any validator cache entry expires.
func (s *CredentialStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.pool.Exec(ctx, `UPDATE credentials SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set credential enabled: %w", err)
	}
	if res.RowsAffected() == 0 {
		return download.ErrCredentialNotFound
	}
	return nil
}

// List returns all credentials, newest first.
func (s *CredentialStore) List(ctx context.Context) ([]download.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []download.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("list credentials: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

func scanCredential(row pgx.Row) (download.Credential, error) {
	var (
		cred       download.Credential
		credType   string
		expiresAt  *time.Time
		lastUsedAt *time.Time
	)
	err := row.Scan(
		&cred.ID,
		&cred.HashedSecret,
		&cred.Preview,
		&credType,
		&cred.Enabled,
		&cred.RateLimitPerMinute,
		&cred.CreatedAt,
		&expiresAt,
		&lastUsedAt,
		&cred.Stats.TotalRequests,
		&cred.Stats.SuccessCount,
		&cred.Stats.ErrorCount,
	)
	if err != nil {
		return download.Credential{}, err
	}
	cred.Type = download.CredentialType(credType)
	cred.ExpiresAt = expiresAt
	cred.LastUsedAt = lastUsedAt
	return cred, nil
}
