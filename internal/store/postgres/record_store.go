package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mediafetch/fetchq/internal/download"
)

// RecordStore implements download.AuditLog on Postgres.
type RecordStore struct {
	pool  db
	clock download.Clock
}

// NewRecordStore opens its own pool from cfg.
func NewRecordStore(ctx context.Context, cfg Config, clock download.Clock) (*RecordStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, clock: clock}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRecordStoreWithPool(pool db, clock download.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const recordColumns = `id, owner_id, platform, url, title, status, error_message, created_at, completed_at`

// CreateRecord inserts a download record and returns its id.
func (s *RecordStore) CreateRecord(ctx context.Context, rec download.DownloadRecord) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required")
	}
	query := `INSERT INTO download_records
		(id, owner_id, platform, url, title, status, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.Platform,
		rec.URL,
		rec.Title,
		string(rec.Status),
		rec.ErrorMessage,
		rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("create download record: %w", err)
	}
	return rec.ID, nil
}

// UpdateStatus advances a record's status. Rows already in a terminal
// status are left alone so a late side-effect cannot rewrite history.
func (s *RecordStore) UpdateStatus(ctx context.Context, id string, status download.RecordStatus, errMsg string) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := s.clock.Now()
		completedAt = &now
	}
	query := `UPDATE download_records
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	res, err := s.pool.Exec(ctx, query, id, string(status), errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("update download record: %w", err)
	}
	if res.RowsAffected() == 0 {
		return download.ErrRecordNotFound
	}
	return nil
}

// FindByID returns one record.
func (s *RecordStore) FindByID(ctx context.Context, id string) (download.DownloadRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM download_records WHERE id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return download.DownloadRecord{}, download.ErrRecordNotFound
		}
		return download.DownloadRecord{}, fmt.Errorf("find download record: %w", err)
	}
	return rec, nil
}

// ListByOwner returns an owner's records, newest first.
func (s *RecordStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]download.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM download_records WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list download records: %w", err)
	}
	defer rows.Close()

	var recs []download.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list download records: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list download records: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.Row) (download.DownloadRecord, error) {
	var (
		rec    download.DownloadRecord
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Platform,
		&rec.URL,
		&rec.Title,
		&status,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return download.DownloadRecord{}, err
	}
	rec.Status = download.RecordStatus(status)
	return rec, nil
}
