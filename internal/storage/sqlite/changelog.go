package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
)

// Append adds one change-log entry to the sync queue.
func (s *Storage) Append(ctx context.Context, e *models.ChangeLogEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO sync_queue (
			id, entity_id, project_id, operation, payload,
			retry_count, last_error, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.EntityID,
		e.ProjectID,
		e.Operation,
		payload,
		e.RetryCount,
		e.LastError,
		e.CreatedAt.UnixMilli(),
		nullableMilli(e.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}

	return nil
}

// Get retrieves a single change-log entry by id.
func (s *Storage) Get(ctx context.Context, id string) (*models.ChangeLogEntry, error) {
	query := `
		SELECT id, entity_id, project_id, operation, payload,
		       retry_count, last_error, created_at, processed_at
		FROM sync_queue
		WHERE id = ?
	`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get change log entry: %w", err)
	}

	return e, nil
}

// Pending retrieves up to limit undelivered entries, oldest first.
func (s *Storage) Pending(ctx context.Context, limit int) ([]*models.ChangeLogEntry, error) {
	query := `
		SELECT id, entity_id, project_id, operation, payload,
		       retry_count, last_error, created_at, processed_at
		FROM sync_queue
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeletesSince retrieves the project's delete entries created strictly
// after the given time, ascending by created_at. These entries are the
// only durable trace of deletions and feed the change feed.
func (s *Storage) DeletesSince(ctx context.Context, projectID string, since time.Time) ([]*models.ChangeLogEntry, error) {
	query := `
		SELECT id, entity_id, project_id, operation, payload,
		       retry_count, last_error, created_at, processed_at
		FROM sync_queue
		WHERE project_id = ? AND operation = ? AND created_at > ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, models.ChangeDelete, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query delete entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkProcessed stamps the entry as delivered.
func (s *Storage) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET processed_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrEntryNotFound
	}

	return nil
}

// SetRetry updates retry bookkeeping on a failed entry.
func (s *Storage) SetRetry(ctx context.Context, id string, retryCount int, lastError string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = ?, last_error = ? WHERE id = ?`,
		retryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to set retry state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrEntryNotFound
	}

	return nil
}

// DeleteProcessedBefore removes processed entries older than cutoff.
func (s *Storage) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE processed_at IS NOT NULL AND processed_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

func scanEntry(row scanner) (*models.ChangeLogEntry, error) {
	e := &models.ChangeLogEntry{}
	var payload sql.NullString
	var createdAt int64
	var processedAt sql.NullInt64

	err := row.Scan(
		&e.ID,
		&e.EntityID,
		&e.ProjectID,
		&e.Operation,
		&payload,
		&e.RetryCount,
		&e.LastError,
		&createdAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64).UTC()
		e.ProcessedAt = &t
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}

	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.ChangeLogEntry, error) {
	var entries []*models.ChangeLogEntry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}
