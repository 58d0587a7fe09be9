package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
)

// Find retrieves a feedback record scoped by (projectID, id).
// Returns ErrFeedbackNotFound if the record doesn't exist in this
// project; a record from another project is indistinguishable from an
// absent one.
func (s *Storage) Find(ctx context.Context, projectID, id string) (*models.Feedback, error) {
	query := `
		SELECT id, project_id, session_id, title, description,
		       type, status, priority, user_email, user_name,
		       tags, metadata, created_at, updated_at, synced_at
		FROM feedback
		WHERE id = ? AND project_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id, projectID)
	f, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrFeedbackNotFound
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}

	return f, nil
}

// Insert creates a new feedback record.
// Returns ErrFeedbackExists when the id is already taken.
func (s *Storage) Insert(ctx context.Context, f *models.Feedback) error {
	tags, meta, err := encodeJSONFields(f)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO feedback (
			id, project_id, session_id, title, description,
			type, status, priority, user_email, user_name,
			tags, metadata, created_at, updated_at, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		f.ID,
		f.ProjectID,
		f.SessionID,
		f.Title,
		f.Description,
		f.Type,
		f.Status,
		f.Priority,
		f.UserEmail,
		f.UserName,
		tags,
		meta,
		f.CreatedAt.UnixMilli(),
		f.UpdatedAt.UnixMilli(),
		nullableMilli(f.SyncedAt),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrFeedbackExists
		}
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	return nil
}

// Update overwrites the stored record, scoped by (projectID, id).
// Returns ErrFeedbackNotFound when no row matched.
func (s *Storage) Update(ctx context.Context, f *models.Feedback) error {
	tags, meta, err := encodeJSONFields(f)
	if err != nil {
		return err
	}

	query := `
		UPDATE feedback
		SET session_id = ?, title = ?, description = ?, type = ?,
		    status = ?, priority = ?, user_email = ?, user_name = ?,
		    tags = ?, metadata = ?, updated_at = ?, synced_at = ?
		WHERE id = ? AND project_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		f.SessionID,
		f.Title,
		f.Description,
		f.Type,
		f.Status,
		f.Priority,
		f.UserEmail,
		f.UserName,
		tags,
		meta,
		f.UpdatedAt.UnixMilli(),
		nullableMilli(f.SyncedAt),
		f.ID,
		f.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrFeedbackNotFound
	}

	return nil
}

// Delete removes the record (hard delete), scoped by (projectID, id).
func (s *Storage) Delete(ctx context.Context, projectID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM feedback WHERE id = ? AND project_id = ?`, id, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrFeedbackNotFound
	}

	return nil
}

// ChangedSince retrieves the project's records modified strictly after
// the given time, ascending by updated_at. A zero since returns the
// full project snapshot.
func (s *Storage) ChangedSince(ctx context.Context, projectID string, since time.Time) ([]*models.Feedback, error) {
	query := `
		SELECT id, project_id, session_id, title, description,
		       type, status, priority, user_email, user_name,
		       tags, metadata, created_at, updated_at, synced_at
		FROM feedback
		WHERE project_id = ? AND updated_at > ?
		ORDER BY updated_at ASC
	`

	sinceMilli := int64(0)
	if !since.IsZero() {
		sinceMilli = since.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, query, projectID, sinceMilli)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed feedback: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var out []*models.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row scanner) (*models.Feedback, error) {
	f := &models.Feedback{}
	var tags, meta sql.NullString
	var createdAt, updatedAt int64
	var syncedAt sql.NullInt64

	err := row.Scan(
		&f.ID,
		&f.ProjectID,
		&f.SessionID,
		&f.Title,
		&f.Description,
		&f.Type,
		&f.Status,
		&f.Priority,
		&f.UserEmail,
		&f.UserName,
		&tags,
		&meta,
		&createdAt,
		&updatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		f.SyncedAt = &t
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &f.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return f, nil
}

func encodeJSONFields(f *models.Feedback) (tags, meta sql.NullString, err error) {
	if len(f.Tags) > 0 {
		b, err := json.Marshal(f.Tags)
		if err != nil {
			return tags, meta, fmt.Errorf("failed to encode tags: %w", err)
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return tags, meta, fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	return tags, meta, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// the driver does not export a typed error for them
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
