// Package storage defines the persistence interfaces the sync engine
// runs against. The engine needs exactly these operations, not a
// specific storage engine; sqlite and bolt implementations live in the
// subpackages.
package storage

import (
	"context"
	"time"

	"github.com/pulseboard/feedsync/internal/models"
)

// FeedbackStore is the current-state table of syncable feedback
// records, addressed by (projectID, id). All lookups are tenant-scoped:
// a record belonging to another project behaves as if it did not exist.
type FeedbackStore interface {
	// Find returns the record or ErrFeedbackNotFound.
	Find(ctx context.Context, projectID, id string) (*models.Feedback, error)

	// Insert stores a new record. Returns ErrFeedbackExists when the id
	// is already taken.
	Insert(ctx context.Context, f *models.Feedback) error

	// Update overwrites the stored record. Returns ErrFeedbackNotFound
	// when the record is absent in the project scope.
	Update(ctx context.Context, f *models.Feedback) error

	// Delete removes the record (hard delete). Returns
	// ErrFeedbackNotFound when it is absent.
	Delete(ctx context.Context, projectID, id string) error

	// ChangedSince returns the project's records with UpdatedAt strictly
	// after since, ascending by UpdatedAt. A zero since returns the full
	// snapshot.
	ChangedSince(ctx context.Context, projectID string, since time.Time) ([]*models.Feedback, error)
}

// ChangeLogStore is the durable, append-mostly log of accepted
// mutations backing the change feed and the delivery queue.
type ChangeLogStore interface {
	// Append adds one entry. Exactly one entry is appended per accepted
	// mutation.
	Append(ctx context.Context, e *models.ChangeLogEntry) error

	// Get returns an entry by id or ErrEntryNotFound.
	Get(ctx context.Context, id string) (*models.ChangeLogEntry, error)

	// Pending returns up to limit undelivered entries (ProcessedAt
	// null), oldest first.
	Pending(ctx context.Context, limit int) ([]*models.ChangeLogEntry, error)

	// DeletesSince returns the project's delete entries created strictly
	// after since, ascending by CreatedAt.
	DeletesSince(ctx context.Context, projectID string, since time.Time) ([]*models.ChangeLogEntry, error)

	// MarkProcessed stamps ProcessedAt. Returns ErrEntryNotFound for an
	// unknown id.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// SetRetry updates retry bookkeeping on a failed entry.
	SetRetry(ctx context.Context, id string, retryCount int, lastError string) error

	// DeleteProcessedBefore removes processed entries whose ProcessedAt
	// is before cutoff and reports how many were removed.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
