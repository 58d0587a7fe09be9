package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
)

// Append adds one change-log entry.
func (s *Storage) Append(ctx context.Context, e *models.ChangeLogEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if err := tx.Bucket(bucketChangeLog).Put([]byte(e.ID), data); err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}
		return nil
	})
}

// Get retrieves a single change-log entry by id.
func (s *Storage) Get(ctx context.Context, id string) (*models.ChangeLogEntry, error) {
	var e *models.ChangeLogEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChangeLog).Get([]byte(id))
		if data == nil {
			return storage.ErrEntryNotFound
		}

		e = &models.ChangeLogEntry{}
		if err := json.Unmarshal(data, e); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Pending returns up to limit undelivered entries, oldest first.
func (s *Storage) Pending(ctx context.Context, limit int) ([]*models.ChangeLogEntry, error) {
	entries, err := s.scanEntries(func(e *models.ChangeLogEntry) bool {
		return !e.Processed()
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// DeletesSince returns the project's delete entries created strictly
// after the given time, oldest first.
func (s *Storage) DeletesSince(ctx context.Context, projectID string, since time.Time) ([]*models.ChangeLogEntry, error) {
	return s.scanEntries(func(e *models.ChangeLogEntry) bool {
		return e.ProjectID == projectID &&
			e.Operation == models.ChangeDelete &&
			e.CreatedAt.After(since)
	})
}

// MarkProcessed stamps the entry as delivered.
func (s *Storage) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.mutateEntry(id, func(e *models.ChangeLogEntry) {
		t := at.UTC()
		e.ProcessedAt = &t
	})
}

// SetRetry updates retry bookkeeping on a failed entry.
func (s *Storage) SetRetry(ctx context.Context, id string, retryCount int, lastError string) error {
	return s.mutateEntry(id, func(e *models.ChangeLogEntry) {
		e.RetryCount = retryCount
		e.LastError = lastError
	})
}

// DeleteProcessedBefore removes processed entries older than cutoff.
func (s *Storage) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChangeLog)

		// Collect first: bbolt forbids mutation during ForEach
		var victims [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			e := &models.ChangeLogEntry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("failed to unmarshal entry: %w", err)
			}
			if e.Processed() && e.ProcessedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				victims = append(victims, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range victims {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete entry: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

func (s *Storage) mutateEntry(id string, mutate func(*models.ChangeLogEntry)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChangeLog)

		data := bucket.Get([]byte(id))
		if data == nil {
			return storage.ErrEntryNotFound
		}

		e := &models.ChangeLogEntry{}
		if err := json.Unmarshal(data, e); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}

		mutate(e)

		updated, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

func (s *Storage) scanEntries(keep func(*models.ChangeLogEntry) bool) ([]*models.ChangeLogEntry, error) {
	var entries []*models.ChangeLogEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChangeLog).ForEach(func(k, v []byte) error {
			e := &models.ChangeLogEntry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("failed to unmarshal entry: %w", err)
			}
			if keep(e) {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}
