package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
)

// Find retrieves a feedback record scoped by (projectID, id).
func (s *Storage) Find(ctx context.Context, projectID, id string) (*models.Feedback, error) {
	var f *models.Feedback

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFeedback).Get(feedbackKey(projectID, id))
		if data == nil {
			return storage.ErrFeedbackNotFound
		}

		f = &models.Feedback{}
		if err := json.Unmarshal(data, f); err != nil {
			return fmt.Errorf("failed to unmarshal feedback: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Insert creates a new feedback record.
func (s *Storage) Insert(ctx context.Context, f *models.Feedback) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFeedback)
		key := feedbackKey(f.ProjectID, f.ID)

		if bucket.Get(key) != nil {
			return storage.ErrFeedbackExists
		}

		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal feedback: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to save feedback: %w", err)
		}
		return nil
	})
}

// Update overwrites the stored record.
func (s *Storage) Update(ctx context.Context, f *models.Feedback) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFeedback)
		key := feedbackKey(f.ProjectID, f.ID)

		if bucket.Get(key) == nil {
			return storage.ErrFeedbackNotFound
		}

		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal feedback: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to save feedback: %w", err)
		}
		return nil
	})
}

// Delete removes the record (hard delete).
func (s *Storage) Delete(ctx context.Context, projectID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFeedback)
		key := feedbackKey(projectID, id)

		if bucket.Get(key) == nil {
			return storage.ErrFeedbackNotFound
		}
		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("failed to delete feedback: %w", err)
		}
		return nil
	})
}

// ChangedSince scans the project's keyspace for records modified
// strictly after the given time, ascending by UpdatedAt.
func (s *Storage) ChangedSince(ctx context.Context, projectID string, since time.Time) ([]*models.Feedback, error) {
	var out []*models.Feedback
	prefix := []byte(projectID + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFeedback).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			f := &models.Feedback{}
			if err := json.Unmarshal(v, f); err != nil {
				return fmt.Errorf("failed to unmarshal feedback: %w", err)
			}
			if since.IsZero() || f.UpdatedAt.After(since) {
				out = append(out, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys sort by id, not by time
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})

	return out, nil
}
