// Package bolt implements the storage interfaces on bbolt for
// single-binary embedded deployments where running SQLite is
// undesirable. Records are stored as JSON values; feed queries scan
// the project's keyspace, which is fine at embedded scale.
package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// bucket names
	bucketFeedback  = []byte("feedback")
	bucketChangeLog = []byte("changelog")
)

// Storage implements storage.FeedbackStore and storage.ChangeLogStore
// on top of bbolt.
type Storage struct {
	db *bbolt.DB
}

// New opens (creating if needed) the bbolt database at dbPath.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFeedback); err != nil {
			return fmt.Errorf("failed to create feedback bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketChangeLog); err != nil {
			return fmt.Errorf("failed to create changelog bucket: %w", err)
		}
		return nil
	})
}

// feedbackKey builds the tenant-scoped key. The projectID prefix keeps
// a project's records contiguous so scans can use a cursor prefix.
func feedbackKey(projectID, id string) []byte {
	return []byte(projectID + "/" + id)
}
