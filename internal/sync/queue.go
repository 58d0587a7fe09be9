package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
	"github.com/pulseboard/feedsync/pkg/api"
)

const (
	// DefaultMaxRetries bounds retry bookkeeping per change-log entry.
	// An entry that exceeds it stays in place for operator inspection.
	DefaultMaxRetries = 3

	// DefaultRetentionDays is how long processed entries are kept.
	DefaultRetentionDays = 7

	// statusScanLimit caps how many pending entries Status inspects.
	statusScanLimit = 1000
)

// Maintenance owns retry bookkeeping and retention cleanup of the
// change log. It runs independently of any single sync request.
type Maintenance struct {
	logger        *slog.Logger
	changelog     storage.ChangeLogStore
	maxRetries    int
	retentionDays int
}

// NewMaintenance creates the queue maintenance component.
// maxRetries <= 0 and retentionDays <= 0 select the defaults.
func NewMaintenance(logger *slog.Logger, changelog storage.ChangeLogStore, maxRetries, retentionDays int) *Maintenance {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Maintenance{
		logger:        logger,
		changelog:     changelog,
		maxRetries:    maxRetries,
		retentionDays: retentionDays,
	}
}

// MarkProcessed stamps the entry as delivered.
func (m *Maintenance) MarkProcessed(ctx context.Context, entryID string) error {
	return m.changelog.MarkProcessed(ctx, entryID, time.Now().UTC())
}

// Retry records a delivery failure. Returns false once the entry has
// exhausted its retry budget; it is then left in place, neither
// retried nor deleted, until an operator intervenes.
func (m *Maintenance) Retry(ctx context.Context, entryID, cause string) (bool, error) {
	entry, err := m.changelog.Get(ctx, entryID)
	if err != nil {
		return false, err
	}

	if entry.RetryCount >= m.maxRetries {
		m.logger.Warn("Change log entry exhausted retries",
			"entry_id", entryID,
			"retry_count", entry.RetryCount,
			"last_error", entry.LastError)
		return false, nil
	}

	if err := m.changelog.SetRetry(ctx, entryID, entry.RetryCount+1, cause); err != nil {
		return false, err
	}
	return true, nil
}

// Pending lists up to limit undelivered entries, oldest first.
func (m *Maintenance) Pending(ctx context.Context, limit int) ([]*models.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = statusScanLimit
	}
	return m.changelog.Pending(ctx, limit)
}

// Status summarizes the queue backlog.
func (m *Maintenance) Status(ctx context.Context) (api.SyncStatus, error) {
	pending, err := m.changelog.Pending(ctx, statusScanLimit)
	if err != nil {
		return api.SyncStatus{}, fmt.Errorf("failed to query pending entries: %w", err)
	}

	status := api.SyncStatus{
		PendingCount:       len(pending),
		PendingByOperation: make(map[string]int),
	}
	for _, e := range pending {
		status.PendingByOperation[e.Operation]++
		if e.RetryCount > 0 {
			status.FailedCount++
		}
	}
	if len(pending) > 0 {
		status.OldestPending = pending[0].CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return status, nil
}

// Drain marks up to limit pending entries as processed. This is the
// manual escape hatch behind POST /sync/process.
func (m *Maintenance) Drain(ctx context.Context, limit int) (processed, failed, remaining int, err error) {
	pending, err := m.changelog.Pending(ctx, limit)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to query pending entries: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range pending {
		if err := m.changelog.MarkProcessed(ctx, e.ID, now); err != nil {
			m.logger.Warn("Failed to mark entry processed", "entry_id", e.ID, "error", err)
			failed++
			continue
		}
		processed++
	}

	return processed, failed, len(pending) - processed - failed, nil
}

// Cleanup deletes processed entries older than olderThanDays.
//
// The cutoff never drops below the configured retention window: a
// processed delete entry may still be the only copy of that deletion
// an offline client has yet to pull, so the window is the sole
// protection against losing it (there are no per-client watermarks).
func (m *Maintenance) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < m.retentionDays {
		olderThanDays = m.retentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	deleted, err := m.changelog.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up change log: %w", err)
	}

	if deleted > 0 {
		m.logger.Info("Change log cleanup completed",
			"deleted", deleted,
			"older_than_days", olderThanDays)
	}
	return deleted, nil
}

// Run periodically invokes Cleanup until the context is canceled.
// Intended to be launched as a background goroutine from main.
func (m *Maintenance) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx, m.retentionDays); err != nil {
				m.logger.Error("Scheduled cleanup failed", "error", err)
			}
		}
	}
}
