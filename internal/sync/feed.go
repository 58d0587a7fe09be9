package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pulseboard/feedsync/internal/version"
	"github.com/pulseboard/feedsync/pkg/api"
)

// ServerChanges computes the set of server-side changes a client has
// not yet observed. A zero since returns the full current snapshot of
// the project (no delete reconstruction: there is nothing to undo for
// a client that has nothing). A non-zero since additionally replays
// deletions from the change log, since deleted records no longer exist
// in the feedback store.
//
// The result is ascending by timestamp so clients applying it in order
// never apply a stale change after a newer one. Read-only and
// idempotent; safe for polling.
func (p *Processor) ServerChanges(ctx context.Context, projectID string, since time.Time) ([]api.ServerChange, error) {
	rows, err := p.feedback.ChangedSince(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed feedback: %w", err)
	}

	changes := make([]api.ServerChange, 0, len(rows))
	for _, f := range rows {
		op := api.OperationUpdate
		if f.SyncedAt == nil {
			// never synced before: the client sees it as a create
			op = api.OperationCreate
		}
		changes = append(changes, api.ServerChange{
			EntityType: api.EntityTypeFeedback,
			EntityID:   f.ID,
			Operation:  op,
			Payload:    f.Payload(),
			Timestamp:  f.UpdatedAt.UTC().Format(time.RFC3339Nano),
			Version:    f.Version(),
		})
	}

	if !since.IsZero() {
		deletes, err := p.changelog.DeletesSince(ctx, projectID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to query delete entries: %w", err)
		}
		for _, e := range deletes {
			payload := e.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			changes = append(changes, api.ServerChange{
				EntityType: api.EntityTypeFeedback,
				EntityID:   e.EntityID,
				Operation:  api.OperationDelete,
				Payload:    payload,
				Timestamp:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
				Version:    version.Of(e.CreatedAt),
			})
		}
	}

	// Both sources are individually ordered; interleave them. RFC 3339
	// strings compare chronologically only within one offset, so sort
	// on the version (milliseconds) instead.
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Version < changes[j].Version
	})

	return changes, nil
}
