package sync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/feedsync/internal/broadcast"
	"github.com/pulseboard/feedsync/internal/storage"
	"github.com/pulseboard/feedsync/internal/storage/sqlite"
	"github.com/pulseboard/feedsync/pkg/api"
)

func setupProcessor(t *testing.T, strategy api.ConflictStrategy) (*Processor, *sqlite.Storage) {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(logger, store, store, broadcast.Noop{}, strategy), store
}

func createOp(localID string, payload map[string]any) api.SyncOperationItem {
	return api.SyncOperationItem{
		LocalID:    localID,
		Operation:  api.OperationCreate,
		EntityType: api.EntityTypeFeedback,
		Payload:    payload,
	}
}

func syncRequest(projectID string, ops ...api.SyncOperationItem) api.SyncRequest {
	return api.SyncRequest{
		ClientID:   "client-1",
		ProjectID:  projectID,
		SessionID:  "sess-1",
		Operations: ops,
	}
}

// mustCreate pushes one record through the processor and returns its
// server id and version.
func mustCreate(t *testing.T, p *Processor, projectID, title string) (string, int64) {
	t.Helper()

	resp := p.ProcessSyncRequest(context.Background(),
		syncRequest(projectID, createOp(uuid.New().String(), map[string]any{"title": title})),
		Options{})
	require.True(t, resp.Success, "create failed: %+v", resp.Errors)
	require.Len(t, resp.Results, 1)
	return resp.Results[0].ServerID, resp.Results[0].ServerVersion
}

func TestProcessSyncRequest_Create(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		createOp("local-1", map[string]any{
			"title":    "Export fails for large projects",
			"type":     "bug",
			"priority": "high",
		})), Options{})

	require.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	result := resp.Results[0]
	assert.Equal(t, "local-1", result.LocalID)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ServerID)
	assert.Positive(t, result.ServerVersion)

	stored, err := store.Find(ctx, "proj-1", result.ServerID)
	require.NoError(t, err)
	assert.Equal(t, "Export fails for large projects", stored.Title)
	assert.Equal(t, "high", stored.Priority)
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.Nil(t, stored.SyncedAt)
	assert.Equal(t, result.ServerVersion, stored.Version())

	// A fresh client polling from scratch sees the record create-tagged
	changes, err := p.ServerChanges(ctx, "proj-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, api.OperationCreate, changes[0].Operation)
	assert.Equal(t, result.ServerID, changes[0].EntityID)
}

func TestProcessSyncRequest_CreateRetryIsIdempotent(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id := uuid.New().String()
	op := api.SyncOperationItem{
		LocalID:    "local-1",
		Operation:  api.OperationCreate,
		EntityType: api.EntityTypeFeedback,
		EntityID:   id,
		Payload:    map[string]any{"title": "First attempt"},
	}

	first := p.ProcessSyncRequest(ctx, syncRequest("proj-1", op), Options{})
	require.True(t, first.Success)

	// The client lost the response and resubmits the same operation
	second := p.ProcessSyncRequest(ctx, syncRequest("proj-1", op), Options{})
	require.True(t, second.Success)
	assert.Equal(t, id, second.Results[0].ServerID)
	assert.Equal(t, first.Results[0].ServerVersion, second.Results[0].ServerVersion)

	// Still exactly one record
	changes, err := p.ServerChanges(ctx, "proj-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestProcessSyncRequest_CreateRequiresPayload(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)

	resp := p.ProcessSyncRequest(context.Background(), syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "local-1",
			Operation:  api.OperationCreate,
			EntityType: api.EntityTypeFeedback,
		}), Options{})

	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, api.CodeValidation, resp.Errors[0].Code)
	assert.False(t, resp.Errors[0].Retryable)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Success)
}

func TestProcessSyncRequest_Update(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, ver := mustCreate(t, p, "proj-1", "Original title")

	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "local-2",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"status": "resolved"},
			Version:    &ver,
		}), Options{})

	require.True(t, resp.Success)
	assert.Greater(t, resp.Results[0].ServerVersion, ver)

	stored, err := store.Find(ctx, "proj-1", id)
	require.NoError(t, err)
	assert.Equal(t, "resolved", stored.Status)
	assert.Equal(t, "Original title", stored.Title)
	require.NotNil(t, stored.SyncedAt)
}

func TestProcessSyncRequest_UpdateVersionsAreMonotonic(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, _ := mustCreate(t, p, "proj-1", "Ticket")

	// Rapid-fire updates, almost certainly within one wall-clock tick
	last := int64(0)
	for i := 0; i < 5; i++ {
		resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
			api.SyncOperationItem{
				LocalID:    uuid.New().String(),
				Operation:  api.OperationUpdate,
				EntityType: api.EntityTypeFeedback,
				EntityID:   id,
				Payload:    map[string]any{"description": "rev"},
			}), Options{})
		require.True(t, resp.Success)
		assert.Greater(t, resp.Results[0].ServerVersion, last)
		last = resp.Results[0].ServerVersion
	}
}

func TestProcessSyncRequest_UpdateNotFound(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	// Record exists in another project; the update must not reach it
	id, _ := mustCreate(t, p, "proj-2", "Foreign record")

	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "local-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "hijack"},
		}), Options{})

	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, api.CodeNotFound, resp.Errors[0].Code)
}

func TestProcessSyncRequest_ConflictServerWins(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, staleVer := mustCreate(t, p, "proj-1", "Server title")

	// Another client moves the record forward
	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "other-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "Newer server title"},
		}), Options{})
	require.True(t, resp.Success)

	// The stale client now submits with its outdated version
	resp = p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "stale-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "Stale client title"},
			Version:    &staleVer,
		}), Options{})

	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, api.CodeConflict, resp.Errors[0].Code)
	assert.Equal(t, "stale-1", resp.Errors[0].LocalID)

	// Server state untouched
	stored, err := store.Find(ctx, "proj-1", id)
	require.NoError(t, err)
	assert.Equal(t, "Newer server title", stored.Title)
}

func TestProcessSyncRequest_ConflictMerge(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyMerge)
	ctx := context.Background()

	id, staleVer := mustCreate(t, p, "proj-1", "Original")

	// Concurrent edit changes the status
	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "other-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"status": "in_progress"},
		}), Options{})
	require.True(t, resp.Success)

	// Stale client only touched the title; merge keeps both edits
	resp = p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "stale-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "Clarified title"},
			Version:    &staleVer,
		}), Options{})
	require.True(t, resp.Success, "merge should apply: %+v", resp.Errors)

	stored, err := store.Find(ctx, "proj-1", id)
	require.NoError(t, err)
	assert.Equal(t, "Clarified title", stored.Title)
	assert.Equal(t, "in_progress", stored.Status)
}

func TestProcessSyncRequest_ConflictManual(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, staleVer := mustCreate(t, p, "proj-1", "Original")
	_ = p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "other-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "Advanced"},
		}), Options{})

	// Per-request strategy override via Options
	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "stale-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
			Payload:    map[string]any{"title": "Mine"},
			Version:    &staleVer,
		}), Options{Strategy: api.StrategyManual})

	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, api.CodeManualRequired, resp.Errors[0].Code)
}

func TestProcessSyncRequest_DeleteIsIdempotent(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, _ := mustCreate(t, p, "proj-1", "Doomed")

	deleteOp := api.SyncOperationItem{
		LocalID:    "del-1",
		Operation:  api.OperationDelete,
		EntityType: api.EntityTypeFeedback,
		EntityID:   id,
	}

	first := p.ProcessSyncRequest(ctx, syncRequest("proj-1", deleteOp), Options{})
	require.True(t, first.Success)
	assert.True(t, first.Results[0].Success)

	_, err := store.Find(ctx, "proj-1", id)
	assert.ErrorIs(t, err, storage.ErrFeedbackNotFound)

	// Deleting again succeeds without error and without side effects
	second := p.ProcessSyncRequest(ctx, syncRequest("proj-1", deleteOp), Options{})
	require.True(t, second.Success)
	assert.True(t, second.Results[0].Success)

	deletes, err := store.DeletesSince(ctx, "proj-1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, deletes, 1, "only the first delete leaves a trace")
}

func TestProcessSyncRequest_PartialFailure(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		createOp("ok-1", map[string]any{"title": "First"}),
		api.SyncOperationItem{
			LocalID:    "bad-1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   "no-such-record",
			Payload:    map[string]any{"title": "x"},
		},
		createOp("ok-2", map[string]any{"title": "Third"}),
	), Options{})

	// One failure does not abort the siblings
	assert.False(t, resp.Success)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.True(t, resp.Results[2].Success)

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "bad-1", resp.Errors[0].LocalID)
	assert.Equal(t, api.CodeNotFound, resp.Errors[0].Code)
}

func TestProcessSyncRequest_UnknownOperationAndEntityType(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	tests := []struct {
		name string
		op   api.SyncOperationItem
	}{
		{
			name: "unknown operation",
			op: api.SyncOperationItem{
				LocalID:    "l1",
				Operation:  "upsert",
				EntityType: api.EntityTypeFeedback,
			},
		},
		{
			name: "unknown entity type",
			op: api.SyncOperationItem{
				LocalID:    "l1",
				Operation:  api.OperationCreate,
				EntityType: "comment",
				Payload:    map[string]any{"title": "x"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1", tt.op), Options{})
			assert.False(t, resp.Success)
			require.Len(t, resp.Errors, 1)
			assert.Equal(t, api.CodeValidation, resp.Errors[0].Code)
		})
	}
}

func TestProcessSyncRequest_InvalidLastSyncTimestamp(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)

	req := syncRequest("proj-1", createOp("l1", map[string]any{"title": "x"}))
	req.LastSyncTimestamp = "not-a-timestamp"

	resp := p.ProcessSyncRequest(context.Background(), req, Options{})

	// The operation itself was applied; only the feed is unusable
	assert.False(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, api.CodeSyncError, resp.Errors[0].Code)
}

func TestProcessSyncRequest_MarksOwnEntriesProcessed(t *testing.T) {
	p, store := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		createOp("l1", map[string]any{"title": "x"})), Options{})
	require.True(t, resp.Success)

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "the originating client has seen its own change")
}

func TestServerChanges_Completeness(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	// Baseline: three records exist before the client's sync point
	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		id, _ := mustCreate(t, p, "proj-1", title)
		ids = append(ids, id)
	}

	since := time.Now().UTC()
	time.Sleep(5 * time.Millisecond) // move past the sync point's tick

	// After the sync point: one create, one update, one delete
	newID, _ := mustCreate(t, p, "proj-1", "D")
	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "u1",
			Operation:  api.OperationUpdate,
			EntityType: api.EntityTypeFeedback,
			EntityID:   ids[0],
			Payload:    map[string]any{"status": "resolved"},
		},
		api.SyncOperationItem{
			LocalID:    "d1",
			Operation:  api.OperationDelete,
			EntityType: api.EntityTypeFeedback,
			EntityID:   ids[1],
		},
	), Options{})
	require.True(t, resp.Success)

	changes, err := p.ServerChanges(ctx, "proj-1", since)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byEntity := make(map[string]api.SyncOperation)
	for _, c := range changes {
		byEntity[c.EntityID] = c.Operation
	}
	assert.Equal(t, api.OperationCreate, byEntity[newID])
	assert.Equal(t, api.OperationUpdate, byEntity[ids[0]])
	assert.Equal(t, api.OperationDelete, byEntity[ids[1]])

	// Ascending by version so clients can apply in order
	for i := 1; i < len(changes); i++ {
		assert.LessOrEqual(t, changes[i-1].Version, changes[i].Version)
	}

	// The untouched record does not reappear
	assert.NotContains(t, byEntity, ids[2])
}

func TestServerChanges_ZeroSinceSkipsDeletes(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	id, _ := mustCreate(t, p, "proj-1", "Ephemeral")
	resp := p.ProcessSyncRequest(ctx, syncRequest("proj-1",
		api.SyncOperationItem{
			LocalID:    "d1",
			Operation:  api.OperationDelete,
			EntityType: api.EntityTypeFeedback,
			EntityID:   id,
		}), Options{})
	require.True(t, resp.Success)

	// A brand-new client gets the current snapshot only; there is
	// nothing for it to undo
	changes, err := p.ServerChanges(ctx, "proj-1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestProcessBatch(t *testing.T) {
	p, _ := setupProcessor(t, api.StrategyServerWins)
	ctx := context.Background()

	good := syncRequest("proj-1", createOp("l1", map[string]any{"title": "ok"}))
	bad := syncRequest("proj-1", api.SyncOperationItem{
		LocalID:    "l2",
		Operation:  api.OperationUpdate,
		EntityType: api.EntityTypeFeedback,
		EntityID:   "missing",
		Payload:    map[string]any{"title": "x"},
	})

	resp := p.ProcessBatch(ctx, []api.SyncRequest{good, bad}, Options{})

	assert.False(t, resp.Success)
	assert.Equal(t, 2, resp.Summary.Total)
	assert.Equal(t, 1, resp.Summary.Succeeded)
	assert.Equal(t, 1, resp.Summary.Failed)
	require.Len(t, resp.BatchResults, 2)
	assert.True(t, resp.BatchResults[0].Success)
	assert.False(t, resp.BatchResults[1].Success)
}
