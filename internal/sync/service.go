// Package sync implements the offline-first synchronization engine:
// it applies batches of client operations against the feedback store,
// appends every accepted mutation to the change log, resolves
// concurrent-edit conflicts, and computes the pull-based change feed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pulseboard/feedsync/internal/broadcast"
	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/internal/storage"
	"github.com/pulseboard/feedsync/internal/version"
	"github.com/pulseboard/feedsync/pkg/api"
)

// DefaultStrategy is used when neither the request nor the server
// configuration picks a conflict strategy.
const DefaultStrategy = api.StrategyServerWins

// Options tune the handling of one sync request.
type Options struct {
	// Strategy overrides the processor's default conflict strategy.
	Strategy api.ConflictStrategy
}

// Processor is the sync operation processor. One instance serves all
// requests; per-entity locks close the read-modify-write race between
// concurrent requests touching the same record.
type Processor struct {
	logger    *slog.Logger
	feedback  storage.FeedbackStore
	changelog storage.ChangeLogStore
	notifier  broadcast.Notifier
	clock     *version.Clock
	locks     *mapmutex.Mutex
	strategy  api.ConflictStrategy
}

// NewProcessor creates a processor with the given collaborators.
// defaultStrategy falls back to server-wins when empty or unknown.
func NewProcessor(
	logger *slog.Logger,
	feedback storage.FeedbackStore,
	changelog storage.ChangeLogStore,
	notifier broadcast.Notifier,
	defaultStrategy api.ConflictStrategy,
) *Processor {
	if !defaultStrategy.IsValid() {
		defaultStrategy = DefaultStrategy
	}
	return &Processor{
		logger:    logger,
		feedback:  feedback,
		changelog: changelog,
		notifier:  notifier,
		clock:     version.NewClock(),
		locks:     mapmutex.NewMapMutex(),
		strategy:  defaultStrategy,
	}
}

// opError is a per-operation failure with its protocol error code.
type opError struct {
	code      string
	message   string
	retryable bool
}

func (e *opError) Error() string { return e.message }

func validationErr(format string, args ...any) *opError {
	return &opError{code: api.CodeValidation, message: fmt.Sprintf(format, args...)}
}

// ProcessSyncRequest applies the request's operations sequentially in
// submission order and returns per-operation results plus the server
// changes the client has missed since its last sync point.
//
// A failing operation never aborts its siblings; the response Success
// flag is true iff no per-operation error occurred. A failure while
// computing the change feed downgrades the response to Success=false
// but preserves all already-computed results.
func (p *Processor) ProcessSyncRequest(ctx context.Context, req api.SyncRequest, opts Options) api.SyncResponse {
	strategy := p.strategy
	if opts.Strategy.IsValid() {
		strategy = opts.Strategy
	}

	resp := api.SyncResponse{
		SyncTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Results:       make([]api.SyncOperationResult, 0, len(req.Operations)),
		ServerChanges: []api.ServerChange{},
	}

	var appended []string // change-log entries created by this request

	for _, op := range req.Operations {
		result, entryID, err := p.processOperation(ctx, op, req, strategy)
		if err != nil {
			var oe *opError
			if !errors.As(err, &oe) {
				oe = &opError{code: api.CodeOperationFail, message: err.Error(), retryable: true}
			}
			result = api.SyncOperationResult{
				LocalID: op.LocalID,
				Success: false,
				Error:   oe.message,
			}
			resp.Errors = append(resp.Errors, api.SyncError{
				LocalID:   op.LocalID,
				Code:      oe.code,
				Message:   oe.message,
				Retryable: oe.retryable,
			})
			p.logger.Warn("Sync operation failed",
				"client_id", req.ClientID,
				"project_id", req.ProjectID,
				"local_id", op.LocalID,
				"operation", op.Operation,
				"code", oe.code,
				"error", oe.message)
		}
		if entryID != "" {
			appended = append(appended, entryID)
		}
		resp.Results = append(resp.Results, result)
	}

	resp.Success = len(resp.Errors) == 0

	var since time.Time
	if req.LastSyncTimestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.LastSyncTimestamp)
		if err != nil {
			resp.Success = false
			resp.Errors = append(resp.Errors, api.SyncError{
				Code:      api.CodeSyncError,
				Message:   fmt.Sprintf("invalid lastSyncTimestamp: %v", err),
				Retryable: false,
			})
			return resp
		}
		since = parsed
	}

	changes, err := p.ServerChanges(ctx, req.ProjectID, since)
	if err != nil {
		p.logger.Error("Change feed query failed",
			"client_id", req.ClientID,
			"project_id", req.ProjectID,
			"error", err)
		resp.Success = false
		resp.Errors = append(resp.Errors, api.SyncError{
			Code:      api.CodeSyncError,
			Message:   fmt.Sprintf("failed to compute server changes: %v", err),
			Retryable: true,
		})
		return resp
	}
	resp.ServerChanges = changes

	// The originating client has now seen its own mutations; mark them
	// delivered. Coarse bookkeeping: delivery to other clients is
	// covered by the retention window, not per-client watermarks.
	now := time.Now().UTC()
	for _, entryID := range appended {
		if err := p.changelog.MarkProcessed(ctx, entryID, now); err != nil {
			p.logger.Warn("Failed to mark change log entry processed",
				"entry_id", entryID, "error", err)
		}
	}

	return resp
}

// ProcessBatch runs the contained requests concurrently and aggregates
// the outcomes. Safe because each request is internally sequential and
// cross-request contention is handled by the per-entity locks.
func (p *Processor) ProcessBatch(ctx context.Context, requests []api.SyncRequest, opts Options) api.BatchResponse {
	responses := make([]api.SyncResponse, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			responses[i] = p.ProcessSyncRequest(gctx, req, opts)
			return nil
		})
	}
	_ = g.Wait() // individual failures are folded into the responses

	summary := api.BatchSummary{Total: len(requests)}
	for _, r := range responses {
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	return api.BatchResponse{
		Success:       summary.Failed == 0,
		SyncTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BatchResults:  responses,
		Summary:       summary,
	}
}

// processOperation dispatches one operation. It returns the result,
// the id of the change-log entry it appended (empty if none), and the
// per-operation error if any.
func (p *Processor) processOperation(ctx context.Context, op api.SyncOperationItem, req api.SyncRequest, strategy api.ConflictStrategy) (api.SyncOperationResult, string, error) {
	if op.EntityType != api.EntityTypeFeedback {
		return api.SyncOperationResult{}, "", validationErr("unsupported entity type: %q", op.EntityType)
	}

	switch op.Operation {
	case api.OperationCreate:
		return p.processCreate(ctx, op, req)
	case api.OperationUpdate:
		return p.processUpdate(ctx, op, req.ProjectID, strategy)
	case api.OperationDelete:
		return p.processDelete(ctx, op, req.ProjectID)
	default:
		return api.SyncOperationResult{}, "", validationErr("unknown operation: %q", op.Operation)
	}
}

func (p *Processor) processCreate(ctx context.Context, op api.SyncOperationItem, req api.SyncRequest) (api.SyncOperationResult, string, error) {
	if op.Payload == nil {
		return api.SyncOperationResult{}, "", validationErr("payload required for create operation")
	}

	// An id supplied by the client is honored so a retried create maps
	// onto the same record instead of duplicating it.
	id := op.EntityID
	if id == "" {
		id = uuid.New().String()
	}

	key := lockKey(req.ProjectID, id)
	if !p.locks.TryLock(key) {
		return api.SyncOperationResult{}, "", lockBusyErr(id)
	}
	defer p.locks.Unlock(key)

	existing, err := p.feedback.Find(ctx, req.ProjectID, id)
	if err != nil && !errors.Is(err, storage.ErrFeedbackNotFound) {
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to check existing feedback: %w", err)
	}
	if existing != nil {
		// Retried create; the record is already there
		return api.SyncOperationResult{
			LocalID:       op.LocalID,
			Success:       true,
			ServerID:      id,
			ServerVersion: existing.Version(),
		}, "", nil
	}

	f := &models.Feedback{
		ID:        id,
		ProjectID: req.ProjectID,
		Type:      models.TypeBug,
		Status:    models.StatusPending,
		Priority:  models.PriorityMedium,
	}
	f.ApplyPayload(op.Payload)

	f.SessionID = firstNonEmpty(req.SessionID, f.SessionID, uuid.New().String())

	stamp := p.clock.Stamp(key, time.Time{})
	f.CreatedAt = stamp
	f.UpdatedAt = stamp
	// SyncedAt stays unset: the record is create-tagged in the feed
	// until its first synced update

	if err := p.feedback.Insert(ctx, f); err != nil {
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to insert feedback: %w", err)
	}

	entryID, err := p.appendLog(ctx, f.ProjectID, f.ID, models.ChangeCreate, f.Payload(), stamp)
	if err != nil {
		return api.SyncOperationResult{}, "", err
	}

	p.notifier.NotifyCreated(f)

	return api.SyncOperationResult{
		LocalID:       op.LocalID,
		Success:       true,
		ServerID:      f.ID,
		ServerVersion: f.Version(),
	}, entryID, nil
}

func (p *Processor) processUpdate(ctx context.Context, op api.SyncOperationItem, projectID string, strategy api.ConflictStrategy) (api.SyncOperationResult, string, error) {
	if op.EntityID == "" {
		return api.SyncOperationResult{}, "", validationErr("entity id required for update operation")
	}

	key := lockKey(projectID, op.EntityID)
	if !p.locks.TryLock(key) {
		return api.SyncOperationResult{}, "", lockBusyErr(op.EntityID)
	}
	defer p.locks.Unlock(key)

	existing, err := p.feedback.Find(ctx, projectID, op.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrFeedbackNotFound) {
			// Cross-tenant targets land here too; existence never leaks
			return api.SyncOperationResult{}, "", &opError{
				code:    api.CodeNotFound,
				message: fmt.Sprintf("feedback not found: %s", op.EntityID),
			}
		}
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to load feedback: %w", err)
	}

	serverVersion := existing.Version()
	target := existing.Clone()

	// Conflict is detected only when the client states a version and it
	// is strictly behind the server; an absent version trusts the client
	if op.Version != nil && *op.Version < serverVersion {
		resolution := Resolve(existing, op.Payload, strategy)
		if !resolution.Apply {
			return api.SyncOperationResult{}, "", &opError{
				code:    resolution.Code,
				message: fmt.Sprintf("conflict detected: server version %d is newer", serverVersion),
			}
		}
		target = resolution.Merged
	} else {
		target.ApplyPayload(op.Payload)
	}

	stamp := p.clock.Stamp(key, existing.UpdatedAt)
	target.UpdatedAt = stamp
	syncedAt := stamp
	target.SyncedAt = &syncedAt

	if err := p.feedback.Update(ctx, target); err != nil {
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to update feedback: %w", err)
	}

	entryID, err := p.appendLog(ctx, projectID, target.ID, models.ChangeUpdate, target.Payload(), stamp)
	if err != nil {
		return api.SyncOperationResult{}, "", err
	}

	p.notifier.NotifyUpdated(target)

	return api.SyncOperationResult{
		LocalID:       op.LocalID,
		Success:       true,
		ServerID:      target.ID,
		ServerVersion: target.Version(),
	}, entryID, nil
}

func (p *Processor) processDelete(ctx context.Context, op api.SyncOperationItem, projectID string) (api.SyncOperationResult, string, error) {
	if op.EntityID == "" {
		return api.SyncOperationResult{}, "", validationErr("entity id required for delete operation")
	}

	key := lockKey(projectID, op.EntityID)
	if !p.locks.TryLock(key) {
		return api.SyncOperationResult{}, "", lockBusyErr(op.EntityID)
	}
	defer p.locks.Unlock(key)

	existing, err := p.feedback.Find(ctx, projectID, op.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrFeedbackNotFound) {
			// Absent or cross-tenant: indistinguishable from already
			// synced, so the delete is a successful no-op
			return api.SyncOperationResult{
				LocalID:  op.LocalID,
				Success:  true,
				ServerID: op.EntityID,
			}, "", nil
		}
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to load feedback: %w", err)
	}

	if err := p.feedback.Delete(ctx, projectID, op.EntityID); err != nil {
		return api.SyncOperationResult{}, "", fmt.Errorf("failed to delete feedback: %w", err)
	}

	stamp := p.clock.Stamp(key, existing.UpdatedAt)
	p.clock.Forget(key)

	// The delete entry is the only durable trace of the deletion
	payload := map[string]any{
		"deletedAt": stamp.Format(time.RFC3339Nano),
		"title":     existing.Title,
	}
	entryID, err := p.appendLog(ctx, projectID, op.EntityID, models.ChangeDelete, payload, stamp)
	if err != nil {
		return api.SyncOperationResult{}, "", err
	}

	p.notifier.NotifyDeleted(op.EntityID, projectID)

	return api.SyncOperationResult{
		LocalID:  op.LocalID,
		Success:  true,
		ServerID: op.EntityID,
	}, entryID, nil
}

func (p *Processor) appendLog(ctx context.Context, projectID, entityID, operation string, payload map[string]any, at time.Time) (string, error) {
	entry := &models.ChangeLogEntry{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		ProjectID: projectID,
		Operation: operation,
		Payload:   payload,
		CreatedAt: at,
	}
	if err := p.changelog.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to append change log entry: %w", err)
	}
	return entry.ID, nil
}

func lockKey(projectID, entityID string) string {
	return projectID + "/" + entityID
}

// lockBusyErr is returned when the per-entity lock could not be
// acquired within mapmutex's bounded backoff. The client can simply
// resubmit.
func lockBusyErr(entityID string) *opError {
	return &opError{
		code:      api.CodeOperationFail,
		message:   fmt.Sprintf("entity %s is locked by a concurrent sync, retry", entityID),
		retryable: true,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
