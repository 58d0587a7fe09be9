package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pulseboard/feedsync/internal/sync"
	"github.com/pulseboard/feedsync/pkg/api"
)

// defaultProcessLimit bounds POST /sync/process when the request does
// not specify one.
const defaultProcessLimit = 100

// SyncProcessor is the part of the sync engine the handlers drive.
type SyncProcessor interface {
	ProcessSyncRequest(ctx context.Context, req api.SyncRequest, opts sync.Options) api.SyncResponse
	ProcessBatch(ctx context.Context, requests []api.SyncRequest, opts sync.Options) api.BatchResponse
	ServerChanges(ctx context.Context, projectID string, since time.Time) ([]api.ServerChange, error)
}

// QueueMaintenance is the queue bookkeeping surface behind the
// status/process/cleanup endpoints.
type QueueMaintenance interface {
	Status(ctx context.Context) (api.SyncStatus, error)
	Drain(ctx context.Context, limit int) (processed, failed, remaining int, err error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// SyncHandler handles the sync protocol endpoints
type SyncHandler struct {
	logger      *slog.Logger
	processor   SyncProcessor
	maintenance QueueMaintenance
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, processor SyncProcessor, maintenance QueueMaintenance) *SyncHandler {
	return &SyncHandler{
		logger:      logger,
		processor:   processor,
		maintenance: maintenance,
	}
}

// HandleSync processes POST /api/v1/sync.
// Status contract: 200 full success, 207 any per-operation error,
// 400 malformed request, 500 with a single synthetic SYNC_ERROR when
// the processor itself blows up.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode sync request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" || req.ProjectID == "" {
		http.Error(w, "clientId and projectId are required", http.StatusBadRequest)
		return
	}

	defer h.recoverSync(w, r)

	h.logger.Info("Sync request",
		"client_id", req.ClientID,
		"project_id", req.ProjectID,
		"operations", len(req.Operations))

	resp := h.processor.ProcessSyncRequest(r.Context(), req, sync.Options{
		Strategy: strategyFromHeader(r),
	})

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusMultiStatus
	}
	writeJSON(h.logger, w, status, resp)

	h.logger.Info("Sync completed",
		"client_id", req.ClientID,
		"project_id", req.ProjectID,
		"results", len(resp.Results),
		"server_changes", len(resp.ServerChanges),
		"errors", len(resp.Errors))
}

// HandleBatch processes POST /api/v1/sync/batch: several independent
// sync requests executed concurrently.
func (h *SyncHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode batch request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	for _, sub := range req.Requests {
		if sub.ClientID == "" || sub.ProjectID == "" {
			http.Error(w, "clientId and projectId are required", http.StatusBadRequest)
			return
		}
	}

	defer h.recoverSync(w, r)

	resp := h.processor.ProcessBatch(r.Context(), req.Requests, sync.Options{
		Strategy: strategyFromHeader(r),
	})

	writeJSON(h.logger, w, http.StatusOK, resp)
}

// HandleChanges processes GET /api/v1/sync/changes?projectId=&since=.
func (h *SyncHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.logger.Warn("Invalid since parameter", "since", raw, "error", err)
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	changes, err := h.processor.ServerChanges(r.Context(), projectID, since)
	if err != nil {
		h.logger.Error("Failed to get server changes", "project_id", projectID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.ChangesResponse{
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Changes:   changes,
		Count:     len(changes),
	})
}

// HandleStatus processes GET /api/v1/sync/status.
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.maintenance.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to get queue status", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.StatusResponse{
		Success: true,
		Status:  status,
	})
}

// HandleProcess processes POST /api/v1/sync/process: manually drains
// up to N pending queue entries.
func (h *SyncHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultProcessLimit
	if r.Body != nil && r.ContentLength != 0 {
		var req api.ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Limit > 0 {
			limit = req.Limit
		}
	}

	processed, failed, remaining, err := h.maintenance.Drain(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to drain queue", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.ProcessResponse{
		Success:   true,
		Processed: processed,
		Failed:    failed,
		Remaining: remaining,
	})
}

// HandleCleanup processes DELETE /api/v1/sync/cleanup?olderThanDays=.
func (h *SyncHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	olderThanDays := sync.DefaultRetentionDays
	if raw := r.URL.Query().Get("olderThanDays"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid olderThanDays parameter", http.StatusBadRequest)
			return
		}
		olderThanDays = parsed
	}

	deleted, err := h.maintenance.Cleanup(r.Context(), olderThanDays)
	if err != nil {
		h.logger.Error("Failed to clean up queue", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.CleanupResponse{
		Success: true,
		Deleted: deleted,
		Message: "cleaned up processed sync entries older than " + strconv.Itoa(olderThanDays) + " days",
	})
}

// recoverSync converts a processor panic into the 500 response with a
// single synthetic SYNC_ERROR, per the status contract.
func (h *SyncHandler) recoverSync(w http.ResponseWriter, r *http.Request) {
	if rec := recover(); rec != nil {
		h.logger.Error("Sync processor panicked", "path", r.URL.Path, "panic", rec)
		writeJSON(h.logger, w, http.StatusInternalServerError, api.SyncResponse{
			Success:       false,
			SyncTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Results:       []api.SyncOperationResult{},
			ServerChanges: []api.ServerChange{},
			Errors: []api.SyncError{{
				Code:      api.CodeSyncError,
				Message:   "sync failed",
				Retryable: true,
			}},
		})
	}
}

// strategyFromHeader reads the per-request conflict strategy override.
// Unknown values are ignored and the configured default applies.
func strategyFromHeader(r *http.Request) api.ConflictStrategy {
	s := api.ConflictStrategy(r.Header.Get("X-Sync-Strategy"))
	if s.IsValid() {
		return s
	}
	return ""
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
