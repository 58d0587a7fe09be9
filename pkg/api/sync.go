package api

// SyncOperation is the kind of mutation a client submits.
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
)

// ConflictStrategy governs how a stale client edit is reconciled
// with current server state.
type ConflictStrategy string

const (
	// StrategyClientWins applies the client payload unconditionally.
	StrategyClientWins ConflictStrategy = "client-wins"
	// StrategyServerWins rejects the stale operation and keeps server state.
	StrategyServerWins ConflictStrategy = "server-wins"
	// StrategyMerge shallow-merges the client payload over server fields.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyManual rejects the operation but signals that the caller
	// should surface the conflict to the user instead of resolving it.
	StrategyManual ConflictStrategy = "manual"
)

// IsValid reports whether s is one of the known strategies.
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Error codes reported in SyncError.Code.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeManualRequired = "MANUAL_RESOLUTION_REQUIRED"
	CodeOperationFail  = "OPERATION_FAILED"
	CodeSyncError      = "SYNC_ERROR"
)

// EntityTypeFeedback is the only entity type currently accepted.
// The field exists on the wire so the protocol can grow more types.
const EntityTypeFeedback = "feedback"

// SyncOperationItem is a single client-submitted mutation.
// LocalID is a client-local correlation id; it is echoed back in the
// matching SyncOperationResult and never shared with other clients.
type SyncOperationItem struct {
	LocalID    string         `json:"localId"`
	Operation  SyncOperation  `json:"operation"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Version    *int64         `json:"version,omitempty"`
}

// SyncRequest is a bag of operations plus the client's last-seen
// server timestamp (RFC 3339, empty means "never synced").
type SyncRequest struct {
	ClientID          string              `json:"clientId"`
	ProjectID         string              `json:"projectId"`
	SessionID         string              `json:"sessionId,omitempty"`
	Operations        []SyncOperationItem `json:"operations"`
	LastSyncTimestamp string              `json:"lastSyncTimestamp,omitempty"`
}

// SyncOperationResult is the per-operation outcome.
type SyncOperationResult struct {
	LocalID       string `json:"localId"`
	Success       bool   `json:"success"`
	ServerID      string `json:"serverId,omitempty"`
	ServerVersion int64  `json:"serverVersion,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SyncError carries a machine-readable failure for one operation.
// Retryable tells the client whether resubmitting the same localId
// can succeed.
type SyncError struct {
	LocalID   string `json:"localId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ServerChange is one item of the pull-based change feed.
type ServerChange struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Operation  SyncOperation  `json:"operation"`
	Payload    map[string]any `json:"payload"`
	Timestamp  string         `json:"timestamp"`
	Version    int64          `json:"version"`
}

// SyncResponse is the reply to a SyncRequest. Success is true iff no
// per-operation error occurred; partial failures keep Results complete.
type SyncResponse struct {
	Success       bool                  `json:"success"`
	SyncTimestamp string                `json:"syncTimestamp"`
	Results       []SyncOperationResult `json:"results"`
	ServerChanges []ServerChange        `json:"serverChanges"`
	Errors        []SyncError           `json:"errors,omitempty"`
}

// ChangesResponse wraps GET /sync/changes.
type ChangesResponse struct {
	Success   bool           `json:"success"`
	Timestamp string         `json:"timestamp"`
	Changes   []ServerChange `json:"changes"`
	Count     int            `json:"count"`
}

// SyncStatus describes the state of the change-log queue.
type SyncStatus struct {
	PendingCount       int            `json:"pendingCount"`
	PendingByOperation map[string]int `json:"pendingByOperation"`
	FailedCount        int            `json:"failedCount"`
	OldestPending      string         `json:"oldestPending,omitempty"`
}

// StatusResponse wraps GET /sync/status.
type StatusResponse struct {
	Success bool       `json:"success"`
	Status  SyncStatus `json:"status"`
}

// ProcessRequest asks the server to drain up to Limit pending
// change-log entries.
type ProcessRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ProcessResponse reports the outcome of a manual drain.
type ProcessResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
}

// CleanupResponse reports how many processed change-log entries the
// retention pass removed.
type CleanupResponse struct {
	Success bool   `json:"success"`
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

// BatchRequest wraps POST /sync/batch.
type BatchRequest struct {
	Requests []SyncRequest `json:"requests"`
}

// BatchSummary aggregates per-request outcomes of a batch.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchResponse is the reply to a batch of sync requests.
type BatchResponse struct {
	Success       bool           `json:"success"`
	SyncTimestamp string         `json:"syncTimestamp"`
	BatchResults  []SyncResponse `json:"batchResults"`
	Summary       BatchSummary   `json:"summary"`
}
