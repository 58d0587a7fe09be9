package models

import "time"

// Change-log operations. They mirror the sync protocol operations but
// live here so storage does not depend on the wire format.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ChangeLogEntry is the durable record of one accepted mutation.
// Entries are append-only: after creation only RetryCount, LastError
// and ProcessedAt change, and an entry is removed only by the
// retention cleanup once ProcessedAt is set.
//
// For deletes the entry is the sole durable trace of the deletion;
// EntityID may reference a record that no longer exists.
type ChangeLogEntry struct {
	CreatedAt   time.Time      `json:"createdAt"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	ID          string         `json:"id"`
	EntityID    string         `json:"entityId"`
	ProjectID   string         `json:"projectId"`
	Operation   string         `json:"operation"`
	LastError   string         `json:"lastError,omitempty"`
	RetryCount  int            `json:"retryCount"`
}

// Processed reports whether the entry has been confirmed delivered.
func (e *ChangeLogEntry) Processed() bool {
	return e.ProcessedAt != nil
}
