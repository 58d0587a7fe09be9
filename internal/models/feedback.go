package models

import "time"

// Feedback types
const (
	TypeBug         = "bug"
	TypeFeature     = "feature"
	TypeImprovement = "improvement"
	TypeQuestion    = "question"
	TypeOther       = "other"
)

// Feedback statuses
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
	StatusArchived   = "archived"
)

// Feedback priorities
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Feedback is a syncable feedback record scoped to a project (tenant).
// ID is immutable once created; every other field is mutable. UpdatedAt
// is monotonically non-decreasing over the record's lifetime and is the
// sole basis of the derived version.
type Feedback struct {
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	SyncedAt    *time.Time     `json:"syncedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	SessionID   string         `json:"sessionId"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	UserEmail   string         `json:"userEmail,omitempty"`
	UserName    string         `json:"userName,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// Version derives the comparable version number from UpdatedAt,
// expressed as milliseconds since the Unix epoch.
func (f *Feedback) Version() int64 {
	return f.UpdatedAt.UnixMilli()
}

// Clone returns a deep copy of the record.
func (f *Feedback) Clone() *Feedback {
	c := *f
	if f.SyncedAt != nil {
		t := *f.SyncedAt
		c.SyncedAt = &t
	}
	if f.Tags != nil {
		c.Tags = make([]string, len(f.Tags))
		copy(c.Tags, f.Tags)
	}
	if f.Metadata != nil {
		c.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ApplyPayload merges a client payload into the record. Known fields
// overwrite the corresponding typed field when the key is present;
// the metadata map merges key by key; tags replace wholesale. Unknown
// top-level keys land in Metadata so client extensions survive the
// round trip. ID, ProjectID and timestamps are never touched here.
func (f *Feedback) ApplyPayload(payload map[string]any) {
	for key, raw := range payload {
		switch key {
		case "title":
			if v, ok := raw.(string); ok {
				f.Title = v
			}
		case "description":
			if v, ok := raw.(string); ok {
				f.Description = v
			}
		case "type":
			if v, ok := raw.(string); ok {
				f.Type = v
			}
		case "status":
			if v, ok := raw.(string); ok {
				f.Status = v
			}
		case "priority":
			if v, ok := raw.(string); ok {
				f.Priority = v
			}
		case "sessionId":
			if v, ok := raw.(string); ok {
				f.SessionID = v
			}
		case "userEmail":
			if v, ok := raw.(string); ok {
				f.UserEmail = v
			}
		case "userName":
			if v, ok := raw.(string); ok {
				f.UserName = v
			}
		case "tags":
			if v, ok := toStringSlice(raw); ok {
				f.Tags = v
			}
		case "metadata":
			if v, ok := raw.(map[string]any); ok {
				if f.Metadata == nil {
					f.Metadata = make(map[string]any, len(v))
				}
				for mk, mv := range v {
					f.Metadata[mk] = mv
				}
			}
		case "id", "projectId", "createdAt", "updatedAt", "syncedAt", "version":
			// immutable / server-owned
		default:
			if f.Metadata == nil {
				f.Metadata = make(map[string]any)
			}
			f.Metadata[key] = raw
		}
	}
}

// Payload renders the record as the generic payload map used in the
// change feed and change-log snapshots.
func (f *Feedback) Payload() map[string]any {
	p := map[string]any{
		"id":        f.ID,
		"projectId": f.ProjectID,
		"sessionId": f.SessionID,
		"title":     f.Title,
		"type":      f.Type,
		"status":    f.Status,
		"priority":  f.Priority,
		"createdAt": f.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": f.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if f.Description != "" {
		p["description"] = f.Description
	}
	if f.UserEmail != "" {
		p["userEmail"] = f.UserEmail
	}
	if f.UserName != "" {
		p["userName"] = f.UserName
	}
	if len(f.Tags) > 0 {
		tags := make([]string, len(f.Tags))
		copy(tags, f.Tags)
		p["tags"] = tags
	}
	if len(f.Metadata) > 0 {
		meta := make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			meta[k] = v
		}
		p["metadata"] = meta
	}
	if f.SyncedAt != nil {
		p["syncedAt"] = f.SyncedAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}

// toStringSlice converts either []string or the []any produced by
// encoding/json into a string slice.
func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
