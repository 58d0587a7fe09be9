// Package broadcast pushes accepted mutations to connected dashboard
// clients. Notifications are fire-and-forget: the sync processor never
// blocks on, retries, or fails because of a notification.
package broadcast

import "github.com/pulseboard/feedsync/internal/models"

// Event types sent to subscribers.
const (
	EventCreated = "feedback:created"
	EventUpdated = "feedback:updated"
	EventDeleted = "feedback:deleted"
)

// Event is one broadcast message. Feedback is set for created/updated,
// EntityID for deleted.
type Event struct {
	Feedback  map[string]any `json:"feedback,omitempty"`
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	EntityID  string         `json:"entityId,omitempty"`
}

// Notifier is the interface the sync processor talks to. No errors are
// returned; implementations log failures themselves.
type Notifier interface {
	NotifyCreated(f *models.Feedback)
	NotifyUpdated(f *models.Feedback)
	NotifyDeleted(entityID, projectID string)
}

// Noop discards all notifications. Used in tests and when the
// websocket hub is disabled.
type Noop struct{}

func (Noop) NotifyCreated(*models.Feedback) {}
func (Noop) NotifyUpdated(*models.Feedback) {}
func (Noop) NotifyDeleted(_, _ string) {}
