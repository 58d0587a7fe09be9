package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/pulseboard/feedsync/internal/models"
)

const (
	// subscriberBuffer is the per-subscriber message buffer. A
	// subscriber that falls this far behind starts losing events; the
	// pull-based change feed is the catch-up path, not the socket.
	subscriberBuffer = 16

	defaultWriteTimeout = 5 * time.Second
)

// Hub fans broadcast events out to websocket subscribers grouped by
// project. It satisfies Notifier.
type Hub struct {
	logger       *slog.Logger
	subscribers  map[string]map[*subscriber]struct{}
	mu           sync.Mutex
	writeTimeout time.Duration
}

type subscriber struct {
	msgs chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:       logger,
		subscribers:  make(map[string]map[*subscriber]struct{}),
		writeTimeout: defaultWriteTimeout,
	}
}

// NotifyCreated broadcasts a created event to the record's project.
func (h *Hub) NotifyCreated(f *models.Feedback) {
	h.publish(Event{
		Type:      EventCreated,
		ProjectID: f.ProjectID,
		Feedback:  f.Payload(),
	})
}

// NotifyUpdated broadcasts an updated event to the record's project.
func (h *Hub) NotifyUpdated(f *models.Feedback) {
	h.publish(Event{
		Type:      EventUpdated,
		ProjectID: f.ProjectID,
		Feedback:  f.Payload(),
	})
}

// NotifyDeleted broadcasts a deleted event carrying only the entity id.
func (h *Hub) NotifyDeleted(entityID, projectID string) {
	h.publish(Event{
		Type:      EventDeleted,
		ProjectID: projectID,
		EntityID:  entityID,
	})
}

func (h *Hub) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode broadcast event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers[e.ProjectID] {
		select {
		case sub.msgs <- data:
		default:
			// slow subscriber, drop the event
		}
	}
}

// SubscriberCount returns the number of open subscriptions for a
// project. Used in tests and status introspection.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[projectID])
}

// Subscribe upgrades the request to a websocket and streams the
// project's events until the client disconnects.
// GET /ws?projectId=...
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	sub := &subscriber{msgs: make(chan []byte, subscriberBuffer)}
	h.add(projectID, sub)
	defer h.remove(projectID, sub)

	h.logger.Info("Broadcast subscriber connected", "project_id", projectID)

	// CloseRead keeps control frames serviced and cancels the context
	// when the peer goes away
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case msg := <-sub.msgs:
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Debug("Broadcast write failed", "project_id", projectID, "error", err)
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) add(projectID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[projectID] == nil {
		h.subscribers[projectID] = make(map[*subscriber]struct{})
	}
	h.subscribers[projectID][sub] = struct{}{}
}

func (h *Hub) remove(projectID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers[projectID], sub)
	if len(h.subscribers[projectID]) == 0 {
		delete(h.subscribers, projectID)
	}
}
