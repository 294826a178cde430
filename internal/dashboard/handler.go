package dashboard

import (
	"log"
	"sort"
	"sync"

	"github.com/steveyegge/docsync/internal/replication"
)

// ReplicationData describes one replication's state.
type ReplicationData struct {
	Direction string `json:"direction"`
	Remote    string `json:"remote"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	LastError string `json:"last_error,omitempty"`
}

func (d ReplicationData) key() string {
	return d.Direction + " " + d.Remote
}

// Handler turns replication events into dashboard messages and keeps the
// latest state of each replication for the connect snapshot.
type Handler struct {
	server *Server
	logger *log.Logger

	mu      sync.Mutex
	latest  map[string]ReplicationData
	detachs []func()
}

// NewHandler creates a handler broadcasting through server and registers it
// as the server's snapshot source.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		latest: make(map[string]ReplicationData),
	}
	server.SetSnapshot(func() any { return h.Snapshot() })
	return h
}

// Attach subscribes to r's events and records its current state.
func (h *Handler) Attach(r *replication.Replicator) {
	remoteURL := r.RemoteURL()
	detach := r.OnEvent(func(ev replication.Event) {
		h.OnEvent(remoteURL, ev)
	})

	d := dataFor(remoteURL, r.Event())
	h.mu.Lock()
	h.detachs = append(h.detachs, detach)
	h.latest[d.key()] = d
	h.mu.Unlock()
}

// OnEvent records ev and broadcasts it. A changed error is also broadcast
// as an error message.
func (h *Handler) OnEvent(remoteURL string, ev replication.Event) {
	data := dataFor(remoteURL, ev)

	h.mu.Lock()
	prev, seen := h.latest[data.key()]
	h.latest[data.key()] = data
	h.mu.Unlock()

	if err := h.server.BroadcastData(MessageTypeStatus, data); err != nil {
		h.logger.Printf("Failed to broadcast status: %v", err)
	}
	if data.LastError != "" && (!seen || prev.LastError != data.LastError) {
		if err := h.server.BroadcastData(MessageTypeError, data); err != nil {
			h.logger.Printf("Failed to broadcast error: %v", err)
		}
	}
}

// Snapshot returns the latest state of every replication, ordered by
// direction and remote.
func (h *Handler) Snapshot() []ReplicationData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ReplicationData, 0, len(h.latest))
	for _, d := range h.latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Close unsubscribes from every attached replication.
func (h *Handler) Close() {
	h.mu.Lock()
	detachs := h.detachs
	h.detachs = nil
	h.mu.Unlock()

	for _, fn := range detachs {
		fn()
	}
}

func dataFor(remoteURL string, ev replication.Event) ReplicationData {
	d := ReplicationData{
		Direction: ev.Direction.String(),
		Remote:    remoteURL,
		SessionID: ev.SessionID,
		Status:    ev.Status.String(),
		Completed: ev.Completed,
		Total:     ev.Total,
	}
	if ev.LastError != nil {
		d.LastError = ev.LastError.Error()
	}
	return d
}
