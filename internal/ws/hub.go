// Package ws implements the progress broadcast hub: a per-run subscriber
// registry that fans automation progress events out to live connections.
package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/jonathan/job-autopilot/internal/types"
)

// Conn is one live client connection. Send must be safe for concurrent use;
// a Send error means the connection is dead and it is dropped from every
// subscription.
type Conn interface {
	Send(data []byte) error
}

// ControlMessage is what clients send to manage subscriptions.
type ControlMessage struct {
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
}

// Hub maintains runId → subscriber sets. All state is in-memory: there is no
// replay for late subscribers, who must poll the run's persisted state
// instead.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[Conn]struct{})}
}

// HandleMessage processes one raw control message from a connection.
// Unknown or malformed messages are ignored rather than closing the
// connection.
func (h *Hub) HandleMessage(conn Conn, raw []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch {
	case msg.Type == "subscribe" && msg.RunID != "":
		h.Subscribe(msg.RunID, conn)
		h.send(conn, map[string]string{"type": "subscribed", "runId": msg.RunID})
	case msg.Type == "unsubscribe" && msg.RunID != "":
		h.Unsubscribe(msg.RunID, conn)
	}
}

// Subscribe adds conn to the run's subscriber set.
func (h *Hub) Subscribe(runID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[Conn]struct{})
		h.subs[runID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes conn from the run's subscriber set, dropping empty
// sets so finished runs do not accumulate.
func (h *Hub) Unsubscribe(runID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(runID, conn)
}

// Drop removes conn from every subscription it holds. Called on disconnect.
func (h *Hub) Drop(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID := range h.subs {
		h.removeLocked(runID, conn)
	}
}

// BroadcastProgress sends an event to every current subscriber of the run.
// With no subscribers the event is simply dropped.
func (h *Hub) BroadcastProgress(runID string, event types.ProgressEvent) {
	event.RunID = runID

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[ws] failed to encode progress event for run %s: %v", runID, err)
		return
	}

	h.mu.Lock()
	set := h.subs[runID]
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			h.Unsubscribe(runID, conn)
		}
	}
}

// Subscribers returns the current subscriber count for a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) removeLocked(runID string, conn Conn) {
	set, ok := h.subs[runID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.subs, runID)
	}
}

func (h *Hub) send(conn Conn, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		h.Drop(conn)
	}
}
