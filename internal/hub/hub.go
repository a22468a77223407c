// Package hub implements the broadcast channel: a registry of connected
// subscribers and a publish operation that pushes the full collection
// snapshot to every one of them.
package hub

import (
	"sync"

	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/logger"
)

// Subscriber is a connected client able to receive snapshots and unicast
// error messages. Implementations must be safe for concurrent calls.
type Subscriber interface {
	// Send delivers a full collection snapshot. The slice must not be
	// retained past the call unless copied.
	Send(issues []issue.Issue) error

	// SendError delivers a message to this subscriber only.
	SendError(msg string) error
}

// Hub fans committed snapshots out to all registered subscribers.
//
// Delivery order across subscribers is not guaranteed. A subscriber whose
// Send fails is dropped from the registry, so there are no dangling sends
// after a disconnect.
type Hub struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
	log  logger.Logger
}

// New returns an empty hub.
func New(log logger.Logger) *Hub {
	return &Hub{
		subs: make(map[Subscriber]struct{}),
		log:  log,
	}
}

// Subscribe adds sub to the registry. It does not send anything; callers
// push the initial snapshot themselves so they control the no-gap
// ordering on join.
func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub] = struct{}{}
}

// Unsubscribe removes sub from the registry. Safe to call for a
// subscriber that was already removed.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, sub)
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Publish delivers the snapshot to every registered subscriber.
// Subscribers whose Send fails are unregistered.
func (h *Hub) Publish(issues []issue.Issue) {
	h.mu.RLock()

	subs := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}

	h.mu.RUnlock()

	var dead []Subscriber

	for _, sub := range subs {
		sendErr := sub.Send(issues)
		if sendErr != nil {
			h.log.Warn("dropping subscriber after failed send", "error", sendErr)
			dead = append(dead, sub)
		}
	}

	for _, sub := range dead {
		h.Unsubscribe(sub)
	}
}

// NotifyError delivers msg to sub only, never to other subscribers.
func (h *Hub) NotifyError(sub Subscriber, msg string) {
	sendErr := sub.SendError(msg)
	if sendErr != nil {
		h.log.Warn("failed to notify subscriber of error", "error", sendErr)
	}
}
