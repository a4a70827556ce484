// Package presence maintains last-known user availability from inbound
// presence events.
package presence

import (
	"sync"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/pkg/models"
)

// Tracker is a last-write-wins map of userId to presence status.
// A user who silently drops keeps their last known status until a
// future update or an explicit offline event; there is no TTL.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]models.PresenceStatus
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]models.PresenceStatus),
	}
}

// Bind subscribes the tracker to presence_update events on the bus and
// returns the deregistration capability.
func (t *Tracker) Bind(bus *events.Bus) events.UnsubscribeFunc {
	return bus.On(events.KindPresenceUpdate, func(frame models.Frame) {
		if frame.UserID == "" || !frame.Status.Valid() {
			return
		}
		t.Set(frame.UserID, frame.Status)
	})
}

// Set overwrites the status for userID.
func (t *Tracker) Set(userID string, status models.PresenceStatus) {
	t.mu.Lock()
	t.statuses[userID] = status
	t.mu.Unlock()
}

// Get returns the last reported status for userID, or offline if the
// user has never been observed. Pure read, no side effects.
func (t *Tracker) Get(userID string) models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if status, ok := t.statuses[userID]; ok {
		return status
	}
	return models.PresenceOffline
}

// Snapshot returns a copy of the full presence map.
func (t *Tracker) Snapshot() map[string]models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.PresenceStatus, len(t.statuses))
	for id, status := range t.statuses {
		out[id] = status
	}
	return out
}

// Online returns the ids of users whose last reported status is online.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, status := range t.statuses {
		if status == models.PresenceOnline {
			ids = append(ids, id)
		}
	}
	return ids
}
