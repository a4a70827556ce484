// Package events provides the in-process publish/subscribe bus that
// decouples the transport from its consumers (typing observers, presence
// tracking, notification delivery, message-list invalidation).
package events

import (
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/haasonsaas/chatwire/pkg/models"
)

// Kind identifies an event redistributed on the bus. The set is closed:
// every kind corresponds either to an inbound frame type or to a
// transport lifecycle transition.
type Kind string

const (
	// Transport lifecycle.
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"

	// Server-originated events, one per inbound frame type.
	KindNewMessage        Kind = "new_message"
	KindMessageUpdated    Kind = "message_updated"
	KindMessageDeleted    Kind = "message_deleted"
	KindReactionAdded     Kind = "reaction_added"
	KindUserTyping        Kind = "user_typing"
	KindUserStoppedTyping Kind = "user_stopped_typing"
	KindPresenceUpdate    Kind = "presence_update"
	KindReadReceipt       Kind = "read_receipt"
	KindSubscribed        Kind = "subscribed"
	KindUnsubscribed      Kind = "unsubscribed"
	KindPong              Kind = "pong"
	KindNotification      Kind = "notification"
)

// KindForFrame maps an inbound frame type to its bus kind. The second
// return is false for frame types the bus does not redistribute.
func KindForFrame(t models.FrameType) (Kind, bool) {
	switch t {
	case models.FrameConnected:
		return KindConnected, true
	case models.FrameNewMessage:
		return KindNewMessage, true
	case models.FrameMessageUpdated:
		return KindMessageUpdated, true
	case models.FrameMessageDeleted:
		return KindMessageDeleted, true
	case models.FrameReactionAdded:
		return KindReactionAdded, true
	case models.FrameUserTyping:
		return KindUserTyping, true
	case models.FrameUserStopsTyping:
		return KindUserStoppedTyping, true
	case models.FramePresenceUpdate:
		return KindPresenceUpdate, true
	case models.FrameReadReceipt:
		return KindReadReceipt, true
	case models.FrameSubscribed:
		return KindSubscribed, true
	case models.FrameUnsubscribed:
		return KindUnsubscribed, true
	case models.FramePong:
		return KindPong, true
	case models.FrameNotification:
		return KindNotification, true
	}
	return "", false
}

// Handler receives the frame that produced the event. Lifecycle events
// (connected/disconnected) carry a frame holding only the Type field.
type Handler func(frame models.Frame)

// UnsubscribeFunc removes exactly the registration that produced it.
// Calling it more than once is a no-op.
type UnsubscribeFunc func()

type registration struct {
	seq     uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe register keyed by event kind.
//
// Emit invokes handlers in registration order. Handlers registered
// during an emit of the same kind are not invoked by that in-flight
// emit: Emit operates on a snapshot taken under the lock. A panicking
// handler is recovered and logged and does not prevent sibling handlers
// from running.
type Bus struct {
	mu       sync.Mutex
	nextSeq  uint64
	handlers map[Kind]map[uint64]registration
	logger   *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Kind]map[uint64]registration),
		logger:   logger,
	}
}

// On registers handler under kind and returns the capability that
// removes this registration.
func (b *Bus) On(kind Kind, handler Handler) UnsubscribeFunc {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	set, ok := b.handlers[kind]
	if !ok {
		set = make(map[uint64]registration)
		b.handlers[kind] = set
	}
	set[seq] = registration{seq: seq, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.handlers[kind]; ok {
				delete(set, seq)
				if len(set) == 0 {
					delete(b.handlers, kind)
				}
			}
			b.mu.Unlock()
		})
	}
}

// Emit synchronously invokes every handler currently registered for
// kind, in registration order.
func (b *Bus) Emit(kind Kind, frame models.Frame) {
	b.mu.Lock()
	set := b.handlers[kind]
	snapshot := make([]registration, 0, len(set))
	for _, reg := range set {
		snapshot = append(snapshot, reg)
	}
	b.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	for _, reg := range snapshot {
		b.dispatch(kind, reg, frame)
	}
}

func (b *Bus) dispatch(kind Kind, reg registration, frame models.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked",
				"kind", string(kind),
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	reg.handler(frame)
}

// ListenerCount returns the number of handlers registered for kind.
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}
