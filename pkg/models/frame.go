// Package models defines the wire frame and shared data types exchanged
// between the chatwire client, the hub, and higher-level services.
package models

import (
	"encoding/json"
	"time"
)

// FrameType identifies a directive (client → hub) or event (hub → client).
type FrameType string

// Outbound directive types.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameTypingStart FrameType = "typing_start"
	FrameTypingStop  FrameType = "typing_stop"
	FramePing        FrameType = "ping"
	FrameSendMessage FrameType = "send_message"
)

// Inbound event types.
const (
	FrameConnected       FrameType = "connected"
	FrameNewMessage      FrameType = "new_message"
	FrameMessageUpdated  FrameType = "message_updated"
	FrameMessageDeleted  FrameType = "message_deleted"
	FrameReactionAdded   FrameType = "reaction_added"
	FrameUserTyping      FrameType = "user_typing"
	FrameUserStopsTyping FrameType = "user_stopped_typing"
	FramePresenceUpdate  FrameType = "presence_update"
	FrameReadReceipt     FrameType = "read_receipt"
	FrameSubscribed      FrameType = "subscribed"
	FrameUnsubscribed    FrameType = "unsubscribed"
	FramePong            FrameType = "pong"
	FrameNotification    FrameType = "notification"
)

// Frame is the JSON object sent per WebSocket message, in both
// directions. Optional fields are omitted when empty so directives stay
// compact on the wire.
type Frame struct {
	Type      FrameType       `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`
	Reaction  json.RawMessage `json:"reaction,omitempty"`
	Status    PresenceStatus  `json:"status,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Stamp returns a copy of the frame with Timestamp set to t in RFC 3339.
func (f Frame) Stamp(t time.Time) Frame {
	f.Timestamp = t.UTC().Format(time.RFC3339)
	return f
}

// PresenceStatus is a user's coarse availability as last reported.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Valid reports whether s is one of the recognized presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}
