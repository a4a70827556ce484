package models

import "time"

// NotificationType categorizes notifications for client-side routing.
type NotificationType string

const (
	NotificationMention  NotificationType = "mention"
	NotificationReply    NotificationType = "reply"
	NotificationReaction NotificationType = "reaction"
	NotificationSystem   NotificationType = "system"
)

// Notification is a server-created notification delivered via push event
// and/or polling.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ChannelID string            `json:"channelId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	IsRead    bool              `json:"isRead"`
	CreatedAt time.Time         `json:"createdAt"`
	ReadAt    *time.Time        `json:"readAt,omitempty"`
}
