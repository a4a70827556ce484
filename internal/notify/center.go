// Package notify merges push-delivered notifications with polled
// unread counts and deduplicates user-visible announcements.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/internal/observability"
	"github.com/haasonsaas/chatwire/pkg/models"
)

// DefaultPollInterval is the unread-count polling fallback period.
const DefaultPollInterval = 30 * time.Second

// API is the request/response layer backing the notification list and
// unread count. Implemented elsewhere against the serving origin.
type API interface {
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// AnnounceFunc surfaces a one-time user-visible announcement (toast).
type AnnounceFunc func(n models.Notification)

// CenterConfig configures a notification center.
type CenterConfig struct {
	// API backs list/count fetches and mark-read requests. Required.
	API API

	// Announce surfaces notifications to the user. Optional.
	Announce AnnounceFunc

	// PollInterval overrides the polling fallback period.
	PollInterval time.Duration

	// Logger used for fetch failures.
	Logger *slog.Logger

	// Metrics counts announcements. Optional.
	Metrics *observability.Metrics
}

// Center maintains the local view of server-side notifications.
//
// Push delivery (the notification frame) triggers an immediate refresh
// of both the list and the count plus a one-time announcement for that
// notification id. Polling refreshes the same state on a fixed interval
// as a fallback when push delivery degrades.
//
// The announced-id set prevents re-announcing an id while its toast is
// open; Dismiss removes the id, so a notification with a reused id
// after dismissal is announced again. Intended: ids are expected to be
// unique in practice.
type Center struct {
	mu            sync.Mutex
	api           API
	announce      AnnounceFunc
	logger        *slog.Logger
	metrics       *observability.Metrics
	pollInterval  time.Duration
	notifications []models.Notification
	unread        int
	announced     map[string]struct{}

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	started  bool
}

// NewCenter creates a notification center.
func NewCenter(cfg CenterConfig) *Center {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Center{
		api:          cfg.API,
		announce:     cfg.Announce,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		announced:    make(map[string]struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the polling fallback loop. Call Close to stop it.
func (c *Center) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Close stops the polling loop.
func (c *Center) Close() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })
	if started {
		<-c.done
	}
}

// Bind subscribes the center to push notification events on the bus.
func (c *Center) Bind(bus *events.Bus) events.UnsubscribeFunc {
	return bus.On(events.KindNotification, func(frame models.Frame) {
		c.handlePush(frame)
	})
}

func (c *Center) handlePush(frame models.Frame) {
	// Push invalidates local state regardless of payload quality.
	c.Refresh(context.Background())

	if len(frame.Message) == 0 {
		return
	}
	var n models.Notification
	if err := json.Unmarshal(frame.Message, &n); err != nil {
		c.logger.Warn("malformed push notification payload", "error", err)
		return
	}
	if n.ID == "" {
		return
	}
	c.announceOnce(n)
}

// announceOnce surfaces n unless its id is already in the tracking set.
func (c *Center) announceOnce(n models.Notification) {
	c.mu.Lock()
	if _, seen := c.announced[n.ID]; seen {
		c.mu.Unlock()
		return
	}
	c.announced[n.ID] = struct{}{}
	c.mu.Unlock()

	if c.announce != nil {
		c.announce(n)
	}
	if c.metrics != nil {
		c.metrics.NotificationsAnnounced.Inc()
	}
}

// Dismiss removes id from the announced-id tracking set. Called when
// the underlying toast is closed. After dismissal the same id would be
// announced again; see the type comment.
func (c *Center) Dismiss(id string) {
	c.mu.Lock()
	delete(c.announced, id)
	c.mu.Unlock()
}

// Refresh fetches the notification list and unread count. Fetch
// failures are logged and leave the previous local state intact.
func (c *Center) Refresh(ctx context.Context) {
	list, err := c.api.ListNotifications(ctx)
	if err != nil {
		c.logger.Warn("notification list fetch failed", "error", err)
	} else {
		c.mu.Lock()
		c.notifications = list
		c.mu.Unlock()
	}

	count, err := c.api.UnreadCount(ctx)
	if err != nil {
		c.logger.Warn("unread count fetch failed", "error", err)
		return
	}
	c.mu.Lock()
	c.unread = count
	c.mu.Unlock()
}

// MarkRead marks one notification read and refreshes on success. The
// local unread count is never guessed; the refresh provides it.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	if err := c.api.MarkRead(ctx, id); err != nil {
		return err
	}
	c.Refresh(ctx)
	return nil
}

// MarkAllRead marks everything read and refreshes on success.
func (c *Center) MarkAllRead(ctx context.Context) error {
	if err := c.api.MarkAllRead(ctx); err != nil {
		return err
	}
	c.Refresh(ctx)
	return nil
}

// Notifications returns the current local list.
func (c *Center) Notifications() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Notification(nil), c.notifications...)
}

// Unread returns the last known unread count.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}
