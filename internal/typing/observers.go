package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/pkg/models"
)

// DefaultObserverTTL is how long a received typing indicator stays
// alive without a refreshing user_typing event.
const DefaultObserverTTL = 5 * time.Second

// Observer identifies a remote user currently typing in a channel.
type Observer struct {
	UserID   string
	UserName string
}

// ChangeFunc is invoked with the channel's full observer list whenever
// it changes.
type ChangeFunc func(channelID string, typing []Observer)

// ObserversConfig configures an observer set.
type ObserversConfig struct {
	// TTL overrides the per-user expiry window.
	TTL time.Duration

	// Clock overrides timer scheduling (tests).
	Clock Clock

	// OnChange is notified after every membership change.
	OnChange ChangeFunc

	// Logger used for debug logs.
	Logger *slog.Logger
}

type observerEntry struct {
	userName string
	timer    Timer
	gen      uint64
}

// Observers is the receiver side of the typing indicator: a map of
// channel to the set of users currently typing there, each entry kept
// alive by a fixed expiry window that repeated user_typing events
// refresh (cancel-and-replace). An explicit user_stopped_typing or the
// window expiring removes the entry, whichever comes first.
type Observers struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    Clock
	onChange ChangeFunc
	logger   *slog.Logger
	channels map[string]map[string]*observerEntry
	sealed   bool
}

// NewObservers creates an observer set.
func NewObservers(cfg ObserversConfig) *Observers {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultObserverTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Observers{
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		channels: make(map[string]map[string]*observerEntry),
	}
}

// Bind subscribes the observer set to user_typing and
// user_stopped_typing events on the bus. The returned capability
// removes both registrations.
func (o *Observers) Bind(bus *events.Bus) events.UnsubscribeFunc {
	unsubStart := bus.On(events.KindUserTyping, func(frame models.Frame) {
		o.HandleTyping(frame.ChannelID, frame.UserID, frame.UserName)
	})
	unsubStop := bus.On(events.KindUserStoppedTyping, func(frame models.Frame) {
		o.HandleStopped(frame.ChannelID, frame.UserID)
	})
	return func() {
		unsubStart()
		unsubStop()
	}
}

// HandleTyping processes an inbound typing start for (channelID,
// userID): adds the user if not tracked (notifying the change) and
// re-arms their expiry window either way.
func (o *Observers) HandleTyping(channelID, userID, userName string) {
	if channelID == "" || userID == "" {
		return
	}

	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return
	}

	users, ok := o.channels[channelID]
	if !ok {
		users = make(map[string]*observerEntry)
		o.channels[channelID] = users
	}

	entry, tracked := users[userID]
	if !tracked {
		entry = &observerEntry{}
		users[userID] = entry
	}
	entry.userName = userName

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.timer = o.clock.AfterFunc(o.ttl, func() {
		o.expire(channelID, userID, gen)
	})

	var snapshot []Observer
	if !tracked {
		snapshot = o.watchingLocked(channelID)
	}
	o.mu.Unlock()

	if !tracked {
		o.notify(channelID, snapshot)
	}
}

// HandleStopped processes an inbound typing stop: removes the user
// immediately and cancels their expiry timer.
func (o *Observers) HandleStopped(channelID, userID string) {
	o.mu.Lock()
	removed, snapshot := o.removeLocked(channelID, userID)
	o.mu.Unlock()

	if removed {
		o.notify(channelID, snapshot)
	}
}

// expire removes the user as if a stop had been received. The
// generation guard discards fires that lost a race with a refresh.
func (o *Observers) expire(channelID, userID string, gen uint64) {
	o.mu.Lock()
	users, ok := o.channels[channelID]
	if !ok {
		o.mu.Unlock()
		return
	}
	entry, ok := users[userID]
	if !ok || entry.gen != gen {
		o.mu.Unlock()
		return
	}
	removed, snapshot := o.removeLocked(channelID, userID)
	o.mu.Unlock()

	if removed {
		o.notify(channelID, snapshot)
	}
}

// removeLocked deletes the entry and returns whether it existed plus
// the channel's remaining observers.
func (o *Observers) removeLocked(channelID, userID string) (bool, []Observer) {
	users, ok := o.channels[channelID]
	if !ok {
		return false, nil
	}
	entry, ok := users[userID]
	if !ok {
		return false, nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(o.channels, channelID)
	}
	return true, o.watchingLocked(channelID)
}

// Watching returns the users currently typing in channelID, ordered by
// user id for stable rendering.
func (o *Observers) Watching(channelID string) []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watchingLocked(channelID)
}

func (o *Observers) watchingLocked(channelID string) []Observer {
	users := o.channels[channelID]
	out := make([]Observer, 0, len(users))
	for userID, entry := range users {
		out = append(out, Observer{UserID: userID, UserName: entry.userName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reset cancels every outstanding timer for channelID and forgets its
// observers. Call when switching the active channel so the previous
// channel's timers do not leak.
func (o *Observers) Reset(channelID string) {
	o.mu.Lock()
	users, ok := o.channels[channelID]
	if ok {
		for _, entry := range users {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
		delete(o.channels, channelID)
	}
	o.mu.Unlock()
}

// Cleanup cancels all timers across all channels and seals the set.
func (o *Observers) Cleanup() {
	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return
	}
	o.sealed = true
	for _, users := range o.channels {
		for _, entry := range users {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
	}
	o.channels = make(map[string]map[string]*observerEntry)
	o.mu.Unlock()
}

func (o *Observers) notify(channelID string, typing []Observer) {
	if o.onChange != nil {
		o.onChange(channelID, typing)
	}
}
