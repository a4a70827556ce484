// Package typing implements both sides of the typing indicator: the
// sender session that debounces local keystrokes into start/stop
// directives, and the observer set that tracks which remote users are
// typing with per-user expiry.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultAutoStopAfter is the sender-side debounce window: with no
// further keystrokes, typing_stop is sent this long after the last one.
const DefaultAutoStopAfter = 3 * time.Second

// SendFunc delivers a typing directive for a channel. start is true for
// typing_start, false for typing_stop. Delivery is fire-and-forget.
type SendFunc func(channelID string, start bool)

// SessionConfig configures a sender session.
type SessionConfig struct {
	// Send delivers typing directives. Required.
	Send SendFunc

	// AutoStopAfter overrides the debounce window.
	AutoStopAfter time.Duration

	// Clock overrides timer scheduling (tests).
	Clock Clock

	// Logger used for lifecycle debug logs.
	Logger *slog.Logger
}

type channelTyping struct {
	typing bool
	timer  Timer
	gen    uint64
}

// Session is the sender side of the typing indicator: one per client,
// tracking every channel the user is composing in.
//
// The first keystroke in a channel sends typing_start; repeated
// keystrokes re-arm the auto-stop timer without re-sending start; the
// timer firing, an explicit StopTyping, or Cleanup sends typing_stop.
// After Cleanup the session is sealed and ignores further calls, so a
// late timer can never signal against disposed state.
type Session struct {
	mu       sync.Mutex
	send     SendFunc
	autoStop time.Duration
	clock    Clock
	logger   *slog.Logger
	channels map[string]*channelTyping
	sealed   bool
}

// NewSession creates a sender session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.AutoStopAfter <= 0 {
		cfg.AutoStopAfter = DefaultAutoStopAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		send:     cfg.Send,
		autoStop: cfg.AutoStopAfter,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		channels: make(map[string]*channelTyping),
	}
}

// StartTyping marks the user as typing in channelID. The start
// directive is sent only on the first call of a typing burst; every
// call re-arms the auto-stop timer.
func (s *Session) StartTyping(channelID string) {
	if channelID == "" {
		return
	}

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}

	st, ok := s.channels[channelID]
	if !ok {
		st = &channelTyping{}
		s.channels[channelID] = st
	}

	sendStart := !st.typing
	st.typing = true

	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = s.clock.AfterFunc(s.autoStop, func() {
		s.autoStopFired(channelID, gen)
	})
	s.mu.Unlock()

	if sendStart && s.send != nil {
		s.send(channelID, true)
	}
}

// autoStopFired handles the debounce timer expiring. The generation
// guard discards fires that lost a race with a re-arm.
func (s *Session) autoStopFired(channelID string, gen uint64) {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	if !ok || st.gen != gen || s.sealed {
		s.mu.Unlock()
		return
	}
	sendStop := st.typing
	delete(s.channels, channelID)
	s.mu.Unlock()

	if sendStop && s.send != nil {
		s.send(channelID, false)
	}
}

// StopTyping cancels any pending auto-stop and, if the user was marked
// typing in channelID, sends typing_stop immediately. Call on send or
// when the composer is cleared.
func (s *Session) StopTyping(channelID string) {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	sendStop := st.typing
	delete(s.channels, channelID)
	s.mu.Unlock()

	if sendStop && s.send != nil {
		s.send(channelID, false)
	}
}

// IsTyping reports whether the user is currently marked typing in
// channelID.
func (s *Session) IsTyping(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[channelID]
	return ok && st.typing
}

// Cleanup behaves as StopTyping for every active channel and seals the
// session. Guarantees no dangling typing state is left on the server on
// consumer teardown.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.sealed = true

	var stops []string
	for channelID, st := range s.channels {
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.typing {
			stops = append(stops, channelID)
		}
	}
	s.channels = make(map[string]*channelTyping)
	s.mu.Unlock()

	for _, channelID := range stops {
		if s.send != nil {
			s.send(channelID, false)
		}
	}
	if len(stops) > 0 {
		s.logger.Debug("typing session cleanup sent stops", "channels", len(stops))
	}
}
