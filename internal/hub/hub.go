// Package hub implements the server end of the chatwire transport:
// WebSocket session handling, channel subscription fan-out, typing and
// presence rebroadcast, and the background job HTTP surface.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatwire/internal/jobs"
	"github.com/haasonsaas/chatwire/internal/observability"
	"github.com/haasonsaas/chatwire/pkg/models"
)

const (
	writeWait = 10 * time.Second
	// readWait must comfortably exceed the client heartbeat interval;
	// any inbound frame resets it.
	readWait      = 90 * time.Second
	maxFrameBytes = 1 << 20
	defaultBuffer = 64
)

// Config configures a Hub.
type Config struct {
	// Queue is the background job queue exposed over /api/jobs.
	// Optional; without it the job endpoints return 503.
	Queue *jobs.Queue

	// SessionBuffer is the per-session outbound frame buffer. Frames
	// beyond it are dropped for that slow consumer.
	SessionBuffer int

	// Logger used for session lifecycle and dropped frames.
	Logger *slog.Logger

	// Metrics records session counts and frame flow. Optional.
	Metrics *observability.Metrics
}

// session is one attached WebSocket client.
type session struct {
	id        string
	userID    string
	userName  string
	conn      *websocket.Conn
	send      chan models.Frame
	subs      map[string]struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Hub routes frames between attached sessions.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a hub.
func New(cfg Config) *Hub {
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}
}

// Handler returns the hub's HTTP surface: /ws plus the job API.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/api/jobs", h.serveJobs)
	mux.HandleFunc("/api/jobs/", h.serveJobStatus)
	return mux
}

// serveWS upgrades the connection and runs the session pumps. The
// identity gate mirrors the client's: no anonymous connections.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId required", http.StatusUnauthorized)
		return
	}
	userName := r.URL.Query().Get("userName")
	if userName == "" {
		userName = userID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	s := &session{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		conn:     conn,
		send:     make(chan models.Frame, h.cfg.SessionBuffer),
		subs:     make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.HubSessions.Inc()
	}
	h.logger.Info("session attached", "session", s.id, "user", userID)

	// Ack the attach, then tell everyone the user is online.
	s.send <- models.Frame{Type: models.FrameConnected, UserID: userID}.Stamp(time.Now())
	h.broadcastPresence(userID, models.PresenceOnline, s.id)

	go h.writePump(s)
	h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.detach(s)
	s.conn.SetReadLimit(maxFrameBytes)

	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			h.logger.Warn("malformed frame dropped", "session", s.id, "error", err)
			continue
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.FrameCounter.WithLabelValues("inbound", string(frame.Type)).Inc()
		}
		h.handleFrame(s, frame)
	}
}

func (h *Hub) handleFrame(s *session, frame models.Frame) {
	switch frame.Type {
	case models.FrameSubscribe:
		if frame.ChannelID == "" {
			return
		}
		h.mu.Lock()
		s.subs[frame.ChannelID] = struct{}{}
		h.mu.Unlock()
		h.deliver(s, models.Frame{Type: models.FrameSubscribed, ChannelID: frame.ChannelID})

	case models.FrameUnsubscribe:
		h.mu.Lock()
		delete(s.subs, frame.ChannelID)
		h.mu.Unlock()
		h.deliver(s, models.Frame{Type: models.FrameUnsubscribed, ChannelID: frame.ChannelID})

	case models.FramePing:
		h.deliver(s, models.Frame{Type: models.FramePong}.Stamp(time.Now()))

	case models.FrameTypingStart:
		h.broadcastToChannel(frame.ChannelID, models.Frame{
			Type:      models.FrameUserTyping,
			ChannelID: frame.ChannelID,
			UserID:    s.userID,
			UserName:  s.userName,
		}, s.id)

	case models.FrameTypingStop:
		h.broadcastToChannel(frame.ChannelID, models.Frame{
			Type:      models.FrameUserStopsTyping,
			ChannelID: frame.ChannelID,
			UserID:    s.userID,
		}, s.id)

	case models.FrameSendMessage:
		if frame.ChannelID == "" {
			return
		}
		out := models.Frame{
			Type:      models.FrameNewMessage,
			ChannelID: frame.ChannelID,
			MessageID: uuid.NewString(),
			UserID:    s.userID,
			UserName:  s.userName,
			Content:   frame.Content,
		}.Stamp(time.Now())
		// The sender sees its own message too.
		h.broadcastToChannel(frame.ChannelID, out, "")

	default:
		h.logger.Debug("unhandled frame type", "type", string(frame.Type), "session", s.id)
	}
}

// detach removes the session and broadcasts offline presence if it was
// the user's last attached session.
func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	lastForUser := true
	for _, other := range h.sessions {
		if other.userID == s.userID {
			lastForUser = false
			break
		}
	}
	h.mu.Unlock()

	s.close()
	s.conn.Close()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.HubSessions.Dec()
	}
	h.logger.Info("session detached", "session", s.id, "user", s.userID)

	if lastForUser {
		h.broadcastPresence(s.userID, models.PresenceOffline, "")
	}
}

func (h *Hub) writePump(s *session) {
	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.conn.Close()
			// Drain so broadcasters never block on a dead session.
			for range s.send {
			}
			return
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.FrameCounter.WithLabelValues("outbound", string(frame.Type)).Inc()
		}
	}
	s.conn.Close()
}

// deliver queues a frame for one session, dropping it if the session's
// buffer is full.
func (h *Hub) deliver(s *session, frame models.Frame) {
	defer func() {
		// The send channel closes when the session detaches; a frame
		// racing that close is a drop, not a crash.
		if recover() != nil {
			h.dropped(s)
		}
	}()
	select {
	case s.send <- frame:
	default:
		h.dropped(s)
	}
}

func (h *Hub) dropped(s *session) {
	h.logger.Warn("frame dropped for slow session", "session", s.id)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.DroppedFrameCounter.WithLabelValues("slow_consumer").Inc()
	}
}

// broadcastToChannel delivers a frame to every session subscribed to
// channelID, excluding the session with id exclude (empty to include
// all).
func (h *Hub) broadcastToChannel(channelID string, frame models.Frame, exclude string) {
	if channelID == "" {
		return
	}
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.id == exclude {
			continue
		}
		if _, ok := s.subs[channelID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.deliver(s, frame)
	}
}

// broadcastPresence delivers a presence update to every session.
func (h *Hub) broadcastPresence(userID string, status models.PresenceStatus, exclude string) {
	frame := models.Frame{
		Type:   models.FramePresenceUpdate,
		UserID: userID,
		Status: status,
	}.Stamp(time.Now())

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.id == exclude {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.deliver(s, frame)
	}
}

// NotifyUser pushes a notification frame to every session attached for
// userID. Used by server-side services when a notification is created.
func (h *Hub) NotifyUser(userID string, n models.Notification) {
	raw, err := json.Marshal(n)
	if err != nil {
		h.logger.Warn("notification marshal failed", "error", err)
		return
	}
	frame := models.Frame{
		Type:    models.FrameNotification,
		UserID:  userID,
		Message: raw,
	}.Stamp(time.Now())

	h.mu.Lock()
	targets := make([]*session, 0, 1)
	for _, s := range h.sessions {
		if s.userID == userID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.deliver(s, frame)
	}
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
