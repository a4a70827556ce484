// Package transport implements the client connection manager: one
// WebSocket connection to the hub with bounded exponential reconnect,
// heartbeats, and subscription replay.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/internal/observability"
	"github.com/haasonsaas/chatwire/internal/retry"
	"github.com/haasonsaas/chatwire/pkg/models"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Defaults for the reconnect and heartbeat machinery.
const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMaxAttempts  = 10
	defaultWriteWait             = 10 * time.Second
)

// ErrInvalidState is returned by Connect when called from a state other
// than Disconnected or Reconnecting.
var ErrInvalidState = errors.New("transport: connect not valid in current state")

// ErrNoIdentity is returned by Connect when no user identity is set; an
// anonymous transport connection is never attempted.
var ErrNoIdentity = errors.New("transport: no user identity")

// Identity is the already-authenticated user attached to the
// connection. Authentication itself happens elsewhere; the transport
// only gates on its presence.
type Identity struct {
	UserID   string
	UserName string
}

// Config configures a Client.
type Config struct {
	// Endpoint is the WebSocket URL of the hub. See EndpointFromOrigin.
	Endpoint string

	// Identity gates connecting. Required.
	Identity Identity

	// Bus receives every inbound event and the connected/disconnected
	// lifecycle events. Required.
	Bus *events.Bus

	// HeartbeatInterval overrides the ping period.
	HeartbeatInterval time.Duration

	// ReconnectInitialDelay is the backoff floor.
	ReconnectInitialDelay time.Duration

	// ReconnectMaxDelay is the backoff ceiling.
	ReconnectMaxDelay time.Duration

	// ReconnectMaxAttempts bounds automatic reconnection. Reaching it
	// is terminal until an explicit Connect.
	ReconnectMaxAttempts int

	// ReconnectJitter spreads the backoff schedule randomly when many
	// clients lose the same hub at once. Off by default; the schedule
	// is then exactly min(initial·2^(n-1), max).
	ReconnectJitter bool

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer

	// Logger used for connection lifecycle and dropped frames.
	Logger *slog.Logger

	// Metrics records frame flow and connection state. Optional.
	Metrics *observability.Metrics
}

// EndpointFromOrigin derives the hub's WebSocket URL from a serving
// origin, upgrading the scheme (http → ws, https → wss) and appending
// the well-known path.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("transport: invalid origin: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported origin scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Client owns one transport connection. All public methods are safe for
// concurrent use; outbound writes are serialized internally.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64 // increments per successful dial; guards stale callbacks
	subs           map[string]struct{}
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool

	writeMu sync.Mutex
}

// NewClient creates a connection manager. The connection is not opened
// until Connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transport: endpoint required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("transport: event bus required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateDisconnected,
		subs:   make(map[string]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is currently connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect opens the transport. Valid from Disconnected or Reconnecting
// only. On success the subscription set is replayed, the heartbeat
// starts, and a connected event is emitted; on failure a reconnect is
// scheduled (bounded) and the dial error is returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Identity.UserID == "" {
		return retry.Permanent(ErrNoIdentity)
	}

	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateReconnecting {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == StateDisconnected {
		// An explicit Connect restarts the attempt count, including
		// after the automatic schedule was exhausted.
		c.attempts = 0
	}
	c.closed = false
	c.setStateLocked(StateConnecting)
	endpoint := c.endpointWithIdentity()
	c.mu.Unlock()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		c.logger.Warn("dial failed", "endpoint", c.cfg.Endpoint, "error", err)
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("transport: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		// Disconnect raced the dial; honor it.
		c.mu.Unlock()
		conn.Close()
		return ErrInvalidState
	}
	c.conn = conn
	c.gen++
	gen := c.gen

	// Replay every subscription exactly once, before the state flips to
	// Connected and before the heartbeat starts. Subscribe and
	// Unsubscribe calls racing the replay only mutate the set; the
	// settle loop below sends their directives before the flip, so the
	// directives on the wire match the final set exactly.
	replay := c.sortedSubsLocked()
	c.mu.Unlock()

	sent := make(map[string]struct{}, len(replay))
	for _, channel := range replay {
		if err := c.writeFrame(conn, models.Frame{Type: models.FrameSubscribe, ChannelID: channel}); err != nil {
			return c.failReplay(conn, channel, err)
		}
		sent[channel] = struct{}{}
	}

	var stop chan struct{}
	for {
		c.mu.Lock()
		if c.closed {
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			return ErrInvalidState
		}
		added, removed := c.replayDeltaLocked(sent)
		if len(added) == 0 && len(removed) == 0 {
			c.attempts = 0
			c.setStateLocked(StateConnected)
			c.heartbeatStop = make(chan struct{})
			stop = c.heartbeatStop
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		for _, channel := range added {
			if err := c.writeFrame(conn, models.Frame{Type: models.FrameSubscribe, ChannelID: channel}); err != nil {
				return c.failReplay(conn, channel, err)
			}
			sent[channel] = struct{}{}
		}
		for _, channel := range removed {
			if err := c.writeFrame(conn, models.Frame{Type: models.FrameUnsubscribe, ChannelID: channel}); err != nil {
				return c.failReplay(conn, channel, err)
			}
			delete(sent, channel)
		}
	}

	go c.readLoop(conn, gen)
	go c.heartbeat(stop)

	c.logger.Info("connected", "endpoint", c.cfg.Endpoint, "subscriptions", len(replay))
	c.cfg.Bus.Emit(events.KindConnected, models.Frame{Type: models.FrameConnected})
	return nil
}

// Disconnect tears the connection down. Valid from any state and
// idempotent; cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++ // invalidate in-flight read loop callbacks
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.cfg.Bus.Emit(events.KindDisconnected, models.Frame{})
	}
}

// Send delivers a frame if connected; otherwise the frame is silently
// dropped. Fire-and-forget: no delivery acknowledgment, no outbound
// queueing across disconnects.
func (c *Client) Send(frame models.Frame) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.dropFrame("not_connected", frame)
		return
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Debug("send failed", "type", string(frame.Type), "error", err)
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FrameCounter.WithLabelValues("outbound", string(frame.Type)).Inc()
	}
}

// Subscribe adds channel to the subscription set and, if connected,
// sends the directive immediately. While disconnected the mutation is
// retained for replay on the next successful connect.
func (c *Client) Subscribe(channel string) {
	if channel == "" {
		return
	}
	c.mu.Lock()
	_, already := c.subs[channel]
	c.subs[channel] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && !already {
		c.Send(models.Frame{Type: models.FrameSubscribe, ChannelID: channel})
	}
}

// Unsubscribe removes channel from the subscription set and, if
// connected, sends the directive immediately.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	_, had := c.subs[channel]
	delete(c.subs, channel)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && had {
		c.Send(models.Frame{Type: models.FrameUnsubscribe, ChannelID: channel})
	}
}

// Subscriptions returns the current subscription set, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSubsLocked()
}

// SendTyping delivers a typing directive for channel; the signature
// matches typing.SendFunc.
func (c *Client) SendTyping(channelID string, start bool) {
	frameType := models.FrameTypingStart
	kind := "start"
	if !start {
		frameType = models.FrameTypingStop
		kind = "stop"
	}
	c.Send(models.Frame{Type: frameType, ChannelID: channelID})
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TypingSignals.WithLabelValues(kind).Inc()
	}
}

func (c *Client) endpointWithIdentity() string {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return c.cfg.Endpoint
	}
	q := u.Query()
	q.Set("userId", c.cfg.Identity.UserID)
	if c.cfg.Identity.UserName != "" {
		q.Set("userName", c.cfg.Identity.UserName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// replayDeltaLocked compares the subscription set against the
// directives already written on this connection.
func (c *Client) replayDeltaLocked(sent map[string]struct{}) (added, removed []string) {
	for channel := range c.subs {
		if _, ok := sent[channel]; !ok {
			added = append(added, channel)
		}
	}
	for channel := range sent {
		if _, ok := c.subs[channel]; !ok {
			removed = append(removed, channel)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// failReplay tears down a connection whose subscription replay could
// not complete and arms the reconnect timer.
func (c *Client) failReplay(conn *websocket.Conn, channel string, err error) error {
	c.logger.Warn("subscription replay failed", "channel", channel, "error", err)
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	return fmt.Errorf("transport: replay: %w", err)
}

func (c *Client) sortedSubsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

func (c *Client) setStateLocked(state State) {
	c.state = state
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetConnectionState(string(state))
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return conn.WriteJSON(frame)
}

func (c *Client) dropFrame(reason string, frame models.Frame) {
	c.logger.Debug("frame dropped", "reason", reason, "type", string(frame.Type))
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.DroppedFrameCounter.WithLabelValues(reason).Inc()
	}
}

// readLoop parses inbound frames and redistributes them on the bus
// until the connection fails or is superseded.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLost(gen, err)
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			// Malformed frames are logged and dropped without touching
			// connection state.
			c.logger.Warn("malformed inbound frame dropped", "error", err, "bytes", len(data))
			c.dropFrame("malformed", frame)
			continue
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FrameCounter.WithLabelValues("inbound", string(frame.Type)).Inc()
		}

		kind, ok := events.KindForFrame(frame.Type)
		if !ok {
			c.logger.Debug("unrecognized inbound frame type", "type", string(frame.Type))
			continue
		}
		// The server's own connected ack is informational; the bus
		// already saw the lifecycle event from Connect.
		if kind == events.KindConnected {
			continue
		}
		c.cfg.Bus.Emit(kind, frame)
	}
}

// handleConnectionLost reacts to a transport error or unexpected close.
func (c *Client) handleConnectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		// Superseded by a newer connection or an explicit Disconnect.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("connection lost", "error", cause)
	c.cfg.Bus.Emit(events.KindDisconnected, models.Frame{})
}

// scheduleReconnectLocked arms the backoff timer for the next attempt,
// or gives up permanently once the attempt limit is reached.
func (c *Client) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	if c.attempts >= c.cfg.ReconnectMaxAttempts {
		c.logger.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	c.attempts++
	delay := retry.Backoff(c.attempts, c.cfg.ReconnectInitialDelay, c.cfg.ReconnectMaxDelay, 2.0)
	if c.cfg.ReconnectJitter {
		delay = retry.BackoffWithJitter(c.attempts, c.cfg.ReconnectInitialDelay, c.cfg.ReconnectMaxDelay, 2.0)
	}
	c.setStateLocked(StateReconnecting)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ReconnectAttempts.Inc()
	}
	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		// Connect handles its own failure path by scheduling the next
		// attempt.
		if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrInvalidState) {
			c.logger.Debug("reconnect attempt failed", "error", err)
		}
	})
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// heartbeat sends a ping directive at a fixed interval while connected.
func (c *Client) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Send(models.Frame{Type: models.FramePing})
		}
	}
}
