package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/internal/retry"
	"github.com/haasonsaas/chatwire/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer is a minimal hub stand-in: it records every inbound frame
// and lets tests push raw bytes back down the latest connection.
type testServer struct {
	t    *testing.T
	srv  *httptest.Server
	recv chan models.Frame

	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:    t,
		recv: make(chan models.Frame, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.queries = append(ts.queries, r.URL.RawQuery)
		ts.mu.Unlock()
		for {
			var frame models.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			ts.recv <- frame
		}
	}))
	t.Cleanup(ts.srv.Close)
	t.Cleanup(ts.closeConns)
	return ts
}

func (ts *testServer) endpoint() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

// push writes raw bytes down the most recent connection.
func (ts *testServer) push(data []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		ts.t.Fatal("push with no server-side connection")
	}
	conn := ts.conns[len(ts.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ts.t.Fatalf("server push: %v", err)
	}
}

// dropLatest closes the most recent connection server-side.
func (ts *testServer) dropLatest() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		ts.t.Fatal("drop with no server-side connection")
	}
	ts.conns[len(ts.conns)-1].Close()
}

func (ts *testServer) closeConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.conns {
		conn.Close()
	}
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) lastQuery() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.queries) == 0 {
		return ""
	}
	return ts.queries[len(ts.queries)-1]
}

// waitFrame blocks until the server receives a frame of the wanted
// type, skipping others (heartbeat pings in particular).
func (ts *testServer) waitFrame(want models.FrameType) models.Frame {
	ts.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-ts.recv:
			if frame.Type == want {
				return frame
			}
		case <-deadline:
			ts.t.Fatalf("server never received %s frame", want)
		}
	}
}

func newTestClient(t *testing.T, ts *testServer, cfg Config) (*Client, *events.Bus) {
	t.Helper()
	bus := events.NewBus(testLogger())
	cfg.Endpoint = ts.endpoint()
	cfg.Bus = bus
	cfg.Logger = testLogger()
	if cfg.Identity.UserID == "" {
		cfg.Identity = Identity{UserID: "u1", UserName: "Alice"}
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client, bus
}

// waitState polls until the client reaches the wanted state.
func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestEndpointFromOrigin(t *testing.T) {
	cases := []struct {
		origin  string
		want    string
		wantErr bool
	}{
		{origin: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{origin: "https://chat.example.com", want: "wss://chat.example.com/ws"},
		{origin: "https://chat.example.com/", want: "wss://chat.example.com/ws"},
		{origin: "ws://localhost:9000", want: "ws://localhost:9000/ws"},
		{origin: "ftp://example.com", wantErr: true},
	}
	for _, tc := range cases {
		got, err := EndpointFromOrigin(tc.origin)
		if tc.wantErr {
			if err == nil {
				t.Errorf("EndpointFromOrigin(%q) = %q, want error", tc.origin, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("EndpointFromOrigin(%q): %v", tc.origin, err)
			continue
		}
		if got != tc.want {
			t.Errorf("EndpointFromOrigin(%q) = %q, want %q", tc.origin, got, tc.want)
		}
	}
}

func TestClient_ConnectRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	bus := events.NewBus(testLogger())
	client, err := NewClient(Config{
		Endpoint: ts.endpoint(),
		Bus:      bus,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.Connect(context.Background())
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Connect error = %v, want ErrNoIdentity", err)
	}
	if !retry.IsPermanent(err) {
		t.Error("identity error should be permanent, not retryable")
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestClient_ConnectLifecycle(t *testing.T) {
	ts := newTestServer(t)
	client, bus := newTestClient(t, ts, Config{})

	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	bus.On(events.KindConnected, func(models.Frame) { connected <- struct{}{} })
	bus.On(events.KindDisconnected, func(models.Frame) { disconnected <- struct{}{} })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
	if !client.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}
	if q := ts.lastQuery(); !strings.Contains(q, "userId=u1") || !strings.Contains(q, "userName=Alice") {
		t.Errorf("dial query = %q, want identity params", q)
	}

	if err := client.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Connect = %v, want ErrInvalidState", err)
	}

	client.Disconnect()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}

	// Idempotent: a second Disconnect neither panics nor re-emits.
	client.Disconnect()
	select {
	case <-disconnected:
		t.Error("second Disconnect re-emitted the lifecycle event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_SubscriptionReplay(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{})

	// Mutations while disconnected are retained, not sent.
	client.Subscribe("alpha")
	client.Subscribe("beta")
	client.Subscribe("gamma")
	client.Unsubscribe("beta")
	client.Subscribe("delta")

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := map[string]bool{"alpha": true, "delta": true, "gamma": true}
	got := make(map[string]int)
	deadline := time.After(time.Second)
	for len(got) < len(want) {
		select {
		case frame := <-ts.recv:
			if frame.Type != models.FrameSubscribe {
				continue
			}
			got[frame.ChannelID]++
		case <-deadline:
			t.Fatalf("replay incomplete, got %v", got)
		}
	}
	for channel, count := range got {
		if !want[channel] {
			t.Errorf("replayed %q, which is not in the subscription set", channel)
		}
		if count != 1 {
			t.Errorf("channel %q replayed %d times, want exactly 1", channel, count)
		}
	}

	// No stray replay of the removed channel.
	select {
	case frame := <-ts.recv:
		if frame.Type == models.FrameSubscribe {
			t.Errorf("unexpected extra subscribe for %q", frame.ChannelID)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_SendWhileDisconnectedDrops(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{})

	client.Send(models.Frame{Type: models.FrameSendMessage, ChannelID: "general", Content: "lost"})

	select {
	case frame := <-ts.recv:
		t.Errorf("server received %s frame while client disconnected", frame.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_InboundFramesReachBus(t *testing.T) {
	ts := newTestServer(t)
	client, bus := newTestClient(t, ts, Config{})

	messages := make(chan models.Frame, 4)
	typing := make(chan models.Frame, 4)
	bus.On(events.KindNewMessage, func(f models.Frame) { messages <- f })
	bus.On(events.KindUserTyping, func(f models.Frame) { typing <- f })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.push([]byte(`{"type":"new_message","channelId":"general","messageId":"m-1","userId":"u2","content":"hi"}`))
	select {
	case frame := <-messages:
		if frame.MessageID != "m-1" || frame.Content != "hi" {
			t.Errorf("message frame = %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("new_message never reached the bus")
	}

	ts.push([]byte(`{"type":"user_typing","channelId":"general","userId":"u2","userName":"Bob"}`))
	select {
	case frame := <-typing:
		if frame.UserName != "Bob" {
			t.Errorf("typing frame = %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("user_typing never reached the bus")
	}
}

func TestClient_MalformedInboundFrameTolerated(t *testing.T) {
	ts := newTestServer(t)
	client, bus := newTestClient(t, ts, Config{})

	messages := make(chan models.Frame, 4)
	bus.On(events.KindNewMessage, func(f models.Frame) { messages <- f })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.push([]byte(`{broken`))
	ts.push([]byte(`{"channelId":"missing-type"}`))
	ts.push([]byte(`{"type":"new_message","channelId":"general","messageId":"m-2"}`))

	select {
	case frame := <-messages:
		if frame.MessageID != "m-2" {
			t.Errorf("MessageID = %q, want m-2", frame.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("valid frame after malformed ones never arrived")
	}
	if !client.IsConnected() {
		t.Error("malformed frames tore the connection down")
	}
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	client, bus := newTestClient(t, ts, Config{
		ReconnectInitialDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
	})

	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	bus.On(events.KindConnected, func(models.Frame) { connected <- struct{}{} })
	bus.On(events.KindDisconnected, func(models.Frame) { disconnected <- struct{}{} })

	client.Subscribe("general")
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected
	ts.waitFrame(models.FrameSubscribe)

	ts.dropLatest()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event after server drop")
	}

	// The backoff timer redials on its own and replays the set.
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}
	replayed := ts.waitFrame(models.FrameSubscribe)
	if replayed.ChannelID != "general" {
		t.Errorf("replayed channel = %q, want general", replayed.ChannelID)
	}
	waitState(t, client, StateConnected)
}

func TestClient_DialFailureSchedulesReconnect(t *testing.T) {
	bus := events.NewBus(testLogger())
	client, err := NewClient(Config{
		// Nothing listens here.
		Endpoint:              "ws://127.0.0.1:1/ws",
		Identity:              Identity{UserID: "u1"},
		Bus:                   bus,
		Logger:                testLogger(),
		ReconnectInitialDelay: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("Connect to dead endpoint succeeded")
	}
	if got := client.State(); got != StateReconnecting {
		t.Errorf("state = %s, want reconnecting", got)
	}

	// Disconnect cancels the pending attempt.
	client.Disconnect()
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state after Disconnect = %s, want disconnected", got)
	}
}

func TestClient_HeartbeatAndTyping(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{
		HeartbeatInterval: 30 * time.Millisecond,
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.waitFrame(models.FramePing)

	client.SendTyping("general", true)
	start := ts.waitFrame(models.FrameTypingStart)
	if start.ChannelID != "general" {
		t.Errorf("typing_start ChannelID = %q, want general", start.ChannelID)
	}
	client.SendTyping("general", false)
	ts.waitFrame(models.FrameTypingStop)
}

func TestClient_LiveSubscribeSendsDirective(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client.Subscribe("random")
	frame := ts.waitFrame(models.FrameSubscribe)
	if frame.ChannelID != "random" {
		t.Errorf("subscribe ChannelID = %q, want random", frame.ChannelID)
	}

	client.Unsubscribe("random")
	frame = ts.waitFrame(models.FrameUnsubscribe)
	if frame.ChannelID != "random" {
		t.Errorf("unsubscribe ChannelID = %q, want random", frame.ChannelID)
	}
	if subs := client.Subscriptions(); len(subs) != 0 {
		t.Errorf("Subscriptions = %v, want empty", subs)
	}
}

// Subscription mutations landing while replay directives are in flight
// must still reach the wire before the state flips to connected.
func TestClient_SubscriptionChangesDuringReplaySettled(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{})

	client.Subscribe("alpha")
	client.Subscribe("beta")

	// Park the replay on the write path so the mutations below land
	// after the snapshot and before the flip to connected.
	client.writeMu.Lock()

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for ts.connCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dial never reached the server")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	client.Subscribe("late")
	client.Unsubscribe("beta")
	client.writeMu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, client, StateConnected)

	// Connected means the settle loop finished, so every directive it
	// wrote is ahead of this ping on the wire.
	client.Send(models.Frame{Type: models.FramePing})
	subs := map[string]int{}
	unsubs := map[string]int{}
collect:
	for {
		select {
		case frame := <-ts.recv:
			switch frame.Type {
			case models.FrameSubscribe:
				subs[frame.ChannelID]++
			case models.FrameUnsubscribe:
				unsubs[frame.ChannelID]++
			case models.FramePing:
				break collect
			}
		case <-time.After(2 * time.Second):
			t.Fatal("server never received the fencing ping")
		}
	}

	if subs["alpha"] != 1 {
		t.Errorf("alpha subscribed %d times, want 1", subs["alpha"])
	}
	if subs["late"] != 1 {
		t.Errorf("late subscribed %d times, want 1", subs["late"])
	}
	if subs["beta"] > 1 || subs["beta"] != unsubs["beta"] {
		t.Errorf("beta saw %d subscribes and %d unsubscribes, want matched pairs", subs["beta"], unsubs["beta"])
	}
	got := client.Subscriptions()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "late" {
		t.Errorf("Subscriptions = %v, want [alpha late]", got)
	}
}

// Hitting the reconnect attempt limit is terminal until an explicit
// Connect, which starts a fresh attempt count.
func TestClient_ReconnectExhaustionIsTerminal(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
	}

	bus := events.NewBus(testLogger())
	client, err := NewClient(Config{
		Endpoint:              "ws://127.0.0.1:1/ws",
		Identity:              Identity{UserID: "u1"},
		Bus:                   bus,
		Dialer:                dialer,
		ReconnectInitialDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:     10 * time.Millisecond,
		ReconnectMaxAttempts:  2,
		Logger:                testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("Connect against a refusing dialer should error")
	}

	// The initial dial plus two scheduled retries, then nothing more.
	deadline := time.Now().Add(2 * time.Second)
	for count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want 3", count())
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count(); got != 3 {
		t.Fatalf("dials = %d after exhaustion, want 3", got)
	}
	waitState(t, client, StateDisconnected)

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("explicit Connect should still fail against the refusing dialer")
	}
	if got := count(); got < 4 {
		t.Fatalf("dials = %d after explicit Connect, want at least 4", got)
	}
}

func TestClient_ReconnectWithJitter(t *testing.T) {
	ts := newTestServer(t)
	client, _ := newTestClient(t, ts, Config{
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
		ReconnectJitter:       true,
	})
	client.Subscribe("general")
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ts.waitFrame(models.FrameSubscribe)

	ts.dropLatest()

	replayed := ts.waitFrame(models.FrameSubscribe)
	if replayed.ChannelID != "general" {
		t.Errorf("replayed channel = %q, want general", replayed.ChannelID)
	}
	waitState(t, client, StateConnected)
}
