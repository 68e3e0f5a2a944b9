package vansify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type managerFixture struct {
	m      *ConnectionManager
	bus    *EventBus
	auth   *fakeAuth
	clock  *fakeClock
	dialer *fakeDialer
}

func newManagerFixture(t *testing.T, channel ChannelConfig, opts ...ManagerOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		bus:    NewEventBus(nil),
		auth:   newFakeAuth("alice"),
		clock:  newFakeClock(),
		dialer: &fakeDialer{},
	}
	opts = append([]ManagerOption{WithDialer(f.dialer), WithChannelClock(f.clock)}, opts...)
	f.m = NewConnectionManager(channel, "http://vansify.test", f.auth, f.bus, opts...)
	t.Cleanup(func() { f.m.Close() })
	return f
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorDelays(t *testing.T) {
	t.Run("linear with cap", func(t *testing.T) {
		cfg := RealtimeConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 3 * time.Second, MaxReconnectAttempts: 5}
		r := newReconnector(&cfg)
		var got []time.Duration
		for !r.exhausted() {
			got = append(got, r.next())
		}
		want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		var cfg RealtimeConfig
		cfg.defaults()
		if cfg.MaxReconnectAttempts != 10 || cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second {
			t.Fatalf("unexpected defaults: %+v", cfg)
		}
	})

	t.Run("reset", func(t *testing.T) {
		cfg := RealtimeConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: time.Minute, MaxReconnectAttempts: 2}
		r := newReconnector(&cfg)
		r.next()
		r.next()
		if !r.exhausted() {
			t.Fatal("expected exhausted after max attempts")
		}
		r.reset()
		if r.exhausted() || r.next() != time.Second {
			t.Fatal("reset did not restart the sequence")
		}
	})
}

// ============================================================================
// URLs
// ============================================================================

func TestConnectionManagerURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		channel ChannelConfig
		token   string
		want    string
	}{
		{"presence uses username", "https://api.vansify.test/", PresenceChannel, "t", "wss://api.vansify.test/v1/active-users/ws?username=alice"},
		{"notifications use token", "http://localhost:8080", NotificationsChannel, "a.b.c", "ws://localhost:8080/v1/notifications/ws?token=a.b.c"},
		{"chat token is escaped", "http://localhost:8080/api", ChatNotificationsChannel, "a b&c", "ws://localhost:8080/api/v1/chat-notifications/ws?token=a+b%26c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := newFakeAuth("alice")
			auth.token = tt.token
			m := NewConnectionManager(tt.channel, tt.base, auth, NewEventBus(nil))
			got, err := m.URL()
			if err != nil {
				t.Fatalf("URL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("URL = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("unsupported scheme", func(t *testing.T) {
		m := NewConnectionManager(PresenceChannel, "ftp://x", newFakeAuth("alice"), NewEventBus(nil))
		if _, err := m.URL(); err == nil {
			t.Fatal("expected error")
		}
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestOpenRequiresAuthentication(t *testing.T) {
	f := newManagerFixture(t, PresenceChannel)
	f.auth.Clear()

	if err := f.m.Open(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Open err = %v, want ErrNotAuthenticated", err)
	}
	if f.m.State() != StateDisconnected {
		t.Fatalf("state = %s", f.m.State())
	}
	if f.dialer.dials() != 0 {
		t.Fatal("dialed without a session")
	}
}

func TestOpenConnects(t *testing.T) {
	f := newManagerFixture(t, ChatNotificationsChannel)
	opens := record(f.bus, ChatNotificationsChannel.Topics.Open)
	states := record(f.bus, TopicChannelState)

	if err := f.m.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.m.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if f.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", f.m.State())
	}
	if f.dialer.dials() != 1 {
		t.Fatalf("dials = %d, want 1", f.dialer.dials())
	}
	if opens.len() != 1 {
		t.Fatalf("open events = %d, want 1", opens.len())
	}
	var path []ConnectionState
	for _, ev := range states.all() {
		path = append(path, ev.(StateChange).To)
	}
	if want := []ConnectionState{StateConnecting, StateConnected}; !reflect.DeepEqual(path, want) {
		t.Fatalf("transitions = %v, want %v", path, want)
	}
}

func TestFramesArePublished(t *testing.T) {
	f := newManagerFixture(t, ChatNotificationsChannel)
	topics := ChatNotificationsChannel.Topics
	messages := record(f.bus, topics.Message)
	diagnostics := record(f.bus, topics.Diagnostic)

	if err := f.m.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := f.dialer.last()
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"chat_id":"7","user":"bob","recipient":"alice","message":"hi"}`)

	waitFor(t, "chat frame", func() bool { return messages.len() == 1 })
	frame, ok := messages.lastPayload().(*ChatFrame)
	if !ok {
		t.Fatalf("payload type %T", messages.lastPayload())
	}
	if frame.ChatID != "7" || frame.Sender != "bob" || frame.Receiver != "alice" || frame.LastMessage != "hi" {
		t.Fatalf("frame not normalized: %+v", frame)
	}

	if diagnostics.len() != 1 {
		t.Fatalf("diagnostics = %d, want 1", diagnostics.len())
	}
	perr, ok := diagnostics.lastPayload().(*ProtocolError)
	if !ok || perr.Channel != KindChatNotifications || string(perr.Frame) != "not json" {
		t.Fatalf("diagnostic = %#v", diagnostics.lastPayload())
	}
	if f.m.State() != StateConnected {
		t.Fatalf("malformed frame changed state to %s", f.m.State())
	}
}

func TestReconnectBackoffUntilFailed(t *testing.T) {
	f := newManagerFixture(t, NotificationsChannel)
	failed := record(f.bus, NotificationsChannel.Topics.Failed)
	f.dialer.setFail(true)

	err := f.m.Open(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Channel != KindNotifications {
		t.Fatalf("Open err = %v, want *ConnectionError", err)
	}
	if f.m.State() != StateReconnecting || f.m.Attempts() != 1 {
		t.Fatalf("state = %s attempts = %d", f.m.State(), f.m.Attempts())
	}

	var delays []time.Duration
	prev := f.m.Attempts()
	for f.m.State() == StateReconnecting {
		delays = append(delays, f.clock.fireNext(t))
		if f.m.State() == StateReconnecting && f.m.Attempts() < prev {
			t.Fatal("attempt counter decreased while reconnecting")
		}
		prev = f.m.Attempts()
	}

	want := make([]time.Duration, 10)
	for i := range want {
		want[i] = time.Duration(i+1) * time.Second
	}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	if f.m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", f.m.State())
	}
	if f.dialer.dials() != 11 {
		t.Fatalf("dials = %d, want 11", f.dialer.dials())
	}
	if failed.len() != 1 {
		t.Fatalf("failed events = %d, want 1", failed.len())
	}
	if p := f.clock.pending(); len(p) != 0 {
		t.Fatalf("pending timers after failure: %v", p)
	}

	if err := f.m.Open(context.Background()); !errors.Is(err, ErrChannelFailed) {
		t.Fatalf("Open after failure = %v, want ErrChannelFailed", err)
	}

	// Close is the reset.
	f.m.Close()
	if f.m.State() != StateDisconnected || f.m.Attempts() != 0 {
		t.Fatalf("after Close: state = %s attempts = %d", f.m.State(), f.m.Attempts())
	}
	f.dialer.setFail(false)
	if err := f.m.Open(context.Background()); err != nil {
		t.Fatalf("Open after reset: %v", err)
	}
	if f.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", f.m.State())
	}
}

func TestReconnectCapsDelay(t *testing.T) {
	f := newManagerFixture(t, PresenceChannel, WithRealtimeConfig(RealtimeConfig{
		MaxReconnectAttempts: 40,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
	}))
	f.dialer.setFail(true)
	f.m.Open(context.Background())

	var last time.Duration
	for i := 0; i < 35; i++ {
		last = f.clock.fireNext(t)
	}
	if last != 30*time.Second {
		t.Fatalf("delay after 35 attempts = %s, want 30s", last)
	}
}

func TestNegativeMaxAttemptsNeverRetries(t *testing.T) {
	f := newManagerFixture(t, PresenceChannel, WithRealtimeConfig(RealtimeConfig{MaxReconnectAttempts: -1}))
	failed := record(f.bus, PresenceChannel.Topics.Failed)
	f.dialer.setFail(true)

	if err := f.m.Open(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if f.m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", f.m.State())
	}
	if p := f.clock.pending(); len(p) != 0 {
		t.Fatalf("pending timers: %v", p)
	}
	if f.dialer.dials() != 1 || failed.len() != 1 {
		t.Fatalf("dials = %d failed events = %d, want 1 and 1", f.dialer.dials(), failed.len())
	}
}

func TestConnectedResetsAttempts(t *testing.T) {
	f := newManagerFixture(t, PresenceChannel)
	f.dialer.setFail(true)
	f.m.Open(context.Background())
	f.clock.fireNext(t)
	if f.m.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", f.m.Attempts())
	}

	f.dialer.setFail(false)
	f.clock.fireNext(t)
	if f.m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", f.m.State())
	}
	if f.m.Attempts() != 0 {
		t.Fatalf("attempts = %d, want 0", f.m.Attempts())
	}
	if f.m.RetryPending() {
		t.Fatal("retry still pending after connecting")
	}
}

func TestConnectionDropSchedulesReconnect(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		f := newManagerFixture(t, PresenceChannel)
		errs := record(f.bus, PresenceChannel.Topics.Error)
		closes := record(f.bus, PresenceChannel.Topics.Close)
		f.m.Open(context.Background())

		f.dialer.last().errs <- errors.New("connection reset by peer")
		waitFor(t, "close event", func() bool { return closes.len() == 1 })

		if f.m.State() != StateReconnecting {
			t.Fatalf("state = %s, want reconnecting", f.m.State())
		}
		if errs.len() != 1 {
			t.Fatalf("error events = %d, want 1", errs.len())
		}
		if closes.len() != 1 {
			t.Fatalf("close events = %d, want 1", closes.len())
		}
		if p := f.clock.pending(); !reflect.DeepEqual(p, []time.Duration{time.Second}) {
			t.Fatalf("pending = %v, want [1s]", p)
		}

		f.clock.fireNext(t)
		if f.m.State() != StateConnected || f.dialer.dials() != 2 {
			t.Fatalf("state = %s dials = %d", f.m.State(), f.dialer.dials())
		}
	})

	t.Run("normal closure is not an error", func(t *testing.T) {
		f := newManagerFixture(t, PresenceChannel)
		errs := record(f.bus, PresenceChannel.Topics.Error)
		f.m.Open(context.Background())

		f.dialer.last().errs <- fmt.Errorf("closed by peer: %w", io.EOF)
		waitFor(t, "reconnecting", func() bool { return f.m.State() == StateReconnecting })
		if errs.len() != 0 {
			t.Fatalf("error events = %d, want 0", errs.len())
		}
	})

	t.Run("logged out", func(t *testing.T) {
		f := newManagerFixture(t, PresenceChannel)
		f.m.Open(context.Background())
		f.auth.Clear()

		f.dialer.last().errs <- errors.New("connection reset by peer")
		waitFor(t, "disconnected", func() bool { return f.m.State() == StateDisconnected })
		if p := f.clock.pending(); len(p) != 0 {
			t.Fatalf("pending timers = %v, want none", p)
		}
	})
}

func TestCloseIsIdempotentTeardown(t *testing.T) {
	t.Run("while connected", func(t *testing.T) {
		f := newManagerFixture(t, ChatNotificationsChannel)
		f.m.Open(context.Background())
		conn := f.dialer.last()

		if err := f.m.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := f.m.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		if !conn.isClosed() {
			t.Fatal("socket left open")
		}
		time.Sleep(20 * time.Millisecond)
		if f.m.State() != StateDisconnected || f.m.RetryPending() {
			t.Fatalf("state = %s retry = %v", f.m.State(), f.m.RetryPending())
		}
		if p := f.clock.pending(); len(p) != 0 {
			t.Fatalf("explicit close scheduled a reconnect: %v", p)
		}
	})

	t.Run("while reconnecting", func(t *testing.T) {
		f := newManagerFixture(t, ChatNotificationsChannel)
		f.dialer.setFail(true)
		f.m.Open(context.Background())
		f.clock.fireNext(t)
		if !f.m.RetryPending() {
			t.Fatal("expected pending retry")
		}

		f.m.Close()
		if f.m.RetryPending() || len(f.clock.pending()) != 0 {
			t.Fatal("Close left a retry scheduled")
		}
		if f.m.Attempts() != 0 || f.m.State() != StateDisconnected {
			t.Fatalf("state = %s attempts = %d", f.m.State(), f.m.Attempts())
		}
	})

	t.Run("stale retry is ignored", func(t *testing.T) {
		f := newManagerFixture(t, PresenceChannel)
		f.dialer.setFail(true)
		f.m.Open(context.Background())

		f.clock.mu.Lock()
		stale := f.clock.timers[0].f
		f.clock.mu.Unlock()

		f.m.Close()
		dials := f.dialer.dials()
		stale()
		if f.dialer.dials() != dials || f.m.State() != StateDisconnected {
			t.Fatal("retry from before Close reopened the channel")
		}
	})
}

// ============================================================================
// WebSocket transport
// ============================================================================

func TestWebSocketTransport(t *testing.T) {
	usernames := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/active-users/ws" {
			http.NotFound(w, r)
			return
		}
		usernames <- r.URL.Query().Get("username")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`[{"username":"bob","profile_picture":"b.png"},"carol"]`))
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	bus := NewEventBus(nil)
	clock := newFakeClock()
	messages := record(bus, PresenceChannel.Topics.Message)
	errs := record(bus, PresenceChannel.Topics.Error)
	m := NewConnectionManager(PresenceChannel, srv.URL, newFakeAuth("alice"), bus, WithChannelClock(clock))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := <-usernames; got != "alice" {
		t.Fatalf("username = %q, want alice", got)
	}

	waitFor(t, "presence frame", func() bool { return messages.len() == 1 })
	frame, ok := messages.lastPayload().(PresenceFrame)
	if !ok {
		t.Fatalf("payload type %T", messages.lastPayload())
	}
	want := PresenceFrame{{Username: "bob", ProfilePicture: "b.png"}, {Username: "carol"}}
	if !reflect.DeepEqual(frame, want) {
		t.Fatalf("frame = %+v, want %+v", frame, want)
	}

	waitFor(t, "reconnect after server close", func() bool { return m.State() == StateReconnecting })
	if errs.len() != 0 {
		t.Fatalf("normal closure reported %d errors", errs.len())
	}
}

func TestDecodePresenceFrame(t *testing.T) {
	t.Run("wrapped snapshot shape", func(t *testing.T) {
		v, err := decodePresenceFrame([]byte(`{"active_users":[{"username":"bob"}]}`))
		if err != nil {
			t.Fatal(err)
		}
		if f := v.(PresenceFrame); len(f) != 1 || f[0].Username != "bob" {
			t.Fatalf("frame = %+v", f)
		}
	})

	t.Run("null is empty", func(t *testing.T) {
		v, err := decodePresenceFrame([]byte(`null`))
		if err != nil {
			t.Fatal(err)
		}
		if f := v.(PresenceFrame); f == nil || len(f) != 0 {
			t.Fatalf("frame = %#v", f)
		}
	})
}

func TestDecodeRejectsIncompleteFrames(t *testing.T) {
	if _, err := decodeChatFrame([]byte(`{"sender":"bob"}`)); err == nil {
		t.Fatal("chat frame without chat_id accepted")
	}
	if _, err := decodeNotificationFrame([]byte(`{"message":"hi"}`)); err == nil {
		t.Fatal("notification frame without id accepted")
	}
}
