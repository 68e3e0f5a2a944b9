package vansify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeAuth struct {
	mu     sync.Mutex
	token  string
	user   string
	authed bool
}

func newFakeAuth(user string) *fakeAuth {
	return &fakeAuth{token: "tok-" + user, user: user, authed: true}
}

func (a *fakeAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authed
}

func (a *fakeAuth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

func (a *fakeAuth) Clear() {
	a.mu.Lock()
	a.authed = false
	a.token = ""
	a.mu.Unlock()
}

// fakeClock only runs timers when the test fires them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending returns the delays of timers that are neither stopped nor fired.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// fireNext runs the oldest pending timer on the calling goroutine.
func (c *fakeClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var next *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			next = tm
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer")
	}
	next.fired = true
	c.now = c.now.Add(next.delay)
	c.mu.Unlock()
	next.f()
	return next.delay
}

type fakeConn struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errors.New("read on closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recorder collects every payload published on a topic.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func record(bus *EventBus, topic string) *recorder {
	r := &recorder{}
	bus.Subscribe(topic, func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev.Payload)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func (r *recorder) lastPayload() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeBackend is an in-memory Backend. Hooks, when set, replace the
// default success behaviour.
type fakeBackend struct {
	mu sync.Mutex

	chats         []ChatRow
	notifications []NotificationRecord
	activeUsers   []ActiveUser
	fetchErr      error

	markChatRead     func(ID) error
	deleteChat       func(ID) error
	deleteMessages   func(ID) error
	markNotification func(ID) error
	deleteNotif      func(ID) error

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) hit(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *fakeBackend) FetchChats(context.Context) ([]ChatRow, error) {
	b.hit("FetchChats")
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatRow(nil), b.chats...), b.fetchErr
}

func (b *fakeBackend) MarkChatRead(_ context.Context, id ID) error {
	b.hit("MarkChatRead")
	if b.markChatRead != nil {
		return b.markChatRead(id)
	}
	return nil
}

func (b *fakeBackend) DeleteChat(_ context.Context, id ID) error {
	b.hit("DeleteChat")
	if b.deleteChat != nil {
		return b.deleteChat(id)
	}
	return nil
}

func (b *fakeBackend) DeleteChatMessages(_ context.Context, id ID) error {
	b.hit("DeleteChatMessages")
	if b.deleteMessages != nil {
		return b.deleteMessages(id)
	}
	return nil
}

func (b *fakeBackend) FetchNotifications(context.Context) ([]NotificationRecord, error) {
	b.hit("FetchNotifications")
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NotificationRecord(nil), b.notifications...), b.fetchErr
}

func (b *fakeBackend) MarkNotificationRead(_ context.Context, id ID) error {
	b.hit("MarkNotificationRead")
	if b.markNotification != nil {
		return b.markNotification(id)
	}
	return nil
}

func (b *fakeBackend) DeleteNotification(_ context.Context, id ID) error {
	b.hit("DeleteNotification")
	if b.deleteNotif != nil {
		return b.deleteNotif(id)
	}
	return nil
}

func (b *fakeBackend) FetchActiveUsers(context.Context) ([]ActiveUser, error) {
	b.hit("FetchActiveUsers")
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ActiveUser(nil), b.activeUsers...), b.fetchErr
}

func at(minute int) Timestamp {
	return Timestamp{time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC)}
}

func intPtr(n int) *int { return &n }
