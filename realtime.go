package vansify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channels
// ============================================================================

// ChannelKind names one of the server push channels.
type ChannelKind string

const (
	KindPresence          ChannelKind = "presence"
	KindNotifications     ChannelKind = "notifications"
	KindChatNotifications ChannelKind = "chat-notifications"
)

// AuthParam selects the query parameter a channel authenticates with.
type AuthParam int

const (
	// AuthParamIdentity sends ?username=<local user>.
	AuthParamIdentity AuthParam = iota
	// AuthParamToken sends ?token=<access token>.
	AuthParamToken
)

// ChannelTopics are the bus topics one channel publishes on.
type ChannelTopics struct {
	Open       string
	Message    string
	Error      string
	Close      string
	Failed     string
	Diagnostic string
}

func topicsFor(prefix string) ChannelTopics {
	return ChannelTopics{
		Open:       prefix + ".open",
		Message:    prefix + ".message",
		Error:      prefix + ".error",
		Close:      prefix + ".close",
		Failed:     prefix + ".failed",
		Diagnostic: prefix + ".diagnostic",
	}
}

// ChannelConfig describes a push channel. Decode turns one raw frame into
// the payload published on Topics.Message.
type ChannelConfig struct {
	Kind      ChannelKind
	Path      string
	AuthParam AuthParam
	Topics    ChannelTopics
	Decode    func([]byte) (any, error)
}

var (
	PresenceChannel = ChannelConfig{
		Kind:      KindPresence,
		Path:      "/v1/active-users/ws",
		AuthParam: AuthParamIdentity,
		Topics:    topicsFor("presence"),
		Decode:    decodePresenceFrame,
	}

	NotificationsChannel = ChannelConfig{
		Kind:      KindNotifications,
		Path:      "/v1/notifications/ws",
		AuthParam: AuthParamToken,
		Topics:    topicsFor("notifications"),
		Decode:    decodeNotificationFrame,
	}

	ChatNotificationsChannel = ChannelConfig{
		Kind:      KindChatNotifications,
		Path:      "/v1/chat-notifications/ws",
		AuthParam: AuthParamToken,
		Topics:    topicsFor("chat"),
		Decode:    decodeChatFrame,
	}
)

// Channels returns the three channel configurations in start order.
func Channels() []ChannelConfig {
	return []ChannelConfig{PresenceChannel, NotificationsChannel, ChatNotificationsChannel}
}

func decodeChatFrame(data []byte) (any, error) {
	var f ChatFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	f.Normalize()
	if f.ChatID == "" {
		return nil, errors.New("chat frame without chat_id")
	}
	if f.Sender == "" {
		return nil, errors.New("chat frame without sender")
	}
	return &f, nil
}

func decodeNotificationFrame(data []byte) (any, error) {
	var f NotificationFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, errors.New("notification frame without id")
	}
	return &f, nil
}

func decodePresenceFrame(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var resp activeUsersResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		return PresenceFrame(resp.ActiveUsers), nil
	}
	var f PresenceFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = PresenceFrame{}
	}
	return f, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures connection managers.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds reconnects after an unexpected close.
	// Zero means 10; a negative value disables reconnecting.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnectionState is the lifecycle state of one channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

var connectionStates = []ConnectionState{
	StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed,
}

// StateChange is published on TopicChannelState for every transition.
type StateChange struct {
	Channel ChannelKind
	From    ConnectionState
	To      ConnectionState
	Attempt int
}

// ChannelEvent is the payload of a channel's Open, Close and Failed topics.
type ChannelEvent struct {
	Channel ChannelKind
	State   ConnectionState
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: max(config.MaxReconnectAttempts, 0),
	}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// next counts an attempt and returns its delay: base * attempt, capped.
func (r *reconnector) next() time.Duration {
	r.attempt++
	delay := r.baseDelay * time.Duration(r.attempt)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Clock and transport
// ============================================================================

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time to the managers and reconcilers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Conn is one open push socket.
type Conn interface {
	// Read blocks for the next frame. A peer's normal closure is reported
	// as an error wrapping io.EOF.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

const maxFrameSize = 1 << 20

type wsDialer struct {
	httpClient *http.Client
}

func (d wsDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, fmt.Errorf("closed by peer: %w", io.EOF)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns one push channel: it opens the socket, publishes
// decoded frames on the bus, and re-establishes the channel with bounded
// linear backoff while the session stays authenticated.
type ConnectionManager struct {
	channel ChannelConfig
	baseURL string
	auth    AuthProvider
	bus     *EventBus
	config  RealtimeConfig
	dialer  Dialer
	clock   Clock
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	state  ConnectionState
	conn   Conn
	cancel context.CancelFunc
	timer  Timer
	recon  *reconnector
	// gen invalidates reads, dials and timers that belong to an earlier
	// connection attempt.
	gen uint64
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

func WithRealtimeConfig(config RealtimeConfig) ManagerOption {
	return func(m *ConnectionManager) { m.config = config }
}

func WithDialer(d Dialer) ManagerOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

func WithChannelClock(c Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = c }
}

func WithChannelLogger(l *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

func WithChannelMetrics(mt *Metrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = mt }
}

// NewConnectionManager creates a manager for channel. The manager starts
// disconnected; call Open to connect.
func NewConnectionManager(channel ChannelConfig, baseURL string, auth AuthProvider, bus *EventBus, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		channel: channel,
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		bus:     bus,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.defaults()
	if m.dialer == nil {
		m.dialer = wsDialer{httpClient: m.config.HTTPClient}
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("channel", string(channel.Kind)))
	m.recon = newReconnector(&m.config)
	m.metrics.setChannelState(channel.Kind, StateDisconnected)
	return m
}

// Channel returns the channel configuration.
func (m *ConnectionManager) Channel() ChannelConfig { return m.channel }

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts made since the last successful
// connection.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempt
}

// RetryPending reports whether a reconnect is scheduled.
func (m *ConnectionManager) RetryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// URL returns the socket URL for the current session.
func (m *ConnectionManager) URL() (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + m.channel.Path

	q := url.Values{}
	switch m.channel.AuthParam {
	case AuthParamIdentity:
		q.Set("username", m.auth.Username())
	case AuthParamToken:
		q.Set("token", m.auth.Token())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open connects the channel. It is a no-op while connecting or connected
// and returns ErrChannelFailed once reconnects are exhausted. The socket
// outlives ctx, which only bounds the dial.
func (m *ConnectionManager) Open(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	case StateFailed:
		m.mu.Unlock()
		return ErrChannelFailed
	}
	if !m.auth.IsAuthenticated() {
		m.stopTimerLocked()
		change := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.emit(change)
		return ErrNotAuthenticated
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	change := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.emit(change)

	rawURL, err := m.URL()
	var conn Conn
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
		conn, err = m.dialer.Dial(dialCtx, rawURL)
		cancel()
	}
	if err != nil {
		cerr := &ConnectionError{Channel: m.channel.Kind, Err: err}
		if !m.current(gen) {
			return cerr
		}
		m.logger.Warn("connect failed", zap.Error(err))
		m.bus.Publish(m.channel.Topics.Error, cerr)
		m.handleClose(gen)
		return cerr
	}

	m.mu.Lock()
	if gen != m.gen {
		// Closed while dialing.
		m.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Channel: m.channel.Kind, Err: errors.New("closed while connecting")}
	}
	readCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel
	m.recon.reset()
	change = m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected")
	m.emit(change)
	m.bus.Publish(m.channel.Topics.Open, ChannelEvent{Channel: m.channel.Kind, State: StateConnected})

	go m.readLoop(readCtx, conn, gen)
	return nil
}

// Close tears the channel down from any state: the pending retry is
// cancelled, the socket closed and the attempt counter reset. Calling it
// again is a no-op. Close is also the only way out of StateFailed.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.recon.reset()
	change := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("socket close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	m.emit(change)
	return nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if !m.current(gen) {
				return
			}
			if !errors.Is(err, io.EOF) {
				m.logger.Warn("read failed", zap.Error(err))
				m.bus.Publish(m.channel.Topics.Error, &ConnectionError{Channel: m.channel.Kind, Err: err})
			}
			m.handleClose(gen)
			return
		}
		m.metrics.frameReceived(m.channel.Kind)

		payload, err := m.channel.Decode(data)
		if err != nil {
			m.metrics.frameDropped(m.channel.Kind)
			m.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			m.bus.Publish(m.channel.Topics.Diagnostic, &ProtocolError{Channel: m.channel.Kind, Frame: data, Err: err})
			continue
		}
		if !m.current(gen) {
			return
		}
		m.bus.Publish(m.channel.Topics.Message, payload)
	}
}

// handleClose is the single path that decides what follows a lost
// connection.
func (m *ConnectionManager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil

	if !m.auth.IsAuthenticated() {
		m.stopTimerLocked()
		change := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.bus.Publish(m.channel.Topics.Close, ChannelEvent{Channel: m.channel.Kind, State: StateDisconnected})
		m.emit(change)
		return
	}

	if m.recon.exhausted() {
		attempt := m.recon.attempt
		change := m.setStateLocked(StateFailed)
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempt))
		m.metrics.channelFailed(m.channel.Kind)
		m.bus.Publish(m.channel.Topics.Close, ChannelEvent{Channel: m.channel.Kind, State: StateFailed, Attempt: attempt})
		m.emit(change)
		m.bus.Publish(m.channel.Topics.Failed, ChannelEvent{Channel: m.channel.Kind, State: StateFailed, Attempt: attempt})
		return
	}

	delay := m.recon.next()
	attempt := m.recon.attempt
	m.stopTimerLocked()
	m.timer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	change := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.metrics.reconnectScheduled(m.channel.Kind)
	m.bus.Publish(m.channel.Topics.Close, ChannelEvent{Channel: m.channel.Kind, State: StateReconnecting, Attempt: attempt, Delay: delay})
	m.emit(change)
}

func (m *ConnectionManager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.Open(context.Background()); err != nil {
		m.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

func (m *ConnectionManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) setStateLocked(s ConnectionState) *StateChange {
	if m.state == s {
		return nil
	}
	change := &StateChange{Channel: m.channel.Kind, From: m.state, To: s, Attempt: m.recon.attempt}
	m.state = s
	return change
}

func (m *ConnectionManager) emit(change *StateChange) {
	if change == nil {
		return
	}
	m.metrics.setChannelState(change.Channel, change.To)
	m.logger.Debug("state", zap.String("from", string(change.From)), zap.String("to", string(change.To)))
	m.bus.Publish(TopicChannelState, *change)
}
