package vansify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Engine wires one session: a bus, the three channel managers and the
// reconcilers that consume them.
type Engine struct {
	Bus           *EventBus
	Auth          AuthProvider
	Chats         *ChatListReconciler
	Notifications *NotificationReconciler
	Presence      *PresenceReconciler

	managers []*ConnectionManager
	cache    Cache
	logger   *zap.Logger

	mu       sync.Mutex
	attached bool
}

type engineOptions struct {
	backend        Backend
	bus            *EventBus
	cache          Cache
	logger         *zap.Logger
	metrics        *Metrics
	clock          Clock
	dialer         Dialer
	realtime       RealtimeConfig
	showEmptyChats bool
	clientOpts     []ClientOption
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithBackend replaces the REST client built from the base URL.
func WithBackend(b Backend) EngineOption {
	return func(o *engineOptions) { o.backend = b }
}

func WithBus(bus *EventBus) EngineOption {
	return func(o *engineOptions) { o.bus = bus }
}

func WithEngineCache(c Cache) EngineOption {
	return func(o *engineOptions) { o.cache = c }
}

func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

func WithEngineClock(c Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

func WithEngineDialer(d Dialer) EngineOption {
	return func(o *engineOptions) { o.dialer = d }
}

func WithEngineRealtime(config RealtimeConfig) EngineOption {
	return func(o *engineOptions) { o.realtime = config }
}

func WithEngineShowEmptyChats(show bool) EngineOption {
	return func(o *engineOptions) { o.showEmptyChats = show }
}

// WithClientOptions passes options to the default REST client.
func WithClientOptions(opts ...ClientOption) EngineOption {
	return func(o *engineOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// NewEngine builds an engine against baseURL. Nothing connects until Start.
func NewEngine(baseURL string, auth AuthProvider, opts ...EngineOption) *Engine {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.bus == nil {
		o.bus = NewEventBus(o.logger)
	}
	if o.backend == nil {
		o.backend = NewClient(baseURL, auth, o.clientOpts...)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	ropts := []ReconcilerOption{
		WithLogger(o.logger),
		WithMetrics(o.metrics),
		WithShowEmptyChats(o.showEmptyChats),
	}
	if o.cache != nil {
		ropts = append(ropts, WithCache(o.cache))
	}
	if o.clock != nil {
		ropts = append(ropts, WithClock(o.clock))
	}

	mopts := []ManagerOption{
		WithRealtimeConfig(o.realtime),
		WithChannelLogger(o.logger.Named("realtime")),
		WithChannelMetrics(o.metrics),
	}
	if o.clock != nil {
		mopts = append(mopts, WithChannelClock(o.clock))
	}
	if o.dialer != nil {
		mopts = append(mopts, WithDialer(o.dialer))
	}

	e := &Engine{
		Bus:           o.bus,
		Auth:          auth,
		Chats:         NewChatListReconciler(o.backend, o.bus, auth, ropts...),
		Notifications: NewNotificationReconciler(o.backend, o.bus, auth, ropts...),
		Presence:      NewPresenceReconciler(o.backend, o.bus, auth, ropts...),
		cache:         o.cache,
		logger:        o.logger.Named("engine"),
	}
	for _, ch := range Channels() {
		e.managers = append(e.managers, NewConnectionManager(ch, baseURL, auth, o.bus, mopts...))
	}
	return e
}

// Channel returns the manager for kind, or nil.
func (e *Engine) Channel(kind ChannelKind) *ConnectionManager {
	for _, m := range e.managers {
		if m.Channel().Kind == kind {
			return m
		}
	}
	return nil
}

// Channels returns the three managers in start order.
func (e *Engine) Channels() []*ConnectionManager {
	return append([]*ConnectionManager(nil), e.managers...)
}

// Start attaches the reconcilers, shows cached state, loads fresh
// snapshots and opens every channel. Snapshot failures are logged and do
// not stop the channels from opening; a channel that cannot connect keeps
// retrying on its own.
func (e *Engine) Start(ctx context.Context) error {
	if !e.Auth.IsAuthenticated() {
		return ErrNotAuthenticated
	}

	e.mu.Lock()
	if !e.attached {
		e.Chats.Attach(ChatNotificationsChannel.Topics)
		e.Notifications.Attach(NotificationsChannel.Topics)
		e.Presence.Attach(PresenceChannel.Topics)
		e.attached = true
	}
	e.mu.Unlock()

	e.Chats.Hydrate(ctx)
	e.Notifications.Hydrate(ctx)

	if err := e.Chats.LoadSnapshot(ctx); err != nil {
		e.logger.Warn("chat snapshot", zap.Error(err))
	}
	if err := e.Notifications.LoadSnapshot(ctx); err != nil {
		e.logger.Warn("notification snapshot", zap.Error(err))
	}
	if err := e.Presence.LoadSnapshot(ctx); err != nil {
		e.logger.Warn("presence snapshot", zap.Error(err))
	}

	var errs []error
	for _, m := range e.managers {
		err := m.Open(ctx)
		var cerr *ConnectionError
		switch {
		case err == nil, errors.As(err, &cerr):
			// Connection errors are retried by the manager.
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop closes every channel and detaches the reconcilers, keeping their
// state and the session.
func (e *Engine) Stop() {
	for _, m := range e.managers {
		_ = m.Close()
	}
	e.mu.Lock()
	if e.attached {
		e.Chats.Detach()
		e.Notifications.Detach()
		e.Presence.Detach()
		e.attached = false
	}
	e.mu.Unlock()
}

// Logout ends the session: credentials are cleared first so no reconnect
// can be scheduled, then every channel is closed and all local state
// dropped.
func (e *Engine) Logout() {
	if c, ok := e.Auth.(interface{ Clear() }); ok {
		c.Clear()
	}
	e.Stop()
	e.Chats.Reset()
	e.Notifications.Reset()
	e.Presence.Reset()
	e.logger.Info("logged out")
}

// Close stops the engine and closes its cache.
func (e *Engine) Close() error {
	e.Stop()
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}
