package vansify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// ReconcilerOption configures the chat, notification and presence
// reconcilers.
type ReconcilerOption func(*reconcilerBase)

// WithCache persists collections to c. Without it nothing is cached.
func WithCache(c Cache) ReconcilerOption {
	return func(b *reconcilerBase) { b.cache = c }
}

func WithLogger(l *zap.Logger) ReconcilerOption {
	return func(b *reconcilerBase) { b.logger = l }
}

func WithMetrics(m *Metrics) ReconcilerOption {
	return func(b *reconcilerBase) { b.metrics = m }
}

// WithClock sets the clock used to stamp frames that carry no time.
func WithClock(c Clock) ReconcilerOption {
	return func(b *reconcilerBase) { b.clock = c }
}

// WithShowEmptyChats keeps chats without messages in the snapshot, shown
// with a placeholder.
func WithShowEmptyChats(show bool) ReconcilerOption {
	return func(b *reconcilerBase) { b.showEmptyChats = show }
}

// cacheTimeout bounds the cache writes made from bus handlers, which have
// no caller context.
const cacheTimeout = 5 * time.Second

type reconcilerBase struct {
	name    string
	bus     *EventBus
	auth    AuthProvider
	cache   Cache
	logger  *zap.Logger
	metrics *Metrics
	clock   Clock

	showEmptyChats bool
}

func newReconcilerBase(name string, bus *EventBus, auth AuthProvider, opts []ReconcilerOption) reconcilerBase {
	b := reconcilerBase{name: name, bus: bus, auth: auth}
	for _, opt := range opts {
		opt(&b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.Named(name)
	if b.clock == nil {
		b.clock = realClock{}
	}
	return b
}

// store returns the per-user cache store name, or "" when there is no user
// to namespace by.
func (b *reconcilerBase) store(base string) string {
	user := b.auth.Username()
	if user == "" {
		return ""
	}
	return base + ":" + user
}

func (b *reconcilerBase) cachePut(base, key string, record any) {
	store := b.store(base)
	if b.cache == nil || store == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := b.cache.Put(ctx, store, key, record); err != nil {
		b.cacheError(store, "put", err)
	}
}

func (b *reconcilerBase) cacheDelete(base, key string) {
	store := b.store(base)
	if b.cache == nil || store == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := b.cache.Delete(ctx, store, key); err != nil {
		b.cacheError(store, "delete", err)
	}
}

func (b *reconcilerBase) cacheReplace(ctx context.Context, base string, records map[string]any) {
	store := b.store(base)
	if b.cache == nil || store == "" {
		return
	}
	if err := b.cache.Replace(ctx, store, records); err != nil {
		b.cacheError(store, "replace", err)
	}
}

// cacheList decodes every record of a store into T. Undecodable records
// are skipped.
func cacheList[T any](ctx context.Context, b *reconcilerBase, base string) []T {
	store := b.store(base)
	if b.cache == nil || store == "" {
		return nil
	}
	raw, err := b.cache.List(ctx, store)
	if err != nil {
		b.cacheError(store, "list", err)
		return nil
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			b.logger.Warn("skipping cached record", zap.String("store", store), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

func (b *reconcilerBase) cacheError(store, op string, err error) {
	perr := &PersistenceError{Store: store, Op: op, Err: err}
	b.logger.Warn("cache failure", zap.Error(perr))
	b.metrics.cacheFailed(op)
	b.bus.Publish(TopicCacheError, perr)
}

func (b *reconcilerBase) mutationError(op string, id ID, err error) *MutationError {
	merr := &MutationError{Op: op, ID: id, Err: err}
	b.logger.Warn("mutation failed", zap.String("op", op), zap.String("id", string(id)), zap.Error(err))
	b.metrics.mutationFailed(op)
	b.bus.Publish(TopicMutationError, merr)
	return merr
}

func (b *reconcilerBase) unsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		b.bus.Unsubscribe(s)
	}
}

// inflight shares the outcome of one request among concurrent callers.
type inflight struct {
	done chan struct{}
	err  error
}
