package vansify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// NotificationReconciler keeps the account notification list, newest
// first.
type NotificationReconciler struct {
	reconcilerBase
	api NotificationService

	mu      sync.Mutex
	items   []NotificationRecord
	reading map[ID]*inflight
	subs    []Subscription
}

// NewNotificationReconciler creates an empty reconciler.
func NewNotificationReconciler(api NotificationService, bus *EventBus, auth AuthProvider, opts ...ReconcilerOption) *NotificationReconciler {
	return &NotificationReconciler{
		reconcilerBase: newReconcilerBase("notifications", bus, auth, opts),
		api:            api,
		reading:        make(map[ID]*inflight),
	}
}

// Attach subscribes to notification frames on topics.Message. It does
// nothing while already attached.
func (r *NotificationReconciler) Attach(topics ChannelTopics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs = []Subscription{On(r.bus, topics.Message, func(f *NotificationFrame) { r.Ingest(f) })}
}

func (r *NotificationReconciler) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	r.unsubscribeAll(subs)
}

// Hydrate fills an empty list from the cache.
func (r *NotificationReconciler) Hydrate(ctx context.Context) int {
	cached := cacheList[NotificationRecord](ctx, &r.reconcilerBase, StoreNotifications)
	if len(cached) == 0 {
		return 0
	}
	r.mu.Lock()
	if len(r.items) > 0 {
		r.mu.Unlock()
		return 0
	}
	r.items = cached
	sortNotifications(r.items)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.observe(snapshot)
	r.bus.Publish(TopicNotificationsLoaded, snapshot)
	return len(snapshot)
}

// LoadSnapshot replaces the list with the server's.
func (r *NotificationReconciler) LoadSnapshot(ctx context.Context) error {
	records, err := r.api.FetchNotifications(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	seen := make(map[ID]struct{}, len(records))
	items := make([]NotificationRecord, 0, len(records))
	for _, n := range records {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, n)
	}
	sortNotifications(items)

	r.mu.Lock()
	r.items = items
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	cached := make(map[string]any, len(snapshot))
	for _, n := range snapshot {
		cached[string(n.ID)] = n
	}
	r.cacheReplace(ctx, StoreNotifications, cached)
	r.observe(snapshot)
	r.logger.Debug("snapshot loaded", zap.Int("notifications", len(snapshot)))
	r.bus.Publish(TopicNotificationsLoaded, snapshot)
	return nil
}

// Ingest upserts one pushed notification. New notifications arrive
// unread unless the frame says otherwise; an existing one never goes back
// to unread.
func (r *NotificationReconciler) Ingest(f *NotificationFrame) NotificationRecord {
	rec := f.record()
	if rec.CreatedAt == nil {
		now := r.clock.Now()
		rec.CreatedAt = &now
	}

	r.mu.Lock()
	if idx := r.indexLocked(rec.ID); idx >= 0 {
		prev := r.items[idx]
		rec.IsRead = prev.IsRead || rec.IsRead
		if rec.Type == "" {
			rec.Type = prev.Type
		}
		if rec.ProfilePicture == "" {
			rec.ProfilePicture = prev.ProfilePicture
		}
		if f.CreatedAt.IsZero() && prev.CreatedAt != nil {
			rec.CreatedAt = prev.CreatedAt
		}
		r.items[idx] = rec
	} else {
		r.items = append([]NotificationRecord{rec}, r.items...)
	}
	sortNotifications(r.items)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.cachePut(StoreNotifications, string(rec.ID), rec)
	r.observe(snapshot)
	r.bus.Publish(TopicNotificationUpdated, rec)
	return rec
}

// MarkRead marks one notification read on the server and locally. Calls
// for a notification that is already read, or has a request in flight, do
// not issue another request.
func (r *NotificationReconciler) MarkRead(ctx context.Context, id ID) error {
	r.mu.Lock()
	if call, ok := r.reading[id]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return ErrUnknownNotification
	}
	if r.items[idx].IsRead {
		r.mu.Unlock()
		return nil
	}
	call := &inflight{done: make(chan struct{})}
	r.reading[id] = call
	r.mu.Unlock()

	err := r.api.MarkNotificationRead(ctx, id)

	r.mu.Lock()
	delete(r.reading, id)
	var (
		updated NotificationRecord
		found   bool
	)
	if err == nil {
		if idx := r.indexLocked(id); idx >= 0 {
			r.items[idx].IsRead = true
			updated, found = r.items[idx], true
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err != nil {
		call.err = r.mutationError("notification.mark_read", id, err)
		close(call.done)
		return call.err
	}
	close(call.done)
	if found {
		r.cachePut(StoreNotifications, string(id), updated)
		r.observe(snapshot)
		r.bus.Publish(TopicNotificationUpdated, updated)
	}
	return nil
}

// MarkAllRead marks every unread notification read, one request each.
// It returns the first failure after trying them all.
func (r *NotificationReconciler) MarkAllRead(ctx context.Context) error {
	var first error
	for _, n := range r.Notifications() {
		if n.IsRead {
			continue
		}
		if err := r.MarkRead(ctx, n.ID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Delete removes a notification once the server confirms.
func (r *NotificationReconciler) Delete(ctx context.Context, id ID) error {
	r.mu.Lock()
	known := r.indexLocked(id) >= 0
	r.mu.Unlock()
	if !known {
		return ErrUnknownNotification
	}

	if err := r.api.DeleteNotification(ctx, id); err != nil {
		return r.mutationError("notification.delete", id, err)
	}

	r.mu.Lock()
	if idx := r.indexLocked(id); idx >= 0 {
		r.items = append(r.items[:idx], r.items[idx+1:]...)
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.cacheDelete(StoreNotifications, string(id))
	r.observe(snapshot)
	r.bus.Publish(TopicNotificationDeleted, id)
	return nil
}

// Notifications returns a copy of the list in display order.
func (r *NotificationReconciler) Notifications() []NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *NotificationReconciler) Get(id ID) (NotificationRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.items[idx], true
	}
	return NotificationRecord{}, false
}

// UnreadCount returns the number of unread notifications.
func (r *NotificationReconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return unreadNotifications(r.items)
}

func (r *NotificationReconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Reset drops the list.
func (r *NotificationReconciler) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
	r.observe(nil)
}

func (r *NotificationReconciler) indexLocked(id ID) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *NotificationReconciler) snapshotLocked() []NotificationRecord {
	return append([]NotificationRecord(nil), r.items...)
}

func (r *NotificationReconciler) observe(items []NotificationRecord) {
	r.metrics.setCollection("notifications", len(items), unreadNotifications(items))
}

func unreadNotifications(items []NotificationRecord) int {
	n := 0
	for _, it := range items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func sortNotifications(items []NotificationRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		return newerFirst(items[i].CreatedAt, items[j].CreatedAt)
	})
}
