package vansify

import (
	"context"
	"fmt"
	"sync"
)

// PresenceReconciler mirrors the set of active users. Every presence frame
// carries the whole set and replaces the previous one.
type PresenceReconciler struct {
	reconcilerBase
	api PresenceService

	mu     sync.RWMutex
	users  []ActiveUser
	byName map[string]int
	subs   []Subscription
}

func NewPresenceReconciler(api PresenceService, bus *EventBus, auth AuthProvider, opts ...ReconcilerOption) *PresenceReconciler {
	return &PresenceReconciler{
		reconcilerBase: newReconcilerBase("presence", bus, auth, opts),
		api:            api,
		byName:         make(map[string]int),
	}
}

// Attach subscribes to presence frames on topics.Message. It does nothing
// while already attached.
func (r *PresenceReconciler) Attach(topics ChannelTopics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs = []Subscription{On(r.bus, topics.Message, func(f PresenceFrame) { r.Ingest(f) })}
}

func (r *PresenceReconciler) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	r.unsubscribeAll(subs)
}

// LoadSnapshot replaces the set with the server's current one.
func (r *PresenceReconciler) LoadSnapshot(ctx context.Context) error {
	users, err := r.api.FetchActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("load active users: %w", err)
	}
	r.Ingest(PresenceFrame(users))
	return nil
}

// Ingest replaces the active set. Duplicate usernames keep their first
// entry and blank ones are dropped.
func (r *PresenceReconciler) Ingest(f PresenceFrame) []ActiveUser {
	users := make([]ActiveUser, 0, len(f))
	byName := make(map[string]int, len(f))
	for _, u := range f {
		if u.Username == "" {
			continue
		}
		if _, dup := byName[u.Username]; dup {
			continue
		}
		byName[u.Username] = len(users)
		users = append(users, u)
	}

	r.mu.Lock()
	r.users = users
	r.byName = byName
	snapshot := append([]ActiveUser(nil), users...)
	r.mu.Unlock()

	r.metrics.setCollection("presence", len(snapshot), 0)
	r.bus.Publish(TopicPresenceUpdated, snapshot)
	return snapshot
}

// ActiveUsers returns a copy of the active set in server order.
func (r *PresenceReconciler) ActiveUsers() []ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ActiveUser(nil), r.users...)
}

func (r *PresenceReconciler) IsActive(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[username]
	return ok
}

func (r *PresenceReconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Reset empties the set.
func (r *PresenceReconciler) Reset() {
	r.mu.Lock()
	r.users = nil
	r.byName = make(map[string]int)
	r.mu.Unlock()
	r.metrics.setCollection("presence", 0, 0)
}
