package vansify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EmptyChatPlaceholder is shown for chats that have no messages yet.
const EmptyChatPlaceholder = "No messages yet"

// ChatDeleteRequest is the payload of TopicChatDeleteRequest.
type ChatDeleteRequest struct {
	ChatID       ID
	MessagesOnly bool
}

// ChatDeleted is the payload of TopicChatDeleted.
type ChatDeleted struct {
	ChatID       ID
	MessagesOnly bool
}

// ChatListReconciler keeps the local chat list: one summary per chat,
// ordered by last message time, newest first.
type ChatListReconciler struct {
	reconcilerBase
	api ChatService

	mu      sync.Mutex
	chats   []ChatSummary
	reading map[ID]*inflight
	subs    []Subscription
}

// NewChatListReconciler creates an empty reconciler.
func NewChatListReconciler(api ChatService, bus *EventBus, auth AuthProvider, opts ...ReconcilerOption) *ChatListReconciler {
	return &ChatListReconciler{
		reconcilerBase: newReconcilerBase("chats", bus, auth, opts),
		api:            api,
		reading:        make(map[ID]*inflight),
	}
}

// Attach subscribes to chat frames on topics.Message and to the chat
// read and delete request topics. It does nothing while already attached.
func (r *ChatListReconciler) Attach(topics ChannelTopics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs = []Subscription{
		On(r.bus, topics.Message, func(f *ChatFrame) { r.Ingest(f) }),
		On(r.bus, TopicChatReadRequest, func(id ID) {
			go func() { _ = r.MarkRead(context.Background(), id) }()
		}),
		On(r.bus, TopicChatDeleteRequest, func(req ChatDeleteRequest) {
			go func() {
				if req.MessagesOnly {
					_ = r.DeleteMessages(context.Background(), req.ChatID)
					return
				}
				_ = r.DeleteChat(context.Background(), req.ChatID)
			}()
		}),
	}
}

// Detach removes every subscription made by Attach.
func (r *ChatListReconciler) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	r.unsubscribeAll(subs)
}

// Hydrate fills an empty list from the cache.
func (r *ChatListReconciler) Hydrate(ctx context.Context) int {
	cached := cacheList[ChatSummary](ctx, &r.reconcilerBase, StoreChats)
	if len(cached) == 0 {
		return 0
	}
	r.mu.Lock()
	if len(r.chats) > 0 {
		r.mu.Unlock()
		return 0
	}
	r.chats = dedupeChats(cached)
	sortChats(r.chats)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.observe(snapshot)
	r.bus.Publish(TopicChatsLoaded, snapshot)
	return len(snapshot)
}

// LoadSnapshot replaces the list with the server's. Chats the local user
// deleted are dropped, as are chats without messages unless empty chats
// are shown.
func (r *ChatListReconciler) LoadSnapshot(ctx context.Context) error {
	rows, err := r.api.FetchChats(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	local := r.auth.Username()
	chats := make([]ChatSummary, 0, len(rows))
	for _, row := range rows {
		if row.deletedFor(local) {
			continue
		}
		msg := row.LastMessage
		if msg == "" {
			if !r.showEmptyChats {
				continue
			}
			msg = EmptyChatPlaceholder
		}
		chats = append(chats, ChatSummary{
			ChatID:            row.ChatID,
			Counterpart:       row.User,
			CounterpartAvatar: row.ProfilePicture,
			UnreadCount:       row.UnreadCount,
			LastMessage:       msg,
			LastMessageTime:   row.LastMessageTime.Ptr(),
		})
	}
	chats = dedupeChats(chats)
	sortChats(chats)

	r.mu.Lock()
	r.chats = chats
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	records := make(map[string]any, len(snapshot))
	for _, c := range snapshot {
		records[string(c.ChatID)] = c
	}
	r.cacheReplace(ctx, StoreChats, records)
	r.observe(snapshot)
	r.logger.Debug("snapshot loaded", zap.Int("chats", len(snapshot)))
	r.bus.Publish(TopicChatsLoaded, snapshot)
	return nil
}

// Ingest merges one chat frame into the list and returns the resulting
// summary. The counterpart is whichever side of the frame is not the
// local user. A new chat takes the frame's unread count, or 0. An existing
// chat's count only moves for messages the local user did not send: it
// takes the frame's count, or goes up by one when the frame has none.
func (r *ChatListReconciler) Ingest(f *ChatFrame) ChatSummary {
	f.Normalize()
	local := r.auth.Username()
	outgoing := f.Sender == local

	counterpart, avatar := f.Sender, f.SenderProfilePicture
	if outgoing {
		counterpart, avatar = f.Receiver, f.ReceiverProfilePicture
	}
	ts := f.LastMessageTime.Ptr()
	if ts == nil {
		now := r.clock.Now()
		ts = &now
	}

	r.mu.Lock()
	idx := r.indexLocked(f.ChatID)
	var s ChatSummary
	if idx >= 0 {
		s = r.chats[idx]
	} else {
		s = ChatSummary{ChatID: f.ChatID}
	}
	if counterpart != "" {
		s.Counterpart = counterpart
	}
	if avatar != "" {
		s.CounterpartAvatar = avatar
	}
	s.LastMessage = f.LastMessage
	s.LastMessageTime = ts
	switch {
	case idx < 0:
		if f.UnreadCount != nil {
			s.UnreadCount = *f.UnreadCount
		}
	case !outgoing:
		if f.UnreadCount != nil {
			s.UnreadCount = *f.UnreadCount
		} else {
			s.UnreadCount++
		}
	}
	if idx >= 0 {
		r.chats[idx] = s
	} else {
		r.chats = append([]ChatSummary{s}, r.chats...)
	}
	sortChats(r.chats)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.cachePut(StoreChats, string(s.ChatID), s)
	r.observe(snapshot)
	r.bus.Publish(TopicChatUpdated, s)
	return s
}

// MarkRead clears a chat's unread count on the server and locally. Unread
// messages that arrive while the request is in flight are kept. Calls
// for a chat that is already read, or that has a request in flight, do
// not issue another request; concurrent callers share the outcome.
func (r *ChatListReconciler) MarkRead(ctx context.Context, id ID) error {
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
		return ErrUnknownChat
	}
	if r.chats[idx].UnreadCount == 0 {
		r.mu.Unlock()
		return nil
	}
	seen := r.chats[idx].UnreadCount
	call := &inflight{done: make(chan struct{})}
	r.reading[id] = call
	r.mu.Unlock()

	err := r.api.MarkChatRead(ctx, id)

	r.mu.Lock()
	delete(r.reading, id)
	var (
		updated ChatSummary
		found   bool
	)
	if err == nil {
		if idx := r.indexLocked(id); idx >= 0 {
			// Messages that arrived while the request was in flight stay unread.
			r.chats[idx].UnreadCount = max(r.chats[idx].UnreadCount-seen, 0)
			updated, found = r.chats[idx], true
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err != nil {
		call.err = r.mutationError("chat.mark_read", id, err)
		close(call.done)
		return call.err
	}
	close(call.done)
	if found {
		r.cachePut(StoreChats, string(id), updated)
		r.observe(snapshot)
		r.bus.Publish(TopicChatUpdated, updated)
	}
	return nil
}

// DeleteChat deletes a chat for the local user. The entry is removed only
// once the server confirms.
func (r *ChatListReconciler) DeleteChat(ctx context.Context, id ID) error {
	return r.remove(ctx, id, false)
}

// DeleteMessages clears a chat's history for the local user and removes
// the chat from the list once the server confirms.
func (r *ChatListReconciler) DeleteMessages(ctx context.Context, id ID) error {
	return r.remove(ctx, id, true)
}

func (r *ChatListReconciler) remove(ctx context.Context, id ID, messagesOnly bool) error {
	r.mu.Lock()
	known := r.indexLocked(id) >= 0
	r.mu.Unlock()
	if !known {
		return ErrUnknownChat
	}

	op, call := "chat.delete", r.api.DeleteChat
	if messagesOnly {
		op, call = "chat.delete_messages", r.api.DeleteChatMessages
	}
	if err := call(ctx, id); err != nil {
		return r.mutationError(op, id, err)
	}

	r.mu.Lock()
	if idx := r.indexLocked(id); idx >= 0 {
		r.chats = append(r.chats[:idx], r.chats[idx+1:]...)
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.cacheDelete(StoreChats, string(id))
	r.observe(snapshot)
	r.bus.Publish(TopicChatDeleted, ChatDeleted{ChatID: id, MessagesOnly: messagesOnly})
	return nil
}

// Chats returns a copy of the list in display order.
func (r *ChatListReconciler) Chats() []ChatSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Get returns the summary for id.
func (r *ChatListReconciler) Get(id ID) (ChatSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.chats[idx], true
	}
	return ChatSummary{}, false
}

// TotalUnread sums unread counts across chats.
func (r *ChatListReconciler) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return totalUnread(r.chats)
}

func (r *ChatListReconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

// Reset drops the list. Cached records stay for the next login.
func (r *ChatListReconciler) Reset() {
	r.mu.Lock()
	r.chats = nil
	r.mu.Unlock()
	r.observe(nil)
}

func (r *ChatListReconciler) indexLocked(id ID) int {
	for i := range r.chats {
		if r.chats[i].ChatID == id {
			return i
		}
	}
	return -1
}

func (r *ChatListReconciler) snapshotLocked() []ChatSummary {
	return append([]ChatSummary(nil), r.chats...)
}

func (r *ChatListReconciler) observe(chats []ChatSummary) {
	r.metrics.setCollection("chats", len(chats), totalUnread(chats))
}

func totalUnread(chats []ChatSummary) int {
	n := 0
	for _, c := range chats {
		n += c.UnreadCount
	}
	return n
}

// sortChats orders by last message time, newest first, chats without a
// time last. Equal keys keep their relative order.
func sortChats(chats []ChatSummary) {
	sort.SliceStable(chats, func(i, j int) bool {
		return newerFirst(chats[i].LastMessageTime, chats[j].LastMessageTime)
	})
}

func newerFirst(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// dedupeChats keeps the first summary seen for each chat id.
func dedupeChats(chats []ChatSummary) []ChatSummary {
	seen := make(map[ID]struct{}, len(chats))
	out := chats[:0]
	for _, c := range chats {
		if _, ok := seen[c.ChatID]; ok {
			continue
		}
		seen[c.ChatID] = struct{}{}
		out = append(out, c)
	}
	return out
}
