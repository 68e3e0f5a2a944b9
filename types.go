package vansify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// ID identifies chats and notifications. The server sends chat ids as
// strings and notification ids as integers; both decode into an ID.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Timestamp is a point in time as sent by the server. The zero value means
// the field was absent.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses the formats the server is known to emit.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Ptr returns nil for an absent timestamp.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ============================================================================
// Chat Types
// ============================================================================

// ChatSummary is one row of the local chat list.
type ChatSummary struct {
	ChatID            ID         `json:"chat_id"`
	Counterpart       string     `json:"counterpart"`
	CounterpartAvatar string     `json:"counterpart_avatar,omitempty"`
	UnreadCount       int        `json:"unread_count"`
	LastMessage       string     `json:"last_message"`
	LastMessageTime   *time.Time `json:"last_message_time,omitempty"`
}

// ChatFrame is a push frame from the chat-notifications channel.
//
// Older server builds send "user"/"profile_picture"/"recipient" instead of
// the sender/receiver pairs; those are folded in by Normalize.
type ChatFrame struct {
	ChatID                 ID        `json:"chat_id"`
	Sender                 string    `json:"sender"`
	Receiver               string    `json:"receiver"`
	LastMessage            string    `json:"last_message"`
	LastMessageTime        Timestamp `json:"last_message_time"`
	UnreadCount            *int      `json:"unread_count,omitempty"`
	SenderProfilePicture   string    `json:"sender_profile_picture,omitempty"`
	ReceiverProfilePicture string    `json:"receiver_profile_picture,omitempty"`

	Message        string `json:"message,omitempty"`
	User           string `json:"user,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Normalize folds legacy field names into the canonical ones.
func (f *ChatFrame) Normalize() {
	if f.Sender == "" {
		f.Sender = f.User
	}
	if f.Receiver == "" {
		f.Receiver = f.Recipient
	}
	if f.LastMessage == "" {
		f.LastMessage = f.Message
	}
	if f.SenderProfilePicture == "" && f.ProfilePicture != "" {
		f.SenderProfilePicture = f.ProfilePicture
	}
}

// ChatRow is one row of the GET /v1/me/chats snapshot.
type ChatRow struct {
	ChatID          ID        `json:"chat_id"`
	User            string    `json:"user"`
	UnreadCount     int       `json:"unread_count"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime Timestamp `json:"last_message_time"`
	ProfilePicture  string    `json:"profile_picture"`
	DeletedFor      string    `json:"deleted_for,omitempty"`
}

// deletedFor reports whether username appears in the comma separated
// deleted_for list.
func (r ChatRow) deletedFor(username string) bool {
	if r.DeletedFor == "" || username == "" {
		return false
	}
	for _, u := range strings.Split(r.DeletedFor, ",") {
		if strings.TrimSpace(u) == username {
			return true
		}
	}
	return false
}

type chatsResponse struct {
	Chats []ChatRow `json:"chats"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationRecord is one account notification.
type NotificationRecord struct {
	ID             ID         `json:"id"`
	Type           string     `json:"type,omitempty"`
	Message        string     `json:"message"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	IsRead         bool       `json:"is_read"`
	ProfilePicture string     `json:"profile_picture,omitempty"`
}

// NotificationFrame is a push frame from the account-notifications channel.
type NotificationFrame struct {
	ID             ID        `json:"id"`
	Type           string    `json:"type,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      Timestamp `json:"created_at"`
	IsRead         bool      `json:"is_read,omitempty"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
}

func (f NotificationFrame) record() NotificationRecord {
	return NotificationRecord{
		ID:             f.ID,
		Type:           f.Type,
		Message:        f.Message,
		CreatedAt:      f.CreatedAt.Ptr(),
		IsRead:         f.IsRead,
		ProfilePicture: f.ProfilePicture,
	}
}

type notificationsResponse struct {
	Notifications []NotificationFrame `json:"notifications"`
}

// ============================================================================
// Presence Types
// ============================================================================

// ActiveUser is one identity in the presence set.
type ActiveUser struct {
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare username string.
func (u *ActiveUser) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*u = ActiveUser{Username: name}
		return nil
	}
	type plain ActiveUser
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = ActiveUser(p)
	return nil
}

// PresenceFrame is the full active set pushed by the presence channel.
type PresenceFrame []ActiveUser

type activeUsersResponse struct {
	ActiveUsers []ActiveUser `json:"active_users"`
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when a channel or request needs a
	// session and none is active.
	ErrNotAuthenticated = errors.New("vansify: not authenticated")

	// ErrChannelFailed is returned by Open after reconnect attempts are
	// exhausted. Close resets the channel.
	ErrChannelFailed = errors.New("vansify: channel failed, close it to reset")

	ErrUnknownChat         = errors.New("vansify: unknown chat")
	ErrUnknownNotification = errors.New("vansify: unknown notification")
)

// ConnectionError is a transient transport failure on a channel.
type ConnectionError struct {
	Channel ChannelKind
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s channel: connection: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError describes a frame that could not be decoded. The frame is
// dropped and the channel keeps reading.
type ProtocolError struct {
	Channel ChannelKind
	Frame   []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s channel: malformed frame (%d bytes): %v", e.Channel, len(e.Frame), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PersistenceError is a local cache failure. It never stops the engine.
type PersistenceError struct {
	Store string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MutationError is a failed user-initiated request. Local state is left as
// it was before the call.
type MutationError struct {
	Op  string
	ID  ID
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
