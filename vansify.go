// Package vansify keeps a client-side mirror of a Vansify account in sync
// with the server.
//
// Three push channels (presence, account notifications, chat notifications)
// are each owned by a ConnectionManager that reconnects with bounded
// backoff. Decoded frames are published on an EventBus, where reconcilers
// fold them into ordered in-memory collections that survive restarts
// through a Cache.
//
// Example:
//
//	session := vansify.NewSession()
//	_ = session.SetToken(accessToken, refreshToken, "")
//
//	engine := vansify.NewEngine("https://api.vansify.example", session)
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Logout()
//
//	for _, c := range engine.Chats.Chats() {
//		fmt.Println(c.Counterpart, c.UnreadCount, c.LastMessage)
//	}
package vansify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Backend contracts
// ============================================================================

// ChatService is the REST surface the chat list reconciler needs.
type ChatService interface {
	FetchChats(ctx context.Context) ([]ChatRow, error)
	MarkChatRead(ctx context.Context, chatID ID) error
	DeleteChat(ctx context.Context, chatID ID) error
	DeleteChatMessages(ctx context.Context, chatID ID) error
}

// NotificationService is the REST surface the notification reconciler needs.
type NotificationService interface {
	FetchNotifications(ctx context.Context) ([]NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id ID) error
	DeleteNotification(ctx context.Context, id ID) error
}

// PresenceService is the REST surface the presence reconciler needs.
type PresenceService interface {
	FetchActiveUsers(ctx context.Context) ([]ActiveUser, error)
}

// Backend is everything the engine asks of the server over REST.
type Backend interface {
	ChatService
	NotificationService
	PresenceService
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the Vansify REST API on behalf of the current session.
type Client struct {
	baseURL    string
	auth       AuthProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. An empty baseURL selects DefaultBaseURL.
// auth may be nil for unauthenticated calls such as RefreshToken.
func NewClient(baseURL string, auth AuthProvider, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		if token := c.auth.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func escapeID(id ID) string {
	return url.PathEscape(string(id))
}

// ============================================================================
// Chats
// ============================================================================

// FetchChats returns the caller's chat list snapshot.
func (c *Client) FetchChats(ctx context.Context) ([]ChatRow, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/me/chats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *Client) MarkChatRead(ctx context.Context, chatID ID) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/notifications/chat/mark-read/"+escapeID(chatID), nil)
	return err
}

func (c *Client) DeleteChat(ctx context.Context, chatID ID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/chat/"+escapeID(chatID), nil)
	return err
}

// DeleteChatMessages clears the history of a chat for the caller.
func (c *Client) DeleteChatMessages(ctx context.Context, chatID ID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/chat/"+escapeID(chatID)+"/delete-messages", nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

// FetchNotifications returns the caller's account notifications.
func (c *Client) FetchNotifications(ctx context.Context) ([]NotificationRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/notifications", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[notificationsResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]NotificationRecord, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		out = append(out, n.record())
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id ID) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/notifications/general/mark-read/"+escapeID(id), nil)
	return err
}

func (c *Client) DeleteNotification(ctx context.Context, id ID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/notifications/delete/"+escapeID(id), nil)
	return err
}

// ============================================================================
// Presence
// ============================================================================

func (c *Client) FetchActiveUsers(ctx context.Context) ([]ActiveUser, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/active-users", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[activeUsersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.ActiveUsers, nil
}

// ============================================================================
// Auth
// ============================================================================

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/refresh-token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", err
	}
	resp, err := decodeJSON[struct {
		AccessToken string `json:"access_token"`
	}](data)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("refresh response without access_token")
	}
	return resp.AccessToken, nil
}
