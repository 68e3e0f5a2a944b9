package vansify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthProvider exposes the current session to the engine. Implementations
// must be safe for concurrent use.
type AuthProvider interface {
	IsAuthenticated() bool
	Token() string
	Username() string
}

// accessClaims is the payload the server signs into access tokens.
type accessClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Session is an in-memory AuthProvider backed by the server's access and
// refresh tokens. The access token is not verified locally; only its
// username and expiry claims are read.
type Session struct {
	mu        sync.RWMutex
	access    string
	refresh   string
	username  string
	expiresAt time.Time
	now       func() time.Time
}

// NewSession creates an empty, unauthenticated session.
func NewSession() *Session {
	return &Session{now: time.Now}
}

// SetToken installs a new access token. The username comes from the token's
// claims when present, otherwise from username. Opaque tokens are accepted
// as long as a username is given.
func (s *Session) SetToken(access, refresh, username string) error {
	if access == "" {
		return errors.New("empty access token")
	}
	claims, err := ParseAccessToken(access)
	var expiresAt time.Time
	switch {
	case err == nil:
		if claims.Username != "" {
			username = claims.Username
		}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
	case username == "":
		return err
	}
	if username == "" {
		return errors.New("access token carries no username")
	}

	s.mu.Lock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.username = username
	s.expiresAt = expiresAt
	s.mu.Unlock()
	return nil
}

// Clear ends the session.
func (s *Session) Clear() {
	s.mu.Lock()
	s.access, s.refresh, s.username = "", "", ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// IsAuthenticated reports whether a non-expired access token is present.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.access == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.now().Before(s.expiresAt)
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// ExpiresAt returns the access token expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// AccessClaims are the claims read from an access token.
type AccessClaims struct {
	Username  string
	ExpiresAt *jwt.NumericDate
}

// ParseAccessToken reads the claims of a JWT without verifying its
// signature.
func ParseAccessToken(token string) (*AccessClaims, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return &AccessClaims{Username: claims.Username, ExpiresAt: claims.ExpiresAt}, nil
}
