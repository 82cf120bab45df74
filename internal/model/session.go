package model

import (
	"context"
	"time"
)

// AuthState is the authentication state of a session: either Anonymous or
// Authenticated. The unexported method closes the set of implementations.
type AuthState interface {
	authState()
}

// Anonymous is the state of a session nobody has signed in to.
type Anonymous struct{}

// Authenticated is the state of a signed-in session.
type Authenticated struct {
	UserID     int64  `json:"user_id"`
	Role       Role   `json:"role"`
	Name       string `json:"name"`
	RollNumber string `json:"roll_number,omitempty"`
}

func (Anonymous) authState()     {}
func (Authenticated) authState() {}

// Session is a server-side session record.
type Session struct {
	ID        string
	State     AuthState
	Flash     string
	ExpiresAt time.Time
}

// NewAnonymousSession returns an unsaved session with no identity.
func NewAnonymousSession() *Session {
	return &Session{State: Anonymous{}}
}

// Principal returns the signed-in identity, if any.
func (s *Session) Principal() (Authenticated, bool) {
	if s == nil {
		return Authenticated{}, false
	}
	a, ok := s.State.(Authenticated)
	return a, ok
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type sessionCtxKey struct{}

// ContextWithSession stores the request's session in context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext returns the request's session. It never returns nil.
func SessionFromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionCtxKey{}).(*Session); ok && s != nil {
		return s
	}
	return NewAnonymousSession()
}
