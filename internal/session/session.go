// Package session keeps server-side sessions behind a signed cookie.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/examhall/internal/model"
)

// CookieName is the name of the session cookie.
const CookieName = "session"

// DefaultTTL is the idle timeout used when Options.TTL is zero.
const DefaultTTL = 24 * time.Hour

// Store persists sessions.
type Store interface {
	SaveSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Options configures cookies and expiry.
type Options struct {
	TTL    time.Duration
	Secure bool
	Path   string
}

// Manager loads, creates and destroys sessions.
type Manager struct {
	store  Store
	secret []byte
	opts   Options
	now    func() time.Time
}

// NewManager returns a Manager signing cookies with secret.
func NewManager(store Store, secret string, opts Options) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &Manager{store: store, secret: []byte(secret), opts: opts, now: time.Now}, nil
}

// ErrorFunc answers a request whose session could not be loaded.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware resolves the request's session and stores it in the context.
// Requests without a valid cookie get an unsaved anonymous session. Store
// failures go to onError; a nil onError writes a plain 500.
func (m *Manager) Middleware(onError ErrorFunc) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			slog.Error("failed to load session", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := m.load(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			if sess.ID != "" && sess.ExpiresAt.Sub(m.now()) < m.opts.TTL/2 {
				sess.ExpiresAt = m.now().Add(m.opts.TTL)
				if err := m.save(r.Context(), w, sess); err != nil {
					slog.Warn("failed to extend session", "error", err)
				}
			}
			next.ServeHTTP(w, r.WithContext(model.ContextWithSession(r.Context(), sess)))
		})
	}
}

func (m *Manager) load(r *http.Request) (*model.Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return model.NewAnonymousSession(), nil
	}
	id, err := m.parse(cookie.Value)
	if err != nil {
		slog.Debug("ignoring invalid session cookie", "error", err)
		return model.NewAnonymousSession(), nil
	}
	sess, err := m.store.GetSession(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return model.NewAnonymousSession(), nil
	}
	return sess, nil
}

// SignIn replaces the request's session with a fresh authenticated one.
// The previous session id is discarded.
func (m *Manager) SignIn(w http.ResponseWriter, r *http.Request, who model.Authenticated) error {
	ctx := r.Context()
	cur := model.SessionFromContext(ctx)
	if cur.ID != "" {
		if err := m.store.DeleteSession(ctx, cur.ID); err != nil {
			return fmt.Errorf("drop previous session: %w", err)
		}
	}
	next := &model.Session{
		ID:        uuid.NewString(),
		State:     who,
		ExpiresAt: m.now().Add(m.opts.TTL),
	}
	if err := m.save(ctx, w, next); err != nil {
		return err
	}
	*cur = *next
	return nil
}

// Flash stores a message that is cleared the first time it is read.
func (m *Manager) Flash(w http.ResponseWriter, r *http.Request, msg string) error {
	cur := model.SessionFromContext(r.Context())
	if cur.ID == "" {
		cur.ID = uuid.NewString()
		cur.ExpiresAt = m.now().Add(m.opts.TTL)
	}
	cur.Flash = msg
	return m.save(r.Context(), w, cur)
}

// PopFlash returns and clears the pending flash message.
func (m *Manager) PopFlash(w http.ResponseWriter, r *http.Request) (string, error) {
	cur := model.SessionFromContext(r.Context())
	if cur.Flash == "" {
		return "", nil
	}
	msg := cur.Flash
	cur.Flash = ""
	if cur.ID != "" {
		if err := m.store.SaveSession(r.Context(), cur); err != nil {
			return "", fmt.Errorf("clear flash: %w", err)
		}
	}
	return msg, nil
}

// Destroy deletes the request's session and expires the cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) error {
	cur := model.SessionFromContext(r.Context())
	if cur.ID != "" {
		if err := m.store.DeleteSession(r.Context(), cur.ID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     m.opts.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
	})
	*cur = *model.NewAnonymousSession()
	return nil
}

func (m *Manager) save(ctx context.Context, w http.ResponseWriter, sess *model.Session) error {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	value, err := m.sign(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     m.opts.Path,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.opts.Secure,
	})
	return nil
}

// sign encodes the session id as an HS256 token expiring with the session.
func (m *Manager) sign(sess *model.Session) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        sess.ID,
		IssuedAt:  jwt.NewNumericDate(m.now()),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	})
	s, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return s, nil
}

func (m *Manager) parse(value string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(value, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.ID == "" {
		return "", errors.New("invalid session token")
	}
	return claims.ID, nil
}
