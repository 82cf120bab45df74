package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
)

const (
	csrfCookieName = "csrf_token"
	csrfFieldName  = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// csrfMiddleware implements double-submit protection. Safe requests receive a
// fresh token cookie; other requests must echo the cookie in the csrf_token
// form field or the X-CSRF-Token header.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value == "" {
				slog.Warn("CSRF cookie missing", "path", r.URL.Path)
				h.fail(w, r, http.StatusForbidden, "InvalidCSRF")
				return
			}

			sent := r.Header.Get(csrfHeaderName)
			if sent == "" {
				if err := parseForm(r); err != nil {
					h.formError(w, r, err)
					return
				}
				sent = r.PostFormValue(csrfFieldName)
			}
			if sent == "" {
				slog.Warn("CSRF form token missing", "path", r.URL.Path)
				h.fail(w, r, http.StatusForbidden, "InvalidCSRF")
				return
			}
			if len(sent) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
				slog.Warn("CSRF token mismatch", "path", r.URL.Path)
				h.fail(w, r, http.StatusForbidden, "InvalidCSRF")
				return
			}
		}

		token, err := generateCSRFToken()
		if err != nil {
			h.serverError(w, r, "failed to generate CSRF token", err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     csrfCookieName,
			Value:    token,
			Path:     h.cookiePath(),
			HttpOnly: false,
			Secure:   h.config.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
		ctx := model.ContextWithCSRFToken(r.Context(), token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects anonymous sessions with 401.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := model.SessionFromContext(r.Context()).Principal(); !ok {
			h.fail(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns middleware that admits only sessions holding role:
// 401 when nobody is signed in, 403 for any other role.
func (h *Handler) requireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, ok := model.SessionFromContext(r.Context()).Principal()
			if !ok {
				h.fail(w, r, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if who.Role != role {
				slog.Warn("role check failed", "user_id", who.UserID, "role", who.Role, "want", role, "path", r.URL.Path)
				h.fail(w, r, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type formPage struct {
	CSRFToken string `json:"csrf_token"`
	Flash     string `json:"flash,omitempty"`
}

func (h *Handler) handleSignupPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, formPage{CSRFToken: model.CSRFTokenFromContext(r.Context())})
}

type signupForm struct {
	Name       string `validate:"required,max=100"`
	Email      string `validate:"required,email,max=254"`
	Password   string `validate:"required,min=8,bcryptlen"`
	Role       string `validate:"required,oneof=student teacher"`
	RollNumber string `validate:"required_if=Role student,max=50"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	form := signupForm{
		Name:       strings.TrimSpace(r.PostFormValue("name")),
		Email:      strings.ToLower(strings.TrimSpace(r.PostFormValue("email"))),
		Password:   r.PostFormValue("password"),
		Role:       strings.ToLower(strings.TrimSpace(r.PostFormValue("role"))),
		RollNumber: strings.TrimSpace(r.PostFormValue("roll_number")),
	}
	if err := h.validate.Struct(form); err != nil {
		h.validationError(w, r, err)
		return
	}
	role, err := model.ParseRole(form.Role)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidForm")
		return
	}
	if role == model.RoleTeacher {
		// Roll numbers identify students only.
		form.RollNumber = ""
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), h.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		h.fail(w, r, http.StatusBadRequest, "InvalidForm")
		return
	}
	if err != nil {
		h.serverError(w, r, "failed to hash password", err)
		return
	}

	_, err = h.store.CreateUser(r.Context(), model.User{
		Name:         form.Name,
		Email:        form.Email,
		PasswordHash: string(hash),
		Role:         role,
		RollNumber:   form.RollNumber,
	})
	if err != nil {
		h.storeError(w, r, "failed to create user", err)
		return
	}

	if err := h.sessions.Flash(w, r, appI18n.T(r.Context(), "SignedUp")); err != nil {
		slog.Warn("failed to set flash", "error", err)
	}
	http.Redirect(w, r, h.path("/signin"), http.StatusSeeOther)
}

func (h *Handler) handleSigninPage(w http.ResponseWriter, r *http.Request) {
	flash, err := h.sessions.PopFlash(w, r)
	if err != nil {
		h.serverError(w, r, "failed to read flash", err)
		return
	}
	writeJSON(w, http.StatusOK, formPage{
		CSRFToken: model.CSRFTokenFromContext(r.Context()),
		Flash:     flash,
	})
}

func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	user, err := h.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		h.serverError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
		h.signinFailed(w, r, email)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			slog.Error("stored password hash is unusable", "user_id", user.ID, "error", err)
		}
		h.signinFailed(w, r, email)
		return
	}

	err = h.sessions.SignIn(w, r, model.Authenticated{
		UserID:     user.ID,
		Role:       user.Role,
		Name:       user.Name,
		RollNumber: user.RollNumber,
	})
	if err != nil {
		h.serverError(w, r, "failed to create session", err)
		return
	}
	slog.Info("user signed in", "user_id", user.ID, "role", user.Role)
	http.Redirect(w, r, h.path("/home"), http.StatusSeeOther)
}

func (h *Handler) signinFailed(w http.ResponseWriter, r *http.Request, email string) {
	slog.Info("sign-in failed", "email", email)
	if err := h.sessions.Flash(w, r, appI18n.T(r.Context(), "InvalidCredentials")); err != nil {
		h.serverError(w, r, "failed to set flash", err)
		return
	}
	http.Redirect(w, r, h.path("/signin"), http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	who, _ := model.SessionFromContext(r.Context()).Principal()
	if err := h.sessions.Destroy(w, r); err != nil {
		h.serverError(w, r, "failed to destroy session", err)
		return
	}
	slog.Info("user signed out", "user_id", who.UserID)
	http.Redirect(w, r, h.path("/signin"), http.StatusSeeOther)
}

type homeView struct {
	Greeting   string                `json:"greeting"`
	Role       model.Role            `json:"role"`
	Name       string                `json:"name"`
	RollNumber string                `json:"roll_number,omitempty"`
	Papers     []model.PaperSummary  `json:"papers,omitempty"`
	Available  []model.Paper         `json:"available,omitempty"`
	Results    []model.StudentResult `json:"results,omitempty"`
	CSRFToken  string                `json:"csrf_token"`
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	who, _ := model.SessionFromContext(r.Context()).Principal()
	view := homeView{
		Greeting:   appI18n.Td(r.Context(), "WelcomeUser", map[string]any{"Name": who.Name}),
		Role:       who.Role,
		Name:       who.Name,
		RollNumber: who.RollNumber,
		CSRFToken:  model.CSRFTokenFromContext(r.Context()),
	}

	var err error
	switch who.Role {
	case model.RoleTeacher:
		view.Papers, err = h.store.PaperSummaries(r.Context())
	case model.RoleStudent:
		view.Available, err = h.store.ListPapers(r.Context())
		if err == nil {
			view.Results, err = h.store.ListResultsByRoll(r.Context(), who.RollNumber)
		}
	}
	if err != nil {
		h.serverError(w, r, "failed to load home", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
