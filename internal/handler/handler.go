package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examhall/internal/grading"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/importer"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/session"
	"github.com/pavelanni/examhall/internal/store"
)

const (
	// maxUploadBytes caps the whole multipart request of a paper import.
	maxUploadBytes = 10 << 20
	// maxMemoryBytes is how much of a multipart form is kept in memory.
	maxMemoryBytes = 1 << 20
	// maxPasswordBytes is bcrypt's input limit; validator's max counts runes.
	maxPasswordBytes = 72
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	sessions   *session.Manager
	engine     *grading.Engine
	parser     importer.Parser
	validate   *validator.Validate
	config     model.ServerConfig
	bcryptCost int
	dummyHash  []byte
}

// New creates a new Handler.
func New(s *store.Store, sm *session.Manager, cfg model.ServerConfig) (*Handler, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// Compared against when the email is unknown, so both paths cost one bcrypt run.
	dummy, err := bcrypt.GenerateFromPassword([]byte("examhall-no-such-user"), cost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	err = validate.RegisterValidation("bcryptlen", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})
	if err != nil {
		return nil, fmt.Errorf("register password validation: %w", err)
	}
	return &Handler{
		store:      s,
		sessions:   sm,
		engine:     grading.NewEngine(s),
		parser:     importer.NewDelimited(cfg.Delimiter),
		validate:   validate,
		config:     cfg,
		bcryptCost: cost,
		dummyHash:  dummy,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.Middleware(h.sessionError))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, h.path("/signup"), http.StatusSeeOther)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.csrfMiddleware)
			r.Get("/signup", h.handleSignupPage)
			r.Post("/signup", h.handleSignup)
			r.Get("/signin", h.handleSigninPage)
			r.Post("/signin", h.handleSignin)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Use(h.csrfMiddleware)
			r.Get("/logout", h.handleLogout)
			r.Get("/home", h.handleHome)
			r.Get("/evaluate/{studentId}/{paperId}", h.handleQuestions)
			r.Get("/result/{rollNumber}", h.handleStudentResults)
			r.Get("/results", h.handleAllResults)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireRole(model.RoleTeacher))
			r.Use(middleware.RequestSize(maxUploadBytes))
			r.Use(h.csrfMiddleware)
			r.Get("/add-paper", h.handlePapersPage)
			r.Post("/add-paper", h.handleAddPaper)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireRole(model.RoleStudent))
			r.Use(h.csrfMiddleware)
			r.Get("/evaluate", h.handleAvailablePapers)
			r.Post("/evaluate/{paperId}", h.handleSubmit)
		})
	})
}

// BasePathMiddleware injects the configured base path into the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// path prefixes an absolute route with the base path.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": h.store.Dialect().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// fail writes a localized client error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID)})
}

// serverError logs err and writes a generic 500 without internal detail.
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "error", err, "method", r.Method, "path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()))
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}

func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	h.serverError(w, r, "failed to load session", err)
}

// storeError maps store sentinels to client errors and everything else to 500.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.fail(w, r, http.StatusNotFound, "PaperNotFound")
	case errors.Is(err, grading.ErrNoQuestions):
		h.fail(w, r, http.StatusNotFound, "NoQuestionsFound")
	case errors.Is(err, grading.ErrMissingRollNumber):
		h.fail(w, r, http.StatusBadRequest, "RollNumberRequired")
	case errors.Is(err, store.ErrDuplicate):
		h.fail(w, r, http.StatusConflict, "DuplicateUser")
	default:
		h.serverError(w, r, msg, err)
	}
}

// parseForm parses urlencoded or multipart bodies. Calling it twice is harmless.
func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxMemoryBytes)
	}
	return r.ParseForm()
}

// formError answers a body that could not be parsed.
func (h *Handler) formError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.fail(w, r, http.StatusRequestEntityTooLarge, "FileTooLarge")
		return
	}
	slog.Warn("bad form body", "path", r.URL.Path, "error", err)
	h.fail(w, r, http.StatusBadRequest, "InvalidForm")
}

// validationError answers a struct that failed validation, naming the fields.
func (h *Handler) validationError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		h.serverError(w, r, "validate form", err)
		return
	}
	resp := errorResponse{Error: appI18n.T(r.Context(), "InvalidForm")}
	for _, fe := range verrs {
		if fe.Field() == "RollNumber" && fe.Tag() == "required_if" {
			resp.Error = appI18n.T(r.Context(), "RollNumberRequired")
		}
		resp.Fields = append(resp.Fields, fe.Field())
	}
	writeJSON(w, http.StatusBadRequest, resp)
}
