package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is a user's access level.
type Role string

const (
	// RoleStudent takes papers and receives results.
	RoleStudent Role = "student"
	// RoleTeacher imports papers.
	RoleTeacher Role = "teacher"
)

// ParseRole converts a form or database value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleTeacher:
		return RoleTeacher, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// User represents a registered account.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	RollNumber   string    `json:"roll_number,omitempty"` // empty for teachers
	CreatedAt    time.Time `json:"created_at"`
}

// Paper is an exam definition. Every question carries the same mark value.
type Paper struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	TotalMarks       int       `json:"total_marks"`
	MarksPerQuestion int       `json:"marks_per_question"`
	CreatedAt        time.Time `json:"created_at"`
}

// Question is a question/answer pair belonging to a paper.
type Question struct {
	ID       int64  `json:"id"`
	PaperID  int64  `json:"paper_id"`
	Question string `json:"question"`
	Answer   string `json:"-"`
}

// QuestionPair is a parsed line of an answer-key file.
type QuestionPair struct {
	Question string
	Answer   string
}

// Result is a student's mark for one paper.
type Result struct {
	RollNumber  string    `json:"roll_number"`
	PaperID     int64     `json:"paper_id"`
	Marks       int       `json:"marks"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StudentResult is a per-student result row joined with the paper name.
type StudentResult struct {
	PaperID    int64  `json:"paper_id"`
	PaperName  string `json:"paper_name"`
	Marks      int    `json:"marks"`
	TotalMarks int    `json:"total_marks"`
}

// ResultRow is a global result listing row joined with user and paper names.
type ResultRow struct {
	StudentName string    `json:"student_name"`
	RollNumber  string    `json:"student_roll_no"`
	PaperID     int64     `json:"paper_id"`
	PaperName   string    `json:"paper_name"`
	Marks       int       `json:"marks"`
	TotalMarks  int       `json:"total_marks"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ServerConfig holds runtime parameters set via flags, env or config file.
type ServerConfig struct {
	BasePath      string        // URL prefix for sub-path deployments
	SecureCookies bool          // Set Secure flag on cookies (disable for local dev)
	SessionSecret string        // HMAC key for session cookies
	SessionTTL    time.Duration // idle timeout
	Delimiter     rune          // answer-key separator
	BcryptCost    int           // 0 means bcrypt.DefaultCost
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}
