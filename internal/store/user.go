package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const userColumns = `id, name, email, password, role, roll_number, created_at`

// CreateUser inserts a new user. It returns ErrDuplicate when the email or
// roll number is already registered.
func (s *Store) CreateUser(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := s.conn().queryRow(ctx,
		`INSERT INTO users (name, email, password, role, roll_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		u.Name, strings.ToLower(u.Email), u.PasswordHash, u.Role, nullString(u.RollNumber), time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Info("signup rejected: duplicate email or roll number", "email", u.Email)
			return 0, ErrDuplicate
		}
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return 0, err
	}
	slog.Info("created user", "id", id, "email", u.Email, "role", u.Role)
	return id, nil
}

// GetUserByEmail returns a user by email, or nil if none is registered.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.conn().queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// GetUserByRollNumber returns a student by roll number, or nil if none is registered.
func (s *Store) GetUserByRollNumber(ctx context.Context, roll string) (*model.User, error) {
	row := s.conn().queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE roll_number = ?`, roll)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u       model.User
		role    string
		roll    sql.NullString
		created int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &roll, &created); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.RollNumber = roll.String
	u.CreatedAt = unixTime(created)
	return &u, nil
}
