package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

// sessionData is the JSON document stored in sessions.data.
type sessionData struct {
	UserID     int64      `json:"user_id,omitempty"`
	Role       model.Role `json:"role,omitempty"`
	Name       string     `json:"name,omitempty"`
	RollNumber string     `json:"roll_number,omitempty"`
	Flash      string     `json:"flash,omitempty"`
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.conn().exec(ctx,
		`INSERT INTO sessions (id, data, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		sess.ID, data, sess.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id, or nil if not found/expired.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var (
		data    string
		expires int64
	)
	err := s.conn().queryRow(ctx, `SELECT data, expires_at FROM sessions WHERE id = ?`, id).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := decodeSession(id, data, unixTime(expires))
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		_ = s.DeleteSession(ctx, id)
		return nil, nil
	}
	return sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.conn().exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// CleanupExpiredSessions removes all expired sessions and reports how many went.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.conn().exec(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeSession(sess *model.Session) (string, error) {
	d := sessionData{Flash: sess.Flash}
	if p, ok := sess.Principal(); ok {
		d.UserID = p.UserID
		d.Role = p.Role
		d.Name = p.Name
		d.RollNumber = p.RollNumber
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(b), nil
}

func decodeSession(id, data string, expires time.Time) (*model.Session, error) {
	var d sessionData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess := &model.Session{ID: id, State: model.Anonymous{}, Flash: d.Flash, ExpiresAt: expires}
	if d.Role != "" {
		sess.State = model.Authenticated{
			UserID:     d.UserID,
			Role:       d.Role,
			Name:       d.Name,
			RollNumber: d.RollNumber,
		}
	}
	return sess, nil
}
