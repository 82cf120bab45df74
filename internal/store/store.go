package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)

// Dialect identifies the SQL flavour behind a Store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store is the relational store shared by all request handlers.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New opens the database named by dsn and applies the schema.
//
// A dsn starting with postgres:// or postgresql://, or written in key=value
// form, selects PostgreSQL; anything else is treated as a SQLite path
// (an optional sqlite:// prefix is stripped). ssl only applies to PostgreSQL
// and is ignored when the dsn already carries an sslmode.
func New(dsn string, ssl bool) (*Store, error) {
	dialect, driverDSN, err := resolveDSN(dsn, ssl)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.String(), driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	switch dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		// One connection keeps :memory: databases coherent and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Debug("database ready", "dialect", dialect)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func resolveDSN(dsn string, ssl bool) (Dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return 0, "", fmt.Errorf("parse database url: %w", err)
		}
		q := u.Query()
		if q.Get("sslmode") == "" {
			q.Set("sslmode", sslMode(ssl))
			u.RawQuery = q.Encode()
		}
		return DialectPostgres, u.String(), nil
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		if !strings.Contains(dsn, "sslmode=") {
			dsn += " sslmode=" + sslMode(ssl)
		}
		return DialectPostgres, dsn, nil
	}

	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "sqlite:")
	if path == "" {
		path = "examhall.db"
	}
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !strings.Contains(path, ":memory:") {
		params += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return DialectSQLite, path + sep + params, nil
}

func sslMode(ssl bool) string {
	if ssl {
		return "require"
	}
	return "disable"
}

func (s *Store) migrate() error {
	autoID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		autoID = "BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + autoID + `,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('student', 'teacher')),
			roll_number TEXT UNIQUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS papers (
			id ` + autoID + `,
			name TEXT NOT NULL,
			total_marks INTEGER NOT NULL DEFAULT 0,
			marks_per_question INTEGER NOT NULL CHECK (marks_per_question > 0),
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id ` + autoID + `,
			paper_id BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
			question TEXT NOT NULL,
			answer TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_paper ON questions(paper_id, id)`,
		`CREATE TABLE IF NOT EXISTS results (
			roll_number TEXT NOT NULL REFERENCES users(roll_number),
			paper_id BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
			marks INTEGER NOT NULL,
			submitted_at BIGINT NOT NULL,
			PRIMARY KEY (roll_number, paper_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to the store's dialect so queries can be written
// with ? placeholders throughout.
type conn struct {
	q       querier
	dialect Dialect
}

func (s *Store) conn() conn {
	return conn{q: s.db, dialect: s.dialect}
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rebind(c.dialect, query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rebind(c.dialect, query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rebind(c.dialect, query), args...)
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(conn{q: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
// Queries in this package never contain a literal question mark.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY
// constraint in either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch code := liteErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			// Primary result code only; fall back to the message.
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
