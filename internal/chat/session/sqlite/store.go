// Package sqlite reads session state from the SQLite key/value table the
// login surface writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/session"
	"github.com/louisbranch/switchboard/internal/chat/session/sqlite/migrations"
	"github.com/louisbranch/switchboard/internal/platform/storage/sqlitemigrate"
)

// Keys written by the login surface.
const (
	KeyAccessToken = "access_token"
	KeyUser        = "user"
)

// Store provides SQLite-backed session state.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens and migrates a session SQLite store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the signed-in session.
func (s *Store) Load(ctx context.Context) (session.Session, error) {
	if s == nil || s.sqlDB == nil {
		return session.Session{}, fmt.Errorf("storage is not configured")
	}
	token, ok, err := s.Get(ctx, KeyAccessToken)
	if err != nil {
		return session.Session{}, err
	}
	if !ok {
		return session.Session{}, session.ErrNoSession
	}

	var user chat.User
	raw, ok, err := s.Get(ctx, KeyUser)
	if err != nil {
		return session.Session{}, err
	}
	if ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return session.Session{}, fmt.Errorf("decode session user: %w", err)
		}
	}
	return session.Resolve(session.Session{Token: token, User: user}, s.now())
}

// Save replaces the stored session.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sess.Token) == "" {
		return fmt.Errorf("access token is required")
	}
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save session: %w", err)
	}
	updatedAt := s.now().UTC().UnixMilli()
	for _, entry := range [][2]string{{KeyAccessToken, sess.Token}, {KeyUser, string(user)}} {
		if err := put(ctx, tx, entry[0], entry[1], updatedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save session: %w", err)
	}
	return nil
}

// Clear signs the session out.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM session_entries WHERE entry_key IN (?, ?)`,
		KeyAccessToken, KeyUser,
	); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Get loads one entry by key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.sqlDB == nil {
		return "", false, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("entry key is required")
	}
	var value string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT entry_value FROM session_entries WHERE entry_key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session entry %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts one entry.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("entry key is required")
	}
	return put(ctx, s.sqlDB, key, value, s.now().UTC().UnixMilli())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, key, value string, updatedAt int64) error {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO session_entries (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(entry_key) DO UPDATE SET
		    entry_value = excluded.entry_value,
		    updated_at = excluded.updated_at`,
		key, value, updatedAt,
	); err != nil {
		return fmt.Errorf("put session entry %s: %w", key, err)
	}
	return nil
}
