package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session has no stored credential.
var ErrNotFound = errors.New("credential not found")

type Store struct {
	db  *sql.DB
	ttl time.Duration
}

func Open(ctx context.Context, path string, ttl time.Duration) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
            session_id TEXT PRIMARY KEY,
            access_token TEXT NOT NULL,
            refresh_token TEXT NOT NULL,
            expiry INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_updated ON credentials(updated_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Get returns the stored credential for a session. Records older than the
// session TTL are treated as absent.
func (s *Store) Get(ctx context.Context, sessionID string) (Credential, error) {
	var cred Credential
	var expiry, updatedAt int64
	row := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, expiry, updated_at
        FROM credentials WHERE session_id = ?;`, sessionID)
	if err := row.Scan(&cred.AccessToken, &cred.RefreshToken, &expiry, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.Expiry = time.Unix(expiry, 0)
	cred.UpdatedAt = time.Unix(updatedAt, 0)
	if s.ttl > 0 && time.Since(cred.UpdatedAt) > s.ttl {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Put upserts the credential for a session. The store is the single source of
// truth; callers overwrite the whole record after a successful refresh.
func (s *Store) Put(ctx context.Context, sessionID string, cred Credential) error {
	query := `INSERT INTO credentials (session_id, access_token, refresh_token, expiry, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(session_id) DO UPDATE SET
            access_token = excluded.access_token,
            refresh_token = excluded.refresh_token,
            expiry = excluded.expiry,
            updated_at = excluded.updated_at;`
	now := time.Now()
	_, err := s.db.ExecContext(ctx, query, sessionID, cred.AccessToken, cred.RefreshToken, cred.Expiry.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// Delete removes the credential for a session, if any.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// DeleteExpired sweeps records past the session TTL.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE updated_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired credentials: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired credentials: %w", err)
	}
	return rows, nil
}
