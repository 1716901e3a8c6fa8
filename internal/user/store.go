// Package user persists per-user settings: the API key that identifies
// the caller, the capability scopes they granted, and their approval
// thresholds. Operator config never carries these; they are user data.
package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/tools"
)

// ErrUserNotFound is returned for unknown user ids.
var ErrUserNotFound = errors.New("user not found")

// User is one registered caller.
type User struct {
	ID         string              `json:"id"`
	APIKey     string              `json:"-"`
	Scopes     []tools.Scope       `json:"scopes"`
	Thresholds approval.Thresholds `json:"thresholds"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Store is the user settings database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the users database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening users database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL UNIQUE,
		scopes TEXT NOT NULL DEFAULT '[]',
		thresholds TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating users schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert creates or replaces a user record.
func (s *Store) Upsert(ctx context.Context, u *User) error {
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	thresholds, err := json.Marshal(u.Thresholds)
	if err != nil {
		return fmt.Errorf("encoding thresholds: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, api_key, scopes, thresholds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			api_key = excluded.api_key,
			scopes = excluded.scopes,
			thresholds = excluded.thresholds,
			updated_at = excluded.updated_at`,
		u.ID, u.APIKey, string(scopes), string(thresholds), now, now)
	if err != nil {
		return fmt.Errorf("storing user: %w", err)
	}
	return nil
}

// Get returns one user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_key, scopes, thresholds, created_at, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// APIKeyMap returns api_key → user id for the auth middleware. Loaded
// at startup; adding a user takes effect on restart.
func (s *Store) APIKeyMap(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT api_key, id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

// Grants returns the user's granted scopes. Unknown users hold nothing.
func (s *Store) Grants(ctx context.Context, userID string) ([]tools.Scope, error) {
	u, err := s.Get(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Scopes, nil
}

// Thresholds implements the pipeline's threshold source. Users without
// stored limits get the defaults.
func (s *Store) Thresholds(ctx context.Context, userID string) (approval.Thresholds, error) {
	u, err := s.Get(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return approval.DefaultThresholds(), nil
	}
	if err != nil {
		return approval.Thresholds{}, err
	}
	return u.Thresholds, nil
}

// SetThresholds replaces one user's approval limits.
func (s *Store) SetThresholds(ctx context.Context, userID string, th approval.Thresholds) error {
	encoded, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encoding thresholds: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET thresholds = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("storing thresholds: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u          User
		scopes     string
		thresholds string
	)
	err := row.Scan(&u.ID, &u.APIKey, &scopes, &thresholds, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &u.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	u.Thresholds = approval.DefaultThresholds()
	if thresholds != "{}" && thresholds != "" {
		if err := json.Unmarshal([]byte(thresholds), &u.Thresholds); err != nil {
			return nil, fmt.Errorf("decoding thresholds: %w", err)
		}
	}
	return &u, nil
}
