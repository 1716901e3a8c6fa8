// Package secrets provides the per-user credentials vault. Upstream
// surface credentials (Helius key, mail token, social tokens) are
// encrypted at rest with NaCl secretbox and stored in SQLite; every
// read is counted and logged so credential use stays reviewable.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ordo-agent/ordo/internal/cryptoutil"
	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var (
	// ErrCredentialNotFound is returned when the user has no credential
	// under the requested name.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrInvalidVaultKey is returned when the vault key is not exactly
	// 32 raw bytes or 64 hex characters.
	ErrInvalidVaultKey = errors.New("invalid vault key")
	// ErrCiphertextCorrupt is returned when authentication fails during
	// decryption (wrong key or tampered row).
	ErrCiphertextCorrupt = errors.New("credential ciphertext corrupt")
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/secrets")

const nonceSize = 24

// Vault stores per-user upstream credentials encrypted with secretbox.
type Vault struct {
	db  *sql.DB
	key [32]byte
}

// CredentialMetadata is the public view of a stored credential (no
// plaintext value).
type CredentialMetadata struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// AccessRecord is a single vault access audit entry.
type AccessRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// NewVault opens (or creates) the credentials database. The key must be
// exactly 32 raw bytes or 64 hex characters.
func NewVault(dbPath, key string) (*Vault, error) {
	keyBytes, err := resolveVaultKey(key)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening credentials database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sealed_value TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		accessed_at DATETIME,
		access_count INTEGER DEFAULT 0,
		PRIMARY KEY (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS credential_access_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cred_log_user ON credential_access_log(user_id, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating credentials schema: %w", err)
	}

	v := &Vault{db: db}
	copy(v.key[:], keyBytes)
	return v, nil
}

// resolveVaultKey interprets the key as 32 raw bytes or 64 hex characters.
func resolveVaultKey(key string) ([]byte, error) {
	if len(key) == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("vault key hex must decode to 32 bytes: %w", ErrInvalidVaultKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("vault key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidVaultKey)
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores one credential for a user, sealed with a fresh nonce.
// Upserts on conflict.
func (v *Vault) Set(ctx context.Context, userID, name, value string) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(
			attribute.String("credential.name", name),
			attribute.String("user_id", userID),
		))
	defer span.End()

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	// Nonce travels as the sealed blob's prefix.
	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &v.key)
	now := time.Now().UTC()

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, name, sealed_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			sealed_value = excluded.sealed_value,
			updated_at = excluded.updated_at`,
		userID, name, base64.StdEncoding.EncodeToString(sealed), now, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Get retrieves and opens one credential. Both found and not-found
// lookups land in the access log.
func (v *Vault) Get(ctx context.Context, userID, name string) (string, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("credential.name", name),
			attribute.String("user_id", userID),
		))
	defer span.End()

	var sealedB64 string
	err := v.db.QueryRowContext(ctx,
		`SELECT sealed_value FROM credentials WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&sealedB64)
	if errors.Is(err, sql.ErrNoRows) {
		v.logAccess(ctx, userID, name, false, "credential not found")
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("querying credential: %w", err)
	}

	value, err := v.open(sealedB64)
	if err != nil {
		span.RecordError(err)
		v.logAccess(ctx, userID, name, false, err.Error())
		return "", err
	}

	_, _ = v.db.ExecContext(ctx,
		`UPDATE credentials SET accessed_at = ?, access_count = access_count + 1 WHERE user_id = ? AND name = ?`,
		time.Now().UTC(), userID, name)
	v.logAccess(ctx, userID, name, true, "")
	return value, nil
}

// Delete removes one credential.
func (v *Vault) Delete(ctx context.Context, userID, name string) error {
	result, err := v.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	return nil
}

// List returns metadata for a user's credentials, values excluded.
func (v *Vault) List(ctx context.Context, userID string) ([]CredentialMetadata, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT name, created_at, accessed_at, access_count
		FROM credentials WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialMetadata
	for rows.Next() {
		var (
			m          CredentialMetadata
			accessedAt sql.NullTime
		)
		if err := rows.Scan(&m.Name, &m.CreatedAt, &accessedAt, &m.AccessCount); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		m.AccessedAt = accessedAt.Time
		out = append(out, m)
	}
	return out, rows.Err()
}

// Credentials opens every credential the user holds, keyed by name.
// This is the workflow pipeline's credential source for tool calls.
func (v *Vault) Credentials(ctx context.Context, userID string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "secrets.credentials",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rows, err := v.db.QueryContext(ctx,
		`SELECT name, sealed_value FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	creds := make(map[string]string)
	for rows.Next() {
		var name, sealedB64 string
		if err := rows.Scan(&name, &sealedB64); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		value, err := v.open(sealedB64)
		if err != nil {
			v.logAccess(ctx, userID, name, false, err.Error())
			return nil, fmt.Errorf("opening credential %s: %w", name, err)
		}
		creds[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("credential.count", len(creds)))
	return creds, nil
}

// open unseals one base64 blob (nonce prefix + ciphertext).
func (v *Vault) open(sealedB64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil || len(sealed) < nonceSize {
		return "", ErrCiphertextCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrCiphertextCorrupt
	}
	return string(plaintext), nil
}

// logAccess records vault access attempts.
func (v *Vault) logAccess(ctx context.Context, userID, name string, allowed bool, reason string) {
	_, _ = v.db.ExecContext(ctx, `
		INSERT INTO credential_access_log (id, user_id, name, timestamp, allowed, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, name, time.Now().UTC(), allowed, reason)
}

// AccessLog returns access records, newest first. Empty userID means
// all users; limit <= 0 means no limit.
func (v *Vault) AccessLog(ctx context.Context, userID string, limit int) ([]AccessRecord, error) {
	query := `SELECT id, user_id, name, timestamp, allowed, reason FROM credential_access_log`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var (
			r      AccessRecord
			reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.Timestamp, &r.Allowed, &reason); err != nil {
			return nil, fmt.Errorf("scanning access record: %w", err)
		}
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}
