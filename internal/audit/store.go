package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
	"github.com/ordo-agent/ordo/internal/policy"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/audit")

// Kind classifies an audit entry.
type Kind string

const (
	KindPolicyViolation    Kind = "policy_violation"
	KindApprovalTransition Kind = "approval_transition"
)

// Entry is one signed audit row. Detail is the kind-specific payload;
// the signature covers the canonical JSON of everything but itself.
type Entry struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	UserID    string          `json:"user_id"`
	Detail    json.RawMessage `json:"detail"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
	// Valid is set on read: whether the stored signature still matches
	// the stored content.
	Valid bool `json:"valid"`
}

// ApprovalTransition is the detail payload for approval lifecycle rows.
type ApprovalTransition struct {
	ApprovalID string `json:"approval_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	ActorID    string `json:"actor_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Store persists signed audit entries in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
	now    func() time.Time
}

// NewStore opens (or creates) the audit database.
func NewStore(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		detail TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Store{db: db, signer: signer, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordPolicyViolation implements policy.Auditor. Failures are logged,
// never surfaced: filtering must stay non-fatal.
func (s *Store) RecordPolicyViolation(ctx context.Context, v policy.Violation) {
	detail, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit_encode_failed")
		return
	}
	if err := s.append(ctx, KindPolicyViolation, v.UserID, detail); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}
}

// RecordApprovalTransition appends one approval lifecycle row.
func (s *Store) RecordApprovalTransition(ctx context.Context, userID string, t ApprovalTransition) error {
	detail, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transition: %w", err)
	}
	return s.append(ctx, KindApprovalTransition, userID, detail)
}

// append signs and inserts one row. The signed payload is
// id|kind|user_id|detail|timestamp in canonical JSON.
func (s *Store) append(ctx context.Context, kind Kind, userID string, detail json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "audit.append")
	defer span.End()

	entry := Entry{
		ID:        "aud_" + uuid.New().String()[:12],
		Kind:      kind,
		UserID:    userID,
		Detail:    detail,
		Timestamp: s.now().UTC(),
	}
	signature := s.signer.Sign(signingPayload(&entry))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, user_id, detail, timestamp, signature)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.UserID, string(entry.Detail),
		entry.Timestamp.Format(time.RFC3339Nano), signature)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Query returns entries newest first, verifying each signature. Empty
// userID or kind means no filter; limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, userID string, kind Kind, limit int) ([]Entry, error) {
	query := `SELECT id, kind, user_id, detail, timestamp, signature FROM audit_log`
	var (
		clauses []string
		args    []interface{}
	)
	if userID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, userID)
	}
	if kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(kind))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			kindStr   string
			detailStr string
			tsStr     string
		)
		if err := rows.Scan(&e.ID, &kindStr, &e.UserID, &detailStr, &tsStr, &e.Signature); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Kind = Kind(kindStr)
		e.Detail = json.RawMessage(detailStr)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		e.Valid = s.signer.Verify(signingPayload(&e), e.Signature)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// signingPayload renders the entry's signed fields deterministically.
func signingPayload(e *Entry) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		e.ID, e.Kind, e.UserID, string(e.Detail), e.Timestamp.Format(time.RFC3339Nano)))
}
