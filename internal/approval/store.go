package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/approval")

// Executor performs the deferred action behind an approved record.
// Implementations must be safe to call exactly once per approval.
type Executor interface {
	Execute(ctx context.Context, req *Request) (interface{}, error)
}

// Queue is the durable approval state machine backed by SQLite. All
// terminal transitions are conditional updates guarded by
// status='pending', so exactly one concurrent caller wins.
type Queue struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithTTL overrides the default pending lifetime.
func WithTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) { q.ttl = ttl }
}

// withNow injects a clock for tests.
func withNow(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue opens (or creates) the approvals database.
func NewQueue(dbPath string, opts ...QueueOption) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening approvals database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		pending_action TEXT NOT NULL,
		risk_score INTEGER,
		estimated_usd_value REAL NOT NULL DEFAULT 0,
		reasoning TEXT,
		limiting_factors TEXT,
		alternative_options TEXT,
		approved_by TEXT,
		approved_at DATETIME,
		rejected_by TEXT,
		rejected_at DATETIME,
		rejection_reason TEXT,
		execution_error TEXT,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_user ON approvals(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_approvals_expiry ON approvals(status, expires_at);

	CREATE TABLE IF NOT EXISTS usage_ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_type TEXT NOT NULL,
		usd_value REAL NOT NULL,
		ref_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_day ON usage_ledger(user_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating approvals schema: %w", err)
	}

	q := &Queue{db: db, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Create persists a new pending approval. ID and timestamps are assigned
// here; expires_at is creation time plus the fixed TTL and is immutable
// afterwards.
func (q *Queue) Create(ctx context.Context, req *Request) error {
	ctx, span := tracer.Start(ctx, "approval.create",
		trace.WithAttributes(
			attribute.String("approval.user_id", req.UserID),
			attribute.String("approval.request_type", string(req.RequestType)),
		))
	defer span.End()

	now := q.now().UTC()
	if req.ID == "" {
		req.ID = "apr_" + uuid.New().String()[:12]
	}
	req.Status = StatusPending
	req.CreatedAt = now
	req.UpdatedAt = now
	req.ExpiresAt = now.Add(q.ttl)

	limitingJSON, _ := json.Marshal(req.LimitingFactors)
	alternativesJSON, _ := json.Marshal(req.AlternativeOptions)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, user_id, request_type, status, pending_action, risk_score,
			estimated_usd_value, reasoning, limiting_factors, alternative_options,
			expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserID, string(req.RequestType), string(req.Status),
		string(req.PendingAction), req.RiskScore, req.EstimatedUSDValue,
		req.Reasoning, string(limitingJSON), string(alternativesJSON),
		req.ExpiresAt, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("inserting approval: %w", err)
	}

	log.Info().
		Str("approval_id", req.ID).
		Str("user_id", req.UserID).
		Str("request_type", string(req.RequestType)).
		Float64("usd_value", req.EstimatedUSDValue).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("approval_created")
	return nil
}

// Get returns a single approval by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, request_type, status, pending_action, risk_score,
			estimated_usd_value, reasoning, limiting_factors, alternative_options,
			approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
			execution_error, expires_at, created_at, updated_at
		FROM approvals WHERE id = ?`, id)
	return scanRequest(row)
}

// ListPending returns the user's unexpired pending approvals, oldest first.
func (q *Queue) ListPending(ctx context.Context, userID string) ([]*Request, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, request_type, status, pending_action, risk_score,
			estimated_usd_value, reasoning, limiting_factors, alternative_options,
			approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
			execution_error, expires_at, created_at, updated_at
		FROM approvals
		WHERE user_id = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at ASC`, userID, q.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Approve transitions pending→approved for the owning user, then runs
// the deferred action exactly once. Execution success advances the
// record to executed; execution failure is recorded while the record
// stays approved, since re-approval is never permitted.
func (q *Queue) Approve(ctx context.Context, id, actorID string, exec Executor) (*Request, interface{}, error) {
	ctx, span := tracer.Start(ctx, "approval.approve",
		trace.WithAttributes(attribute.String("approval.id", id)))
	defer span.End()

	req, err := q.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.UserID != actorID {
		return nil, nil, fmt.Errorf("%w: %s cannot approve %s", ErrPermissionDenied, actorID, id)
	}

	now := q.now().UTC()
	if now.After(req.ExpiresAt) {
		// Unswept but already past expiry: expire it now rather than
		// letting a late approve win the race against the sweeper.
		_, _ = q.casTransition(ctx, id, StatusExpired, `status = ?, updated_at = ?`, string(StatusExpired), now)
		return nil, nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	won, err := q.casTransition(ctx, id, StatusApproved,
		`status = ?, approved_by = ?, approved_at = ?, updated_at = ?`,
		string(StatusApproved), actorID, now, now)
	if err != nil {
		return nil, nil, err
	}
	if !won {
		return nil, nil, q.loserError(ctx, id)
	}

	log.Info().
		Str("approval_id", id).
		Str("approved_by", actorID).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("approval_approved")

	req, err = q.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, execErr := exec.Execute(ctx, req)
	if execErr != nil {
		// The approval stands; only the outcome is recorded.
		_, uerr := q.db.ExecContext(ctx,
			`UPDATE approvals SET execution_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
			execErr.Error(), q.now().UTC(), id, string(StatusApproved))
		if uerr != nil {
			log.Error().Err(uerr).Str("approval_id", id).Msg("approval_execution_error_persist_failed")
		}
		log.Error().
			Str("approval_id", id).
			Err(execErr).
			Msg("approval_execution_failed")
		req.ExecutionError = execErr.Error()
		return req, nil, fmt.Errorf("executing approved action %s: %w", id, execErr)
	}

	if _, err := q.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusExecuted), q.now().UTC(), id, string(StatusApproved)); err != nil {
		return nil, nil, fmt.Errorf("marking approval executed: %w", err)
	}
	if err := q.RecordUsage(ctx, req.UserID, req.RequestType, req.EstimatedUSDValue, req.ID); err != nil {
		log.Error().Err(err).Str("approval_id", id).Msg("usage_ledger_write_failed")
	}

	log.Info().
		Str("approval_id", id).
		Msg("approval_executed")

	req.Status = StatusExecuted
	return req, data, nil
}

// Reject transitions pending→rejected for the owning user.
func (q *Queue) Reject(ctx context.Context, id, actorID, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.reject",
		trace.WithAttributes(attribute.String("approval.id", id)))
	defer span.End()

	req, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, fmt.Errorf("%w: %s cannot reject %s", ErrPermissionDenied, actorID, id)
	}

	now := q.now().UTC()
	won, err := q.casTransition(ctx, id, StatusRejected,
		`status = ?, rejected_by = ?, rejected_at = ?, rejection_reason = ?, updated_at = ?`,
		string(StatusRejected), actorID, now, reason, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, q.loserError(ctx, id)
	}

	log.Info().
		Str("approval_id", id).
		Str("rejected_by", actorID).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("approval_rejected")
	return q.Get(ctx, id)
}

// SweepExpired transitions every pending record past its expiry to
// expired. Idempotent; safe to run concurrently with approve/reject
// because all three paths share the status='pending' precondition.
func (q *Queue) SweepExpired(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	result, err := q.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, updated_at = ? WHERE status = 'pending' AND expires_at <= ?`,
		string(StatusExpired), now, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired approvals: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		log.Info().Int64("count", n).Msg("approvals_expired")
	}
	return n, nil
}

// PurgeTerminal deletes terminal records whose last update is older than
// the retention window. Pending rows are never touched.
func (q *Queue) PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-retention)
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE status != 'pending' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging terminal approvals: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		log.Info().Int64("count", n).Msg("approvals_purged")
	}
	return n, nil
}

// RecordUsage appends one dispatched state-changing action to the usage
// ledger. The gate's daily-volume check sums this ledger.
func (q *Queue) RecordUsage(ctx context.Context, userID string, t RequestType, usd float64, refID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO usage_ledger (id, user_id, request_type, usd_value, ref_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"usg_"+uuid.New().String()[:12], userID, string(t), usd, refID, q.now().UTC())
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// DailyVolumeUSD sums the user's dispatched volume for the UTC calendar
// day containing at, over the half-open window [00:00, 24:00).
func (q *Queue) DailyVolumeUSD(ctx context.Context, userID string, at time.Time) (float64, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)

	var total sql.NullFloat64
	err := q.db.QueryRowContext(ctx,
		`SELECT SUM(usd_value) FROM usage_ledger WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID, day, next).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing daily volume: %w", err)
	}
	return total.Float64, nil
}

// casTransition performs the guarded pending→status update. Returns
// false when the precondition did not hold (another transition won).
func (q *Queue) casTransition(ctx context.Context, id string, to Status, setClause string, args ...interface{}) (bool, error) {
	query := `UPDATE approvals SET ` + setClause + ` WHERE id = ? AND status = 'pending'`
	args = append(args, id)
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning approval %s to %s: %w", id, to, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// loserError maps a lost CAS to the error the caller should see: the
// record is re-read so an expiry race surfaces as ErrExpired rather than
// a bare conflict.
func (q *Queue) loserError(ctx context.Context, id string) error {
	req, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == StatusExpired {
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, req.Status)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req                           Request
		requestType, status           string
		riskScore                     sql.NullInt64
		reasoning, limiting, options  sql.NullString
		approvedBy, rejectedBy        sql.NullString
		rejectionReason, executionErr sql.NullString
		approvedAt, rejectedAt        sql.NullTime
		pendingAction                 string
	)
	err := row.Scan(
		&req.ID, &req.UserID, &requestType, &status, &pendingAction, &riskScore,
		&req.EstimatedUSDValue, &reasoning, &limiting, &options,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectionReason,
		&executionErr, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning approval: %w", err)
	}

	req.RequestType = RequestType(requestType)
	req.Status = Status(status)
	req.PendingAction = json.RawMessage(pendingAction)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		req.RiskScore = &v
	}
	req.Reasoning = reasoning.String
	if limiting.Valid && limiting.String != "" {
		_ = json.Unmarshal([]byte(limiting.String), &req.LimitingFactors)
	}
	if options.Valid && options.String != "" {
		_ = json.Unmarshal([]byte(options.String), &req.AlternativeOptions)
	}
	req.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		req.ApprovedAt = &t
	}
	req.RejectedBy = rejectedBy.String
	if rejectedAt.Valid {
		t := rejectedAt.Time
		req.RejectedAt = &t
	}
	req.RejectionReason = rejectionReason.String
	req.ExecutionError = executionErr.String
	return &req, nil
}
