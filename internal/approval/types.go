// Package approval implements the gate and durable queue for
// state-changing actions. The gate decides whether an action
// auto-executes or waits for the owner's explicit approval; the queue is
// the race-safe state machine holding the pending records.
package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Default lifetime of a pending approval.
const DefaultTTL = 15 * time.Minute

// Domain errors. Queue errors are terminal and returned to the caller
// directly, never silently retried.
var (
	ErrNotFound         = errors.New("approval not found")
	ErrConflict         = errors.New("approval transition conflict")
	ErrExpired          = errors.New("approval expired")
	ErrPermissionDenied = errors.New("actor is not the approval owner")
	ErrRiskRejected     = errors.New("action blocked by risk policy")
)

// Status is the approval lifecycle state. Transitions are monotonic:
// pending is the only non-terminal state, and approved may advance once
// more to executed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// RequestType categorizes why an action was queued.
type RequestType string

const (
	TypeTransfer      RequestType = "transfer"
	TypeSettingChange RequestType = "setting_change"
	TypeLargeTransfer RequestType = "large_transfer"
	TypeHighRiskAsset RequestType = "high_risk_asset"
)

// Request is one durable approval record.
type Request struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	RequestType        RequestType     `json:"request_type"`
	Status             Status          `json:"status"`
	PendingAction      json.RawMessage `json:"pending_action"`
	RiskScore          *int            `json:"risk_score,omitempty"`
	EstimatedUSDValue  float64         `json:"estimated_usd_value"`
	Reasoning          string          `json:"reasoning"`
	LimitingFactors    []string        `json:"limiting_factors,omitempty"`
	AlternativeOptions []string        `json:"alternative_options,omitempty"`
	ApprovedBy         string          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	RejectedBy         string          `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	ExecutionError     string          `json:"execution_error,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition is accepted. An
// approved record is terminal for approve/reject/expire purposes even
// though it may still advance to executed.
func (r *Request) Terminal() bool {
	return r.Status != StatusPending
}

// Thresholds are the per-user gating limits. Stored per user, not in
// operator config.
type Thresholds struct {
	RequireApprovalAboveUSDC float64 `json:"require_approval_above_usdc"`
	MinTokenRiskScore        int     `json:"min_token_risk_score"`
	BlockHighRiskTokens      bool    `json:"block_high_risk_tokens"`
	MaxSingleTransfer        float64 `json:"max_single_transfer"`
	MaxDailyVolumeUSDC       float64 `json:"max_daily_volume_usdc"`
}

// DefaultThresholds are applied to users who have not configured limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RequireApprovalAboveUSDC: 100,
		MinTokenRiskScore:        50,
		BlockHighRiskTokens:      true,
		MaxSingleTransfer:        1000,
		MaxDailyVolumeUSDC:       5000,
	}
}
