package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
	"github.com/ordo-agent/ordo/internal/risk"
)

// RiskScorer is the slice of the risk cache the gate consults.
type RiskScorer interface {
	Score(ctx context.Context, assetID string) (*risk.Score, error)
}

// Pricer resolves an asset's current USD price. The gate values every
// action itself; it never trusts a value the caller carried in.
type Pricer interface {
	PriceUSD(ctx context.Context, assetID string) (float64, error)
}

// Action is one state-changing tool invocation presented to the gate.
type Action struct {
	UserID string
	// Kind is the concrete action (transfer, swap, stake, lend, borrow,
	// nft_trade, send_message, setting_change) checked by the guard.
	Kind string
	// BaseType categorizes the approval record when value alone
	// triggers queueing.
	BaseType RequestType
	// AssetID is the referenced asset, "" when the action has none.
	AssetID string
	// Amount is the action's size in asset units. The gate computes the
	// USD value as amount × current price.
	Amount float64
	// Payload is everything needed to perform the action later,
	// exactly once. Opaque to the gate.
	Payload json.RawMessage
	// Alternatives are suggested safer options surfaced to the user.
	Alternatives []string
}

// Outcome of a gate decision.
type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomeApprovalRequired Outcome = "approval_required"
)

// Decision is the gate's verdict on one action.
type Decision struct {
	Outcome         Outcome     `json:"outcome"`
	ApprovalID      string      `json:"approval_id,omitempty"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Data            interface{} `json:"data,omitempty"`
	RiskScore       *int        `json:"risk_score,omitempty"`
	Reasoning       string      `json:"reasoning,omitempty"`
	LimitingFactors []string    `json:"limiting_factors,omitempty"`
}

// Gate decides, per state-changing action, whether it auto-executes
// synchronously or is queued for the owner's approval. It never blocks
// waiting for a decision.
type Gate struct {
	queue  *Queue
	scorer RiskScorer
	pricer Pricer
	guard  *Guard // may be nil: no configured outright blocks
	exec   Executor
}

// NewGate wires the gate's collaborators. guard may be nil.
func NewGate(queue *Queue, scorer RiskScorer, pricer Pricer, guard *Guard, exec Executor) *Gate {
	return &Gate{queue: queue, scorer: scorer, pricer: pricer, guard: guard, exec: exec}
}

// Process runs the decision table in its fixed order:
//
//  1. block_high_risk_tokens enabled and risk above the user's floor →
//     approval required regardless of value
//  2. value above require_approval_above_usdc → approval required
//  3. value above max_single_transfer, or the day's cumulative volume
//     would exceed max_daily_volume_usdc → approval required
//  4. otherwise auto-execute synchronously
//
// Configured outright blocks (the OPA guard) run before any of it and
// fail with ErrRiskRejected.
func (g *Gate) Process(ctx context.Context, action Action, th Thresholds) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "approval.gate_process",
		trace.WithAttributes(
			attribute.String("action.kind", action.Kind),
			attribute.String("action.user_id", action.UserID),
			attribute.Float64("action.amount", action.Amount),
		))
	defer span.End()

	// Value the action from the current price, never from whatever the
	// caller claimed. An unpriceable action must not read as worthless.
	var usdValue float64
	if action.AssetID != "" && action.Amount > 0 {
		price, err := g.pricer.PriceUSD(ctx, action.AssetID)
		if err != nil {
			return nil, fmt.Errorf("pricing %s: %w", action.AssetID, err)
		}
		usdValue = action.Amount * price
	}
	span.SetAttributes(attribute.Float64("action.usd_value", usdValue))

	if g.guard != nil {
		reasons, err := g.guard.Check(ctx, action.Kind, action.AssetID, usdValue)
		if err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			span.SetAttributes(attribute.Bool("action.blocked", true))
			return nil, fmt.Errorf("%w: %s", ErrRiskRejected, strings.Join(reasons, "; "))
		}
	}

	var (
		riskScore       *int
		limitingFactors []string
	)
	if action.AssetID != "" {
		score, err := g.scorer.Score(ctx, action.AssetID)
		if err != nil {
			// Unavailable risk must never silently read as "low risk".
			return nil, err
		}
		riskScore = &score.Risk
		limitingFactors = score.LimitingFactors
	}

	if th.BlockHighRiskTokens && riskScore != nil && *riskScore > th.MinTokenRiskScore {
		return g.queueApproval(ctx, action, usdValue, TypeHighRiskAsset, riskScore, limitingFactors,
			fmt.Sprintf("asset %s risk score %d exceeds your risk floor %d",
				action.AssetID, *riskScore, th.MinTokenRiskScore))
	}

	if usdValue > th.RequireApprovalAboveUSDC {
		return g.queueApproval(ctx, action, usdValue, action.BaseType, riskScore, limitingFactors,
			fmt.Sprintf("value $%.2f exceeds your approval threshold $%.2f",
				usdValue, th.RequireApprovalAboveUSDC))
	}

	if usdValue > th.MaxSingleTransfer {
		return g.queueApproval(ctx, action, usdValue, TypeLargeTransfer, riskScore, limitingFactors,
			fmt.Sprintf("value $%.2f exceeds your single-transfer limit $%.2f",
				usdValue, th.MaxSingleTransfer))
	}
	if th.MaxDailyVolumeUSDC > 0 {
		volume, err := g.queue.DailyVolumeUSD(ctx, action.UserID, g.queue.now())
		if err != nil {
			return nil, err
		}
		if volume+usdValue > th.MaxDailyVolumeUSDC {
			return g.queueApproval(ctx, action, usdValue, TypeLargeTransfer, riskScore, limitingFactors,
				fmt.Sprintf("today's volume $%.2f plus $%.2f exceeds your daily limit $%.2f",
					volume, usdValue, th.MaxDailyVolumeUSDC))
		}
	}

	return g.autoExecute(ctx, action, usdValue, riskScore)
}

// queueApproval persists a pending record and returns without waiting.
func (g *Gate) queueApproval(ctx context.Context, action Action, usdValue float64, t RequestType, riskScore *int, limitingFactors []string, reasoning string) (*Decision, error) {
	req := &Request{
		UserID:             action.UserID,
		RequestType:        t,
		PendingAction:      action.Payload,
		RiskScore:          riskScore,
		EstimatedUSDValue:  usdValue,
		Reasoning:          reasoning,
		LimitingFactors:    limitingFactors,
		AlternativeOptions: action.Alternatives,
	}
	if err := g.queue.Create(ctx, req); err != nil {
		return nil, err
	}
	return &Decision{
		Outcome:         OutcomeApprovalRequired,
		ApprovalID:      req.ID,
		ExpiresAt:       req.ExpiresAt,
		RiskScore:       riskScore,
		Reasoning:       reasoning,
		LimitingFactors: limitingFactors,
	}, nil
}

// autoExecute runs the action synchronously and records it in the usage
// ledger so the daily-volume check sees it.
func (g *Gate) autoExecute(ctx context.Context, action Action, usdValue float64, riskScore *int) (*Decision, error) {
	data, err := g.exec.Execute(ctx, &Request{
		UserID:            action.UserID,
		RequestType:       action.BaseType,
		Status:            StatusExecuted,
		PendingAction:     action.Payload,
		RiskScore:         riskScore,
		EstimatedUSDValue: usdValue,
	})
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", action.Kind, err)
	}
	if err := g.queue.RecordUsage(ctx, action.UserID, action.BaseType, usdValue, ""); err != nil {
		log.Error().Err(err).Str("user_id", action.UserID).Msg("usage_ledger_write_failed")
	}

	log.Info().
		Str("user_id", action.UserID).
		Str("kind", action.Kind).
		Float64("usd_value", usdValue).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("action_auto_executed")

	return &Decision{
		Outcome:   OutcomeExecuted,
		Data:      data,
		RiskScore: riskScore,
	}, nil
}
