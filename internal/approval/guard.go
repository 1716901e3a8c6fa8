package approval

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

//go:embed rego/*.rego
var embeddedGuard embed.FS

const guardQuery = "data.ordo.approval.action_guard.deny"

// GuardConfig is the operator-configured blocklist fed to the guard as
// OPA data.
type GuardConfig struct {
	BlockedAssets      []string `yaml:"blocked_assets"`
	BlockedActionTypes []string `yaml:"blocked_action_types"`
	HardUSDCeiling     float64  `yaml:"hard_usd_ceiling"`
}

// Guard evaluates configured outright blocks for state-changing actions.
// A denied action is never queued; it fails with ErrRiskRejected.
type Guard struct {
	prepared rego.PreparedEvalQuery
}

// NewGuard compiles the embedded action guard policy with the given
// blocklist data.
func NewGuard(ctx context.Context, cfg GuardConfig) (*Guard, error) {
	content, err := embeddedGuard.ReadFile("rego/action_guard.rego")
	if err != nil {
		return nil, fmt.Errorf("reading embedded guard policy: %w", err)
	}

	store := inmem.NewFromObject(map[string]interface{}{
		"guard": map[string]interface{}{
			"blocked_assets":       toSet(cfg.BlockedAssets),
			"blocked_action_types": toSet(cfg.BlockedActionTypes),
			"hard_usd_ceiling":     cfg.HardUSDCeiling,
		},
	})

	prepared, err := rego.New(
		rego.Query(guardQuery),
		rego.Module("rego/action_guard.rego", string(content)),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing action guard policy: %w", err)
	}

	return &Guard{prepared: prepared}, nil
}

// Check returns the deny reasons for the action; empty means allowed.
func (g *Guard) Check(ctx context.Context, actionType, assetID string, usdValue float64) ([]string, error) {
	results, err := g.prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"action_type": actionType,
		"asset_id":    assetID,
		"usd_value":   usdValue,
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluating action guard: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The deny rule yields a set of strings; OPA returns []interface{}.
	var reasons []string
	if vals, ok := results[0].Expressions[0].Value.([]interface{}); ok {
		for _, v := range vals {
			if s, ok := v.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// toSet renders a string list as the []interface{} OPA data expects.
func toSet(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
