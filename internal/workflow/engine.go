package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/llm"
	ordotel "github.com/ordo-agent/ordo/internal/otel"
	"github.com/ordo-agent/ordo/internal/policy"
	"github.com/ordo-agent/ordo/internal/tools"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/workflow")

// ThresholdSource resolves a user's approval thresholds.
type ThresholdSource interface {
	Thresholds(ctx context.Context, userID string) (approval.Thresholds, error)
}

// StaticThresholds serves the same thresholds for every user.
type StaticThresholds struct {
	T approval.Thresholds
}

func (s StaticThresholds) Thresholds(context.Context, string) (approval.Thresholds, error) {
	return s.T, nil
}

// CredentialSource resolves a user's upstream surface credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (map[string]string, error)
}

// NoCredentials is a source with nothing in it, for tools that need none.
type NoCredentials struct{}

func (NoCredentials) Credentials(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

// Engine composes the per-request pipeline. One instance serves all
// requests; per-request state lives in RequestState only.
type Engine struct {
	parser     *Parser
	completer  llm.Completer
	registry   *tools.Registry
	router     *tools.Router
	policy     *policy.Engine
	gate       *approval.Gate
	thresholds ThresholdSource
	creds      CredentialSource
}

// EngineConfig holds the dependencies for constructing an Engine.
type EngineConfig struct {
	Completer  llm.Completer
	Registry   *tools.Registry
	Router     *tools.Router
	Policy     *policy.Engine
	Gate       *approval.Gate
	Thresholds ThresholdSource
	Creds      CredentialSource
}

// NewEngine validates the intent mapping against the registry and wires
// the pipeline.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := ValidateMapping(cfg.Registry); err != nil {
		return nil, err
	}
	parser, err := NewParser(cfg.Completer)
	if err != nil {
		return nil, err
	}
	thresholds := cfg.Thresholds
	if thresholds == nil {
		thresholds = StaticThresholds{T: approval.DefaultThresholds()}
	}
	creds := cfg.Creds
	if creds == nil {
		creds = NoCredentials{}
	}
	return &Engine{
		parser:     parser,
		completer:  cfg.Completer,
		registry:   cfg.Registry,
		router:     cfg.Router,
		policy:     cfg.Policy,
		gate:       cfg.Gate,
		thresholds: thresholds,
		creds:      creds,
	}, nil
}

// Run executes the pipeline:
//
//	parse_query → check_permissions → {generate_response |
//	select_tools → execute_tools → filter_results →
//	aggregate_results → generate_response}
//
// Node failures accumulate in state.Errors; the pipeline always reaches
// generate_response and returns a best-effort result.
func (e *Engine) Run(ctx context.Context, q Query) (*Result, error) {
	state := &RequestState{
		CorrelationID: "corr_" + uuid.New().String()[:12],
		UserID:        q.UserID,
		Query:         q.Text,
		History:       q.History,
		Granted:       q.Granted,
	}

	ctx, span := tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("correlation_id", state.CorrelationID),
			attribute.String("user_id", q.UserID),
		))
	defer span.End()

	log.Info().
		Str("correlation_id", state.CorrelationID).
		Str("user_id", q.UserID).
		Func(ordotel.LogTraceFields(ctx)).
		Msg("workflow_started")

	// parse_query
	parsed, err := e.parser.Parse(ctx, q.Text, q.History)
	if err != nil {
		if strings.TrimSpace(q.Text) == "" {
			// Nothing to degrade to; the caller sent an empty query.
			return nil, err
		}
		state.addError("parse_query", err)
		parsed = &ParsedQuery{Intent: IntentUnknown}
	}
	state.Parsed = parsed
	span.SetAttributes(attribute.String("workflow.intent", string(parsed.Intent)))

	// check_permissions: the single conditional branch. Any missing
	// scope aborts tool execution for the whole request.
	required, err := e.registry.RequiredScopes(ToolsFor(parsed.Intent))
	if err != nil {
		state.addError("check_permissions", err)
	}
	state.RequiredScope = required
	state.MissingScope = MissingScopes(required, q.Granted)
	if len(state.MissingScope) > 0 {
		log.Info().
			Str("correlation_id", state.CorrelationID).
			Interface("missing", state.MissingScope).
			Msg("workflow_permissions_missing")
		e.generateResponse(ctx, state)
		return state.result(), nil
	}

	// select_tools
	state.ToolNames = ToolsFor(parsed.Intent)

	// execute_tools
	e.executeTools(ctx, state)

	// filter_results
	e.filterResults(ctx, state)

	// aggregate_results
	state.Aggregated = AggregateItems(state.Filtered)

	// generate_response
	e.generateResponse(ctx, state)

	log.Info().
		Str("correlation_id", state.CorrelationID).
		Str("intent", string(parsed.Intent)).
		Int("errors", len(state.Errors)).
		Bool("approval_required", state.ApprovalID != "").
		Msg("workflow_completed")

	return state.result(), nil
}

// executeTools runs read tools through the router's bounded fan-out and
// routes state-changing tools through the approval gate.
func (e *Engine) executeTools(ctx context.Context, state *RequestState) {
	var readCalls []tools.Call

	for _, name := range state.ToolNames {
		tool, ok := e.registry.Get(name)
		if !ok {
			state.addError("execute_tools", fmt.Errorf("%w: %s", tools.ErrUnknownTool, name))
			continue
		}
		if tool.Mutating() {
			e.gateAction(ctx, state, tool)
			continue
		}
		readCalls = append(readCalls, tools.Call{Tool: name, Params: paramsFor(state.Parsed, name)})
	}

	if len(readCalls) == 0 {
		return
	}

	creds, err := e.creds.Credentials(ctx, state.UserID)
	if err != nil {
		state.addError("execute_tools", fmt.Errorf("resolving credentials: %w", err))
		creds = map[string]string{}
	}

	outcomes := e.router.Execute(ctx, readCalls, tools.CallerContext{
		UserID:      state.UserID,
		Credentials: creds,
	})
	for i := range outcomes {
		if outcomes[i].Err != nil {
			state.addError("execute_tools", outcomes[i].Err)
		}
	}
	state.RawOutcomes = outcomes
}

// gateAction sends one state-changing tool through the approval gate.
func (e *Engine) gateAction(ctx context.Context, state *RequestState, tool tools.Tool) {
	parsed := state.Parsed

	th, err := e.thresholds.Thresholds(ctx, state.UserID)
	if err != nil {
		state.addError("execute_tools", fmt.Errorf("resolving thresholds: %w", err))
		th = approval.DefaultThresholds()
	}

	payload, err := json.Marshal(actionPayload{
		Tool:   tool.Name(),
		Params: paramsFor(parsed, tool.Name()),
	})
	if err != nil {
		state.addError("execute_tools", fmt.Errorf("encoding action payload: %w", err))
		return
	}

	// The gate values the action itself from the current price; the
	// model's own USD estimate is never an input to the decision.
	decision, err := e.gate.Process(ctx, approval.Action{
		UserID:   state.UserID,
		Kind:     actionKinds[parsed.Intent],
		BaseType: baseRequestType(parsed.Intent),
		AssetID:  parsed.AssetID,
		Amount:   parsed.Amount,
		Payload:  payload,
	}, th)
	if err != nil {
		if errors.Is(err, approval.ErrRiskRejected) {
			state.Reasoning = err.Error()
		}
		state.addError("execute_tools", err)
		return
	}

	state.RiskScore = decision.RiskScore
	switch decision.Outcome {
	case approval.OutcomeApprovalRequired:
		state.ApprovalID = decision.ApprovalID
		state.ApprovalExpiresAt = decision.ExpiresAt
		state.Reasoning = decision.Reasoning
	case approval.OutcomeExecuted:
		state.RawOutcomes = append(state.RawOutcomes, tools.Outcome{
			Tool:    tool.Name(),
			Surface: tool.Surface(),
			Data:    decision.Data,
		})
	}
}

// filterResults pushes every successful raw outcome through the policy
// engine and flattens what survives into attributed items.
func (e *Engine) filterResults(ctx context.Context, state *RequestState) {
	for _, outcome := range state.RawOutcomes {
		if !outcome.OK() {
			continue
		}
		meta := policy.Meta{Surface: outcome.Surface, Tool: outcome.Tool, UserID: state.UserID}

		if records, ok := asRecords(outcome.Data); ok {
			kept, note, _ := e.policy.FilterRecords(ctx, meta, records, "content")
			if note != "" {
				state.FilterNotes = append(state.FilterNotes, note)
			}
			for _, rec := range kept {
				state.Filtered = append(state.Filtered, Item{
					Surface:  outcome.Surface,
					Tool:     outcome.Tool,
					RecordID: recordID(rec),
					Data:     rec,
				})
			}
			continue
		}

		filtered, _ := e.policy.FilterValue(ctx, meta, outcome.Data)
		state.Filtered = append(state.Filtered, itemsFromData(outcome.Surface, outcome.Tool, filtered)...)
	}
}

// asRecords coerces list-shaped tool data into records the drop rule
// can apply to.
func asRecords(data interface{}) ([]map[string]interface{}, bool) {
	switch v := data.(type) {
	case []map[string]interface{}:
		return v, true
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

// baseRequestType categorizes a queued action when value, not risk,
// triggered the approval.
func baseRequestType(intent Intent) approval.RequestType {
	switch intent {
	case IntentSocialPost, IntentMailSend, IntentTelegramSend:
		return approval.TypeSettingChange
	default:
		return approval.TypeTransfer
	}
}

// paramsFor builds a tool's parameters from the parsed query.
func paramsFor(parsed *ParsedQuery, tool string) map[string]interface{} {
	switch tool {
	case "gmail_search", "social_mentions":
		return map[string]interface{}{"query": parsed.SearchTerms}
	case "social_post":
		return map[string]interface{}{"message": parsed.Message}
	case "gmail_send":
		return map[string]interface{}{"to": parsed.Recipient, "subject": parsed.Subject, "body": parsed.Message}
	case "telegram_send":
		return map[string]interface{}{"chat_id": parsed.Recipient, "message": parsed.Message}
	case "market_token_price":
		return map[string]interface{}{"asset_id": parsed.AssetID}
	case "defi_swap":
		return map[string]interface{}{"asset_id": parsed.AssetID, "amount": parsed.Amount}
	case "wallet_transfer":
		return map[string]interface{}{"asset_id": parsed.AssetID, "amount": parsed.Amount, "recipient": parsed.Recipient}
	case "defi_stake", "defi_lend":
		return map[string]interface{}{"asset_id": parsed.AssetID, "amount": parsed.Amount}
	case "nft_floor", "nft_trade":
		return map[string]interface{}{"collection": parsed.AssetID}
	default:
		return map[string]interface{}{}
	}
}

func (s *RequestState) result() *Result {
	return &Result{
		CorrelationID: s.CorrelationID,
		Response:      s.Response,
		Citations:     s.Citations,
		ApprovalID:    s.ApprovalID,
		RiskScore:     s.RiskScore,
		Errors:        s.Errors,
	}
}
