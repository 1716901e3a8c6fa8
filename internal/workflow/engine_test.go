package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/policy"
	"github.com/ordo-agent/ordo/internal/risk"
	"github.com/ordo-agent/ordo/internal/tools"
)

type fakeTool struct {
	name        string
	surface     string
	scope       tools.Scope
	mutating    bool
	data        interface{}
	err         error
	invocations atomic.Int32
}

func (f *fakeTool) Name() string       { return f.name }
func (f *fakeTool) Surface() string    { return f.surface }
func (f *fakeTool) Scope() tools.Scope { return f.scope }
func (f *fakeTool) Mutating() bool     { return f.mutating }
func (f *fakeTool) ParamSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (f *fakeTool) Invoke(_ context.Context, _ map[string]interface{}, _ tools.CallerContext) (interface{}, error) {
	f.invocations.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type lowRiskScorer struct{}

func (lowRiskScorer) Score(_ context.Context, assetID string) (*risk.Score, error) {
	return &risk.Score{AssetID: assetID, Risk: 10}, nil
}

// unitPricer quotes $1 per asset unit, so amounts read directly as USD.
type unitPricer struct{}

func (unitPricer) PriceUSD(context.Context, string) (float64, error) {
	return 1, nil
}

// catalogShape mirrors the real tool catalog so ValidateMapping passes.
var catalogShape = []struct {
	name     string
	surface  string
	scope    tools.Scope
	mutating bool
}{
	{"wallet_portfolio", "WALLET", tools.ScopeReadWallet, false},
	{"wallet_history", "WALLET", tools.ScopeReadWallet, false},
	{"gmail_summary", "GMAIL", tools.ScopeReadGmail, false},
	{"gmail_search", "GMAIL", tools.ScopeReadGmail, false},
	{"gmail_send", "GMAIL", tools.ScopeSendGmail, true},
	{"social_mentions", "SOCIAL_X", tools.ScopeReadSocialX, false},
	{"social_post", "SOCIAL_X", tools.ScopePostSocial, true},
	{"telegram_messages", "SOCIAL_TELEGRAM", tools.ScopeReadSocialTelegram, false},
	{"telegram_send", "SOCIAL_TELEGRAM", tools.ScopePostSocial, true},
	{"market_token_price", "DEFI", tools.ScopeReadDefi, false},
	{"defi_swap", "DEFI", tools.ScopeSignTransactions, true},
	{"wallet_transfer", "WALLET", tools.ScopeSignTransactions, true},
	{"defi_stake", "DEFI", tools.ScopeSignTransactions, true},
	{"defi_lend", "DEFI", tools.ScopeSignTransactions, true},
	{"nft_floor", "NFT", tools.ScopeReadNFT, false},
	{"nft_trade", "NFT", tools.ScopeSignTransactions, true},
	{"market_overview", "TRADING", tools.ScopeReadDefi, false},
}

type testHarness struct {
	engine *Engine
	queue  *approval.Queue
	tools  map[string]*fakeTool
}

func newTestHarness(t *testing.T, completer *scriptedCompleter) *testHarness {
	t.Helper()

	registry := tools.NewRegistry()
	fakes := make(map[string]*fakeTool, len(catalogShape))
	for _, c := range catalogShape {
		f := &fakeTool{name: c.name, surface: c.surface, scope: c.scope, mutating: c.mutating, data: "ok"}
		fakes[c.name] = f
		require.NoError(t, registry.Register(f))
	}
	router := tools.NewRouter(registry)

	queue, err := approval.NewQueue(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	gate := approval.NewGate(queue, lowRiskScorer{}, unitPricer{}, nil, NewToolExecutor(router, nil))

	engine, err := NewEngine(EngineConfig{
		Completer: completer,
		Registry:  registry,
		Router:    router,
		Policy:    policy.MustNewEngine(),
		Gate:      gate,
	})
	require.NoError(t, err)

	return &testHarness{engine: engine, queue: queue, tools: fakes}
}

func TestEngineReadPipeline(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"wallet_portfolio"}`,
		"You hold $1,234.50 across 3 tokens [1].",
	}}
	h := newTestHarness(t, completer)
	h.tools["wallet_portfolio"].data = map[string]interface{}{"total_usd": 1234.5}

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "what's in my wallet?",
		Granted: []tools.Scope{tools.ScopeReadWallet},
	})
	require.NoError(t, err)
	assert.Equal(t, "You hold $1,234.50 across 3 tokens [1].", result.Response)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "WALLET", result.Citations[0].Surface)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.ApprovalID)
	assert.Equal(t, int32(1), h.tools["wallet_portfolio"].invocations.Load())
	assert.Equal(t, 2, completer.calls)
}

func TestEngineMissingPermissionSkipsTools(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"wallet_portfolio"}`,
	}}
	h := newTestHarness(t, completer)

	result, err := h.engine.Run(context.Background(), Query{
		UserID: "user-1",
		Text:   "what's in my wallet?",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Response, "READ_WALLET")
	assert.Equal(t, int32(0), h.tools["wallet_portfolio"].invocations.Load())
	// Only the parse call; the permission branch needs no synthesis.
	assert.Equal(t, 1, completer.calls)
}

func TestEngineTransferAboveThresholdQueuesApproval(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"transfer","asset_id":"USDC","amount":1800,"recipient":"0xabc"}`,
	}}
	h := newTestHarness(t, completer)

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "send 1800 USDC to 0xabc",
		Granted: []tools.Scope{tools.ScopeSignTransactions},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ApprovalID)
	assert.Contains(t, result.Response, result.ApprovalID)
	assert.Contains(t, result.Response, "15 minutes")
	assert.Equal(t, int32(0), h.tools["wallet_transfer"].invocations.Load())

	pending, err := h.queue.ListPending(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, result.ApprovalID, pending[0].ID)
	assert.Equal(t, 1800.0, pending[0].EstimatedUSDValue)
}

func TestEngineSmallTransferAutoExecutes(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"transfer","asset_id":"USDC","amount":30,"recipient":"0xabc"}`,
		"Sent 30 USDC to 0xabc [1].",
	}}
	h := newTestHarness(t, completer)
	h.tools["wallet_transfer"].data = map[string]interface{}{"tx_hash": "0xfeed"}

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "send 30 USDC to 0xabc",
		Granted: []tools.Scope{tools.ScopeSignTransactions},
	})
	require.NoError(t, err)
	assert.Empty(t, result.ApprovalID)
	assert.Equal(t, "Sent 30 USDC to 0xabc [1].", result.Response)
	assert.Equal(t, int32(1), h.tools["wallet_transfer"].invocations.Load())

	pending, err := h.queue.ListPending(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineApprovedActionReplaysTool(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"transfer","asset_id":"USDC","amount":1800,"recipient":"0xabc"}`,
	}}
	h := newTestHarness(t, completer)
	h.tools["wallet_transfer"].data = map[string]interface{}{"tx_hash": "0xfeed"}

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "send 1800 USDC to 0xabc",
		Granted: []tools.Scope{tools.ScopeSignTransactions},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ApprovalID)

	registryTools := h.tools
	req, data, err := h.queue.Approve(context.Background(), result.ApprovalID, "user-1",
		NewToolExecutor(tools.NewRouter(mustRegistry(t, registryTools)), nil))
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExecuted, req.Status)
	assert.Equal(t, map[string]interface{}{"tx_hash": "0xfeed"}, data)
	assert.Equal(t, int32(1), h.tools["wallet_transfer"].invocations.Load())
}

func mustRegistry(t *testing.T, fakes map[string]*fakeTool) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	for _, f := range fakes {
		require.NoError(t, registry.Register(f))
	}
	return registry
}

func TestEngineRedactsSensitiveToolOutput(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"mail_summary"}`,
		"You have two new messages [1].",
	}}
	h := newTestHarness(t, completer)
	h.tools["gmail_summary"].data = []interface{}{
		map[string]interface{}{"id": "m1", "content": "Lunch at noon? Also my verification code: 493021 just came in."},
		map[string]interface{}{"id": "m2", "content": "Quarterly report attached."},
	}

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "summarize my mail",
		Granted: []tools.Scope{tools.ScopeReadGmail},
	})
	require.NoError(t, err)
	assert.Equal(t, "You have two new messages [1].", result.Response)

	// The synthesis prompt must never see the raw code.
	require.NotNil(t, completer.lastReq)
	var promptText string
	for _, m := range completer.lastReq.Messages {
		promptText += m.Content
	}
	assert.NotContains(t, promptText, "493021")
	assert.Contains(t, promptText, "[REDACTED:")
}

func TestEngineParseFailureDegrades(t *testing.T) {
	completer := &scriptedCompleter{
		errs:    []error{errors.New("model overloaded")},
		replies: []string{"", "I couldn't work out what you meant. Could you rephrase?"},
	}
	h := newTestHarness(t, completer)

	result, err := h.engine.Run(context.Background(), Query{
		UserID: "user-1",
		Text:   "do the thing",
	})
	require.NoError(t, err)
	assert.Equal(t, "I couldn't work out what you meant. Could you rephrase?", result.Response)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "parse_query", result.Errors[0].Stage)
}

func TestEngineSynthesisFailureFallsBack(t *testing.T) {
	completer := &scriptedCompleter{
		replies: []string{`{"intent":"wallet_portfolio"}`},
		errs:    []error{nil, errors.New("model overloaded")},
	}
	h := newTestHarness(t, completer)

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "what's in my wallet?",
		Granted: []tools.Scope{tools.ScopeReadWallet},
	})
	require.NoError(t, err)
	assert.Equal(t, fallbackResponse, result.Response)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "generate_response", result.Errors[len(result.Errors)-1].Stage)
}

func TestEngineEmptyQueryIsValidationError(t *testing.T) {
	h := newTestHarness(t, &scriptedCompleter{})

	_, err := h.engine.Run(context.Background(), Query{UserID: "user-1", Text: "  "})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineTransferValueComesFromQuoteNotModel(t *testing.T) {
	// The model under-reports the transfer's USD value; the gate values
	// it at the quoted price and still queues the approval.
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"transfer","asset_id":"USDC","amount":1800,"amount_usd":0,"recipient":"0xabc"}`,
	}}
	h := newTestHarness(t, completer)

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "send 1800 USDC to 0xabc",
		Granted: []tools.Scope{tools.ScopeSignTransactions},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ApprovalID)
	assert.Equal(t, int32(0), h.tools["wallet_transfer"].invocations.Load())

	pending, err := h.queue.ListPending(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1800.0, pending[0].EstimatedUSDValue)
}

func TestEngineTelegramSendAutoExecutes(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"telegram_send","recipient":"chat_123","message":"gm"}`,
		"Sent your Telegram message [1].",
	}}
	h := newTestHarness(t, completer)
	h.tools["telegram_send"].data = map[string]interface{}{"message_id": "tg_sent_123", "status": "sent"}

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "tell chat_123 gm",
		Granted: []tools.Scope{tools.ScopePostSocial},
	})
	require.NoError(t, err)
	assert.Empty(t, result.ApprovalID)
	assert.Equal(t, int32(1), h.tools["telegram_send"].invocations.Load())
}

func TestApprovalResponseReflectsQueueExpiry(t *testing.T) {
	e := &Engine{}
	state := &RequestState{
		ApprovalID:        "apr_feedbeef",
		ApprovalExpiresAt: time.Now().Add(30 * time.Minute),
		Reasoning:         "value $1800.00 exceeds your approval threshold $100.00",
	}

	e.generateResponse(context.Background(), state)
	assert.Contains(t, state.Response, "apr_feedbeef")
	assert.Contains(t, state.Response, "30 minutes")
}

func TestEngineToolFailureStillResponds(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"intent":"wallet_portfolio"}`,
		"I couldn't reach your wallet right now.",
	}}
	h := newTestHarness(t, completer)
	h.tools["wallet_portfolio"].err = errors.New("rpc timeout")

	result, err := h.engine.Run(context.Background(), Query{
		UserID:  "user-1",
		Text:    "what's in my wallet?",
		Granted: []tools.Scope{tools.ScopeReadWallet},
	})
	require.NoError(t, err)
	assert.Equal(t, "I couldn't reach your wallet right now.", result.Response)
	require.Len(t, result.Errors, 1)
	assert.ErrorContains(t, errors.New(result.Errors[0].Err), "rpc timeout")
}
