// Package workflow implements the per-request pipeline: parse the
// query into an intent, check permissions, resolve and execute tools,
// filter results through the policy engine, aggregate, and synthesize
// the response. Node failures accumulate in the request state and never
// abort the pipeline.
package workflow

import (
	"fmt"

	"github.com/ordo-agent/ordo/internal/tools"
)

// Intent is the enumerated classification of a user query. The mapping
// from intent to tool set is declarative and validated at startup; no
// free-form string matching happens at request time.
type Intent string

const (
	IntentWalletPortfolio Intent = "wallet_portfolio"
	IntentWalletHistory   Intent = "wallet_history"
	IntentMailSummary     Intent = "mail_summary"
	IntentMailSearch      Intent = "mail_search"
	IntentMailSend        Intent = "mail_send"
	IntentSocialMentions  Intent = "social_mentions"
	IntentSocialPost      Intent = "social_post"
	IntentTelegramRead    Intent = "telegram_messages"
	IntentTelegramSend    Intent = "telegram_send"
	IntentTokenPrice      Intent = "token_price"
	IntentSwap            Intent = "swap"
	IntentTransfer        Intent = "transfer"
	IntentStake           Intent = "stake"
	IntentLend            Intent = "lend"
	IntentNFTFloor        Intent = "nft_floor"
	IntentNFTTrade        Intent = "nft_trade"
	IntentMarketAnalysis  Intent = "market_analysis"
	// IntentUnknown resolves no tools; the response is generated from
	// the query alone.
	IntentUnknown Intent = "unknown"
)

// intentTools is the static intent → tool-set table. Every name must
// exist in the registry; ValidateMapping enforces that at startup.
var intentTools = map[Intent][]string{
	IntentWalletPortfolio: {"wallet_portfolio"},
	IntentWalletHistory:   {"wallet_history"},
	IntentMailSummary:     {"gmail_summary"},
	IntentMailSearch:      {"gmail_search"},
	IntentMailSend:        {"gmail_send"},
	IntentSocialMentions:  {"social_mentions"},
	IntentSocialPost:      {"social_post"},
	IntentTelegramRead:    {"telegram_messages"},
	IntentTelegramSend:    {"telegram_send"},
	IntentTokenPrice:      {"market_token_price"},
	IntentSwap:            {"defi_swap"},
	IntentTransfer:        {"wallet_transfer"},
	IntentStake:           {"defi_stake"},
	IntentLend:            {"defi_lend"},
	IntentNFTFloor:        {"nft_floor"},
	IntentNFTTrade:        {"nft_trade"},
	IntentMarketAnalysis:  {"market_overview", "market_token_price"},
	IntentUnknown:         nil,
}

// actionKinds maps state-changing intents to the action kind the guard
// and the approval record see.
var actionKinds = map[Intent]string{
	IntentMailSend:     "send_message",
	IntentSocialPost:   "post_message",
	IntentTelegramSend: "send_message",
	IntentSwap:         "swap",
	IntentTransfer:     "transfer",
	IntentStake:        "stake",
	IntentLend:         "lend",
	IntentNFTTrade:     "nft_trade",
}

// KnownIntent reports whether s is a member of the taxonomy.
func KnownIntent(s string) bool {
	if Intent(s) == IntentUnknown {
		return true
	}
	_, ok := intentTools[Intent(s)]
	return ok
}

// ToolsFor returns the declared tool set for an intent. The slice is a
// copy; callers may not mutate the table.
func ToolsFor(intent Intent) []string {
	names := intentTools[intent]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// ValidateMapping checks every mapped tool name against the registry.
// Called once at startup; a dangling name is a wiring bug, not a
// request-time condition.
func ValidateMapping(registry *tools.Registry) error {
	for intent, names := range intentTools {
		for _, name := range names {
			if _, ok := registry.Get(name); !ok {
				return fmt.Errorf("intent %s maps to unregistered tool %s", intent, name)
			}
		}
	}
	return nil
}
