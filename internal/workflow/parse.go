package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ordo-agent/ordo/internal/llm"
)

// ErrValidation marks caller-fixable input problems.
var ErrValidation = errors.New("invalid request")

const parseSystemPrompt = `You classify a user's request against a fixed intent taxonomy and extract its parameters.
Respond with a single JSON object, nothing else:
{"intent": "<one of: wallet_portfolio, wallet_history, mail_summary, mail_search, mail_send, social_mentions, social_post, telegram_messages, telegram_send, token_price, swap, transfer, stake, lend, nft_floor, nft_trade, market_analysis, unknown>",
 "asset_id": "<token/collection symbol the request references, or empty>",
 "amount": <numeric amount in asset units, or 0>,
 "recipient": "<destination address/handle/chat, or empty>",
 "search_terms": "<search keywords for mail/social search, or empty>",
 "subject": "<email subject for mail_send, or empty>",
 "message": "<outbound message content for post/send intents, or empty>"}
Use "unknown" when no intent fits. Never invent amounts the user did not state.`

// intentSchema validates the model's JSON before anything downstream
// trusts it.
var intentSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"intent"},
	"properties": map[string]interface{}{
		"intent":       map[string]interface{}{"type": "string"},
		"asset_id":     map[string]interface{}{"type": "string"},
		"amount":       map[string]interface{}{"type": "number", "minimum": 0},
		"recipient":    map[string]interface{}{"type": "string"},
		"search_terms": map[string]interface{}{"type": "string"},
		"subject":      map[string]interface{}{"type": "string"},
		"message":      map[string]interface{}{"type": "string"},
	},
	"additionalProperties": true,
}

// Parser extracts the structured intent from a raw query via one
// JSON-mode completion.
type Parser struct {
	completer llm.Completer
	schema    *gojsonschema.Schema
}

// NewParser compiles the intent schema once.
func NewParser(completer llm.Completer) (*Parser, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(intentSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling intent schema: %w", err)
	}
	return &Parser{completer: completer, schema: schema}, nil
}

// Parse runs the extraction. The reply must be valid JSON matching the
// intent schema with a known intent value; anything else is an error
// the pipeline records and degrades from.
func (p *Parser) Parse(ctx context.Context, query string, history []llm.Message) (*ParsedQuery, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrValidation)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: parseSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: query})

	resp, err := p.completer.Complete(ctx, &llm.Request{
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   512,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting intent: %w", err)
	}

	result, err := p.schema.Validate(gojsonschema.NewStringLoader(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: intent reply is not JSON: %s", ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: intent reply rejected: %s", ErrValidation, strings.Join(msgs, "; "))
	}

	var parsed ParsedQuery
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding intent reply: %s", ErrValidation, err)
	}
	if !KnownIntent(string(parsed.Intent)) {
		return nil, fmt.Errorf("%w: unknown intent %q", ErrValidation, parsed.Intent)
	}
	return &parsed, nil
}
