package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Surface identifiers, mirroring the upstream surface services.
const (
	SurfaceWallet         = "WALLET"
	SurfaceGmail          = "GMAIL"
	SurfaceSocialX        = "SOCIAL_X"
	SurfaceSocialTelegram = "SOCIAL_TELEGRAM"
	SurfaceDefi           = "DEFI"
	SurfaceNFT            = "NFT"
	SurfaceTrading        = "TRADING"
)

// surfaceCredential names the vault credential each surface needs.
var surfaceCredential = map[string]string{
	SurfaceWallet:         "wallet_api_key",
	SurfaceGmail:          "mail_token",
	SurfaceSocialX:        "social_x_token",
	SurfaceSocialTelegram: "telegram_token",
	SurfaceDefi:           "defi_api_key",
	SurfaceNFT:            "nft_api_key",
	SurfaceTrading:        "trading_api_key",
}

// CredentialFor returns the vault credential name a surface requires.
func CredentialFor(surface string) string {
	return surfaceCredential[surface]
}

// surfaceResult is the uniform reply envelope every surface service
// returns: {ok, data} or {ok: false, error}.
type surfaceResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// surfaceTool is a tool backed by an HTTP surface service. Every
// concrete integration lives behind this one shape; the engine only
// ever sees the Tool interface.
type surfaceTool struct {
	name     string
	surface  string
	scope    Scope
	mutating bool
	path     string
	schema   map[string]interface{}
	baseURL  string
	client   *http.Client
}

func (t *surfaceTool) Name() string                        { return t.name }
func (t *surfaceTool) Surface() string                     { return t.surface }
func (t *surfaceTool) Scope() Scope                        { return t.scope }
func (t *surfaceTool) Mutating() bool                      { return t.mutating }
func (t *surfaceTool) ParamSchema() map[string]interface{} { return t.schema }

func (t *surfaceTool) Invoke(ctx context.Context, params map[string]interface{}, caller CallerContext) (interface{}, error) {
	credName := surfaceCredential[t.surface]
	cred, ok := caller.Credentials[credName]
	if !ok || cred == "" {
		return nil, fmt.Errorf("%w: %s needs %s", ErrMissingCredential, t.name, credName)
	}

	body, err := json.Marshal(map[string]interface{}{
		"user_id": caller.UserID,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", t.surface, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", t.surface, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", t.surface, resp.StatusCode)
	}

	var result surfaceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", t.surface, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("%s: %s", t.surface, result.Error)
	}

	var data interface{}
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", t.surface, err)
		}
	}
	return data, nil
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

var (
	stringProp = map[string]interface{}{"type": "string"}
	numberProp = map[string]interface{}{"type": "number", "minimum": 0}
)

// Catalog builds the full surface tool set against the given per-surface
// base URLs. Surfaces without a configured base URL are skipped, so a
// deployment can run with a subset of surfaces.
func Catalog(client *http.Client, baseURLs map[string]string) []Tool {
	if client == nil {
		client = http.DefaultClient
	}

	defs := []surfaceTool{
		{
			name: "wallet_portfolio", surface: SurfaceWallet, scope: ScopeReadWallet,
			path:   "/v1/portfolio",
			schema: objectSchema(nil, map[string]interface{}{}),
		},
		{
			name: "wallet_history", surface: SurfaceWallet, scope: ScopeReadWallet,
			path:   "/v1/history",
			schema: objectSchema(nil, map[string]interface{}{"limit": numberProp}),
		},
		{
			name: "wallet_transfer", surface: SurfaceWallet, scope: ScopeSignTransactions, mutating: true,
			path: "/v1/transfer",
			schema: objectSchema([]string{"asset_id", "amount", "recipient"}, map[string]interface{}{
				"asset_id": stringProp, "amount": numberProp, "recipient": stringProp,
			}),
		},
		{
			name: "gmail_summary", surface: SurfaceGmail, scope: ScopeReadGmail,
			path:   "/v1/messages/recent",
			schema: objectSchema(nil, map[string]interface{}{"limit": numberProp}),
		},
		{
			name: "gmail_search", surface: SurfaceGmail, scope: ScopeReadGmail,
			path:   "/v1/messages/search",
			schema: objectSchema([]string{"query"}, map[string]interface{}{"query": stringProp}),
		},
		{
			name: "gmail_send", surface: SurfaceGmail, scope: ScopeSendGmail, mutating: true,
			path: "/v1/messages/send",
			schema: objectSchema([]string{"to", "subject", "body"}, map[string]interface{}{
				"to": stringProp, "subject": stringProp, "body": stringProp,
			}),
		},
		{
			name: "social_mentions", surface: SurfaceSocialX, scope: ScopeReadSocialX,
			path:   "/v1/mentions",
			schema: objectSchema(nil, map[string]interface{}{"query": stringProp}),
		},
		{
			name: "social_post", surface: SurfaceSocialX, scope: ScopePostSocial, mutating: true,
			path:   "/v1/post",
			schema: objectSchema([]string{"message"}, map[string]interface{}{"message": stringProp}),
		},
		{
			name: "telegram_messages", surface: SurfaceSocialTelegram, scope: ScopeReadSocialTelegram,
			path:   "/v1/messages",
			schema: objectSchema(nil, map[string]interface{}{"limit": numberProp}),
		},
		{
			name: "telegram_send", surface: SurfaceSocialTelegram, scope: ScopePostSocial, mutating: true,
			path: "/v1/send",
			schema: objectSchema([]string{"chat_id", "message"}, map[string]interface{}{
				"chat_id": stringProp, "message": stringProp,
			}),
		},
		{
			name: "market_token_price", surface: SurfaceDefi, scope: ScopeReadDefi,
			path:   "/v1/price",
			schema: objectSchema([]string{"asset_id"}, map[string]interface{}{"asset_id": stringProp}),
		},
		{
			name: "defi_swap", surface: SurfaceDefi, scope: ScopeSignTransactions, mutating: true,
			path: "/v1/swap",
			schema: objectSchema([]string{"asset_id", "amount"}, map[string]interface{}{
				"asset_id": stringProp, "amount": numberProp,
			}),
		},
		{
			name: "defi_stake", surface: SurfaceDefi, scope: ScopeSignTransactions, mutating: true,
			path: "/v1/stake",
			schema: objectSchema([]string{"asset_id", "amount"}, map[string]interface{}{
				"asset_id": stringProp, "amount": numberProp,
			}),
		},
		{
			name: "defi_lend", surface: SurfaceDefi, scope: ScopeSignTransactions, mutating: true,
			path: "/v1/lend",
			schema: objectSchema([]string{"asset_id", "amount"}, map[string]interface{}{
				"asset_id": stringProp, "amount": numberProp,
			}),
		},
		{
			name: "nft_floor", surface: SurfaceNFT, scope: ScopeReadNFT,
			path:   "/v1/floor",
			schema: objectSchema([]string{"collection"}, map[string]interface{}{"collection": stringProp}),
		},
		{
			name: "nft_trade", surface: SurfaceNFT, scope: ScopeSignTransactions, mutating: true,
			path:   "/v1/trade",
			schema: objectSchema([]string{"collection"}, map[string]interface{}{"collection": stringProp}),
		},
		{
			name: "market_overview", surface: SurfaceTrading, scope: ScopeReadDefi,
			path:   "/v1/overview",
			schema: objectSchema(nil, map[string]interface{}{}),
		},
	}

	var out []Tool
	for i := range defs {
		base, ok := baseURLs[defs[i].surface]
		if !ok || base == "" {
			continue
		}
		defs[i].baseURL = base
		defs[i].client = client
		out = append(out, &defs[i])
	}
	return out
}
