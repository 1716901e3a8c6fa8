// Package tools defines the uniform, surface-agnostic tool contract and
// the registry/router that execute resolved tool sets. Every tool is
// permission-scoped; state-changing tools are flagged so the workflow can
// route them through the approval gate instead of invoking them directly.
package tools

import (
	"context"
	"errors"
)

// Domain errors for the tools package.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrDuplicateTool     = errors.New("tool already registered")
	ErrInvalidParams     = errors.New("invalid tool parameters")
	ErrToolExecution     = errors.New("tool execution failed")
	ErrMissingCredential = errors.New("missing surface credential")
)

// Scope is a capability a caller must hold for a tool to run.
type Scope string

const (
	ScopeReadWallet         Scope = "READ_WALLET"
	ScopeReadGmail          Scope = "READ_GMAIL"
	ScopeReadSocialX        Scope = "READ_SOCIAL_X"
	ScopeReadSocialTelegram Scope = "READ_SOCIAL_TELEGRAM"
	ScopeReadDefi           Scope = "READ_DEFI"
	ScopeReadNFT            Scope = "READ_NFT"
	ScopeSendGmail          Scope = "SEND_GMAIL"
	ScopePostSocial         Scope = "POST_SOCIAL"
	ScopeSignTransactions   Scope = "SIGN_TRANSACTIONS"
)

// CallerContext carries the identity and upstream credentials a tool
// needs. Credentials come from the vault, keyed by credential name.
type CallerContext struct {
	UserID      string
	Credentials map[string]string
}

// Tool is the interface every surface operation implements.
type Tool interface {
	// Name returns the unique tool identifier (e.g. "wallet_portfolio").
	Name() string
	// Surface returns the surface the tool belongs to (e.g. "WALLET").
	Surface() string
	// Scope returns the permission scope the caller must hold.
	Scope() Scope
	// Mutating reports whether the tool changes external state. Mutating
	// tools never run directly; the approval gate decides their fate.
	Mutating() bool
	// ParamSchema returns the JSON schema tool parameters are validated
	// against before dispatch.
	ParamSchema() map[string]interface{}
	// Invoke executes the tool. Implementations must honor ctx
	// cancellation and return data serializable to JSON.
	Invoke(ctx context.Context, params map[string]interface{}, caller CallerContext) (interface{}, error)
}
