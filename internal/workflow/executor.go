package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/tools"
)

// actionPayload is the serialized deferred action stored with an
// approval. It carries everything needed to run the tool later, exactly
// as resolved at gate time.
type actionPayload struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ToolExecutor performs deferred actions for the approval queue by
// replaying the stored tool call through the router.
type ToolExecutor struct {
	router *tools.Router
	creds  CredentialSource
}

// NewToolExecutor wires the executor. creds may be nil.
func NewToolExecutor(router *tools.Router, creds CredentialSource) *ToolExecutor {
	if creds == nil {
		creds = NoCredentials{}
	}
	return &ToolExecutor{router: router, creds: creds}
}

// Execute runs the approval's pending action once. Credentials are
// resolved at execution time, not approval time, so a rotated key is
// picked up.
func (e *ToolExecutor) Execute(ctx context.Context, req *approval.Request) (interface{}, error) {
	var payload actionPayload
	if err := json.Unmarshal(req.PendingAction, &payload); err != nil {
		return nil, fmt.Errorf("decoding pending action for %s: %w", req.ID, err)
	}

	creds, err := e.creds.Credentials(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}

	outcomes := e.router.Execute(ctx, []tools.Call{{Tool: payload.Tool, Params: payload.Params}}, tools.CallerContext{
		UserID:      req.UserID,
		Credentials: creds,
	})
	if outcomes[0].Err != nil {
		return nil, outcomes[0].Err
	}
	return outcomes[0].Data, nil
}
