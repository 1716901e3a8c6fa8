package workflow

import (
	"time"

	"github.com/ordo-agent/ordo/internal/llm"
	"github.com/ordo-agent/ordo/internal/tools"
)

// Query is the inbound request to the pipeline.
type Query struct {
	UserID  string
	Text    string
	History []llm.Message
	// Granted is the caller's capability set, resolved by the transport
	// layer before the pipeline runs.
	Granted []tools.Scope
}

// StageError is one non-fatal node failure. Errors accumulate; the
// pipeline always produces a best-effort response.
type StageError struct {
	Stage string `json:"stage"`
	Err   string `json:"error"`
}

// ParsedQuery is the output of the parse_query node. Stages downstream
// read only from here, never from the raw query again.
type ParsedQuery struct {
	Intent    Intent  `json:"intent"`
	AssetID   string  `json:"asset_id,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
	// SearchTerms drives mail/social search tools.
	SearchTerms string `json:"search_terms,omitempty"`
	// Subject is the email subject for mail_send.
	Subject string `json:"subject,omitempty"`
	// Message is outbound content for post/send intents.
	Message string `json:"message,omitempty"`
}

// RequestState is the ephemeral per-request record threaded through the
// pipeline. Each node reads the narrow slice it needs and writes its own
// output fields; errors is append-only and response is written once, by
// the final node.
type RequestState struct {
	CorrelationID string
	UserID        string
	Query         string
	History       []llm.Message
	Granted       []tools.Scope

	Parsed        *ParsedQuery
	ToolNames     []string
	RequiredScope []tools.Scope
	MissingScope  []tools.Scope

	RawOutcomes []tools.Outcome
	Filtered    []Item
	FilterNotes []string

	Aggregated *Aggregate

	ApprovalID        string
	ApprovalExpiresAt time.Time
	RiskScore         *int
	Reasoning         string

	Response  string
	Citations []Citation
	Errors    []StageError
}

// addError appends a non-fatal node failure.
func (s *RequestState) addError(stage string, err error) {
	s.Errors = append(s.Errors, StageError{Stage: stage, Err: err.Error()})
}

// Result is what the pipeline hands back to the transport layer.
type Result struct {
	CorrelationID string       `json:"correlation_id"`
	Response      string       `json:"response"`
	Citations     []Citation   `json:"citations,omitempty"`
	ApprovalID    string       `json:"approval_id,omitempty"`
	RiskScore     *int         `json:"risk_score,omitempty"`
	Errors        []StageError `json:"errors,omitempty"`
}
