package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ordo-agent/ordo/internal/llm"
)

const respondSystemPrompt = `You are Ordo, an assistant that answers from tool results only.
Every factual claim must carry an inline citation marker like [1] referring to the numbered sources provided.
If the results are empty or the action needs approval, say so plainly. Never invent data.`

const fallbackResponse = "I wasn't able to complete that request right now. Please try again shortly."

// generateResponse is the final node and the only one allowed a second
// completion call. It degrades to canned text when the completer is
// unavailable, so the pipeline still returns a response.
func (e *Engine) generateResponse(ctx context.Context, state *RequestState) {
	// The permission branch and the approval branch have fixed shapes
	// that need no completion call.
	if len(state.MissingScope) > 0 {
		names := make([]string, len(state.MissingScope))
		for i, s := range state.MissingScope {
			names[i] = string(s)
		}
		state.Response = fmt.Sprintf(
			"I can't run this request: it needs permissions you haven't granted (%s). Grant them and try again.",
			strings.Join(names, ", "))
		return
	}
	if state.ApprovalID != "" {
		state.Response = fmt.Sprintf(
			"This action needs your approval before it runs: %s. Approval id %s expires in %s.",
			state.Reasoning, state.ApprovalID, expiresIn(state.ApprovalExpiresAt))
		return
	}

	resp, err := e.completer.Complete(ctx, &llm.Request{
		Messages:    e.respondMessages(state),
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		state.addError("generate_response", err)
		log.Warn().
			Str("correlation_id", state.CorrelationID).
			Err(err).
			Msg("response_synthesis_failed")
		state.Response = fallbackResponse
		return
	}

	state.Response = resp.Content
	if state.Aggregated != nil {
		state.Citations = state.Aggregated.Citations
	}
}

// expiresIn renders the time left on an approval record, floored to a
// whole minute so the text tracks the queue's actual TTL.
func expiresIn(expiresAt time.Time) string {
	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())
	switch {
	case minutes <= 0:
		return "under a minute"
	case minutes == 1:
		return "1 minute"
	default:
		return fmt.Sprintf("%d minutes", minutes)
	}
}

// respondMessages assembles the synthesis prompt: sources first, then
// filter notes and accumulated errors so the model can acknowledge
// gaps, then the original query.
func (e *Engine) respondMessages(state *RequestState) []llm.Message {
	var b strings.Builder

	if state.Aggregated != nil && len(state.Aggregated.Items) > 0 {
		b.WriteString("Sources:\n")
		for _, c := range state.Aggregated.Citations {
			fmt.Fprintf(&b, "[%d] %s/%s\n", c.Index, c.Surface, c.Tool)
		}
		b.WriteString("\nResults:\n")
		for _, item := range state.Aggregated.Items {
			data, _ := json.Marshal(item.Data)
			fmt.Fprintf(&b, "%s %s\n", state.Aggregated.Marker(item.Surface, item.Tool), data)
		}
	} else {
		b.WriteString("No tool results are available for this request.\n")
	}

	for _, note := range state.FilterNotes {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}
	for _, se := range state.Errors {
		fmt.Fprintf(&b, "Degraded: stage %s failed.\n", se.Stage)
	}

	messages := make([]llm.Message, 0, len(state.History)+3)
	messages = append(messages, llm.Message{Role: "system", Content: respondSystemPrompt})
	messages = append(messages, state.History...)
	messages = append(messages, llm.Message{Role: "system", Content: b.String()})
	messages = append(messages, llm.Message{Role: "user", Content: state.Query})
	return messages
}
