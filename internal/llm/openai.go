package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/llm")

// ChatClient implements Completer over any OpenAI-compatible chat API.
// Mistral and OpenRouter both expose this wire format, so one client
// type covers both upstreams.
type ChatClient struct {
	name   string
	model  string
	client *openai.Client
}

// NewChatClient creates a client for an OpenAI-compatible endpoint.
// baseURL is scheme+host without path; the client appends /v1.
func NewChatClient(name, baseURL, apiKey, model string) *ChatClient {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &ChatClient{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(config),
	}
}

// newChatClientWithClient injects a pre-configured client. Used in tests
// with httptest servers.
func newChatClientWithClient(name, model string, client *openai.Client) *ChatClient {
	return &ChatClient{name: name, model: model, client: client}
}

// Name returns the provider identifier.
func (c *ChatClient) Name() string {
	return c.name
}

// Complete sends a chat completion request to the upstream.
func (c *ChatClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(ordotel.LLMRequestAttributes(c.name, c.model, req.Temperature, req.MaxTokens)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s api call: %w", c.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s api call: %w", c.name, ErrEmptyResponse)
	}

	span.SetAttributes(ordotel.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(ordotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)))

	out := &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
		Provider:     c.name,
	}
	RecordTokenMetrics(ctx, out)
	return out, nil
}
