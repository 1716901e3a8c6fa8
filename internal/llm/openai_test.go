package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatTestServer(t *testing.T, name string, handler http.HandlerFunc) (*httptest.Server, *ChatClient) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	config := openai.DefaultConfig("test-api-key")
	config.BaseURL = ts.URL + "/v1"
	client := openai.NewClientWithConfig(config)
	return ts, newChatClientWithClient(name, "test-model", client)
}

func TestChatClientComplete_Success(t *testing.T) {
	_, client := newChatTestServer(t, "mistral", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test123",
			Model: "mistral-large-latest",
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: "Your SOL balance is 4.2.",
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{
				PromptTokens:     12,
				CompletionTokens: 9,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	req := &Request{
		Messages: []Message{
			{Role: "user", Content: "what's my balance"},
		},
		Temperature: 0.2,
		MaxTokens:   200,
	}

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Your SOL balance is 4.2.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 9, resp.OutputTokens)
	assert.Equal(t, "mistral-large-latest", resp.Model)
	assert.Equal(t, "mistral", resp.Provider)
}

func TestChatClientComplete_JSONMode(t *testing.T) {
	_, client := newChatTestServer(t, "mistral", func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)

		resp := openai.ChatCompletionResponse{
			Model: "test-model",
			Choices: []openai.ChatCompletionChoice{
				{
					Message:      openai.ChatCompletionMessage{Role: "assistant", Content: `{"intent":"token_price"}`},
					FinishReason: openai.FinishReasonStop,
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "price of SOL?"}},
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"token_price"}`, resp.Content)
}

func TestChatClientComplete_APIError(t *testing.T) {
	_, client := newChatTestServer(t, "openrouter", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Invalid API key",
				"type":    "invalid_request_error",
			},
		})
	})

	_, err := client.Complete(context.Background(), &Request{
		Messages:  []Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openrouter api call")
}

func TestChatClientComplete_NoChoices(t *testing.T) {
	_, client := newChatTestServer(t, "mistral", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{Model: "test-model"})
	})

	_, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
