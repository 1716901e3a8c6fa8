package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestLLMRequestAttributes(t *testing.T) {
	attrs := LLMRequestAttributes("mistral", "mistral-large-latest", 0.3, 1024)
	require.Len(t, attrs, 4)

	byKey := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		byKey[kv.Key] = kv.Value
	}
	assert.Equal(t, "mistral", byKey[GenAISystem].AsString())
	assert.Equal(t, "mistral-large-latest", byKey[GenAIRequestModel].AsString())
	assert.Equal(t, 0.3, byKey[GenAIRequestTemperature].AsFloat64())
	assert.Equal(t, int64(1024), byKey[GenAIRequestMaxTokens].AsInt64())
}

func TestLLMUsageAttributes(t *testing.T) {
	attrs := LLMUsageAttributes(12, 9)
	require.Len(t, attrs, 2)
	assert.Equal(t, GenAIUsageInputTokens.Int(12), attrs[0])
	assert.Equal(t, GenAIUsageOutputTokens.Int(9), attrs[1])
}
