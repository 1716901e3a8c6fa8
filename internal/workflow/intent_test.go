package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/tools"
)

func TestValidateMappingFullCatalog(t *testing.T) {
	registry := tools.NewRegistry()
	for _, c := range catalogShape {
		require.NoError(t, registry.Register(&fakeTool{
			name: c.name, surface: c.surface, scope: c.scope, mutating: c.mutating,
		}))
	}

	assert.NoError(t, ValidateMapping(registry))
}

func TestValidateMappingDanglingTool(t *testing.T) {
	err := ValidateMapping(tools.NewRegistry())
	assert.ErrorContains(t, err, "unregistered tool")
}

func TestToolsForReturnsCopy(t *testing.T) {
	first := ToolsFor(IntentMarketAnalysis)
	require.NotEmpty(t, first)
	first[0] = "tampered"

	assert.NotEqual(t, "tampered", ToolsFor(IntentMarketAnalysis)[0])
}

func TestKnownIntent(t *testing.T) {
	assert.True(t, KnownIntent("transfer"))
	assert.True(t, KnownIntent("unknown"))
	assert.False(t, KnownIntent("rob_bank"))
}

func TestEveryMutatingIntentHasActionKind(t *testing.T) {
	for intent := range actionKinds {
		assert.NotEmpty(t, intentTools[intent], "intent %s maps no tools", intent)
	}
}

func TestEveryCatalogToolReachableFromSomeIntent(t *testing.T) {
	mapped := make(map[string]bool)
	for _, names := range intentTools {
		for _, name := range names {
			mapped[name] = true
		}
	}
	for _, c := range catalogShape {
		assert.True(t, mapped[c.name], "tool %s is reachable from no intent", c.name)
	}
}
