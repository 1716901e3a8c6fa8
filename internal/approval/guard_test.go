package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardBlockedAsset(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardConfig{BlockedAssets: []string{"SCAMCOIN", "RUGTOKEN"}})
	require.NoError(t, err)

	reasons, err := guard.Check(ctx, "swap", "RUGTOKEN", 5)
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "RUGTOKEN")

	reasons, err = guard.Check(ctx, "swap", "SOL", 5)
	require.NoError(t, err)
	assert.Empty(t, reasons)
}

func TestGuardBlockedActionType(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardConfig{BlockedActionTypes: []string{"borrow"}})
	require.NoError(t, err)

	reasons, err := guard.Check(ctx, "borrow", "", 100)
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "borrow")

	reasons, err = guard.Check(ctx, "transfer", "", 100)
	require.NoError(t, err)
	assert.Empty(t, reasons)
}

func TestGuardHardCeiling(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardConfig{HardUSDCeiling: 10000})
	require.NoError(t, err)

	reasons, err := guard.Check(ctx, "transfer", "", 10001)
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "hard ceiling")

	reasons, err = guard.Check(ctx, "transfer", "", 10000)
	require.NoError(t, err)
	assert.Empty(t, reasons)
}

func TestGuardZeroCeilingDisabled(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardConfig{})
	require.NoError(t, err)

	reasons, err := guard.Check(ctx, "transfer", "BTC", 1e9)
	require.NoError(t, err)
	assert.Empty(t, reasons)
}

func TestGuardAccumulatesReasons(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardConfig{
		BlockedAssets:      []string{"SCAMCOIN"},
		BlockedActionTypes: []string{"swap"},
		HardUSDCeiling:     100,
	})
	require.NoError(t, err)

	reasons, err := guard.Check(ctx, "swap", "SCAMCOIN", 500)
	require.NoError(t, err)
	assert.Len(t, reasons, 3)
}
