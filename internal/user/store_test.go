package user

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := approval.DefaultThresholds()
	th.RequireApprovalAboveUSDC = 250
	require.NoError(t, s.Upsert(ctx, &User{
		ID:         "user-1",
		APIKey:     "ord_key_1",
		Scopes:     []tools.Scope{tools.ScopeReadWallet, tools.ScopeSignTransactions},
		Thresholds: th,
	}))

	u, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ord_key_1", u.APIKey)
	assert.Equal(t, []tools.Scope{tools.ScopeReadWallet, tools.ScopeSignTransactions}, u.Scopes)
	assert.Equal(t, 250.0, u.Thresholds.RequireApprovalAboveUSDC)
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStoreAPIKeyMap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &User{ID: "user-1", APIKey: "k1"}))
	require.NoError(t, s.Upsert(ctx, &User{ID: "user-2", APIKey: "k2"}))

	keys, err := s.APIKeyMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "user-1", "k2": "user-2"}, keys)
}

func TestStoreThresholdsDefaultForUnknownUser(t *testing.T) {
	s := newTestStore(t)

	th, err := s.Thresholds(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, approval.DefaultThresholds(), th)
}

func TestStoreSetThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &User{ID: "user-1", APIKey: "k1"}))

	th := approval.Thresholds{RequireApprovalAboveUSDC: 10, MaxSingleTransfer: 50, MaxDailyVolumeUSDC: 100}
	require.NoError(t, s.SetThresholds(ctx, "user-1", th))

	got, err := s.Thresholds(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, th, got)

	assert.ErrorIs(t, s.SetThresholds(ctx, "nobody", th), ErrUserNotFound)
}

func TestStoreGrantsEmptyForUnknownUser(t *testing.T) {
	s := newTestStore(t)

	scopes, err := s.Grants(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, scopes)
}
