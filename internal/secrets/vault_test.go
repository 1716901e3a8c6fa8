package secrets

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(filepath.Join(t.TempDir(), "secrets.db"), testKey)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVaultSetGetRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "helius_api_key", "hel-abc123"))

	got, err := v.Get(ctx, "user-1", "helius_api_key")
	require.NoError(t, err)
	assert.Equal(t, "hel-abc123", got)
}

func TestVaultKeyValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := NewVault(filepath.Join(dir, "a.db"), "too-short")
	assert.ErrorIs(t, err, ErrInvalidVaultKey)

	hexKey := strings.Repeat("ab", 32)
	v, err := NewVault(filepath.Join(dir, "b.db"), hexKey)
	require.NoError(t, err)
	v.Close()
}

func TestVaultValueNotStoredInPlaintext(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "mail_token", "super-secret-token"))

	var sealed string
	err := v.db.QueryRow(`SELECT sealed_value FROM credentials WHERE user_id = 'user-1'`).Scan(&sealed)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "super-secret-token")
}

func TestVaultGetMissing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Get(context.Background(), "user-1", "nope")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestVaultUpsertReplacesValue(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "helius_api_key", "old"))
	require.NoError(t, v.Set(ctx, "user-1", "helius_api_key", "new"))

	got, err := v.Get(ctx, "user-1", "helius_api_key")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestVaultCredentialsPerUser(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "helius_api_key", "hel-1"))
	require.NoError(t, v.Set(ctx, "user-1", "mail_token", "mail-1"))
	require.NoError(t, v.Set(ctx, "user-2", "helius_api_key", "hel-2"))

	creds, err := v.Credentials(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"helius_api_key": "hel-1",
		"mail_token":     "mail-1",
	}, creds)

	empty, err := v.Credentials(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVaultDelete(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "mail_token", "tok"))
	require.NoError(t, v.Delete(ctx, "user-1", "mail_token"))

	_, err := v.Get(ctx, "user-1", "mail_token")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	assert.ErrorIs(t, v.Delete(ctx, "user-1", "mail_token"), ErrCredentialNotFound)
}

func TestVaultWrongKeyFailsAuthentication(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "secrets.db")

	v1, err := NewVault(dbPath, testKey)
	require.NoError(t, err)
	require.NoError(t, v1.Set(context.Background(), "user-1", "mail_token", "tok"))
	v1.Close()

	v2, err := NewVault(dbPath, "ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	defer v2.Close()

	_, err = v2.Get(context.Background(), "user-1", "mail_token")
	assert.ErrorIs(t, err, ErrCiphertextCorrupt)
}

func TestVaultAccessLogRecordsDenials(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "user-1", "mail_token", "tok"))
	_, _ = v.Get(ctx, "user-1", "mail_token")
	_, _ = v.Get(ctx, "user-1", "missing")

	records, err := v.AccessLog(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	allowed := 0
	for _, r := range records {
		if r.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)

	md, err := v.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, 1, md[0].AccessCount)
}
