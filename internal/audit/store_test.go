package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/policy"
)

const testSigningKey = "this-is-a-thirty-two-byte-keyyyy"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRecordsPolicyViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordPolicyViolation(ctx, policy.Violation{
		Surface:   "GMAIL",
		Tool:      "gmail_summary",
		Category:  policy.CategoryOTPCode,
		Rule:      "otp_code",
		UserID:    "user-1",
		Timestamp: time.Now().UTC(),
	})

	entries, err := s.Query(ctx, "user-1", KindPolicyViolation, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Valid)
	assert.True(t, strings.HasPrefix(entries[0].ID, "aud_"))

	var v policy.Violation
	require.NoError(t, json.Unmarshal(entries[0].Detail, &v))
	assert.Equal(t, "GMAIL", v.Surface)
	assert.Equal(t, policy.CategoryOTPCode, v.Category)
}

func TestStoreRecordsApprovalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordApprovalTransition(ctx, "user-1", ApprovalTransition{
		ApprovalID: "apr_abc",
		From:       "pending",
		To:         "approved",
		ActorID:    "user-1",
	}))

	entries, err := s.Query(ctx, "", KindApprovalTransition, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Valid)
}

func TestStoreDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordApprovalTransition(ctx, "user-1", ApprovalTransition{
		ApprovalID: "apr_abc",
		From:       "pending",
		To:         "rejected",
	}))

	_, err := s.db.Exec(`UPDATE audit_log SET detail = replace(detail, 'rejected', 'approved')`)
	require.NoError(t, err)

	entries, err := s.Query(ctx, "user-1", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Valid)
}

func TestStoreQueryFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordApprovalTransition(ctx, "user-1", ApprovalTransition{
			ApprovalID: "apr_x", From: "pending", To: "expired",
		}))
	}
	require.NoError(t, s.RecordApprovalTransition(ctx, "user-2", ApprovalTransition{
		ApprovalID: "apr_y", From: "pending", To: "approved",
	}))

	entries, err := s.Query(ctx, "user-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := s.Query(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSignerKeyValidation(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	_, err = NewSigner(strings.Repeat("ab", 32))
	assert.NoError(t, err)
}
