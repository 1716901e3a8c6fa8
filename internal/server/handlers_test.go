package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/audit"
)

// queueTransfer runs a query that lands in the approval queue and
// returns the approval id.
func queueTransfer(t *testing.T, h *harness) string {
	t.Helper()
	h.completer.replies = append(h.completer.replies,
		`{"intent":"transfer","asset_id":"USDC","amount":1800,"recipient":"0xabc"}`)

	resp, body := h.do(t, http.MethodPost, "/v1/query", "ord_key_1",
		map[string]string{"query": "send 1800 USDC to 0xabc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["approval_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	id := queueTransfer(t, h)

	resp, body := h.do(t, http.MethodGet, "/v1/approvals/pending", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	approvals := body["approvals"].([]interface{})
	require.Len(t, approvals, 1)

	resp, body = h.do(t, http.MethodGet, "/v1/approvals/"+id, "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, body = h.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	approvalBody := body["approval"].(map[string]interface{})
	assert.Equal(t, "executed", approvalBody["status"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "0xfeed", data["tx_hash"])

	// Consumed: a second approve conflicts.
	resp, _ = h.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "ord_key_1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApprovalOwnershipEnforced(t *testing.T) {
	h := newHarness(t)
	id := queueTransfer(t, h)

	resp, _ := h.do(t, http.MethodGet, "/v1/approvals/"+id, "ord_key_2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "ord_key_2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/approvals/"+id+"/reject", "ord_key_2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestApprovalRejectWithReason(t *testing.T) {
	h := newHarness(t)
	id := queueTransfer(t, h)

	resp, body := h.do(t, http.MethodPost, "/v1/approvals/"+id+"/reject", "ord_key_1",
		map[string]string{"reason": "changed my mind"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "changed my mind", body["rejection_reason"])

	resp, _ = h.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "ord_key_1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApprovalNotFound(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/v1/approvals/apr_missing", "ord_key_1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/approvals/apr_missing/approve", "ord_key_1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalTransitionsLandInAudit(t *testing.T) {
	h := newHarness(t)
	id := queueTransfer(t, h)

	resp, _ := h.do(t, http.MethodPost, "/v1/approvals/"+id+"/approve", "ord_key_1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := h.audit.Query(context.Background(), "user-1", audit.KindApprovalTransition, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Valid)

	resp, body := h.do(t, http.MethodGet, "/v1/audit?kind=approval_transition", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)
}

func TestAuditIsCallerScoped(t *testing.T) {
	h := newHarness(t)
	id := queueTransfer(t, h)

	resp, _ := h.do(t, http.MethodPost, "/v1/approvals/"+id+"/reject", "ord_key_1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/v1/audit", "ord_key_2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["entries"])
}

func TestAuditRejectsBadLimit(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/v1/audit?limit=nope", "ord_key_1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCredentialsRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPut, "/v1/credentials/defi_api_key", "ord_key_1",
		map[string]string{"value": "dk-9"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/v1/credentials", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	creds := body["credentials"].([]interface{})
	// wallet_api_key from the harness plus the new one; values never
	// appear in the listing.
	require.Len(t, creds, 2)
	for _, c := range creds {
		m := c.(map[string]interface{})
		assert.NotContains(t, m, "value")
		assert.NotContains(t, m, "sealed_value")
	}

	resp, _ = h.do(t, http.MethodDelete, "/v1/credentials/defi_api_key", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/credentials/defi_api_key", "ord_key_1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCredentialPutRequiresValue(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPut, "/v1/credentials/defi_api_key", "ord_key_1",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThresholdsRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/v1/settings/thresholds", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100.0, body["require_approval_above_usdc"])

	resp, body = h.do(t, http.MethodPut, "/v1/settings/thresholds", "ord_key_1",
		map[string]interface{}{
			"require_approval_above_usdc": 250,
			"min_token_risk_score":        60,
			"block_high_risk_tokens":      true,
			"max_single_transfer":         2000,
			"max_daily_volume_usdc":       8000,
		})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 250.0, body["require_approval_above_usdc"])

	resp, body = h.do(t, http.MethodGet, "/v1/settings/thresholds", "ord_key_1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2000.0, body["max_single_transfer"])
}

func TestThresholdsRejectNegativeLimits(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPut, "/v1/settings/thresholds", "ord_key_1",
		map[string]interface{}{"max_single_transfer": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
