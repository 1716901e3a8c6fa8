package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/audit"
	"github.com/ordo-agent/ordo/internal/llm"
	"github.com/ordo-agent/ordo/internal/requestctx"
	"github.com/ordo-agent/ordo/internal/secrets"
	"github.com/ordo-agent/ordo/internal/user"
	"github.com/ordo-agent/ordo/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

type queryRequest struct {
	Query   string `json:"query"`
	History []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := requestctx.UserID(r.Context())
	granted, err := s.users.Grants(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("grants_lookup_failed")
		writeError(w, http.StatusInternalServerError, "resolving permissions failed")
		return
	}

	history := make([]llm.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	result, err := s.engine.Run(r.Context(), workflow.Query{
		UserID:  userID,
		Text:    req.Query,
		History: history,
		Granted: granted,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("query_failed")
		writeError(w, http.StatusInternalServerError, "query execution failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	pending, err := s.queue.ListPending(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("approvals_list_failed")
		writeError(w, http.StatusInternalServerError, "listing approvals failed")
		return
	}
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	req, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading approval failed")
		return
	}
	if req.UserID != userID {
		writeError(w, http.StatusForbidden, "not your approval")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	id := chi.URLParam(r, "id")

	req, data, err := s.queue.Approve(r.Context(), id, userID, s.executor)
	if err != nil && req == nil {
		s.writeApprovalError(w, id, err)
		return
	}

	s.recordTransition(r, userID, audit.ApprovalTransition{
		ApprovalID: id,
		From:       string(approval.StatusPending),
		To:         string(req.Status),
		ActorID:    userID,
	})

	if err != nil {
		// Approved, but the deferred action failed. The approval is
		// consumed either way.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"approval": req,
			"error":    req.ExecutionError,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval": req,
		"data":     data,
	})
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is a rejection without a reason.
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := s.queue.Reject(r.Context(), id, userID, body.Reason)
	if err != nil {
		s.writeApprovalError(w, id, err)
		return
	}

	s.recordTransition(r, userID, audit.ApprovalTransition{
		ApprovalID: id,
		From:       string(approval.StatusPending),
		To:         string(approval.StatusRejected),
		ActorID:    userID,
		Reason:     body.Reason,
	})
	writeJSON(w, http.StatusOK, req)
}

// writeApprovalError maps queue sentinels to their HTTP statuses.
func (s *Server) writeApprovalError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approval.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "not your approval")
	case errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusGone, "approval expired")
	case errors.Is(err, approval.ErrConflict):
		writeError(w, http.StatusConflict, "approval already resolved")
	default:
		log.Error().Err(err).Str("approval_id", id).Msg("approval_transition_failed")
		writeError(w, http.StatusInternalServerError, "approval transition failed")
	}
}

func (s *Server) recordTransition(r *http.Request, userID string, t audit.ApprovalTransition) {
	if err := s.audit.RecordApprovalTransition(r.Context(), userID, t); err != nil {
		log.Error().Err(err).Str("approval_id", t.ApprovalID).Msg("audit_write_failed")
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	kind := audit.Kind(r.URL.Query().Get("kind"))

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.audit.Query(r.Context(), userID, kind, limit)
	if err != nil {
		log.Error().Err(err).Msg("audit_query_failed")
		writeError(w, http.StatusInternalServerError, "querying audit log failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleCredentialsList(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	creds, err := s.vault.List(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing credentials failed")
		return
	}
	if creds == nil {
		creds = []secrets.CredentialMetadata{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

func (s *Server) handleCredentialPut(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	name := chi.URLParam(r, "name")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.vault.Set(r.Context(), userID, name, body.Value); err != nil {
		log.Error().Err(err).Str("credential", name).Msg("credential_store_failed")
		writeError(w, http.StatusInternalServerError, "storing credential failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "stored"})
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	name := chi.URLParam(r, "name")

	err := s.vault.Delete(r.Context(), userID, name)
	if errors.Is(err, secrets.ErrCredentialNotFound) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deleting credential failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

func (s *Server) handleThresholdsGet(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())
	th, err := s.users.Thresholds(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading thresholds failed")
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleThresholdsPut(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserID(r.Context())

	var th approval.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&th); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if th.RequireApprovalAboveUSDC < 0 || th.MaxSingleTransfer < 0 || th.MaxDailyVolumeUSDC < 0 {
		writeError(w, http.StatusBadRequest, "limits must be non-negative")
		return
	}

	err := s.users.SetThresholds(r.Context(), userID, th)
	if errors.Is(err, user.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing thresholds failed")
		return
	}
	writeJSON(w, http.StatusOK, th)
}
