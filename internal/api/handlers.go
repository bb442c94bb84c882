// Package api exposes the returns lifecycle, policy store and decision ledger
// over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/arcana/internal/attestation"
	"github.com/davidahmann/arcana/internal/auth"
	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/kms"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/internal/returns"
	"github.com/davidahmann/arcana/pkg/types"
)

type Handler struct {
	Auth     auth.Authenticator
	Returns  *returns.Service
	Policies *policy.Service
	AEL      *ledger.AEL
	Keys     kms.KeyManager
	Schemas  *Schemas
	Idem     IdemStore
	Limiter  *RateLimiter
	Log      *slog.Logger
}

type aelDiffRequest struct {
	BaselineDecisionID  string `json:"baseline_decision_id"`
	CandidateDecisionID string `json:"candidate_decision_id"`
}

func merchantOf(r *http.Request) string {
	p, _ := auth.PrincipalFrom(r.Context())
	return p.MerchantID
}

func notConfigured(w http.ResponseWriter, what string) {
	writeStatus(w, http.StatusNotImplemented, "not_implemented", "CFG-001", what+" not configured")
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	if h.Keys == nil {
		notConfigured(w, "signing key")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.Keys.JWKS())
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.Returns == nil {
		notConfigured(w, "returns service")
		return
	}
	var req types.TokenRequest
	if err := h.Schemas.decode(r, w, schemaToken, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if header := r.Header.Get(attestation.HeaderName); header != "" {
		if req.AgentHeaders == nil {
			req.AgentHeaders = &types.AgentHeaders{}
		}
		req.AgentHeaders.Attestation = header
	}
	resp, err := h.Returns.IssueToken(r.Context(), req, merchantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if h.Returns == nil {
		notConfigured(w, "returns service")
		return
	}
	var req types.AuthorizeRequest
	if err := h.Schemas.decode(r, w, schemaAuthorize, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Returns.Authorize(r.Context(), req, merchantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	if h.Returns == nil {
		notConfigured(w, "returns service")
		return
	}
	var req types.CommitRequest
	if err := h.Schemas.decode(r, w, schemaCommit, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Returns.Commit(r.Context(), req, merchantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.Returns == nil {
		notConfigured(w, "returns service")
		return
	}
	resp, err := h.Returns.Cancel(r.Context(), chi.URLParam(r, "jti"), merchantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ImportPolicy(w http.ResponseWriter, r *http.Request) {
	if h.Policies == nil {
		notConfigured(w, "policy service")
		return
	}
	var req types.PolicyImportRequest
	if err := h.Schemas.decode(r, w, schemaPolicyImport, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	merchantID := merchantOf(r)
	if req.MerchantID == "" {
		req.MerchantID = merchantID
	}
	if req.MerchantID != merchantID {
		h.writeError(w, r, errs.New(errs.KindUnauthorized, errs.CodeMerchantMismatch, "cannot import a policy for another merchant"))
		return
	}
	resp, err := h.Policies.Import(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if h.Policies == nil {
		notConfigured(w, "policy service")
		return
	}
	policyID := chi.URLParam(r, "policy_id")
	snapshot, err := h.Policies.Get(policyID)
	if err == nil && snapshot.MerchantID != merchantOf(r) {
		err = errs.PolicyNotFound(policyID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) DiffPolicy(w http.ResponseWriter, r *http.Request) {
	if h.Policies == nil {
		notConfigured(w, "policy service")
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		h.writeError(w, r, errs.Validation("from", "from and to snapshot ids are required"))
		return
	}
	merchantID := merchantOf(r)
	for _, id := range []string{from, to} {
		snapshot, err := h.Policies.Snapshot(id)
		if err == nil && snapshot.MerchantID != merchantID {
			err = errs.Newf(errs.KindNotFound, errs.CodePolicyNotFound, "policy snapshot not found: %s", id)
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	diff, err := h.Policies.Diff(from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	rec, err := h.AEL.GetDecision(r.Context(), merchantOf(r), chi.URLParam(r, "decision_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) GenerateReplay(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	replay, err := h.AEL.GenerateReplay(r.Context(), merchantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, replay)
}

func (h *Handler) GetReplay(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	replay, err := h.AEL.GetReplay(r.Context(), merchantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

func (h *Handler) VerifyReplay(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	out, err := h.AEL.VerifyReplay(r.Context(), merchantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DiffDecisions(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	var req aelDiffRequest
	if err := h.Schemas.decode(r, w, schemaAELDiff, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.AEL.DiffDecisions(r.Context(), merchantOf(r), req.BaselineDecisionID, req.CandidateDecisionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	if h.AEL == nil {
		notConfigured(w, "ledger")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, errs.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	decisions, err := h.AEL.ListDecisions(r.Context(), merchantOf(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}
