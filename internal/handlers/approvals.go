package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/multitenancy"
	"github.com/uapk/gateway/internal/token"
	"github.com/uapk/gateway/internal/websocket"
)

// HandleListApprovals returns the tenant's pending approvals, oldest first.
// GET /v1/approvals
func HandleListApprovals(store approval.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		pending, err := store.ListPending(r.Context(), tenantID)
		if err != nil {
			writeInternalError(w, "list approvals", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
	}
}

// HandleGetApproval returns one approval by id.
// GET /v1/approvals/{approval_id}
func HandleGetApproval(store approval.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		appr, err := store.Get(r.Context(), tenantID, mux.Vars(r)["approval_id"])
		if err != nil {
			writeInternalError(w, "get approval", err)
			return
		}
		if appr == nil {
			writeError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		writeJSON(w, http.StatusOK, appr)
	}
}

// HandleApprove resolves a pending approval and mints the single-use override
// token bound to the frozen action.
// POST /v1/approvals/{approval_id}/approve
func HandleApprove(store approval.Store, tokens *token.Service, feed *websocket.ApprovalFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		approvalID := mux.Vars(r)["approval_id"]

		var body struct {
			Approver   string `json:"approver"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.Approver == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "approver is required")
			return
		}

		appr, err := store.Get(r.Context(), tenantID, approvalID)
		if err != nil {
			writeInternalError(w, "get approval", err)
			return
		}
		if appr == nil {
			writeError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		if appr.Status != approval.StatusPending || appr.Expired(time.Now().UTC()) {
			writeError(w, http.StatusConflict, "not_pending", "approval is not pending")
			return
		}

		// The store transition is the authoritative gate: two racing approves
		// both pass the read above, but only one wins SetStatus and mints.
		if err := store.SetStatus(r.Context(), tenantID, approvalID, approval.StatusApproved, body.Approver); err != nil {
			if errors.Is(err, approval.ErrNotPending) {
				writeError(w, http.StatusConflict, "not_pending", "approval is not pending")
				return
			}
			writeInternalError(w, "approve", err)
			return
		}

		ttl := time.Duration(body.TTLSeconds) * time.Second
		overrideToken, claims, err := tokens.IssueOverride(
			tenantID, appr.ManifestID, appr.AgentID, appr.ActionHash, appr.ApprovalID, ttl)
		if err != nil {
			writeInternalError(w, "issue override token", err)
			return
		}

		appr.Status = approval.StatusApproved
		appr.Approver = body.Approver
		feed.Notify(websocket.EventApprovalResolved, appr)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"approval_id":    appr.ApprovalID,
			"status":         approval.StatusApproved,
			"override_token": overrideToken,
			"expires_at":     claims.ExpiresAt,
		})
	}
}

// HandleDeny resolves a pending approval without minting anything.
// POST /v1/approvals/{approval_id}/deny
func HandleDeny(store approval.Store, feed *websocket.ApprovalFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		approvalID := mux.Vars(r)["approval_id"]

		var body struct {
			Approver string `json:"approver"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}

		appr, err := store.Get(r.Context(), tenantID, approvalID)
		if err != nil {
			writeInternalError(w, "get approval", err)
			return
		}
		if appr == nil {
			writeError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		if appr.Status != approval.StatusPending {
			writeError(w, http.StatusConflict, "not_pending", "approval is not pending")
			return
		}

		if err := store.SetStatus(r.Context(), tenantID, approvalID, approval.StatusDenied, body.Approver); err != nil {
			if errors.Is(err, approval.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "approval not found")
				return
			}
			if errors.Is(err, approval.ErrNotPending) {
				writeError(w, http.StatusConflict, "not_pending", "approval is not pending")
				return
			}
			writeInternalError(w, "deny", err)
			return
		}

		appr.Status = approval.StatusDenied
		appr.Approver = body.Approver
		feed.Notify(websocket.EventApprovalResolved, appr)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"approval_id": appr.ApprovalID,
			"status":      approval.StatusDenied,
		})
	}
}
