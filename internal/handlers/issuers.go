package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/uapk/gateway/internal/multitenancy"
	"github.com/uapk/gateway/internal/token"
)

// IssuerInvalidator drops a cached issuer entry after a status change. The
// cached resolver implements it; dev mode passes nil.
type IssuerInvalidator interface {
	Invalidate(ctx context.Context, tenant, issuerID string)
}

// HandleRegisterIssuer registers an external token signer for the tenant.
// POST /v1/issuers
func HandleRegisterIssuer(store token.IssuerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}

		var body struct {
			IssuerID  string `json:"issuer_id"`
			PublicKey string `json:"public_key"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.IssuerID == "" || body.PublicKey == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "issuer_id and public_key are required")
			return
		}
		if raw, err := base64.StdEncoding.DecodeString(body.PublicKey); err != nil || len(raw) != 32 {
			writeError(w, http.StatusBadRequest, "invalid_request", "public_key must be a base64 32-byte Ed25519 key")
			return
		}

		issuer := &token.Issuer{
			Tenant:       tenantID,
			IssuerID:     body.IssuerID,
			PublicKeyB64: body.PublicKey,
			Status:       token.IssuerActive,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.Register(r.Context(), issuer); err != nil {
			if errors.Is(err, token.ErrIssuerExists) {
				writeError(w, http.StatusConflict, "issuer_exists", "issuer already registered")
				return
			}
			writeInternalError(w, "register issuer", err)
			return
		}
		writeJSON(w, http.StatusCreated, issuer)
	}
}

// HandleListIssuers lists the tenant's registered issuers.
// GET /v1/issuers
func HandleListIssuers(store token.IssuerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		issuers, err := store.List(r.Context(), tenantID)
		if err != nil {
			writeInternalError(w, "list issuers", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"issuers": issuers})
	}
}

// HandleRevokeIssuer revokes an issuer; tokens it signed fail from the next
// evaluation on.
// POST /v1/issuers/{issuer_id}/revoke
func HandleRevokeIssuer(store token.IssuerStore, invalidator IssuerInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		issuerID := mux.Vars(r)["issuer_id"]

		if err := store.Revoke(r.Context(), tenantID, issuerID); err != nil {
			if errors.Is(err, token.ErrIssuerNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "issuer not found")
				return
			}
			writeInternalError(w, "revoke issuer", err)
			return
		}
		if invalidator != nil {
			invalidator.Invalidate(r.Context(), tenantID, issuerID)
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"issuer_id": issuerID,
			"status":    token.IssuerRevoked,
		})
	}
}
