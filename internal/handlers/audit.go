package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/uapk/gateway/internal/audit"
	"github.com/uapk/gateway/internal/multitenancy"
)

// HandleExportRecords exports a manifest's interaction records in chain order
// together with the gateway public key, so an external auditor can verify the
// chain without trusting the gateway.
// GET /v1/audit/records?manifest_id=...&limit=...
func HandleExportRecords(store audit.Store, pub ed25519.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		manifestID := r.URL.Query().Get("manifest_id")
		if manifestID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "manifest_id query parameter is required")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
				return
			}
		}

		records, err := store.List(r.Context(), tenantID, manifestID, limit)
		if err != nil {
			writeInternalError(w, "export records", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records":            records,
			"gateway_public_key": base64.StdEncoding.EncodeToString(pub),
		})
	}
}

// HandleGetRecord returns one interaction record by id.
// GET /v1/audit/records/{record_id}
func HandleGetRecord(store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		record, err := store.Get(r.Context(), tenantID, mux.Vars(r)["record_id"])
		if err != nil {
			writeInternalError(w, "get record", err)
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// HandleVerifyChain re-verifies a posted record bundle: every hash is
// recomputed, every signature checked, every link compared against the
// recomputed predecessor hash.
// POST /v1/audit/verify
func HandleVerifyChain(pub ed25519.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []*audit.Record `json:"records"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if len(body.Records) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "records are required")
			return
		}

		issues := audit.VerifyChain(body.Records, pub)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid":  len(issues) == 0,
			"issues": issues,
		})
	}
}
