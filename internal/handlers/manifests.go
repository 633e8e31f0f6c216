package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/multitenancy"
)

// HandleUploadManifest stores a new manifest version. Uploads land as
// pending; activation is a separate, explicit step unless activate is set.
// POST /v1/manifests
func HandleUploadManifest(store manifest.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}

		var body struct {
			ManifestID string                 `json:"manifest_id"`
			Body       map[string]interface{} `json:"body"`
			Activate   bool                   `json:"activate"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.ManifestID == "" || body.Body == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "manifest_id and body are required")
			return
		}

		m := &manifest.Manifest{
			Tenant:     tenantID,
			ManifestID: body.ManifestID,
			Status:     manifest.StatusPending,
			Body:       body.Body,
		}
		if body.Activate {
			m.Status = manifest.StatusActive
		}
		if err := store.Create(r.Context(), m); err != nil {
			writeInternalError(w, "upload manifest", err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

// HandleGetManifest returns the version the engine would enforce right now,
// plus the newest row of any status.
// GET /v1/manifests/{manifest_id}
func HandleGetManifest(store manifest.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		manifestID := mux.Vars(r)["manifest_id"]

		active, err := store.GetActive(r.Context(), tenantID, manifestID)
		if err != nil {
			writeInternalError(w, "get manifest", err)
			return
		}
		newest, err := store.GetNewest(r.Context(), tenantID, manifestID)
		if err != nil {
			writeInternalError(w, "get manifest", err)
			return
		}
		if newest == nil {
			writeError(w, http.StatusNotFound, "not_found", "manifest not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"active": active,
			"newest": newest,
		})
	}
}

// HandleSetManifestStatus transitions one manifest row between lifecycle
// states.
// POST /v1/manifests/{row_id}/status
func HandleSetManifestStatus(store manifest.Store) http.HandlerFunc {
	valid := map[string]bool{
		manifest.StatusPending:  true,
		manifest.StatusActive:   true,
		manifest.StatusInactive: true,
		manifest.StatusArchived: true,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}
		rowID := mux.Vars(r)["row_id"]

		var body struct {
			Status string `json:"status"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if !valid[body.Status] {
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be pending, active, inactive, or archived")
			return
		}

		if err := store.SetStatus(r.Context(), tenantID, rowID, body.Status); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "manifest row not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": rowID, "status": body.Status})
	}
}
