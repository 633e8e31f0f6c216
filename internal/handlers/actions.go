package handlers

import (
	"net/http"

	"github.com/uapk/gateway/internal/core"
	"github.com/uapk/gateway/internal/gateway"
	"github.com/uapk/gateway/internal/multitenancy"
)

// HandleEvaluate runs the policy decision without executing anything.
// POST /v1/actions/evaluate
func HandleEvaluate(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeActionRequest(w, r)
		if !ok {
			return
		}
		resp, err := gw.Evaluate(r.Context(), req)
		if err != nil {
			writeInternalError(w, "evaluate", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleExecute evaluates and, on allow, invokes the configured connector.
// POST /v1/actions/execute
//
// A deny still returns 200: the decision is the payload, not a transport
// error.
func HandleExecute(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeActionRequest(w, r)
		if !ok {
			return
		}
		resp, err := gw.Execute(r.Context(), req)
		if err != nil {
			writeInternalError(w, "execute", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeActionRequest parses the body and stamps the authenticated tenant
// over whatever the caller claimed.
func decodeActionRequest(w http.ResponseWriter, r *http.Request) (*core.ActionRequest, bool) {
	tenantID, err := multitenancy.TenantID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return nil, false
	}

	var req core.ActionRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	req.Tenant = tenantID

	if req.ManifestID == "" || req.AgentID == "" || req.Action.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"manifest_id, agent_id, and action.type are required")
		return nil, false
	}
	return &req, true
}
