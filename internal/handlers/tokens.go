package handlers

import (
	"net/http"
	"time"

	"github.com/uapk/gateway/internal/multitenancy"
	"github.com/uapk/gateway/internal/token"
)

const defaultCapabilityTTL = time.Hour

// HandleIssueCapability mints a gateway-signed capability token scoped to one
// (manifest, agent) pair. Operators use this to credential agents that have
// no external issuer of their own.
// POST /v1/tokens/capability
func HandleIssueCapability(tokens *token.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := multitenancy.TenantID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
			return
		}

		var body struct {
			ManifestID         string             `json:"manifest_id"`
			AgentID            string             `json:"agent_id"`
			TTLSeconds         int                `json:"ttl_seconds"`
			AllowedActionTypes []string           `json:"allowed_action_types"`
			AllowedTools       []string           `json:"allowed_tools"`
			Constraints        *token.Constraints `json:"constraints"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.ManifestID == "" || body.AgentID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "manifest_id and agent_id are required")
			return
		}

		ttl := defaultCapabilityTTL
		if body.TTLSeconds > 0 {
			ttl = time.Duration(body.TTLSeconds) * time.Second
		}

		signed, claims, err := tokens.IssueCapability(tenantID, body.ManifestID, body.AgentID, ttl,
			token.CapabilityOptions{
				AllowedActionTypes: body.AllowedActionTypes,
				AllowedTools:       body.AllowedTools,
				Constraints:        body.Constraints,
			})
		if err != nil {
			writeInternalError(w, "issue capability token", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"capability_token": signed,
			"jti":              claims.JTI,
			"expires_at":       claims.ExpiresAt,
		})
	}
}
