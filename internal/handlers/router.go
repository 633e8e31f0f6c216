package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uapk/gateway/internal/approval"
	"github.com/uapk/gateway/internal/audit"
	"github.com/uapk/gateway/internal/gateway"
	"github.com/uapk/gateway/internal/manifest"
	"github.com/uapk/gateway/internal/middleware"
	"github.com/uapk/gateway/internal/multitenancy"
	"github.com/uapk/gateway/internal/token"
	"github.com/uapk/gateway/internal/websocket"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Gateway     *gateway.Gateway
	Approvals   approval.Store
	Manifests   manifest.Store
	Issuers     token.IssuerStore
	Audits      audit.Store
	Tokens      *token.Service
	Tenants     *multitenancy.Manager
	Feed        *websocket.ApprovalFeed
	RateLimiter *middleware.RateLimiter
	Invalidator IssuerInvalidator
}

// NewRouter builds the full API router. Everything under /v1 requires tenant
// credentials; /health and /metrics do not.
func NewRouter(d Deps) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return middleware.Logging(nil, middleware.Tenant(d.Tenants, next))
	})
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.Middleware)
	}

	api.HandleFunc("/actions/evaluate", HandleEvaluate(d.Gateway)).Methods(http.MethodPost)
	api.HandleFunc("/actions/execute", HandleExecute(d.Gateway)).Methods(http.MethodPost)

	api.HandleFunc("/approvals", HandleListApprovals(d.Approvals)).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{approval_id}", HandleGetApproval(d.Approvals)).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{approval_id}/approve", HandleApprove(d.Approvals, d.Tokens, d.Feed)).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{approval_id}/deny", HandleDeny(d.Approvals, d.Feed)).Methods(http.MethodPost)
	if d.Feed != nil {
		api.HandleFunc("/approvals/feed", d.Feed.HandleWebSocket).Methods(http.MethodGet)
	}

	api.HandleFunc("/manifests", HandleUploadManifest(d.Manifests)).Methods(http.MethodPost)
	api.HandleFunc("/manifests/{manifest_id}", HandleGetManifest(d.Manifests)).Methods(http.MethodGet)
	api.HandleFunc("/manifests/{row_id}/status", HandleSetManifestStatus(d.Manifests)).Methods(http.MethodPost)

	api.HandleFunc("/issuers", HandleRegisterIssuer(d.Issuers)).Methods(http.MethodPost)
	api.HandleFunc("/issuers", HandleListIssuers(d.Issuers)).Methods(http.MethodGet)
	api.HandleFunc("/issuers/{issuer_id}/revoke", HandleRevokeIssuer(d.Issuers, d.Invalidator)).Methods(http.MethodPost)

	api.HandleFunc("/tokens/capability", HandleIssueCapability(d.Tokens)).Methods(http.MethodPost)

	api.HandleFunc("/audit/records", HandleExportRecords(d.Audits, d.Tokens.PublicKey())).Methods(http.MethodGet)
	api.HandleFunc("/audit/records/{record_id}", HandleGetRecord(d.Audits)).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", HandleVerifyChain(d.Tokens.PublicKey())).Methods(http.MethodPost)

	return router
}
