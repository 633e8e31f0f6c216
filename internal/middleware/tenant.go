package middleware

import (
	"net/http"
	"strings"

	"github.com/uapk/gateway/internal/multitenancy"
)

// Tenant authenticates the request and injects the tenant id into the
// request context. Two paths are accepted:
//
//  1. Authorization: Bearer uapk_<id>.<secret> — an issued API key.
//  2. X-Tenant-ID — trusted header for dev mode and internal callers; the
//     tenant must still exist and be active.
//
// Everything behind this middleware can rely on multitenancy.TenantID(ctx).
func Tenant(manager *multitenancy.Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var tenantID string

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer uapk_") {
			tenant, err := manager.ValidateAPIKey(ctx, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, "invalid api key")
				return
			}
			tenantID = tenant.TenantID
		}

		if tenantID == "" {
			if reqTenantID := r.Header.Get("X-Tenant-ID"); reqTenantID != "" {
				tenant, err := manager.LoadTenant(ctx, reqTenantID)
				if err != nil {
					writeAuthError(w, "invalid tenant")
					return
				}
				tenantID = tenant.TenantID
			}
		}

		if tenantID == "" {
			writeAuthError(w, "missing tenant credentials")
			return
		}

		ctx = multitenancy.WithTenant(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"` + msg + `"}`))
}
