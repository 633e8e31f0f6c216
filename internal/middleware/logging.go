package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/uapk/gateway/internal/multitenancy"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging records one structured line per request and recovers panics into a
// 500 so a single bad request cannot take the process down.
func Logging(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if err := recover(); err != nil {
				logger.Error("handler panic",
					"method", r.Method, "path", r.URL.Path,
					"panic", err, "stack", string(debug.Stack()))
				http.Error(rec, `{"error":"internal_error"}`, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(rec, r)

		tenantID, _ := multitenancy.TenantID(r.Context())
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"tenant", tenantID,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
