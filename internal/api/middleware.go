package api

import (
	"net/http"

	"procplane/internal/logger"

	"github.com/google/uuid"
)

// withRequestID assigns every request a correlation ID, attaches it to the
// request context and logs the request with it.
func (h *Handlers) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithRequestID(r.Context(), uuid.NewString())
		logger.FromContext(ctx, h.logger).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
