package middleware

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"sos-mesh-relay/shared/httpx"
)

// DBRequiredMiddleware rejects requests when the deployment stores alerts in
// PostgreSQL but no pool could be opened. Memory-backed deployments leave
// Required unset.
type DBRequiredMiddleware struct {
	Required bool
	Pool     *pgxpool.Pool
	Skip     func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Required {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Pool == nil {
			w.Header().Set("Retry-After", "5")
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
