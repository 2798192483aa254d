package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"sos-mesh-relay/shared/httpx"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", httpx.HeaderRequestID, "X-Device-ID"}
	defaultCORSExposed = []string{httpx.HeaderRequestID, "Retry-After"}
)

// CORSMiddleware serves the operator dashboard, which runs on its own origin.
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
	Skip             func(*http.Request) bool
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	origins := httpx.NewOriginMatcher(m.AllowedOrigins)
	methods := strings.Join(orDefault(m.AllowedMethods, defaultCORSMethods), ", ")
	headers := strings.Join(orDefault(m.AllowedHeaders, defaultCORSHeaders), ", ")
	exposed := strings.Join(orDefault(m.ExposedHeaders, defaultCORSExposed), ", ")
	maxAge := ""
	if m.MaxAge > 0 {
		maxAge = strconv.Itoa(int(m.MaxAge / time.Second))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && origins.Allowed(origin) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origins.Any() && !m.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if m.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", exposed)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func orDefault(v []string, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
