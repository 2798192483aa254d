package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/httpx"
	"sos-mesh-relay/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		// Auth runs inside this middleware, so the handler publishes the
		// resolved identity back through the holder.
		holder := &auditIdentity{}
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), auditIdentityKey{}, holder)))

		if !shouldAudit(r, lrw.statusCode) {
			return
		}

		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   time.Now().UTC(),
			Action:       actionForRequest(r, lrw.statusCode),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   lrw.statusCode,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
			Details:      auditDetails(r, lrw.statusCode),
		}
		if auth, ok := holder.get(); ok {
			entry.Subject = auth.Subject
			entry.DeviceID = auth.DeviceID
			entry.ActorKind = auth.Kind
		} else {
			entry.DeviceID = strings.TrimSpace(r.Header.Get("X-Device-ID"))
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(context.Background(), "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

type auditIdentityKey struct{}

type auditIdentity struct {
	auth authx.AuthContext
	set  bool
}

func (h *auditIdentity) get() (authx.AuthContext, bool) { return h.auth, h.set }

// RecordAuditIdentity hands the authenticated caller to an enclosing
// AuditMiddleware. It is a no-op when auditing is off.
func RecordAuditIdentity(ctx context.Context, auth authx.AuthContext) {
	if h, ok := ctx.Value(auditIdentityKey{}).(*auditIdentity); ok {
		h.auth, h.set = auth, true
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func actionForRequest(r *http.Request, statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "auth_failed"
	case http.StatusForbidden:
		return "permission_denied"
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if last := parts[len(parts)-1]; r.Method == http.MethodPost && isActionSegment(last) {
		return last
	}
	switch r.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func isActionSegment(s string) bool {
	switch s {
	case "acknowledge", "respond", "arrive", "resolve", "cancel", "register", "heartbeat", "relay", "verify":
		return true
	}
	return false
}

func auditDetails(r *http.Request, statusCode int) []byte {
	details := map[string]any{
		"status_code": statusCode,
	}
	if q := r.URL.RawQuery; q != "" {
		details["query"] = q
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}

// resourceFromPath maps /api/v1/sos/{id}/... and /api/v1/device/... to a
// resource type and optional id.
func resourceFromPath(path string) (*string, *string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return nil, nil
	}
	resource := parts[2]
	if resource != "sos" && resource != "device" {
		return nil, nil
	}
	var id *string
	if resource == "sos" && len(parts) >= 4 {
		switch parts[3] {
		case "alert", "relay", "verify", "active", "nearby", "stats":
		case "device":
			if len(parts) >= 5 && parts[4] != "" {
				id = &parts[4]
			}
		default:
			id = &parts[3]
		}
	}
	return &resource, id
}
