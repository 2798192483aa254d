package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/logx"
)

type fakeDevices map[string]string

func (f fakeDevices) Verify(token string) (authx.AuthContext, error) {
	if id, ok := f[token]; ok {
		return authx.AuthContext{Kind: authx.KindDevice, Subject: id, DeviceID: id}, nil
	}
	return authx.AuthContext{}, authx.ErrInvalidToken
}

type fakeOperators struct{}

func (fakeOperators) Verify(_ context.Context, token string) (authx.AuthContext, error) {
	if token == "operator-token" {
		return authx.AuthContext{Kind: authx.KindOperator, Subject: "ops@example.org"}, nil
	}
	return authx.AuthContext{}, authx.ErrInvalidToken
}

type activeSet map[string]bool

func (a activeSet) IsActive(_ context.Context, id string) (bool, error) {
	if id == "device-broken" {
		return false, errors.New("registry down")
	}
	return a[id], nil
}

func echoAuth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, _ := authx.FromContext(r.Context())
		w.Header().Set("X-Kind", auth.Kind)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	mw := AuthMiddleware{
		Devices:   fakeDevices{"tok-a": "device-a", "tok-gone": "device-gone", "tok-broken": "device-broken"},
		Operators: fakeOperators{},
		Active:    activeSet{"device-a": true},
		Skip:      func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	}.Wrap(echoAuth())

	tests := []struct {
		name     string
		path     string
		token    string
		deviceID string
		status   int
		kind     string
	}{
		{name: "skipped", path: "/healthz", status: http.StatusNoContent},
		{name: "missing token", path: "/x", status: http.StatusUnauthorized},
		{name: "device", path: "/x", token: "tok-a", status: http.StatusNoContent, kind: authx.KindDevice},
		{name: "device header match", path: "/x", token: "tok-a", deviceID: "device-a", status: http.StatusNoContent, kind: authx.KindDevice},
		{name: "device header mismatch", path: "/x", token: "tok-a", deviceID: "device-b", status: http.StatusForbidden},
		{name: "inactive device", path: "/x", token: "tok-gone", status: http.StatusUnauthorized},
		{name: "registry down", path: "/x", token: "tok-broken", status: http.StatusServiceUnavailable},
		{name: "operator", path: "/x", token: "operator-token", status: http.StatusNoContent, kind: authx.KindOperator},
		{name: "garbage", path: "/x", token: "nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.deviceID != "" {
				req.Header.Set("X-Device-ID", tt.deviceID)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := rec.Header().Get("X-Kind"); got != tt.kind {
				t.Fatalf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst should be allowed")
	}
	if l.Allow("a") {
		t.Fatalf("third request inside a second should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("token should refill after a second")
	}
	now = now.Add(2 * time.Minute)
	l.Allow("c")
	if _, ok := l.clients["b"]; ok {
		t.Fatalf("idle client should be evicted")
	}
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	mw := RateLimitMiddleware{Limiter: NewIPRateLimiter(0.5, 1, time.Minute)}.Wrap(echoAuth())
	first := httptest.NewRecorder()
	mw.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	second := httptest.NewRecorder()
	mw.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	if first.Code != http.StatusNoContent || second.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
	if second.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q", second.Header().Get("Retry-After"))
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path     string
		resource string
		id       string
	}{
		{path: "/api/v1/sos/alert", resource: "sos"},
		{path: "/api/v1/sos/abc-123/acknowledge", resource: "sos", id: "abc-123"},
		{path: "/api/v1/sos/device/device-7", resource: "sos", id: "device-7"},
		{path: "/api/v1/device/register", resource: "device"},
		{path: "/healthz"},
	}
	for _, tt := range tests {
		resource, id := resourceFromPath(tt.path)
		gotResource, gotID := "", ""
		if resource != nil {
			gotResource = *resource
		}
		if id != nil {
			gotID = *id
		}
		if gotResource != tt.resource || gotID != tt.id {
			t.Fatalf("%s: got (%q, %q), want (%q, %q)", tt.path, gotResource, gotID, tt.resource, tt.id)
		}
	}
}

type auditSink struct {
	mu      sync.Mutex
	entries []models.AuditLog
	done    chan struct{}
}

func (s *auditSink) WriteAuditLog(_ context.Context, entries []models.AuditLog) error {
	s.mu.Lock()
	s.entries = append(s.entries, entries...)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func TestAuditRecordsAuthenticatedAction(t *testing.T) {
	sink := &auditSink{done: make(chan struct{}, 1)}
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler = AuthMiddleware{Devices: fakeDevices{"tok-a": "device-a"}}.Wrap(handler)
	handler = AuditMiddleware{Enabled: true, Repo: sink, Logger: logx.Nop()}.Wrap(handler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sos/abc-123/resolve", nil)
	req.Header.Set("Authorization", "Bearer tok-a")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("audit entry not written")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	e := sink.entries[0]
	if e.Action != "resolve" || e.DeviceID != "device-a" || e.ActorKind != authx.KindDevice || e.StatusCode != http.StatusOK {
		t.Fatalf("unexpected audit entry: %+v", e)
	}
	if e.ResourceID == nil || *e.ResourceID != "abc-123" {
		t.Fatalf("resource id = %v", e.ResourceID)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware{
		AllowedOrigins: []string{"https://dashboard.example.org"},
		MaxAge:         10 * time.Minute,
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sos/active", nil)
	req.Header.Set("Origin", "https://dashboard.example.org")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("preflight must not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example.org" || rec.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sos/active", nil)
	req.Header.Set("Origin", "https://other.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must pass through without CORS headers")
	}
}
