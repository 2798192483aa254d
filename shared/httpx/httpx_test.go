package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sos-mesh-relay/shared/logx"
)

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "caller id kept", incoming: "abc-123", keep: true},
		{name: "missing id minted", incoming: ""},
		{name: "spaces rejected", incoming: "a b"},
		{name: "too long rejected", incoming: strings.Repeat("x", maxRequestIDLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if seen == "" || rec.Header().Get(HeaderRequestID) != seen {
				t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rec.Header().Get(HeaderRequestID))
			}
			if tt.keep != (seen == tt.incoming) {
				t.Fatalf("keep=%v but got %q for %q", tt.keep, seen, tt.incoming)
			}
		})
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()
	WriteError(rec, req, http.StatusConflict, CodeConflict, "alert already resolved", map[string]string{"status": "resolved"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != CodeConflict || env.Error.RequestID != "req-1" || env.Error.Details == nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestWriteUnavailableRoundsRetryAfter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	WriteUnavailable(rec, req, 1500*time.Millisecond, "store unavailable")
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("unexpected response %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestWithTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	h := WithTimeout(20*time.Millisecond, map[string]bool{"/ws": true}, slow)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sos/active", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}

	fast := WithTimeout(time.Second, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		WriteJSON(w, http.StatusCreated, map[string]string{"ok": "yes"})
	}))
	rec = httptest.NewRecorder()
	fast.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sos", nil))
	if rec.Code != http.StatusCreated || rec.Header().Get("X-Test") != "1" {
		t.Fatalf("buffered response not copied: %d %v", rec.Code, rec.Header())
	}
}

func TestWithRecover(t *testing.T) {
	var buf bytes.Buffer
	l := logx.NewWithWriter(&buf, "svc", "test", "", "debug")
	h := WithRecover(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"event":"panic"`) {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded first hop", headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, remote: "1.2.3.4:5", want: "10.0.0.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "10.0.0.9"}, remote: "1.2.3.4:5", want: "10.0.0.9"},
		{name: "peer without port", remote: "1.2.3.4:5678", want: "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
