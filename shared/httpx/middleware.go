package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/logx"
)

func WithRecover(l logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", CodeInternal),
				slog.Any("error", rec),
			}
			if !strings.EqualFold(l.Env(), "prod") {
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
			}
			l.Error(r.Context(), "panic", "panic recovered", attrs...)
			WriteError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

type RequestLogOptions struct {
	SkipPaths map[string]bool
}

// WithRequestLog writes one http_request line per request. 5xx responses
// log at error level, 4xx at warn.
func WithRequestLog(l logx.Logger, opts RequestLogOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.SkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []slog.Attr{
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status_code", sw.statusCode),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", ClientIP(r)),
		}
		if deviceID := requestDeviceID(r); deviceID != "" {
			attrs = append(attrs, slog.String("device_id", deviceID))
		}
		switch {
		case sw.statusCode >= 500:
			l.Error(r.Context(), "http_request", "http request", attrs...)
		case sw.statusCode >= 400:
			l.Warn(r.Context(), "http_request", "http request", attrs...)
		default:
			l.Info(r.Context(), "http_request", "http request", attrs...)
		}
	})
}

func requestDeviceID(r *http.Request) string {
	if id := authx.DeviceIDFromContext(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}

// WithTimeout buffers the response until the handler returns. Long-lived
// paths such as websocket upgrades must be listed in skip.
func WithTimeout(timeout time.Duration, skip map[string]bool, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		done := make(chan struct{})
		buf := newBufferedWriter()
		go func() {
			defer close(done)
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buf.flushTo(w)
		case <-ctx.Done():
			WriteError(w, r, http.StatusGatewayTimeout, CodeTimeout, "request timeout", nil)
		}
	})
}

// WrapServeMux serves routes registered on mux and hands everything else to
// next.
func WrapServeMux(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, pattern := mux.Handler(r)
		if pattern == "" {
			next.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address without its port.
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
