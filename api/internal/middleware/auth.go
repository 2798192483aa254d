package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/httpx"
)

type DeviceTokenVerifier interface {
	Verify(rawToken string) (authx.AuthContext, error)
}

type OperatorVerifier interface {
	Verify(ctx context.Context, rawToken string) (authx.AuthContext, error)
}

type ActiveDevices interface {
	IsActive(ctx context.Context, deviceID string) (bool, error)
}

// AuthMiddleware accepts a device token first and falls back to an operator
// token when an OIDC verifier is configured.
type AuthMiddleware struct {
	Devices   DeviceTokenVerifier
	Operators OperatorVerifier
	Active    ActiveDevices
	Skip      func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Devices == nil && m.Operators == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])

		auth, err := m.verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, errInactiveDevice) {
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "device not registered or inactive", nil)
				return
			}
			if errors.Is(err, errDeviceLookup) {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "device lookup failed", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		if claimed := strings.TrimSpace(r.Header.Get("X-Device-ID")); claimed != "" && auth.Kind == authx.KindDevice && claimed != auth.DeviceID {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "device id mismatch", nil)
			return
		}

		RecordAuditIdentity(r.Context(), auth)
		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var (
	errInactiveDevice = errors.New("inactive device")
	errDeviceLookup   = errors.New("device lookup failed")
)

func (m AuthMiddleware) verify(ctx context.Context, token string) (authx.AuthContext, error) {
	if m.Devices != nil {
		auth, err := m.Devices.Verify(token)
		if err == nil {
			if m.Active != nil {
				active, err := m.Active.IsActive(ctx, auth.DeviceID)
				if err != nil {
					return authx.AuthContext{}, errDeviceLookup
				}
				if !active {
					return authx.AuthContext{}, errInactiveDevice
				}
			}
			return auth, nil
		}
		if m.Operators == nil {
			return authx.AuthContext{}, err
		}
	}
	return m.Operators.Verify(ctx, token)
}
