// Package httpapi exposes the SOS pipeline and the device registry over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sos-mesh-relay/api/internal/devices"
	"sos-mesh-relay/api/internal/sos"
	"sos-mesh-relay/api/internal/validation"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/httpx"
	"sos-mesh-relay/shared/logx"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	SOS     *sos.Service
	Devices *devices.Service
	// Realtime serves GET /ws when set.
	Realtime http.Handler
	Logger   logx.Logger
}

// Register mounts every API route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sos/alert", h.submitAlert)
	mux.HandleFunc("POST /api/v1/sos/relay", h.submitRelay)
	mux.HandleFunc("POST /api/v1/sos/verify", h.verifyAlert)
	mux.HandleFunc("GET /api/v1/sos/active", h.activeAlerts)
	mux.HandleFunc("GET /api/v1/sos/nearby", h.nearbyAlerts)
	mux.HandleFunc("GET /api/v1/sos/stats", h.alertStats)
	mux.HandleFunc("GET /api/v1/sos/device/{deviceId}", h.alertsByDevice)
	mux.HandleFunc("GET /api/v1/sos/{messageId}", h.getAlert)
	mux.HandleFunc("POST /api/v1/sos/{messageId}/acknowledge", h.acknowledgeAlert)
	mux.HandleFunc("POST /api/v1/sos/{messageId}/respond", h.respondAlert)
	mux.HandleFunc("POST /api/v1/sos/{messageId}/arrive", h.arriveAlert)
	mux.HandleFunc("POST /api/v1/sos/{messageId}/resolve", h.resolveAlert)
	mux.HandleFunc("POST /api/v1/sos/{messageId}/cancel", h.cancelAlert)

	mux.HandleFunc("POST /api/v1/device/register", h.registerDevice)
	mux.HandleFunc("GET /api/v1/device/me", h.currentDevice)
	mux.HandleFunc("DELETE /api/v1/device/me", h.deactivateDevice)
	mux.HandleFunc("PUT /api/v1/device/location", h.updateLocation)
	mux.HandleFunc("PUT /api/v1/device/push-token", h.updatePushToken)
	mux.HandleFunc("POST /api/v1/device/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /api/v1/device/nearby", h.nearbyDevices)

	if h.Realtime != nil {
		mux.Handle("GET /ws", h.Realtime)
	}
}

// IsPublic reports whether a path skips bearer authentication.
func IsPublic(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics", "/ws":
		return true
	case "/api/v1/device/register":
		return r.Method == http.MethodPost
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return validation.Fail("body", "is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return validation.Fail("body", fmt.Sprintf("must be at most %d bytes", maxBodyBytes))
		}
		return validation.Fail("body", "must be valid JSON")
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validation.Fail(name, "must be a non-negative integer")
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, required bool) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		if required {
			return 0, validation.Fail(name, "is required")
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, validation.Fail(name, "must be a number")
	}
	return f, nil
}

// requireDevice returns the calling device id, writing 403 for operator
// tokens.
func requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := authx.DeviceIDFromContext(r.Context())
	if id == "" {
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "device token required", nil)
		return "", false
	}
	return id, true
}

// writeServiceError maps pipeline and registry errors onto the error envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *sos.ConflictError
	switch {
	case errors.Is(err, validation.ErrInvalid):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "validation failed",
			map[string]any{"problems": validation.ProblemsOf(err)})
	case errors.Is(err, sos.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "alert not found", nil)
	case errors.Is(err, devices.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "device not found", nil)
	case errors.Is(err, sos.ErrNotOriginator):
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "only the originator can cancel this alert", nil)
	case errors.As(err, &conflict):
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", conflict.Error(),
			map[string]any{"status": conflict.Status, "reason": conflict.Reason})
	case errors.Is(err, sos.ErrTransientStorage), errors.Is(err, devices.ErrUnavailable):
		h.Logger.Warn(r.Context(), "request_unavailable", "storage unavailable",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "storage temporarily unavailable, retry", nil)
	default:
		h.Logger.Error(r.Context(), "request_failed", "unexpected error",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
