package httpapi

import (
	"net/http"

	"sos-mesh-relay/api/internal/devices"
	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/httpx"
)

type deviceResponse struct {
	Device models.Device `json:"device"`
}

type pushTokenRequest struct {
	PushToken string `json:"push_token"`
}

func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var in devices.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	reg, err := h.Devices.Register(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, reg)
}

func (h *Handler) currentDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	dev, err := h.Devices.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deviceResponse{Device: dev})
}

func (h *Handler) deactivateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	if err := h.Devices.Deactivate(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Device deactivated", "device_id": id})
}

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	var in devices.LocationInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dev, err := h.Devices.UpdateLocation(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deviceResponse{Device: dev})
}

func (h *Handler) updatePushToken(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	var req pushTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dev, err := h.Devices.UpdatePushToken(r.Context(), id, req.PushToken)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deviceResponse{Device: dev})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	var in devices.HeartbeatInput
	if err := decodeOptionalJSON(w, r, &in); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dev, err := h.Devices.Heartbeat(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "last_seen": dev.LastSeen})
}

func (h *Handler) nearbyDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := requireDevice(w, r)
	if !ok {
		return
	}
	lat, lon, radius, err := pointQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	found, err := h.Devices.Nearby(r.Context(), id, lat, lon, radius)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"devices": found, "count": len(found)})
}
