package httpapi

import (
	"net/http"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/sos"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/httpx"
)

type submitResponse struct {
	Message            string       `json:"message"`
	Alert              models.Alert `json:"alert"`
	Verified           bool         `json:"verified"`
	VerificationErrors []string     `json:"verification_errors,omitempty"`
	Duplicate          bool         `json:"duplicate"`
	PathUpdated        bool         `json:"path_updated,omitempty"`
}

type alertResponse struct {
	Message string       `json:"message,omitempty"`
	Alert   models.Alert `json:"alert"`
}

type alertListResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

type responderRequest struct {
	ResponderID   string `json:"responder_id"`
	ResponderType string `json:"responder_type"`
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func writeSubmission(w http.ResponseWriter, res sos.SubmitResult, createdMessage string) {
	status := http.StatusOK
	msg := "Alert already received"
	if res.Created {
		status = http.StatusCreated
		msg = createdMessage
	}
	httpx.WriteJSON(w, status, submitResponse{
		Message:            msg,
		Alert:              res.Alert,
		Verified:           res.Verified,
		VerificationErrors: res.VerificationErrors,
		Duplicate:          res.Duplicate,
		PathUpdated:        res.PathUpdated,
	})
}

func (h *Handler) submitAlert(w http.ResponseWriter, r *http.Request) {
	var payload sos.AlertPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.SOS.SubmitDirect(r.Context(), payload, authx.DeviceIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeSubmission(w, res, "SOS alert created")
}

func (h *Handler) submitRelay(w http.ResponseWriter, r *http.Request) {
	var payload sos.RelayPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.SOS.SubmitRelayed(r.Context(), payload, authx.DeviceIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeSubmission(w, res, "Relayed SOS alert received")
}

func (h *Handler) verifyAlert(w http.ResponseWriter, r *http.Request) {
	var payload sos.AlertPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.SOS.VerifySOS(r.Context(), payload))
}

func (h *Handler) activeAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	page, err := h.SOS.Active(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) nearbyAlerts(w http.ResponseWriter, r *http.Request) {
	lat, lon, radius, err := pointQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alerts, err := h.SOS.Nearby(r.Context(), lat, lon, radius)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertListResponse{Alerts: alerts, Count: len(alerts)})
}

func (h *Handler) alertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.SOS.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) alertsByDevice(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alerts, err := h.SOS.ByOriginator(r.Context(), r.PathValue("deviceId"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertListResponse{Alerts: alerts, Count: len(alerts)})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.SOS.Get(r.Context(), r.PathValue("messageId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Alert: alert})
}

// responder identifies who is acting on an alert: the calling device, or for
// operator tokens the body's responder id falling back to the token subject.
func responder(r *http.Request, req responderRequest) string {
	if id := authx.DeviceIDFromContext(r.Context()); id != "" {
		return id
	}
	if req.ResponderID != "" {
		return req.ResponderID
	}
	if auth, ok := authx.FromContext(r.Context()); ok {
		return auth.Subject
	}
	return ""
}

func (h *Handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alert, err := h.SOS.Acknowledge(r.Context(), r.PathValue("messageId"), responder(r, req), req.ResponderType)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Message: "Alert acknowledged", Alert: alert})
}

func (h *Handler) respondAlert(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alert, err := h.SOS.Respond(r.Context(), r.PathValue("messageId"), responder(r, req), req.ResponderType)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Message: "Responder en route", Alert: alert})
}

func (h *Handler) arriveAlert(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alert, err := h.SOS.MarkArrived(r.Context(), r.PathValue("messageId"), responder(r, req))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Message: "Responder arrived", Alert: alert})
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	alert, err := h.SOS.Resolve(r.Context(), r.PathValue("messageId"), req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Message: "Alert resolved", Alert: alert})
}

func (h *Handler) cancelAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.SOS.Cancel(r.Context(), r.PathValue("messageId"), authx.DeviceIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alertResponse{Message: "Alert cancelled", Alert: alert})
}

func pointQuery(r *http.Request) (float64, float64, float64, error) {
	lat, err := queryFloat(r, "latitude", true)
	if err != nil {
		return 0, 0, 0, err
	}
	lon, err := queryFloat(r, "longitude", true)
	if err != nil {
		return 0, 0, 0, err
	}
	radius, err := queryFloat(r, "radius", false)
	if err != nil {
		return 0, 0, 0, err
	}
	return lat, lon, radius, nil
}
