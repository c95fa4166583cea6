package alertapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
)

type submitResponse struct {
	AlertID  string          `json:"alertId"`
	Status   incident.Status `json:"status"`
	Merged   bool            `json:"merged"`
	Notified bool            `json:"notified"`
}

func (a *API) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := incident.DecodeEvent(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.event.type", string(ev.EventType)),
		attribute.String("warden.camera.id", ev.CameraID),
	)

	res, err := a.svc.Submit(r.Context(), ev)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("warden.alert.id", res.AlertID),
		attribute.Bool("warden.alert.merged", res.Merged),
	)

	writeJSON(w, http.StatusCreated, submitResponse{AlertID: res.AlertID, Status: res.Status, Merged: res.Merged, Notified: res.Notified})
}
