package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
)

type actionRequest struct {
	AlertID string `json:"alertId"`
	Action  string `json:"action"`
	CauseID string `json:"causeId,omitempty"`
}

type actionResponse struct {
	AlertID string          `json:"alertId"`
	Status  incident.Status `json:"status"`
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "MalformedPayload", Detail: err.Error()})
		return
	}
	if req.AlertID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "MalformedPayload", Detail: "alertId is required"})
		return
	}
	a.act(w, r, req.AlertID, req.Action, req.CauseID)
}

// handleAlertAction serves POST /alerts/{id}/{action}. The cause id may
// be given in the Idempotency-Key header.
func (a *API) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	a.act(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "action"), r.Header.Get("Idempotency-Key"))
}

func (a *API) act(w http.ResponseWriter, r *http.Request, id, name, causeID string) {
	action, err := incident.ParseAction(name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.alert.id", id),
		attribute.String("warden.alert.action", string(action)),
	)

	al, err := a.svc.Act(r.Context(), id, action, causeID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("warden.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, actionResponse{AlertID: al.ID, Status: al.Status})
}

type notesRequest struct {
	Notes   string `json:"notes"`
	CauseID string `json:"causeId,omitempty"`
}

func (a *API) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "MalformedPayload", Detail: err.Error()})
		return
	}
	al, err := a.svc.UpdateNotes(r.Context(), chi.URLParam(r, "id"), req.Notes, req.CauseID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	al, err := a.svc.FollowUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, al)
}
