// Package alertapi serves the HTTP interface of the alert lifecycle:
// event intake, operator actions, dashboard queries and token
// registration. The websocket feed is mounted by main.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/tokens"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// IncidentService defines the business operations alertapi needs.
type IncidentService interface {
	Submit(ctx context.Context, ev *incident.Event) (*incident.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Alert, error)
	Act(ctx context.Context, id string, action incident.Action, causeID string) (*incident.Alert, error)
	UpdateNotes(ctx context.Context, id, notes, causeID string) (*incident.Alert, error)
	FollowUp(ctx context.Context, id string) (*incident.Alert, error)
	QueryPage(ctx context.Context, f incident.Filter) (*incident.Page, error)
	ExportCSV(ctx context.Context, w io.Writer, f incident.Filter) (int, error)
}

// TokenRegistry manages recipient device tokens.
type TokenRegistry interface {
	Register(ctx context.Context, raw string) (*tokens.Token, error)
	Unregister(ctx context.Context, raw string) error
	List(ctx context.Context) ([]tokens.Token, error)
}

// Option configures an API.
type Option func(*API)

// WithAPIToken requires a bearer token on operator and token endpoints.
// An empty token leaves them open.
func WithAPIToken(token string) Option {
	return func(a *API) { a.apiToken = token }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      IncidentService
	tokens   TokenRegistry
	apiToken string
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, reg TokenRegistry, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if reg == nil {
		panic(xerrors.New("token registry is required"))
	}
	a := &API{logger: logger, svc: svc, tokens: reg}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleSubmitEvent)

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/export", a.handleExportAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)

		r.Group(func(r chi.Router) {
			r.Use(authmw.Optional(a.apiToken))

			r.Post("/actions", a.handleAction)
			r.Post("/alerts/{id}/follow-up", a.handleFollowUp)
			r.Patch("/alerts/{id}/notes", a.handleUpdateNotes)
			r.Post("/alerts/{id}/{action}", a.handleAlertAction)

			r.Get("/tokens", a.handleListTokens)
			r.Post("/tokens", a.handleRegisterToken)
			r.Delete("/tokens/{token}", a.handleUnregisterToken)
		})
	})
}

type errorBody struct {
	Error      string `json:"error"`
	Constraint string `json:"constraint,omitempty"`
	Status     string `json:"status,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// client may have gone away; nothing to do
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Anything unexpected
// is logged and reported as 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if c := incident.Constraint(err); c != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "ValidationFailed", Constraint: c, Detail: err.Error()})
		return
	}

	var te *incident.TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, errorBody{Error: "IllegalTransition", Status: string(te.From), Detail: err.Error()})
	case errors.Is(err, incident.ErrNotFound), errors.Is(err, tokens.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NotFound", Detail: err.Error()})
	case errors.Is(err, incident.ErrNotResolved):
		writeJSON(w, http.StatusConflict, errorBody{Error: "NotResolved", Detail: err.Error()})
	case errors.Is(err, incident.ErrUnknownAction):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "UnknownAction", Detail: err.Error()})
	case errors.Is(err, incident.ErrNotesTooLong):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "NotesTooLong", Detail: err.Error()})
	case errors.Is(err, incident.ErrInvalidFilter), errors.Is(err, incident.ErrInvalidCursor):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidQuery", Detail: err.Error()})
	case errors.Is(err, tokens.ErrMalformedToken):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "MalformedToken", Detail: err.Error()})
	default:
		a.logger.Error(r.Context(), err, "request failed", "method", r.Method, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
