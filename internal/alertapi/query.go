package alertapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
)

// alertSummary is the list view of an alert. The full record, timeline
// included, is served by GET /alerts/{id}.
type alertSummary struct {
	ID             string             `json:"id"`
	EventType      incident.EventType `json:"eventType"`
	Severity       incident.Severity  `json:"severity"`
	Status         incident.Status    `json:"status"`
	Confidence     float64            `json:"confidence"`
	CameraID       string             `json:"cameraId"`
	Location       string             `json:"location"`
	EventTime      time.Time          `json:"eventTime"`
	CreatedAt      time.Time          `json:"createdAt"`
	NeedsAttention bool               `json:"needsAttention"`
	FollowUpOf     string             `json:"followUpOf,omitempty"`
}

type listResponse struct {
	Alerts     []alertSummary `json:"alerts"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func summarize(al *incident.Alert) alertSummary {
	return alertSummary{
		ID:             al.ID,
		EventType:      al.EventType,
		Severity:       al.Severity,
		Status:         al.Status,
		Confidence:     al.Confidence,
		CameraID:       al.CameraID,
		Location:       al.Location,
		EventTime:      al.EventTime,
		CreatedAt:      al.CreatedAt,
		NeedsAttention: al.NeedsAttention,
		FollowUpOf:     al.FollowUpOf,
	}
}

// parseFilter reads the dashboard query parameters.
func parseFilter(q url.Values) (incident.Filter, error) {
	f := incident.Filter{
		EventType: q.Get("eventType"),
		Status:    q.Get("status"),
		Severity:  q.Get("severity"),
		CameraID:  q.Get("cameraId"),
		Cursor:    q.Get("cursor"),
	}
	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("%w: limit %q", incident.ErrInvalidFilter, v)
		}
	}
	if v := q.Get("needsAttention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: needsAttention %q", incident.ErrInvalidFilter, v)
		}
		f.NeedsAttention = &b
	}
	return f, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not RFC 3339", incident.ErrInvalidFilter, key, v)
	}
	return t.UTC(), nil
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, err := a.svc.QueryPage(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := listResponse{Alerts: make([]alertSummary, 0, len(page.Alerts)), NextCursor: page.NextCursor}
	for _, al := range page.Alerts {
		resp.Alerts = append(resp.Alerts, summarize(al))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	al, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("warden.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleExportAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	f.Limit = 0

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)
	n, err := a.svc.ExportCSV(r.Context(), w, f)
	if err != nil {
		// headers and part of the body may be out already
		a.logger.Error(r.Context(), err, "alert export failed", "rows", n)
		return
	}
	a.logger.Info(r.Context(), "alerts exported", "rows", n)
}
