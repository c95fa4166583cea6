package alertapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// traced sends one request inside a recording span and returns the span's
// attributes once it has ended.
func (e *env) traced(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[attribute.Key]attribute.Value) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	req := httptest.NewRequest(method, path, strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	return rec, attrs
}

func TestSubmitEvent_SpanAttributes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rec, attrs := e.traced(t, http.MethodPost, "/api/v1/events", event("cam-trace", 0.9))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	id := decode[submitResponse](t, rec).AlertID

	want := map[attribute.Key]attribute.Value{
		"warden.event.type":   attribute.StringValue("fire"),
		"warden.camera.id":    attribute.StringValue("cam-trace"),
		"warden.alert.id":     attribute.StringValue(id),
		"warden.alert.merged": attribute.BoolValue(false),
	}
	for k, v := range want {
		if got, ok := attrs[k]; !ok || got != v {
			t.Errorf("%s = %v (set %v), want %v", k, got.Emit(), ok, v.Emit())
		}
	}
}

func TestActions_SpanAttributes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.submit(t, "cam-trace")
	rec, attrs := e.traced(t, http.MethodPost, "/api/v1/actions", fmt.Sprintf(`{"alertId":%q,"action":"acknowledge"}`, id))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	want := map[attribute.Key]attribute.Value{
		"warden.alert.id":     attribute.StringValue(id),
		"warden.alert.action": attribute.StringValue("acknowledge"),
		"warden.alert.status": attribute.StringValue("acknowledged"),
	}
	for k, v := range want {
		if got, ok := attrs[k]; !ok || got != v {
			t.Errorf("%s = %v (set %v), want %v", k, got.Emit(), ok, v.Emit())
		}
	}
}
