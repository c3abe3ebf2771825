package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serve runs one request through Middleware around h.
func serve(m *Metrics, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(m)(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name        string
		traceparent string
		wantID      string
	}{
		{name: "new trace"},
		{name: "continued trace", traceparent: "00-" + parent + "-00f067aa0ba902b7-01", wantID: parent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inside string
			req := httptest.NewRequest(http.MethodPost, "/twiml", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := serve(m, func(w http.ResponseWriter, r *http.Request) {
				inside = TraceID(r.Context())
			}, req)

			if len(inside) != 32 {
				t.Fatalf("handler trace id = %q, want 32 hex chars", inside)
			}
			if tt.wantID != "" && inside != tt.wantID {
				t.Errorf("handler trace id = %s, want %s", inside, tt.wantID)
			}
			if got := rec.Header().Get(CorrelationHeader); got != inside {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, inside)
			}
			if !strings.Contains(rec.Header().Get("traceparent"), inside) {
				t.Errorf("traceparent %q does not carry %s", rec.Header().Get("traceparent"), inside)
			}
		})
	}
}

func TestMiddleware_SpanAndStatus(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)

	rec := serve(m, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such agent", http.StatusNotFound)
	}, httptest.NewRequest(http.MethodPost, "/call", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "POST /call" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "POST /call")
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_RequestDuration(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)

	for range 3 {
		serve(m, func(http.ResponseWriter, *http.Request) {}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	}

	met := findMetric(collect(t, reader), "switchboard.http.request.duration")
	if met == nil {
		t.Fatal("switchboard.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %T with %d points, want one histogram point", met.Data, len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/readyz" {
		t.Errorf("path attribute = %q, want /readyz", v.AsString())
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q, want GET", v.AsString())
	}
}

func TestMiddleware_ProbeLogLevel(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	tests := []struct {
		path    string
		wantLog bool
	}{
		{path: "/healthz", wantLog: false},
		{path: "/metrics", wantLog: false},
		{path: "/twiml", wantLog: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf := captureLogs(t, slog.LevelInfo)
			serve(m, func(http.ResponseWriter, *http.Request) {}, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if got := strings.Contains(buf.String(), "http request"); got != tt.wantLog {
				t.Errorf("logged at info = %v, want %v: %q", got, tt.wantLog, buf.String())
			}
		})
	}
}

func TestStatusWriter_Unwrap(t *testing.T) {
	t.Parallel()
	inner := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: inner}
	if w.Unwrap() != http.ResponseWriter(inner) {
		t.Fatal("Unwrap did not return the wrapped writer")
	}
}
