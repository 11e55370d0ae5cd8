package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup wires a manual metric reader and an in-memory span exporter.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	// Metrics.
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Tracing.
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// serve runs one request for path through the middleware and returns the
// recorder together with the correlation ID the handler observed.
func serve(m *Metrics, req *http.Request, status int) (*httptest.ResponseRecorder, string) {
	var cid string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, cid
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "fresh trace"},
		{name: "continued trace", traceparent: "00-" + incoming + "-00f067aa0ba902b7-01", want: incoming},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := testSetup(t)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			rec, cid := serve(m, req, http.StatusOK)

			if len(cid) != 32 {
				t.Fatalf("correlation id %q, want 32 hex chars", cid)
			}
			if tc.want != "" && cid != tc.want {
				t.Errorf("correlation id = %q, want %q", cid, tc.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != cid {
				t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
			}
		})
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	m, _, exp := testSetup(t)
	rec, _ := serve(m, httptest.NewRequest(http.MethodGet, "/readyz", nil), http.StatusServiceUnavailable)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("span status code = %d, want 503", code)
	}
}

func TestMiddleware_RecordsDurationPerPath(t *testing.T) {
	m, reader, _ := testSetup(t)
	for _, path := range []string{"/healthz", "/healthz", "/status"} {
		serve(m, httptest.NewRequest(http.MethodGet, path, nil), http.StatusOK)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxloop.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want a histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		method, _ := dp.Attributes.Value("method")
		if method.AsString() != http.MethodGet {
			t.Errorf("method attribute = %q", method.AsString())
		}
		counts[path.AsString()] += dp.Count
	}
	if counts["/healthz"] != 2 || counts["/status"] != 1 {
		t.Errorf("counts = %v, want /healthz:2 /status:1", counts)
	}
}

func TestTransport_InjectsTraceparent(t *testing.T) {
	_, _, _ = testSetup(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	ctx, span := StartSpan(context.Background(), "outbound")
	defer span.End()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := (&http.Client{Transport: Transport(nil)}).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if !strings.Contains(got, CorrelationID(ctx)) {
		t.Errorf("traceparent = %q, want trace id %s", got, CorrelationID(ctx))
	}
	if req.Header.Get("traceparent") != "" {
		t.Error("Transport must not mutate the caller's request")
	}
}

func TestTransport_NoSpanNoHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	resp, err := (&http.Client{Transport: Transport(nil)}).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if got != "" {
		t.Errorf("traceparent = %q, want none", got)
	}
}
