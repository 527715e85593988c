package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareHarness wires a Middleware-wrapped handler to in-memory metric
// and span collectors.
type middlewareHarness struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	wrap   func(http.Handler) http.Handler
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return &middlewareHarness{reader: reader, spans: spans, wrap: Middleware(m)}
}

// serve runs one request through the middleware with a handler that replies
// with status and reports the correlation ID it saw in its context.
func (h *middlewareHarness) serve(method, path string, status int, hdr http.Header) (*httptest.ResponseRecorder, string) {
	var seenCID string
	handler := h.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))

	req := httptest.NewRequest(method, path, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seenCID
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h := newMiddlewareHarness(t)
	rec, cid := h.serve("GET", "/test", http.StatusOK, nil)

	if cid == "" {
		t.Fatal("handler saw no correlation ID in its context")
	}
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.serve("GET", "/span-test", http.StatusOK, nil)

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /span-test" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /span-test")
	}
}

func TestMiddleware_DurationMetric(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.serve("GET", "/metrics-test", http.StatusOK, nil)

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("parley.http.request.duration was not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data type = %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "GET", "path": "/metrics-test"}
	for _, kv := range dp.Attributes.ToSlice() {
		if v, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == v {
			delete(want, string(kv.Key))
		}
	}
	for k, v := range want {
		t.Errorf("missing attribute %s=%q on duration sample", k, v)
	}
}

func TestMiddleware_StatusCodeOnSpan(t *testing.T) {
	h := newMiddlewareHarness(t)
	rec, _ := h.serve("GET", "/not-found", http.StatusNotFound, nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := h.spans.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			if a.Value.AsInt64() != 404 {
				t.Errorf("http.response.status_code = %d, want 404", a.Value.AsInt64())
			}
			return
		}
	}
	t.Error("span missing http.response.status_code attribute")
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newMiddlewareHarness(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	hdr := http.Header{}
	hdr.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec, cid := h.serve("GET", "/propagate", http.StatusOK, hdr)

	if cid != traceID {
		t.Errorf("handler saw correlation ID %q, want %q", cid, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
