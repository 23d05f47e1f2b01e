package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	defer limiter.Close()
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()

	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "Within burst limit")
		assert.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "Exceeded burst")
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NoError(t, resp.Body.Close())

	time.Sleep(1100 * time.Millisecond)

	resp, err = client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "Refilled token")
	assert.NoError(t, resp.Body.Close())
}

func TestRateLimiterCloseIsIdempotent(t *testing.T) {
	limiter := NewGlobalRateLimiter(10, 10)
	limiter.Close()
	limiter.Close()
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(HeaderRequestID))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "caller-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "caller-supplied", seen)
	assert.Equal(t, "caller-supplied", w.Header().Get(HeaderRequestID))
}

type recorded struct {
	mu        sync.Mutex
	requests  int
	errors    int
	durations int
	route     string
}

func (r *recorded) RecordRequest(_ context.Context, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	for _, a := range attrs {
		if a.Key == "http.route" {
			r.route = a.Value.AsString()
		}
	}
}

func (r *recorded) RecordError(context.Context, error, ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *recorded) RecordDuration(context.Context, time.Duration, ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations++
}

func TestAccessLogRecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := &recorded{}
	route := func(*http.Request) string { return "/v1/things" }

	ok := AccessLog(logger, rec, route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/things", nil))

	failing := AccessLog(logger, rec, route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/things", nil))

	assert.Equal(t, 2, rec.requests)
	assert.Equal(t, 2, rec.durations)
	assert.Equal(t, 1, rec.errors)
	assert.Equal(t, "/v1/things", rec.route)
	assert.Contains(t, buf.String(), `"status":500`)
}

type tracedRecorder struct {
	recorded
	tracer trace.Tracer
}

func (r *tracedRecorder) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, opts...)
}

func TestAccessLogOpensServerSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	rec := &tracedRecorder{tracer: tp.Tracer("api-test")}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	var sawSpan bool
	h := AccessLog(logger, rec, func(*http.Request) string { return "/v1/gate/check" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawSpan = trace.SpanContextFromContext(r.Context()).IsValid()
			w.WriteHeader(http.StatusInternalServerError)
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/gate/check", nil))

	assert.True(t, sawSpan)
	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "HTTP POST", ended[0].Name())
	assert.Equal(t, trace.SpanKindServer, ended[0].SpanKind())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, 1, rec.errors)
}
