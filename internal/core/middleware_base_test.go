package core

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"courier/internal/types"
)

func newTestServerForMiddleware(t *testing.T) *Server {
	t.Helper()
	return &Server{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// --- Recoverer ---

func TestRecoverer_CatchesPanic(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	h := srv.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/n-1", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("panic response is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %q, got %q", types.ErrCodeInternalUnexpected, resp.Error.Code)
	}
	if resp.Error.RequestID != "req-123" {
		t.Errorf("expected request id 'req-123', got %q", resp.Error.RequestID)
	}
}

func TestRecoverer_PassesThrough(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	h := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notifications", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

func TestRecoverer_RepanicsOnAbortHandler(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	h := srv.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rvr := recover(); rvr != http.ErrAbortHandler {
			t.Errorf("expected http.ErrAbortHandler to propagate, got %v", rvr)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/notifications/n-1", nil))
	t.Error("ServeHTTP should not return normally")
}

func TestEscapeJSON(t *testing.T) {
	got := escapeJSON("a\"b\\c\nd")
	if got != `a\"b\\c\nd` {
		t.Errorf("unexpected escape result %q", got)
	}
}

// --- RequestLogger ---

func TestRequestLogger_RedactsHeadersAndLogsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(logger, []string{"Authorization"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/n-1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("User-Agent", "curl/8")
	ctx := types.WithRequestID(req.Context(), "req-1")
	ctx = types.WithCorrelationID(ctx, "corr-1")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req.WithContext(ctx))

	out := buf.String()
	if strings.Contains(out, "secret-token") {
		t.Error("authorization header value leaked into log")
	}
	for _, want := range []string{"[REDACTED]", "curl/8", `"request_id":"req-1"`, `"correlation_id":"corr-1"`, `"status":418`, `"level":"WARN"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		h := RequestLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
			t.Errorf("status %d: expected level %s, got %s", tt.status, tt.level, buf.String())
		}
	}
}

func TestRequestLogger_RouteAndAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(RequestLogger(logger, nil))
	r.Post("/v1/notifications", func(w http.ResponseWriter, req *http.Request) {
		AnnotateLog(req.Context(), slog.String("notification_id", "n-42"), slog.Bool("duplicate", true))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/notifications", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["route"] != "/v1/notifications" {
		t.Errorf("route = %v", line["route"])
	}
	if line["notification_id"] != "n-42" || line["duplicate"] != true {
		t.Errorf("annotations missing: %v", line)
	}
	if line["bytes"] != float64(len(`{"ok":true}`)) {
		t.Errorf("bytes = %v", line["bytes"])
	}
}

func TestAnnotateLog_OutsideRequestLogger(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	AnnotateLog(req.Context(), slog.String("notification_id", "n-1"))
}

// --- MetricsMiddleware ---

func TestMetricsMiddleware_UnmatchedOutsideRouter(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	mc := &MockMetricsCollector{}
	srv.Metrics = mc

	h := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/notifications", nil))

	calls := mc.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 metric call, got %d", len(calls))
	}
	c := calls[0]
	if c.Method != http.MethodPost || c.Endpoint != "unmatched" || c.Status != "201" {
		t.Errorf("unexpected metric %+v", c)
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	mc := &MockMetricsCollector{}
	srv.Metrics = mc

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Get("/v1/notifications/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/notifications/abc-123", nil))

	calls := mc.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 metric call, got %d", len(calls))
	}
	if calls[0].Endpoint != "/v1/notifications/{id}" {
		t.Errorf("expected route pattern endpoint, got %q", calls[0].Endpoint)
	}
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	called := false
	h := srv.MetricsMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("next handler not called")
	}
}

// --- SecurityHeaders ---

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServerForMiddleware(t)
	rec := httptest.NewRecorder()
	srv.SecurityHeadersMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}

// --- CORS ---

func TestCORS_AllowedOrigin(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://app.example.com"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/n-1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected echoed origin, got %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("expected Vary: Origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Correlation-Id") {
		t.Errorf("correlation header not allowed: %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://app.example.com"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header, got %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := NewCORSMiddleware([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/v1/notifications", nil)
	req.Header.Set("Origin", "https://any.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected '*', got %q", got)
	}
}

// --- responseCapture ---

func TestResponseCapture_DefaultsTo200OnWrite(t *testing.T) {
	rc := &responseCapture{ResponseWriter: httptest.NewRecorder()}
	_, _ = rc.Write([]byte("ok"))
	if rc.statusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", rc.statusCode)
	}

	rc.WriteHeader(http.StatusInternalServerError)
	if rc.statusCode != http.StatusOK {
		t.Error("status must not change after the first write")
	}
}
