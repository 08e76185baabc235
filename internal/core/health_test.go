package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/config"
)

func newTestServerForHealth(t *testing.T, probes []HealthProbe) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.HealthProbes = probes
	return srv
}

func doHealth(t *testing.T, srv *Server, req *http.Request) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, req)

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	srv := newTestServerForHealth(t, []HealthProbe{
		&MockHealthProbe{ProbeName: "redis"},
		&MockHealthProbe{ProbeName: "rabbitmq"},
	})

	rec, resp := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
	for _, name := range []string{"redis", "rabbitmq"} {
		comp, ok := resp.Components[name]
		if !ok {
			t.Errorf("expected component %q in response", name)
			continue
		}
		if comp.Status != "healthy" || comp.Message != "" {
			t.Errorf("component %q: got %+v", name, comp)
		}
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}
}

func TestHandleHealth_OneUnhealthy(t *testing.T) {
	srv := newTestServerForHealth(t, []HealthProbe{
		&MockHealthProbe{ProbeName: "redis"},
		&MockHealthProbe{ProbeName: "rabbitmq", Err: errors.New("connection refused")},
	})

	rec, resp := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", resp.Status)
	}
	if got := resp.Components["redis"].Status; got != "healthy" {
		t.Errorf("redis: expected 'healthy', got %q", got)
	}
	mq := resp.Components["rabbitmq"]
	if mq.Status != "unhealthy" || mq.Message != "connection refused" {
		t.Errorf("rabbitmq: got %+v", mq)
	}
}

func TestHandleHealth_Timeout(t *testing.T) {
	srv := newTestServerForHealth(t, []HealthProbe{
		&MockHealthProbe{ProbeName: "redis"},
		&MockHealthProbe{ProbeName: "postgres", Delay: 5 * time.Second},
	})

	start := time.Now()
	rec, resp := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if time.Since(start) > 4*time.Second {
		t.Error("health check did not honour its own deadline")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	if got := resp.Components["postgres"].Status; got != "unhealthy" {
		t.Errorf("postgres: expected 'unhealthy', got %q", got)
	}
}

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newTestServerForHealth(t, nil)

	rec, resp := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
}

func TestHandleHealth_ConcurrentExecution(t *testing.T) {
	const probeDelay = 100 * time.Millisecond
	srv := newTestServerForHealth(t, []HealthProbe{
		&MockHealthProbe{ProbeName: "redis", Delay: probeDelay},
		&MockHealthProbe{ProbeName: "rabbitmq", Delay: probeDelay},
		&MockHealthProbe{ProbeName: "postgres", Delay: probeDelay},
	})

	start := time.Now()
	rec, _ := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if elapsed >= 3*probeDelay {
		t.Errorf("health check took %v, probes should run concurrently", elapsed)
	}
}

func TestHandleHealth_ProbeRespectsContextCancellation(t *testing.T) {
	cancelled := make(chan bool, 1)
	srv := newTestServerForHealth(t, []HealthProbe{
		NewProbe("slow", func(ctx context.Context) error {
			select {
			case <-time.After(10 * time.Second):
				cancelled <- false
				return nil
			case <-ctx.Done():
				cancelled <- true
				return ctx.Err()
			}
		}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, _ := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	select {
	case ok := <-cancelled:
		if !ok {
			t.Error("probe should have received context cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for probe cancellation signal")
	}
}

func TestHandleHealth_AllProbesCalled(t *testing.T) {
	redisProbe := &MockHealthProbe{ProbeName: "redis"}
	mqProbe := &MockHealthProbe{ProbeName: "rabbitmq"}
	srv := newTestServerForHealth(t, []HealthProbe{redisProbe, mqProbe})

	doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if redisProbe.Calls() != 1 || mqProbe.Calls() != 1 {
		t.Errorf("expected each probe called once, got redis=%d rabbitmq=%d", redisProbe.Calls(), mqProbe.Calls())
	}
}

func TestHandleHealth_ProbePanic(t *testing.T) {
	srv := newTestServerForHealth(t, []HealthProbe{
		&MockHealthProbe{ProbeName: "redis"},
		NewProbe("rabbitmq", func(context.Context) error { panic("nil channel") }),
	})

	rec, resp := doHealth(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	mq := resp.Components["rabbitmq"]
	if mq.Status != "unhealthy" || mq.Message == "" {
		t.Errorf("rabbitmq: got %+v", mq)
	}
	if got := resp.Components["redis"].Status; got != "healthy" {
		t.Errorf("redis: expected 'healthy', got %q", got)
	}
}
