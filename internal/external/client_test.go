package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/breaker"
	"courier/internal/types"
)

// noopSleep is a sleep function that does nothing, for fast tests.
func noopSleep(time.Duration) {}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond}
}

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, policy, "Courier-Test/1.0", opts...)
}

func get(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_SuccessInjectsHeaders(t *testing.T) {
	var gotUA, gotReq, gotCorr string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReq = r.Header.Get("X-Request-ID")
		gotCorr = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	ctx := types.WithCorrelationID(types.WithRequestID(context.Background(), "req-1"), "corr-1")
	resp, err := newTestClient(t, testPolicy()).Do(get(t, ctx, server.URL))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %s", body)
	}
	if gotUA != "Courier-Test/1.0" || gotReq != "req-1" || gotCorr != "corr-1" {
		t.Errorf("headers: ua=%q request=%q correlation=%q", gotUA, gotReq, gotCorr)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(status)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		resp, err := newTestClient(t, testPolicy()).Do(get(t, context.Background(), server.URL))
		if err != nil {
			t.Fatalf("status %d: expected success after retries, got %v", status, err)
		}
		resp.Body.Close()
		if calls.Load() != 3 {
			t.Errorf("status %d: calls = %d, want 3", status, calls.Load())
		}
		server.Close()
	}
}

func TestDo_ExhaustedRetriesMapsError(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorCode
	}{
		{http.StatusBadGateway, types.ErrCodeUpstreamTemplateService},
		{http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(tt.status)
		}))

		client := newTestClient(t, testPolicy(), WithUnavailableCode(types.ErrCodeUpstreamTemplateService))
		resp, err := client.Do(get(t, context.Background(), server.URL))
		if resp != nil {
			t.Error("expected nil response once retries are exhausted")
		}
		if got := types.CodeOf(err, ""); got != tt.want {
			t.Errorf("status %d: code = %s, want %s", tt.status, got, tt.want)
		}
		if calls.Load() != 3 {
			t.Errorf("status %d: calls = %d, want 3", tt.status, calls.Load())
		}
		server.Close()
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resp, err := newTestClient(t, testPolicy()).Do(get(t, context.Background(), server.URL))
	if err != nil {
		t.Fatalf("4xx must be returned to the caller, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || calls.Load() != 1 {
		t.Errorf("status = %d calls = %d", resp.StatusCode, calls.Load())
	}
}

func TestDo_NoRetriesPolicy(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, NoRetries()).Do(get(t, context.Background(), server.URL))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_NetworkErrorMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t, NoRetries(), WithUnavailableCode(types.ErrCodeUpstreamUserService)).Do(get(t, context.Background(), url))
	if got := types.CodeOf(err, ""); got != types.ErrCodeUpstreamUserService {
		t.Errorf("code = %s", got)
	}
}

func TestDo_BreakerOpensAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	b := breaker.New("user-service", breaker.Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute}, types.NopLogger{})
	client := newTestClient(t, NoRetries(), WithBreaker(b))

	for i := 0; i < 2; i++ {
		if _, err := client.Do(get(t, context.Background(), server.URL)); err == nil {
			t.Fatal("expected error")
		}
	}

	_, err := client.Do(get(t, context.Background(), server.URL))
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if types.CodeOf(err, "") != types.ErrCodeCircuitOpen {
		t.Errorf("code = %s", types.CodeOf(err, ""))
	}
	if calls.Load() != 2 {
		t.Errorf("open breaker must not reach the server, calls = %d", calls.Load())
	}
}

func TestDo_4xxDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	b := breaker.New("template-service", breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}, types.NopLogger{})
	client := newTestClient(t, NoRetries(), WithBreaker(b))
	for i := 0; i < 3; i++ {
		resp, err := client.Do(get(t, context.Background(), server.URL))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	if b.State() != types.CircuitClosed {
		t.Errorf("state = %s", b.State())
	}
}

func TestDo_RespectsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var slept []time.Duration
	policy := RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 5 * time.Second}
	client := NewBaseClient(http.DefaultClient, policy, "", WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }))

	resp, err := client.Do(get(t, context.Background(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("slept = %v, want [1s]", slept)
	}
}

func TestDo_PostBodyPreservedAcrossRetries(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"variables":{"name":"Ada"}}`))
	resp, err := newTestClient(t, testPolicy()).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[0] != bodies[1] {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestComputeBackoff_Bounds(t *testing.T) {
	c := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: 100 * time.Millisecond, MaxWait: time.Second})
	for attempt := 0; attempt < 6; attempt++ {
		d := c.computeBackoff(attempt, nil)
		if d < 100*time.Millisecond || d > time.Second {
			t.Errorf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}
