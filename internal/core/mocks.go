package core

import (
	"context"
	"sync"
	"time"
)

// --- MockHealthProbe ---

// MockHealthProbe implements HealthProbe for tests in this and the handler
// packages.
//
// Usage:
//
//	probe := &MockHealthProbe{ProbeName: "redis", Err: errors.New("connection refused")}
//	srv.HealthProbes = []HealthProbe{probe}
type MockHealthProbe struct {
	ProbeName string

	// Err is returned by Check.
	Err error

	// Delay blocks Check for this long, or until ctx is done.
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

// Name implements HealthProbe.
func (m *MockHealthProbe) Name() string { return m.ProbeName }

// Check implements HealthProbe.
func (m *MockHealthProbe) Check(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Err
}

// Calls returns how many times Check ran.
func (m *MockHealthProbe) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- MockMetricsCollector ---

// RequestMetric records one RecordRequest call.
type RequestMetric struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector implements MetricsCollector and records every call.
type MockMetricsCollector struct {
	mu    sync.Mutex
	calls []RequestMetric
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, RequestMetric{Method: method, Endpoint: endpoint, Status: status, Duration: duration})
}

// Calls returns a copy of the recorded calls.
func (m *MockMetricsCollector) Calls() []RequestMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestMetric, len(m.calls))
	copy(out, m.calls)
	return out
}

// Compile-time interface assertions.
var (
	_ HealthProbe      = (*MockHealthProbe)(nil)
	_ MetricsCollector = (*MockMetricsCollector)(nil)
)
