package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/types"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

type recordingObserver struct {
	mu          sync.Mutex
	transitions []types.CircuitState
}

func (r *recordingObserver) BreakerStateChanged(_ string, _, to types.CircuitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if b.State() != types.CircuitClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}

	_ = b.Execute(ctx, fail)
	if b.State() != types.CircuitOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}

	var called bool
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if called {
		t.Error("operation must not run while open")
	}
	if types.CodeOf(err, "") != types.ErrCodeCircuitOpen {
		t.Errorf("code = %q", types.CodeOf(err, ""))
	}
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != types.CircuitClosed {
		t.Fatalf("non-consecutive failures tripped the breaker")
	}
	if b.ConsecutiveFailures() != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", b.ConsecutiveFailures())
	}
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond}, nil)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	time.Sleep(50 * time.Millisecond)
	if b.State() != types.CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	release := make(chan struct{})
	started := make(chan struct{})
	var trials atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(ctx, func(context.Context) error {
			trials.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A concurrent call while the trial is in flight is rejected.
	err := b.Execute(ctx, func(context.Context) error { trials.Add(1); return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent half-open call: got %v, want ErrOpen", err)
	}

	close(release)
	wg.Wait()

	if trials.Load() != 1 {
		t.Errorf("trials = %d, want 1", trials.Load())
	}
	if b.State() != types.CircuitClosed {
		t.Errorf("successful trial should close the breaker, state = %s", b.State())
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	obs := &recordingObserver{}
	b := New("test", Settings{FailureThreshold: 2, RecoveryTimeout: 30 * time.Millisecond}, nil, obs)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	time.Sleep(50 * time.Millisecond)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial call should run and fail, got %v", err)
	}
	if b.State() != types.CircuitOpen {
		t.Fatalf("failed trial should reopen, state = %s", b.State())
	}
	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("recovery timer should restart after a failed trial, got %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []types.CircuitState{types.CircuitOpen, types.CircuitHalfOpen, types.CircuitOpen}
	if len(obs.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", obs.transitions, want)
	}
	for i := range want {
		if obs.transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, obs.transitions[i], want[i])
		}
	}
}

func TestBreakerCancelledTrialDoesNotClose(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond}, nil)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	time.Sleep(50 * time.Millisecond)

	cancelled := func(context.Context) error { return context.Canceled }
	if err := b.Execute(ctx, cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("trial should run and return the cancellation, got %v", err)
	}
	if b.State() != types.CircuitHalfOpen {
		t.Fatalf("cancelled trial must leave the breaker half-open, state = %s", b.State())
	}

	// The next trial decides.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second trial should be admitted, got %v", err)
	}
	if b.State() != types.CircuitClosed {
		t.Errorf("successful trial should close the breaker, state = %s", b.State())
	}
}

func TestBreakerCancellationsDoNotTrip(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	if b.State() != types.CircuitClosed {
		t.Fatalf("cancellations must not count as failures")
	}
	if b.ConsecutiveFailures() != 1 {
		t.Errorf("cancellations must not reset the failure run, got %d", b.ConsecutiveFailures())
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()
	rejected := types.NewAppError(types.ErrCodeEmailBlocked, "recipient blocked", nil)

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return rejected })
		if !errors.Is(err, rejected) {
			t.Fatalf("error must pass through unchanged, got %v", err)
		}
	}
	if b.State() != types.CircuitClosed {
		t.Errorf("permanent errors must not trip the breaker")
	}
}

func TestFactoryDefaults(t *testing.T) {
	b := Factory{}.New("publisher")
	if b.Name() != "publisher" {
		t.Errorf("Name = %q", b.Name())
	}
	if b.State() != types.CircuitClosed {
		t.Errorf("new breaker should start closed")
	}
}
