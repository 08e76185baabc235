// Package breaker wraps sony/gobreaker with the pipeline's failure policy:
// trip after a run of consecutive failures, allow exactly one trial call once
// the recovery timeout elapses, and surface rejections as ErrOpen.
package breaker

import (
	"context"
	"errors"
	"time"

	"courier/internal/types"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without invoking the operation while the breaker is open
// or while its single half-open trial is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures a Breaker.
type Settings struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// DefaultSettings returns threshold 5 and a 60s recovery timeout.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// StateObserver is notified on every state transition.
type StateObserver interface {
	BreakerStateChanged(name string, from, to types.CircuitState)
}

// Breaker guards one call-site. It never retries.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger types.Logger
}

// New creates a Breaker. Errors classified by types.IsPermanent count as
// successes, since the dependency answered. Caller cancellations count as
// neither, so a cancelled half-open trial leaves the breaker half-open.
func New(name string, s Settings, logger types.Logger, observers ...StateObserver) *Breaker {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}

	b := &Breaker{name: name, logger: logger.With("breaker", name)}
	threshold := s.FailureThreshold

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // counts are only cleared by state changes
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || types.IsPermanent(err)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := convertState(from), convertState(to)
			if t == types.CircuitOpen {
				b.logger.Warn("circuit breaker opened", "from", f)
			} else {
				b.logger.Info("circuit breaker state changed", "from", f, "to", t)
			}
			for _, o := range observers {
				o.BreakerStateChanged(name, f, t)
			}
		},
	})
	return b
}

// Execute runs op if the breaker admits it and records the outcome. A rejected
// call returns an error matching ErrOpen.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeCircuitOpen, b.name+" circuit breaker is open", ErrOpen)
	}
	return err
}

// State returns the current state, accounting for an elapsed recovery timeout.
func (b *Breaker) State() types.CircuitState {
	return convertState(b.cb.State())
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

// Name returns the call-site name.
func (b *Breaker) Name() string { return b.name }

func convertState(s gobreaker.State) types.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// Factory builds breakers that share settings, logger and observers.
type Factory struct {
	Settings  Settings
	Logger    types.Logger
	Observers []StateObserver
}

// New returns a fresh Breaker for the named call-site.
func (f Factory) New(name string) *Breaker {
	return New(name, f.Settings, f.Logger, f.Observers...)
}
