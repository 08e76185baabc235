// Package metrics records pipeline telemetry. Components depend on the
// Recorder interface; the binaries choose a Prometheus, CloudWatch or no-op
// backend at startup.
package metrics

import (
	"time"

	"courier/internal/types"
)

// Result labels an outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
	ResultRetried Result = "retried"
)

// ResultOf maps an error to ResultSuccess or ResultFailed.
func ResultOf(err error) Result {
	if err != nil {
		return ResultFailed
	}
	return ResultSuccess
}

// Recorder is implemented by every metrics backend. Methods never block the
// caller on backend failures; errors are logged by the implementation.
type Recorder interface {
	NotificationAccepted(t types.NotificationType, status types.DeliveryState)
	MessagePublished(queue string, result Result)
	MessageConsumed(queue string, result Result, d time.Duration)
	QueueLag(queue string, lag time.Duration)
	DeliveryAttempt(t types.NotificationType, provider string, result Result, d time.Duration)
	RetryScheduled(t types.NotificationType, attempt int)
	DeadLettered(t types.NotificationType, reason string)
	BreakerStateChanged(name string, from, to types.CircuitState)
	RecordRequest(method, endpoint, status string, d time.Duration)
}

// Noop discards all metrics.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) NotificationAccepted(types.NotificationType, types.DeliveryState)      {}
func (Noop) MessagePublished(string, Result)                                       {}
func (Noop) MessageConsumed(string, Result, time.Duration)                         {}
func (Noop) QueueLag(string, time.Duration)                                        {}
func (Noop) DeliveryAttempt(types.NotificationType, string, Result, time.Duration) {}
func (Noop) RetryScheduled(types.NotificationType, int)                            {}
func (Noop) DeadLettered(types.NotificationType, string)                           {}
func (Noop) BreakerStateChanged(string, types.CircuitState, types.CircuitState)    {}
func (Noop) RecordRequest(string, string, string, time.Duration)                   {}
