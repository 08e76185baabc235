package types

// NotificationType is the delivery channel a notification targets.
type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationPush  NotificationType = "push"
	NotificationSMS   NotificationType = "sms"
)

// AllNotificationTypes lists every supported channel in declaration order.
var AllNotificationTypes = []NotificationType{NotificationEmail, NotificationPush, NotificationSMS}

// Valid reports whether t is a supported notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationEmail, NotificationPush, NotificationSMS:
		return true
	}
	return false
}

// PrimaryQueue is the queue fresh notifications of this type are published to.
func (t NotificationType) PrimaryQueue() string { return string(t) + ".queue" }

// RetryQueue is the queue delayed retries of this type are published to.
func (t NotificationType) RetryQueue() string { return string(t) + ".retry.queue" }

// Queue and exchange names shared by publishers, consumers and topology setup.
const (
	ExchangeName    = "notifications.direct"
	DeadLetterQueue = "failed.queue"
)

// DeliveryState is the lifecycle state of a tracked notification.
type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateProcessing   DeliveryState = "processing"
	StateSent         DeliveryState = "sent"
	StateDelivered    DeliveryState = "delivered"
	StateFailed       DeliveryState = "failed"
	StateBounced      DeliveryState = "bounced"
	StateDeadLettered DeliveryState = "dead_lettered"
)

// IsTerminal reports whether no further pipeline transition is expected.
// Bounced is reachable from sent and delivered through provider webhooks, so
// delivered is terminal only for the pipeline itself.
func (s DeliveryState) IsTerminal() bool {
	switch s {
	case StateDelivered, StateBounced, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// CanTransitionTo reports whether a record in state s may move to next.
func (s DeliveryState) CanTransitionTo(next DeliveryState) bool {
	if s == next {
		return true
	}
	switch s {
	case StateDelivered:
		return next == StateBounced
	case StateBounced, StateFailed, StateDeadLettered:
		return false
	case StateSent:
		return next == StateDelivered || next == StateBounced || next == StateFailed
	}
	return true
}

// CircuitState is the externally visible state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)
