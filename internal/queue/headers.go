package queue

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys set on every published message.
const (
	HeaderCorrelationID  = "x-correlation-id"
	HeaderNotificationID = "x-notification-id"
	HeaderRetryCount     = "x-retry-count"
	HeaderSchemaVersion  = "x-schema-version"
	HeaderDelay          = "x-delay"
	HeaderRetryAt        = "x-retry-at"
	HeaderOriginalQueue  = "x-original-queue"
	HeaderFailureReason  = "x-failure-reason"
)

// RetryAt returns the earliest processing time carried by a retry message.
func RetryAt(headers amqp.Table) (time.Time, bool) {
	ms, ok := headerInt(headers, HeaderRetryAt)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// RetryCount reads the retry counter header, 0 when absent.
func RetryCount(headers amqp.Table) int {
	n, _ := headerInt(headers, HeaderRetryCount)
	return int(n)
}

// headerInt accepts the integer widths the AMQP table codec may decode to.
func headerInt(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func headerString(headers amqp.Table, key string) string {
	s, _ := headers[key].(string)
	return s
}
