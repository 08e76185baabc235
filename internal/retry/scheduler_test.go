package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"courier/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryCall struct {
	queue string
	msg   types.QueueMessage
	delay time.Duration
}

type mockPublisher struct {
	retries     []retryCall
	deadLetters []types.DeadLetter
	err         error
}

func (m *mockPublisher) PublishRetry(_ context.Context, queueName string, msg types.QueueMessage, delay time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.retries = append(m.retries, retryCall{queue: queueName, msg: msg, delay: delay})
	return nil
}

func (m *mockPublisher) PublishDeadLetter(_ context.Context, dl types.DeadLetter) error {
	if m.err != nil {
		return m.err
	}
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func noJitter() float64 { return 1 }

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Jitter = noJitter
	return p
}

func message(retryCount int) types.QueueMessage {
	return types.QueueMessage{
		SchemaVersion:  types.CurrentSchemaVersion,
		NotificationID: "n-42",
		CorrelationID:  "c-42",
		Type:           types.NotificationSMS,
		RetryCount:     retryCount,
	}
}

func TestPolicy_BaseDelayMonotonicAndCapped(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.BaseDelayFor(i+1), "attempt %d", i+1)
	}

	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := p.BaseDelayFor(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", n)
		prev = d
	}
}

func TestPolicy_BackoffJitterBounds(t *testing.T) {
	p := DefaultPolicy()
	for n := 1; n <= 10; n++ {
		base := p.BaseDelayFor(n)
		for i := 0; i < 100; i++ {
			d := p.Backoff(n)
			assert.GreaterOrEqual(t, d, base/2)
			assert.Less(t, d, base*3/2)
		}
	}

	p.Jitter = func() float64 { return 0.5 }
	assert.Equal(t, 5*time.Second, p.Backoff(2))
}

func TestRetry_SchedulesWithIncrementedCount(t *testing.T) {
	pub := &mockPublisher{}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{}, WithClock(fixedClock{now}))

	out, err := s.Retry(context.Background(), message(0), errors.New("provider timeout"))
	require.NoError(t, err)

	assert.Equal(t, ActionRetried, out.Action)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, 5*time.Second, out.Delay)

	require.Len(t, pub.retries, 1)
	assert.Empty(t, pub.deadLetters)
	call := pub.retries[0]
	assert.Equal(t, "sms.retry.queue", call.queue)
	assert.Equal(t, 1, call.msg.RetryCount)
	assert.Equal(t, "provider timeout", call.msg.LastError)
	assert.Equal(t, "n-42", call.msg.NotificationID)
}

func TestRetry_OriginalMessageNotMutated(t *testing.T) {
	pub := &mockPublisher{}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{})
	msg := message(1)

	_, err := s.Retry(context.Background(), msg, errors.New("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Empty(t, msg.LastError)
}

func TestRetry_ExhaustionDeadLettersExactlyOnce(t *testing.T) {
	pub := &mockPublisher{}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{}, WithClock(fixedClock{now}))

	msg := message(0)
	cause := errors.New("still down")
	for {
		out, err := s.Retry(context.Background(), msg, cause)
		require.NoError(t, err)
		if out.Action == ActionDeadLettered {
			assert.Equal(t, types.ReasonRetriesExhausted, out.Reason)
			break
		}
		msg = pub.retries[len(pub.retries)-1].msg
	}

	assert.Len(t, pub.retries, DefaultMaxRetries)
	require.Len(t, pub.deadLetters, 1)

	dl := pub.deadLetters[0]
	assert.Equal(t, "still down", dl.Error)
	assert.Equal(t, now, dl.FailedAt)

	var inner types.QueueMessage
	require.NoError(t, json.Unmarshal(dl.Message, &inner))
	assert.Equal(t, DefaultMaxRetries, inner.RetryCount)

	for i, r := range pub.retries {
		assert.Equal(t, i+1, r.msg.RetryCount)
	}
}

func TestRetry_PermanentErrorDeadLettersImmediately(t *testing.T) {
	pub := &mockPublisher{}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{})

	cause := types.NewAppError(types.ErrCodeEmailBlocked, "address suppressed", nil)
	out, err := s.Retry(context.Background(), message(0), cause)
	require.NoError(t, err)

	assert.Equal(t, ActionDeadLettered, out.Action)
	assert.Equal(t, types.ReasonPermanent, out.Reason)
	assert.Empty(t, pub.retries)
	assert.Len(t, pub.deadLetters, 1)
}

func TestRetry_PublishFailure(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker down")}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{})

	_, err := s.Retry(context.Background(), message(0), errors.New("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pub.err)

	_, err = s.Retry(context.Background(), message(3), errors.New("x"))
	assert.ErrorIs(t, err, pub.err)
}

func TestDeadLetterRaw(t *testing.T) {
	pub := &mockPublisher{}
	s := NewScheduler(pub, testPolicy(), types.NopLogger{}, WithClock(fixedClock{now}))

	require.NoError(t, s.DeadLetterRaw(context.Background(), []byte("not json"), errors.New("malformed")))
	require.NoError(t, s.DeadLetterRaw(context.Background(), []byte(`{"schema_version":9}`), errors.New("version")))

	require.Len(t, pub.deadLetters, 2)
	assert.JSONEq(t, `"not json"`, string(pub.deadLetters[0].Message))
	assert.JSONEq(t, `{"schema_version":9}`, string(pub.deadLetters[1].Message))
	assert.Equal(t, types.ReasonUndecodable, pub.deadLetters[0].Reason)

	_, err := json.Marshal(pub.deadLetters[0])
	assert.NoError(t, err)
}
