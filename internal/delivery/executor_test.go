package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/breaker"
	"courier/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider returns errs in order; the last entry repeats. A nil entry
// is a success.
type mockProvider struct {
	name       string
	configured bool
	errs       []error

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Name() string     { return m.name }
func (m *mockProvider) Configured() bool { return m.configured }

func (m *mockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) Send(_ context.Context, msg types.QueueMessage, _ types.RenderedContent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		if len(m.errs) > 1 {
			m.errs = m.errs[1:]
		}
		if err != nil {
			return "", err
		}
	}
	return m.name + "-" + msg.NotificationID, nil
}

// orderRecorder wraps providers to record attempt order.
type orderRecorder struct {
	Provider
	order *[]string
}

func (o orderRecorder) Send(ctx context.Context, msg types.QueueMessage, c types.RenderedContent) (string, error) {
	*o.order = append(*o.order, o.Name())
	return o.Provider.Send(ctx, msg, c)
}

func testFactory(threshold uint32) breaker.Factory {
	return breaker.Factory{Settings: breaker.Settings{FailureThreshold: threshold, RecoveryTimeout: time.Minute}, Logger: types.NopLogger{}}
}

func emailMessage() types.QueueMessage {
	return types.QueueMessage{
		SchemaVersion:  types.CurrentSchemaVersion,
		NotificationID: "n-1",
		CorrelationID:  "c-1",
		Type:           types.NotificationEmail,
		Delivery:       types.DeliveryTarget{Email: "ada@example.com"},
	}
}

var content = types.RenderedContent{Subject: "Hi", Body: "Hello Ada"}

func TestExecutor_FallbackOrder(t *testing.T) {
	var order []string
	a := &mockProvider{name: "a", configured: true, errs: []error{errors.New("a down")}}
	b := &mockProvider{name: "b", configured: true}
	c := &mockProvider{name: "c", configured: false}

	exec := NewExecutor(types.NotificationEmail,
		[]Provider{orderRecorder{a, &order}, orderRecorder{b, &order}, orderRecorder{c, &order}},
		testFactory(5), types.NopLogger{})

	res, err := exec.Send(context.Background(), emailMessage(), content)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "b-n-1", res.ProviderMessageID)
	require.Len(t, res.Attempts, 2)
	assert.Error(t, res.Attempts[0].Err)
	assert.NoError(t, res.Attempts[1].Err)
	assert.Zero(t, c.Calls())
}

func TestExecutor_AllFailed(t *testing.T) {
	a := &mockProvider{name: "a", configured: true, errs: []error{errors.New("timeout")}}
	b := &mockProvider{name: "b", configured: true, errs: []error{types.Permanent(errors.New("bad address"))}}

	exec := NewExecutor(types.NotificationSMS, []Provider{a, b}, testFactory(5), types.NopLogger{})

	res, err := exec.Send(context.Background(), emailMessage(), content)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, types.ErrCodeUpstreamSMSProvider, types.CodeOf(err, ""))
	assert.False(t, types.IsPermanent(err), "a transient cause keeps the aggregate retryable")
	assert.Contains(t, err.Error(), "all 2 sms providers failed")
	assert.Len(t, res.Attempts, 2)
}

func TestExecutor_AllPermanentIsPermanent(t *testing.T) {
	a := &mockProvider{name: "a", configured: true, errs: []error{types.NewAppError(types.ErrCodeEmailBlocked, "suppressed", nil)}}
	b := &mockProvider{name: "b", configured: true, errs: []error{types.NewAppError(types.ErrCodeRecipientRejected, "rejected", nil)}}

	exec := NewExecutor(types.NotificationEmail, []Provider{a, b}, testFactory(5), types.NopLogger{})

	_, err := exec.Send(context.Background(), emailMessage(), content)
	require.Error(t, err)
	assert.True(t, types.IsPermanent(err))
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestExecutor_NoConfiguredProviders(t *testing.T) {
	exec := NewExecutor(types.NotificationPush,
		[]Provider{&mockProvider{name: "fcm"}}, testFactory(5), types.NopLogger{})

	_, err := exec.Send(context.Background(), emailMessage(), content)
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Equal(t, types.ErrCodeUpstreamPushProvider, types.CodeOf(err, ""))
	assert.False(t, types.IsPermanent(err))
}

func TestExecutor_OpenBreakerFallsThrough(t *testing.T) {
	a := &mockProvider{name: "a", configured: true, errs: []error{errors.New("down")}}
	b := &mockProvider{name: "b", configured: true}

	exec := NewExecutor(types.NotificationEmail, []Provider{a, b}, testFactory(2), types.NopLogger{})

	for i := 0; i < 2; i++ {
		_, err := exec.Send(context.Background(), emailMessage(), content)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, types.CircuitOpen, exec.Providers()["a"])

	res, err := exec.Send(context.Background(), emailMessage(), content)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls(), "open breaker must short-circuit provider a")
	assert.Equal(t, "b", res.Provider)
	assert.ErrorIs(t, res.Attempts[0].Err, breaker.ErrOpen)
}

func TestExecutor_CancelledContext(t *testing.T) {
	a := &mockProvider{name: "a", configured: true}
	exec := NewExecutor(types.NotificationEmail, []Provider{a}, testFactory(5), types.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Send(ctx, emailMessage(), content)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.Calls())
}
