// Package external is the boundary between the pipeline and third-party
// services: the user and template collaborators and the delivery providers.
// Outbound HTTP goes through BaseClient for retries, optional circuit
// breaking, trace propagation and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"courier/internal/breaker"
	"courier/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// RetryPolicy configures in-call retries of a single HTTP request.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy suits collaborator lookups on the intake path.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    200 * time.Millisecond,
		MaxWait:    2 * time.Second,
	}
}

// NoRetries is used by delivery providers; redelivery is the retry
// scheduler's job.
func NoRetries() RetryPolicy { return RetryPolicy{} }

// errRetryableStatus marks a 429/5xx response inside the breaker.
var errRetryableStatus = errors.New("retryable upstream status")

// BaseClient wraps an *http.Client with retries, an optional breaker and
// error mapping. Collaborator clients and HTTP providers embed one.
type BaseClient struct {
	client          *http.Client
	breaker         *breaker.Breaker
	retryPolicy     RetryPolicy
	userAgent       string
	unavailableCode types.ErrorCode
	sleepFn         func(time.Duration)
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries. Tests pass a no-op.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleepFn = fn }
}

// WithBreaker wraps every attempt in b. Providers leave this unset because
// the delivery executor owns their breakers.
func WithBreaker(b *breaker.Breaker) BaseClientOption {
	return func(c *BaseClient) { c.breaker = b }
}

// WithUnavailableCode sets the code returned when the upstream cannot be
// reached or keeps failing.
func WithUnavailableCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) { c.unavailableCode = code }
}

func NewBaseClient(httpClient *http.Client, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client:          httpClient,
		retryPolicy:     retryPolicy,
		userAgent:       userAgent,
		unavailableCode: types.ErrCodeUpstreamUnavailable,
		sleepFn:         time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes req, retrying 429 and 5xx responses and transport errors.
// Other statuses are returned to the caller, who must close the body. When
// retries are exhausted or the breaker rejects the call, Do returns an
// AppError and no response.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if id := types.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body for retry support", err)
		}
		req.Body.Close()
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.once(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, breaker.ErrOpen) || ctx.Err() != nil || attempt == maxAttempts-1 {
			lastResp = resp
			break
		}
		wait := c.computeBackoff(attempt, resp)
		if resp != nil {
			resp.Body.Close()
		}
		c.sleepFn(wait)
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// once performs one attempt. Retryable statuses come back as an error
// alongside the response so the breaker counts them.
func (c *BaseClient) once(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	op := func(context.Context) error {
		r, err := c.client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %d", errRetryableStatus, r.StatusCode)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(req.Context(), op)
	} else {
		err = op(req.Context())
	}
	return resp, err
}

// computeBackoff honours Retry-After, otherwise uses exponential backoff with
// jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := math.Min(
		float64(c.retryPolicy.MinWait)*math.Pow(2, float64(attempt)),
		float64(c.retryPolicy.MaxWait),
	)
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *BaseClient) mapError(resp *http.Response, err error) error {
	if types.CodeOf(err, "") == types.ErrCodeCircuitOpen {
		return err
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(c.unavailableCode,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(c.unavailableCode, "upstream request failed", err)
}
