package metrics

import (
	"context"
	"strconv"
	"time"

	"courier/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient is the PutMetricData subset of *cloudwatch.Client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric names emitted to CloudWatch.
const (
	MetricNotificationAccepted = "NotificationAccepted"
	MetricMessagePublished     = "MessagePublished"
	MetricMessageConsumed      = "MessageConsumed"
	MetricProcessingLatency    = "ProcessingLatency"
	MetricQueueLag             = "QueueLag"
	MetricDeliveryAttempt      = "DeliveryAttempt"
	MetricDeliveryLatency      = "DeliveryAttemptLatency"
	MetricRetryScheduled       = "RetryScheduled"
	MetricDeadLettered         = "DeadLettered"
	MetricBreakerTransition    = "CircuitBreakerTransition"
	MetricAPIRequestCount      = "APIRequestCount"
	MetricAPILatency           = "APILatency"
)

const putTimeout = 2 * time.Second

// CloudWatch implements Recorder by calling PutMetricData per observation.
// Failures are logged and dropped.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Recorder = (*CloudWatch)(nil)

// NewCloudWatch returns a CloudWatch recorder publishing under namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatch) put(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
			Dimensions: dims,
		}},
	})
	if err != nil {
		m.logger.Error("failed to put metric", "metric", name, "error", err.Error())
	}
}

func (m *CloudWatch) NotificationAccepted(t types.NotificationType, status types.DeliveryState) {
	m.put(MetricNotificationAccepted, 1, cwtypes.StandardUnitCount, dim("Type", string(t)), dim("Status", string(status)))
}

func (m *CloudWatch) MessagePublished(queue string, result Result) {
	m.put(MetricMessagePublished, 1, cwtypes.StandardUnitCount, dim("Queue", queue), dim("Result", string(result)))
}

func (m *CloudWatch) MessageConsumed(queue string, result Result, d time.Duration) {
	m.put(MetricMessageConsumed, 1, cwtypes.StandardUnitCount, dim("Queue", queue), dim("Result", string(result)))
	m.put(MetricProcessingLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dim("Queue", queue))
}

func (m *CloudWatch) QueueLag(queue string, lag time.Duration) {
	m.put(MetricQueueLag, float64(lag.Milliseconds()), cwtypes.StandardUnitMilliseconds, dim("Queue", queue))
}

func (m *CloudWatch) DeliveryAttempt(t types.NotificationType, provider string, result Result, d time.Duration) {
	m.put(MetricDeliveryAttempt, 1, cwtypes.StandardUnitCount,
		dim("Type", string(t)), dim("Provider", provider), dim("Result", string(result)))
	if result != ResultSkipped {
		m.put(MetricDeliveryLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
			dim("Type", string(t)), dim("Provider", provider))
	}
}

func (m *CloudWatch) RetryScheduled(t types.NotificationType, attempt int) {
	m.put(MetricRetryScheduled, 1, cwtypes.StandardUnitCount, dim("Type", string(t)), dim("Attempt", strconv.Itoa(attempt)))
}

func (m *CloudWatch) DeadLettered(t types.NotificationType, reason string) {
	m.put(MetricDeadLettered, 1, cwtypes.StandardUnitCount, dim("Type", string(t)), dim("Reason", reason))
}

func (m *CloudWatch) BreakerStateChanged(name string, _, to types.CircuitState) {
	m.put(MetricBreakerTransition, 1, cwtypes.StandardUnitCount, dim("Breaker", name), dim("State", string(to)))
}

func (m *CloudWatch) RecordRequest(method, endpoint, status string, d time.Duration) {
	m.put(MetricAPIRequestCount, 1, cwtypes.StandardUnitCount,
		dim("Method", method), dim("Endpoint", endpoint), dim("Status", status))
	m.put(MetricAPILatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim("Method", method), dim("Endpoint", endpoint))
}
