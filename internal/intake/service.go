// Package intake accepts notification requests, de-duplicates them by request
// ID and hands them to the broker.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/external"
	"courier/internal/idempotency"
	"courier/internal/metrics"
	"courier/internal/types"

	"github.com/google/uuid"
)

// DefaultAwaitTimeout bounds how long a duplicate submission waits for the
// first one to finish.
const DefaultAwaitTimeout = 10 * time.Second

// maxClaimRounds bounds re-claims after the owning submission released its
// claim without a result.
const maxClaimRounds = 3

// IdempotencyStore is the subset of idempotency.RedisStore intake uses.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (idempotency.Claim, bool, error)
	Complete(ctx context.Context, c idempotency.Claim, response any) error
	Release(ctx context.Context, c idempotency.Claim) error
	Await(ctx context.Context, key string) (json.RawMessage, error)
}

// Publisher publishes a message to a queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, msg types.QueueMessage) error
}

// StatusTracker creates and reads status records.
type StatusTracker interface {
	Track(ctx context.Context, id string, state types.DeliveryState) error
	GetStatus(ctx context.Context, id string) (*types.DeliveryStatus, error)
}

// Config holds the dependencies of a Service.
type Config struct {
	Idempotency  IdempotencyStore
	Users        external.UserLookup
	Templates    external.TemplateLookup
	Publisher    Publisher
	Tracker      StatusTracker
	Logger       types.Logger
	Metrics      metrics.Recorder
	Clock        types.Clock
	AwaitTimeout time.Duration

	// NewID generates notification IDs. Defaults to uuid.NewString.
	NewID func() string
}

// Submission is the result of a CreateNotification call.
type Submission struct {
	Response types.NotificationResponse
	// Duplicate is true when the response was produced by an earlier
	// submission with the same request ID.
	Duplicate bool
}

// Service implements notification intake.
type Service struct {
	store        IdempotencyStore
	users        external.UserLookup
	templates    external.TemplateLookup
	publisher    Publisher
	tracker      StatusTracker
	logger       types.Logger
	metrics      metrics.Recorder
	clock        types.Clock
	awaitTimeout time.Duration
	newID        func() string
}

// NewService creates a Service from cfg.
func NewService(cfg Config) *Service {
	s := &Service{
		store:        cfg.Idempotency,
		users:        cfg.Users,
		templates:    cfg.Templates,
		publisher:    cfg.Publisher,
		tracker:      cfg.Tracker,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		awaitTimeout: cfg.AwaitTimeout,
		newID:        cfg.NewID,
	}
	if s.logger == nil {
		s.logger = types.NopLogger{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.awaitTimeout <= 0 {
		s.awaitTimeout = DefaultAwaitTimeout
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// CreateNotification accepts req and returns the response for its request
// ID. Resubmissions return the first submission's response verbatim.
func (s *Service) CreateNotification(ctx context.Context, req types.NotificationRequest, correlationID string) (*types.NotificationResponse, error) {
	sub, err := s.Submit(ctx, req, correlationID)
	if err != nil {
		return nil, err
	}
	return &sub.Response, nil
}

// Submit is CreateNotification that also reports whether the response was
// replayed from an earlier submission.
func (s *Service) Submit(ctx context.Context, req types.NotificationRequest, correlationID string) (Submission, error) {
	req.ApplyDefaults()
	if !req.Type.Valid() {
		return Submission{}, types.NewAppError(types.ErrCodeValidationInvalidType,
			fmt.Sprintf("unknown notification type %q", req.Type), nil)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	logger := s.logger.With(
		"request_id", req.RequestID,
		"correlation_id", correlationID,
		"notification_type", string(req.Type),
	)

	for round := 0; round < maxClaimRounds; round++ {
		claim, ok, err := s.store.Claim(ctx, req.RequestID)
		if err != nil {
			return Submission{}, err
		}
		if ok {
			resp, err := s.process(ctx, claim, req, correlationID, logger)
			if err != nil {
				return Submission{}, err
			}
			return Submission{Response: resp}, nil
		}

		resp, err := s.awaitResult(ctx, req.RequestID)
		if errors.Is(err, idempotency.ErrReleased) {
			logger.Info("earlier submission released its claim, retrying claim")
			continue
		}
		if err != nil {
			return Submission{}, err
		}
		logger.Info("duplicate request, returning stored response", "notification_id", resp.NotificationID)
		return Submission{Response: resp, Duplicate: true}, nil
	}

	return Submission{}, types.NewAppError(types.ErrCodeConflictIdempotency,
		"request "+req.RequestID+" is being processed", nil)
}

func (s *Service) awaitResult(ctx context.Context, requestID string) (types.NotificationResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.awaitTimeout)
	defer cancel()

	raw, err := s.store.Await(waitCtx, requestID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return types.NotificationResponse{}, types.NewAppError(types.ErrCodeConflictIdempotency,
				"request "+requestID+" is being processed", err)
		}
		return types.NotificationResponse{}, err
	}

	var resp types.NotificationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.NotificationResponse{}, types.NewAppError(types.ErrCodeInternalCache, "corrupt stored response", err)
	}
	return resp, nil
}

// process runs the submission that holds the claim. Any error releases the
// claim so the caller may resubmit the same request ID.
func (s *Service) process(ctx context.Context, claim idempotency.Claim, req types.NotificationRequest, correlationID string, logger types.Logger) (types.NotificationResponse, error) {
	resp, err := s.accept(ctx, req, correlationID, logger)
	if err != nil {
		if relErr := s.store.Release(context.WithoutCancel(ctx), claim); relErr != nil {
			logger.Error("failed to release idempotency claim", "error", relErr.Error())
		}
		return types.NotificationResponse{}, err
	}

	if err := s.store.Complete(context.WithoutCancel(ctx), claim, resp); err != nil {
		logger.Error("failed to store idempotency result", "error", err.Error())
		if relErr := s.store.Release(context.WithoutCancel(ctx), claim); relErr != nil {
			logger.Error("failed to release idempotency claim", "error", relErr.Error())
		}
	}
	return resp, nil
}

func (s *Service) accept(ctx context.Context, req types.NotificationRequest, correlationID string, logger types.Logger) (types.NotificationResponse, error) {
	user, err := s.users.GetUser(ctx, req.UserID)
	if err != nil {
		return types.NotificationResponse{}, err
	}

	if !user.Allows(req.Type) {
		logger.Info("notification type disabled by user preference", "user_id", req.UserID)
		s.metrics.NotificationAccepted(req.Type, types.StateFailed)
		return types.NotificationResponse{
			Status:  types.StateFailed,
			Message: fmt.Sprintf("User has disabled %s notifications", req.Type),
		}, nil
	}

	target := user.Target()
	if target.Address(req.Type) == "" {
		return types.NotificationResponse{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingTarget,
			fmt.Sprintf("user %s has no %s address", req.UserID, req.Type), nil,
			map[string]any{"user_id": req.UserID, "notification_type": string(req.Type)})
	}

	snapshot, err := s.snapshot(ctx, req, logger)
	if err != nil {
		return types.NotificationResponse{}, err
	}

	msg := types.QueueMessage{
		SchemaVersion:  types.CurrentSchemaVersion,
		NotificationID: s.newID(),
		RequestID:      req.RequestID,
		CorrelationID:  correlationID,
		Type:           req.Type,
		UserID:         req.UserID,
		TemplateCode:   req.TemplateCode,
		Priority:       req.Priority,
		Language:       req.Language,
		Template:       snapshot,
		Delivery:       target,
		Variables:      req.Variables,
		Metadata:       req.Metadata,
		Timestamp:      s.clock.Now(),
	}
	logger = logger.With("notification_id", msg.NotificationID)

	// Tracked before publishing so a fast worker never has its progress
	// overwritten by the initial record.
	if err := s.tracker.Track(ctx, msg.NotificationID, types.StatePending); err != nil {
		logger.Warn("failed to track notification", "error", err.Error())
	}

	if err := s.publisher.Publish(ctx, req.Type.PrimaryQueue(), msg); err != nil {
		logger.Error("failed to publish notification", "error", err.Error())
		if trackErr := s.tracker.Track(context.WithoutCancel(ctx), msg.NotificationID, types.StateFailed); trackErr != nil {
			logger.Warn("failed to mark unpublished notification failed", "error", trackErr.Error())
		}
		return types.NotificationResponse{}, err
	}

	s.metrics.NotificationAccepted(req.Type, types.StatePending)
	logger.Info("notification queued", "queue", req.Type.PrimaryQueue())
	return types.NotificationResponse{
		NotificationID: msg.NotificationID,
		Status:         types.StatePending,
		Message:        "Notification queued for delivery",
	}, nil
}

// snapshot fetches the template for the envelope. A missing template rejects
// the request; an unreachable template service does not, since workers render
// through the service anyway.
func (s *Service) snapshot(ctx context.Context, req types.NotificationRequest, logger types.Logger) (*types.TemplateSnapshot, error) {
	tpl, err := s.templates.GetTemplate(ctx, req.TemplateCode, req.Language)
	if err == nil {
		return tpl.Snapshot(), nil
	}
	if types.CodeOf(err, "") == types.ErrCodeNotFoundTemplate {
		return nil, err
	}
	logger.Warn("template lookup failed, publishing without snapshot",
		"template_code", req.TemplateCode,
		"error", err.Error(),
	)
	return nil, nil
}

// GetStatus returns the tracked status of a notification.
func (s *Service) GetStatus(ctx context.Context, notificationID string) (*types.DeliveryStatus, error) {
	return s.tracker.GetStatus(ctx, notificationID)
}
