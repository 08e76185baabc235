// Package status tracks per-notification delivery state in Redis.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/types"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "notification:"

// DefaultTTL is how long a record survives its last update.
const DefaultTTL = 7 * 24 * time.Hour

// maxTxAttempts bounds optimistic-lock retries under concurrent updates.
const maxTxAttempts = 5

var (
	// ErrNotTracked is returned for ids with no live record. Updates to such
	// ids are dropped.
	ErrNotTracked = errors.New("notification is not tracked")
	// ErrStaleTransition is returned when an update would move a record out
	// of a state it cannot leave. The stored record is unchanged.
	ErrStaleTransition = errors.New("status transition not allowed")
)

// RedisTracker implements the status tracker.
type RedisTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
	clock  types.Clock
}

// NewRedisTracker creates a tracker whose records expire ttl after their last
// write.
func NewRedisTracker(client redis.UniversalClient, ttl time.Duration, clock types.Clock) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisTracker{client: client, ttl: ttl, clock: clock}
}

func redisKey(id string) string { return keyPrefix + id }

// Track creates or replaces the record for id.
func (t *RedisTracker) Track(ctx context.Context, id string, state types.DeliveryState) error {
	now := t.clock.Now()
	rec := types.DeliveryStatus{
		NotificationID: id,
		Status:         state,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := t.client.Set(ctx, redisKey(id), data, t.ttl).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "track status failed", err)
	}
	return nil
}

// UpdateStatus merges u into the record for id and refreshes its TTL. The
// read-modify-write runs under WATCH so concurrent updates never interleave.
func (t *RedisTracker) UpdateStatus(ctx context.Context, id string, u types.StatusUpdate) error {
	key := redisKey(id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotTracked
		}
		if err != nil {
			return err
		}
		var rec types.DeliveryStatus
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		if !rec.Status.CanTransitionTo(u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrStaleTransition, rec.Status, u.Status)
		}

		apply(&rec, u, t.clock.Now())
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, t.ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = t.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotTracked):
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification "+id+" is not tracked", ErrNotTracked)
	case errors.Is(err, ErrStaleTransition):
		return err
	default:
		return types.NewAppError(types.ErrCodeInternalCache, "update status failed", err)
	}
}

// GetStatus returns the record for id. Unknown and expired ids yield an
// error matching ErrNotTracked.
func (t *RedisTracker) GetStatus(ctx context.Context, id string) (*types.DeliveryStatus, error) {
	raw, err := t.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification "+id+" not found", ErrNotTracked)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "read status failed", err)
	}
	var rec types.DeliveryStatus
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt status record", err)
	}
	return &rec, nil
}

func apply(rec *types.DeliveryStatus, u types.StatusUpdate, now time.Time) {
	rec.Status = u.Status
	rec.UpdatedAt = now
	if u.Provider != "" {
		rec.Provider = u.Provider
	}
	if u.ProviderID != "" {
		rec.ProviderID = u.ProviderID
	}
	if u.Error != "" {
		rec.Error = u.Error
	} else if u.Status == types.StateSent || u.Status == types.StateDelivered {
		rec.Error = ""
	}
	if u.RetryCount != nil {
		rec.RetryCount = *u.RetryCount
	}
}
