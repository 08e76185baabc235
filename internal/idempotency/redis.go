// Package idempotency stores intake results under caller-supplied request IDs
// so that resubmissions return the first submission's response.
//
// A submission first claims its key with SET NX (a "processing" marker
// carrying a random token), does its work, then replaces the marker with the
// completed response. Concurrent submissions that lose the claim wait for the
// completed record instead of doing the work a second time.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/types"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:"

// DefaultTTL is how long a request ID is remembered.
const DefaultTTL = 24 * time.Hour

// DefaultClaimTTL bounds how long a processing marker outlives a submission
// that never completed or released it.
const DefaultClaimTTL = 30 * time.Second

var (
	// ErrNotFound is returned by GetResult when no record exists.
	ErrNotFound = errors.New("idempotency record not found")
	// ErrClaimLost is returned when a claim's marker was replaced or expired
	// before the owner completed or released it.
	ErrClaimLost = errors.New("idempotency claim no longer held")
	// ErrReleased is returned by Await when the owning submission gave up its
	// claim without storing a result.
	ErrReleased = errors.New("idempotency claim released without result")
)

// compareAndSet replaces KEYS[1] with ARGV[2] only while it still holds the
// caller's processing marker ARGV[1]. The replacement gets the full record
// TTL ARGV[3], not the claim lease.
var compareAndSet = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return false
`)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claim identifies a held processing marker.
type Claim struct {
	Key    string
	Token  string
	marker string
}

// RedisStore implements the idempotency store on Redis.
type RedisStore struct {
	client       redis.Cmdable
	ttl          time.Duration
	claimTTL     time.Duration
	pollInterval time.Duration
	clock        types.Clock
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPollInterval sets how often Await re-reads a processing record.
func WithPollInterval(d time.Duration) Option {
	return func(s *RedisStore) { s.pollInterval = d }
}

// WithClaimTTL sets the lease on processing markers. Once it lapses, a
// waiting or new submission may claim the key again.
func WithClaimTTL(d time.Duration) Option {
	return func(s *RedisStore) { s.claimTTL = d }
}

// WithClock overrides the clock used for record timestamps.
func WithClock(c types.Clock) Option {
	return func(s *RedisStore) { s.clock = c }
}

// NewRedisStore creates a store whose records expire after ttl.
func NewRedisStore(client redis.Cmdable, ttl time.Duration, opts ...Option) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{
		client:       client,
		ttl:          ttl,
		claimTTL:     DefaultClaimTTL,
		pollInterval: 50 * time.Millisecond,
		clock:        types.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.claimTTL <= 0 || s.claimTTL > s.ttl {
		s.claimTTL = min(DefaultClaimTTL, s.ttl)
	}
	return s
}

func redisKey(key string) string { return keyPrefix + key }

// IsDuplicate reports whether any record (processing or completed) exists.
func (s *RedisStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, cacheError("check idempotency key", err)
	}
	return n > 0, nil
}

// Claim atomically creates a processing marker for key, leased for the claim
// TTL. ok is false when a record already exists.
func (s *RedisStore) Claim(ctx context.Context, key string) (Claim, bool, error) {
	token := uuid.NewString()
	marker, err := json.Marshal(types.IdempotencyRecord{
		State:     types.IdempotencyProcessing,
		Token:     token,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return Claim{}, false, fmt.Errorf("marshal idempotency marker: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(key), marker, s.claimTTL).Result()
	if err != nil {
		return Claim{}, false, cacheError("claim idempotency key", err)
	}
	if !ok {
		return Claim{}, false, nil
	}
	return Claim{Key: key, Token: token, marker: string(marker)}, true, nil
}

// Complete stores response under a held claim. Once completed a record is
// never overwritten.
func (s *RedisStore) Complete(ctx context.Context, c Claim, response any) error {
	value, err := s.completedRecord(response)
	if err != nil {
		return err
	}
	err = compareAndSet.Run(ctx, s.client, []string{redisKey(c.Key)}, c.marker, value, s.ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		return ErrClaimLost
	}
	if err != nil {
		return cacheError("complete idempotency key", err)
	}
	return nil
}

// Release deletes a held claim so the request ID can be submitted again.
// Releasing a claim that is no longer held is a no-op.
func (s *RedisStore) Release(ctx context.Context, c Claim) error {
	if err := compareAndDelete.Run(ctx, s.client, []string{redisKey(c.Key)}, c.marker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return cacheError("release idempotency key", err)
	}
	return nil
}

// StoreResult writes a completed record for key unless one already exists.
// stored is false when the key was taken.
func (s *RedisStore) StoreResult(ctx context.Context, key string, response any, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	value, err := s.completedRecord(response)
	if err != nil {
		return false, err
	}
	stored, err := s.client.SetNX(ctx, redisKey(key), value, ttl).Result()
	if err != nil {
		return false, cacheError("store idempotency result", err)
	}
	return stored, nil
}

// GetResult returns the record stored under key.
func (s *RedisStore) GetResult(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cacheError("read idempotency key", err)
	}
	var rec types.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt idempotency record", err)
	}
	return &rec, nil
}

// Await blocks until the record under key is completed and returns its
// response. It returns ErrReleased if the record disappears, either released
// or because its claim lease lapsed, and the context's error if ctx ends
// first.
func (s *RedisStore) Await(ctx context.Context, key string) (json.RawMessage, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := s.GetResult(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrReleased
		case err != nil:
			return nil, err
		case rec.State == types.IdempotencyCompleted:
			return rec.Response, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) completedRecord(response any) (string, error) {
	resp, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency response: %w", err)
	}
	value, err := json.Marshal(types.IdempotencyRecord{
		State:     types.IdempotencyCompleted,
		Response:  resp,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency record: %w", err)
	}
	return string(value), nil
}

func cacheError(op string, err error) error {
	return types.NewAppError(types.ErrCodeInternalCache, op+" failed", err)
}
