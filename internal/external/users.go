package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/types"

	"github.com/redis/go-redis/v9"
)

// DefaultUserCacheTTL is how long a resolved user is served from Redis.
const DefaultUserCacheTTL = time.Hour

const userCachePrefix = "user:"

// serviceEnvelope is the response wrapper shared by the user and template
// services.
type serviceEnvelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type userPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	PushToken   string `json:"push_token"`
	PhoneNumber string `json:"phone_number"`
	Preferences *struct {
		Email *bool `json:"email"`
		Push  *bool `json:"push"`
		SMS   *bool `json:"sms"`
	} `json:"preferences"`
}

func (p userPayload) toUser() *types.User {
	u := &types.User{
		ID:          p.ID,
		Name:        p.Name,
		Email:       p.Email,
		PushToken:   p.PushToken,
		Phone:       p.PhoneNumber,
		Preferences: map[types.NotificationType]bool{},
	}
	if p.Preferences != nil {
		set := func(t types.NotificationType, v *bool) {
			if v != nil {
				u.Preferences[t] = *v
			}
		}
		set(types.NotificationEmail, p.Preferences.Email)
		set(types.NotificationPush, p.Preferences.Push)
		set(types.NotificationSMS, p.Preferences.SMS)
	}
	return u
}

// UserClientConfig configures a UserClient.
type UserClientConfig struct {
	BaseURL  string
	Cache    redis.Cmdable // optional
	CacheTTL time.Duration
	Logger   types.Logger
}

// UserClient resolves users from the user service, reading through a Redis
// cache keyed by user:{id}.
type UserClient struct {
	base     *BaseClient
	baseURL  string
	cache    redis.Cmdable
	cacheTTL time.Duration
	logger   types.Logger
}

// NewUserClient creates a UserClient. The BaseClient should carry the user
// service breaker and ErrCodeUpstreamUserService.
func NewUserClient(base *BaseClient, cfg UserClientConfig) *UserClient {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &UserClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		cache:    cfg.Cache,
		cacheTTL: ttl,
		logger:   logger,
	}
}

// GetUser returns the user identified by userID.
func (c *UserClient) GetUser(ctx context.Context, userID string) (*types.User, error) {
	if u, ok := c.cached(ctx, userID); ok {
		return u, nil
	}

	reqURL := c.baseURL + "/api/v1/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create user request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %s not found", userID), nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, types.NewAppError(types.ErrCodeUpstreamUserService,
			fmt.Sprintf("user service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var env serviceEnvelope[userPayload]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUserService, "malformed user service response", err)
	}
	if !env.Success || env.Data.ID == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %s not found", userID), nil)
	}

	u := env.Data.toUser()
	c.store(ctx, userID, u)
	return u, nil
}

func (c *UserClient) cached(ctx context.Context, userID string) (*types.User, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, userCachePrefix+userID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("user cache read failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	var u types.User
	if err := json.Unmarshal(raw, &u); err != nil {
		c.logger.Warn("discarding corrupt user cache entry", "user_id", userID, "error", err)
		return nil, false
	}
	return &u, true
}

func (c *UserClient) store(ctx context.Context, userID string, u *types.User) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, userCachePrefix+userID, raw, c.cacheTTL).Err(); err != nil {
		c.logger.Warn("user cache write failed", "user_id", userID, "error", err)
	}
}

var _ UserLookup = (*UserClient)(nil)
