package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"courier/internal/types"

	"github.com/redis/go-redis/v9"
)

// DefaultTemplateCacheTTL is how long a fetched template is served from Redis.
const DefaultTemplateCacheTTL = time.Hour

const templateCachePrefix = "template:"

type templatePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Language string `json:"language"`
	Version  int    `json:"version"`
}

type renderRequest struct {
	Variables map[string]any `json:"variables"`
	Language  string         `json:"language,omitempty"`
}

type renderResponse struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateClientConfig configures a TemplateClient.
type TemplateClientConfig struct {
	BaseURL  string
	Cache    redis.Cmdable // optional
	CacheTTL time.Duration
	Logger   types.Logger
}

// TemplateClient fetches and renders templates through the template service.
type TemplateClient struct {
	base     *BaseClient
	baseURL  string
	cache    redis.Cmdable
	cacheTTL time.Duration
	logger   types.Logger
}

// NewTemplateClient creates a TemplateClient. The BaseClient should carry the
// template service breaker and ErrCodeUpstreamTemplateService.
func NewTemplateClient(base *BaseClient, cfg TemplateClientConfig) *TemplateClient {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultTemplateCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &TemplateClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		cache:    cfg.Cache,
		cacheTTL: ttl,
		logger:   logger,
	}
}

func templateCacheKey(code, language string) string {
	return templateCachePrefix + code + ":" + language
}

// GetTemplate returns the template identified by code in language.
func (c *TemplateClient) GetTemplate(ctx context.Context, code, language string) (*types.Template, error) {
	if language == "" {
		language = types.DefaultLanguage
	}
	key := templateCacheKey(code, language)
	if t, ok := c.cached(ctx, key); ok {
		return t, nil
	}

	reqURL := fmt.Sprintf("%s/api/v1/templates/%s?%s", c.baseURL, url.PathEscape(code),
		url.Values{"language": {language}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create template request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, code); err != nil {
		return nil, err
	}

	var env serviceEnvelope[templatePayload]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamTemplateService, "malformed template service response", err)
	}
	if !env.Success || env.Data.Body == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, fmt.Sprintf("template %s not found", code), nil)
	}

	t := &types.Template{
		Code:     code,
		Subject:  env.Data.Subject,
		Body:     env.Data.Body,
		Version:  env.Data.Version,
		Language: env.Data.Language,
	}
	c.store(ctx, key, t)
	return t, nil
}

// Render asks the template service to substitute vars into code.
func (c *TemplateClient) Render(ctx context.Context, code, language string, vars map[string]any) (types.RenderedContent, error) {
	body, err := json.Marshal(renderRequest{Variables: vars, Language: language})
	if err != nil {
		return types.RenderedContent{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal render request", err)
	}

	reqURL := fmt.Sprintf("%s/api/v1/templates/%s/render", c.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.RenderedContent{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create render request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return types.RenderedContent{}, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, code); err != nil {
		return types.RenderedContent{}, err
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RenderedContent{}, types.NewAppError(types.ErrCodeUpstreamTemplateService, "malformed render response", err)
	}
	return types.RenderedContent{Subject: out.Subject, Body: out.Body}, nil
}

func (c *TemplateClient) checkStatus(resp *http.Response, code string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundTemplate, fmt.Sprintf("template %s not found", code), nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return types.NewAppError(types.ErrCodeUpstreamTemplateService,
			fmt.Sprintf("template service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	return nil
}

func (c *TemplateClient) cached(ctx context.Context, key string) (*types.Template, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("template cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var t types.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false
	}
	return &t, true
}

func (c *TemplateClient) store(ctx context.Context, key string, t *types.Template) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.cacheTTL).Err(); err != nil {
		c.logger.Warn("template cache write failed", "key", key, "error", err)
	}
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Substitute replaces {{name}} placeholders in text with values from vars.
// Placeholders without a matching variable are left untouched.
func Substitute(text string, vars map[string]any) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok || v == nil {
			return m
		}
		return fmt.Sprint(v)
	})
}

// RenderLocal renders a template snapshot without calling the template
// service. Workers use it when Render fails.
func RenderLocal(snap *types.TemplateSnapshot, vars map[string]any) (types.RenderedContent, error) {
	if snap == nil || snap.Body == "" {
		return types.RenderedContent{}, types.NewAppError(types.ErrCodeNotFoundTemplate, "no template snapshot to render", nil)
	}
	return types.RenderedContent{
		Subject: Substitute(snap.Subject, vars),
		Body:    Substitute(snap.Body, vars),
	}, nil
}

var _ TemplateLookup = (*TemplateClient)(nil)
