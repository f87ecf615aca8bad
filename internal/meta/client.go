// Package meta is the client for the Graph API that backs every provider
// resource: account discovery, insights windows, recent posts, audience
// breakdowns and ads highlights.
package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/httpretry"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/pkg/ttlcache"
	"github.com/ignite/social-metrics/internal/telemetry"
)

const defaultMaxPages = 50

// Client is a Graph API client
type Client struct {
	baseURL    string
	token      string
	appSecret  string
	timeout    time.Duration
	httpClient httpretry.HTTPDoer
	limiter    *rate.Limiter
	maxPages   int

	pageTokens *ttlcache.Cache[string, string]
	posts      *ttlcache.Cache[string, json.RawMessage]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the retrying transport.
func WithHTTPClient(doer httpretry.HTTPDoer) Option {
	return func(c *Client) { c.httpClient = doer }
}

// WithLimiter replaces the per-app request limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithPostsCache injects the recent posts cache.
func WithPostsCache(cache *ttlcache.Cache[string, json.RawMessage]) Option {
	return func(c *Client) { c.posts = cache }
}

// WithPageTokenCache injects the page access token cache.
func WithPageTokenCache(cache *ttlcache.Cache[string, string]) Option {
	return func(c *Client) { c.pageTokens = cache }
}

// WithMaxPages caps how many pages Paginate follows.
func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// NewClient creates a new Graph API client
func NewClient(cfg config.MetaConfig, opts ...Option) *Client {
	policy := httpretry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.GraphVersion,
		token:     cfg.Token,
		appSecret: cfg.AppSecret,
		timeout:   cfg.Timeout(),
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, policy, httpretry.WithRetryHook(func(_ int, reason string) {
			telemetry.ProviderRetries.WithLabelValues(reason).Inc()
		})),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		maxPages:   defaultMaxPages,
		pageTokens: ttlcache.New[string, string](0),
		posts:      ttlcache.New[string, json.RawMessage](30 * time.Minute),
	}
	if cfg.RatePerSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppSecretProof is the hex HMAC-SHA256 of token keyed by the app secret.
func AppSecretProof(token, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Request issues a GET against path and returns the raw JSON body. An empty
// token uses the system user token. Non-2xx responses become
// *domain.ProviderError; exhausted timeouts are reported with status 504.
func (c *Client) Request(ctx context.Context, path string, params url.Values, token string) (json.RawMessage, error) {
	if token == "" {
		token = c.token
	}
	if token == "" {
		return nil, &domain.ConfigError{Field: "META_SYSTEM_USER_TOKEN", Reason: "provider token is not configured"}
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	if c.appSecret != "" {
		query.Set("appsecret_proof", AppSecretProof(token, c.appSecret))
	}
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("meta %s: rate limit wait: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	telemetry.ProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.transportError(ctx, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.ProviderRequests.WithLabelValues("http_error").Inc()
		perr := parseProviderError(resp.StatusCode, body)
		logger.Error("meta api error", "path", path, "status", perr.Status, "type", perr.Type, "error", perr.Message)
		return nil, perr
	}
	telemetry.ProviderRequests.WithLabelValues("ok").Inc()
	return body, nil
}

// get issues Request and decodes the body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, token string, out interface{}) error {
	body, err := c.Request(ctx, path, params, token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("meta %s: %w", path, ctx.Err())
	}
	if httpretry.IsTimeout(err) {
		telemetry.ProviderRequests.WithLabelValues("timeout").Inc()
		logger.Error("meta request timeout", "path", path, "timeout", c.timeout)
		return &domain.ProviderError{
			Status:  http.StatusGatewayTimeout,
			Type:    domain.ProviderErrTimeout,
			Message: fmt.Sprintf("request timeout after %s", c.timeout),
		}
	}
	telemetry.ProviderRequests.WithLabelValues("transport_error").Inc()
	logger.Error("meta request failed", "path", path, "error", err)
	return &domain.ProviderError{
		Status:  http.StatusInternalServerError,
		Type:    domain.ProviderErrTransport,
		Message: fmt.Sprintf("request failed: %v", err),
	}
}

type graphError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func parseProviderError(status int, body []byte) *domain.ProviderError {
	perr := &domain.ProviderError{Status: status, Body: string(body)}
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error != nil {
		perr.Message = ge.Error.Message
		perr.Type = ge.Error.Type
		perr.Code = ge.Error.Code
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	if perr.Message == "" {
		perr.Message = "graph api request failed"
	}
	return perr
}
