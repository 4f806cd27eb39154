package tekmetric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/davefmurray/tm-fastapi-backend/internal/cache"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
)

const (
	defaultBaseURL = "https://shop.tekmetric.com"
	defaultShopTTL = time.Hour
	maxErrorBody   = 512
)

var (
	// ErrNotFound is an expected absence (e.g. detail of a transitional order).
	ErrNotFound = errors.New("tekmetric resource not found")
	// ErrUnauthorized indicates the auth token was rejected.
	ErrUnauthorized = errors.New("tekmetric unauthorized")
	// ErrUnreachable means no HTTP response could be obtained after retries.
	ErrUnreachable = errors.New("tekmetric unreachable")
)

// StatusError carries a non-2xx response that is neither 404 nor an auth failure.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tekmetric %s: status=%d body=%s", e.Endpoint, e.Status, e.Body)
}

// Transient reports whether the request is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client provides typed access to the shop-management API.
type Client struct {
	logger       *slog.Logger
	baseURL      string
	token        string
	http         *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryInitial time.Duration
	metrics      *metrics.Metrics
	cache        *cache.Redis
	shopTTL      time.Duration
}

// Config holds client configuration. Credentials are explicit; the client
// never reads ambient session state.
type Config struct {
	BaseURL           string
	AuthToken         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	RetryInitial      time.Duration
	ShopTTL           time.Duration
}

// New creates a new client. metrics and redis may be nil.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	initial := cfg.RetryInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	shopTTL := cfg.ShopTTL
	if shopTTL <= 0 {
		shopTTL = defaultShopTTL
	}
	return &Client{
		logger:       logger.With("component", "tekmetric"),
		baseURL:      base,
		token:        cfg.AuthToken,
		http:         &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, burst),
		maxRetries:   retries,
		retryInitial: initial,
		metrics:      metrics,
		cache:        redis,
		shopTTL:      shopTTL,
	}
}

// get performs a rate-limited GET with bounded exponential backoff on
// transient failures. endpoint is a low-cardinality label for metrics.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = 30 * time.Second

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(endpoint).Inc()
		}
		body, err := c.do(ctx, endpoint, path, query)
		if err == nil {
			return body, nil
		}
		if ctx.Err() == nil && isTransient(err) {
			c.logger.Debug("transient upstream error", "endpoint", endpoint, "attempt", attempt, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		var statusErr *StatusError
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnauthorized) &&
			!errors.As(err, &statusErr) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, endpoint, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tm-sync/upstream-client")
	if c.token != "" {
		req.Header.Set("x-auth-token", c.token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe(endpoint, "error", start)
		return nil, fmt.Errorf("tekmetric request: %w", err)
	}
	defer res.Body.Close()
	c.observe(endpoint, strconv.Itoa(res.StatusCode), start)

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.UpstreamLatency.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
}

func classifyHTTPError(endpoint string, status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, snippet)
	}
	return &StatusError{Endpoint: endpoint, Status: status, Body: snippet}
}

// isTransient treats 408, 429 and 5xx as retryable, along with transport
// failures that produced no response at all.
func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return true
}
