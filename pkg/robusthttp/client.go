package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LeveledSlog adapts an slog.Logger to the retryablehttp.LeveledLogger interface.
type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type config struct {
	maxRetries   int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	transport    http.RoundTripper
	publicOnly   bool
	checkRetry   retryablehttp.CheckRetry
}

type Option func(*config)

// WithMaxRetries sets the maximum number of retries for the HTTP client. Zero disables retries.
func WithMaxRetries(maxRetries int) Option {
	return func(c *config) {
		c.maxRetries = maxRetries
	}
}

// WithRetryWaitMin sets the minimum wait time between retries.
func WithRetryWaitMin(waitMin time.Duration) Option {
	return func(c *config) {
		c.retryWaitMin = waitMin
	}
}

// WithRetryWaitMax sets the maximum wait time between retries.
func WithRetryWaitMax(waitMax time.Duration) Option {
	return func(c *config) {
		c.retryWaitMax = waitMax
	}
}

// WithTimeout sets the overall per-request timeout, including any retries.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// WithLogger sets a custom logger for the HTTP client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTransport sets a custom transport for the HTTP client. It is still wrapped for tracing.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *config) {
		c.transport = transport
	}
}

// WithPublicOnly restricts outbound connections to public IP addresses on ports 80 and 443.
func WithPublicOnly() Option {
	return func(c *config) {
		c.publicOnly = true
	}
}

// WithRetryPolicy sets a custom retry policy for the HTTP client.
func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(c *config) {
		c.checkRetry = policy
	}
}

func defaultConfig() config {
	return config{
		maxRetries:   3,
		retryWaitMin: 1 * time.Second,
		retryWaitMax: 10 * time.Second,
		timeout:      30 * time.Second,
		logger:       slog.Default().With("subsystem", "RobustHTTPClient"),
		checkRetry:   DefaultRetryPolicy,
	}
}

func (c *config) baseTransport() http.RoundTripper {
	if c.transport != nil {
		return c.transport
	}
	if c.publicOnly {
		return PublicOnlyTransport()
	}
	return cleanhttp.DefaultPooledTransport()
}

// Generates an HTTP client with decent general-purpose defaults around
// timeouts and retries. The returned client has the stdlib http.Client
// interface, but has Hashicorp retryablehttp logic internally.
//
// This client will retry on connection errors, 5xx status (except 501).
// It will log intermediate failures with WARN level. This does not start from
// http.DefaultClient.
//
// Identity resolution (DNS-adjacent HTTP lookups, PLC directory) uses this
// client. OAuth protocol calls should use [NewDirectClient] instead.
func NewClient(options ...Option) *http.Client {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cfg.baseTransport())
	retryClient.RetryMax = cfg.maxRetries
	retryClient.RetryWaitMin = cfg.retryWaitMin
	retryClient.RetryWaitMax = cfg.retryWaitMax
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: cfg.logger})
	retryClient.CheckRetry = cfg.checkRetry

	client := retryClient.StandardClient()
	client.Timeout = cfg.timeout
	return client
}

// Generates an HTTP client which never retries, with a bounded timeout and
// tracing on the transport. Retry-related options are ignored.
//
// Used for OAuth discovery, token exchange, and profile enrichment, where a
// failed request should surface to the caller immediately.
func NewDirectClient(options ...Option) *http.Client {
	cfg := defaultConfig()
	cfg.timeout = 5 * time.Second
	for _, option := range options {
		option(&cfg)
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(cfg.baseTransport()),
		Timeout:   cfg.timeout,
		// redirects are never followed for protocol metadata or token requests
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// For use in local integration tests. Short timeouts, no retries, etc
func TestingHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 1 * time.Second,
	}
}

// DefaultRetryPolicy is a custom wrapper around retryablehttp.DefaultRetryPolicy.
// It treats `429 Too Many Requests` as non-retryable, so the application can decide
// how to deal with rate-limiting.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
