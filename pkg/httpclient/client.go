// Package httpclient provides the HTTP client used for all origin
// fetches: automatic retries, transparent decompression, optional
// last-response memoisation, and per-request statistics.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"compress/flate"
	"compress/gzip"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrMaxRetries = errors.New("max retries exceeded")
	ErrBadStatus  = errors.New("unexpected HTTP status")
)

// Default configuration values.
const (
	DefaultTimeout              = 3050 * time.Millisecond
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 500 * time.Millisecond
	DefaultRetryMaxDelay        = 2 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"

	// DefaultUserAgent is presented to origins on every fetch. Some
	// CDNs reject requests without a browser user agent.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_10_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/39.0.2171.95 Safari/537.36"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with the service defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Result is a fully-read HTTP response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FinalURL is the URL after redirects; when it differs from the
	// requested URL the caller may adopt it as the new origin.
	FinalURL string
}

// Client is a retrying HTTP GET client bound to one (session,
// request-name) pair for statistics attribution.
type Client struct {
	config      Config
	client      *http.Client
	logger      *slog.Logger
	stats       *Stats
	sessionID   string
	requestName string

	mu              sync.Mutex
	useLastResponse bool
	lastURL         string
	lastResult      *Result
}

// New creates a client recording into the process-wide stats registry.
func New(cfg Config, sessionID, requestName string) *Client {
	return NewWithStats(cfg, sessionID, requestName, DefaultStats)
}

// NewWithStats creates a client recording into the given registry.
// Tests inject a private registry here.
func NewWithStats(cfg Config, sessionID, requestName string, stats *Stats) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if stats == nil {
		stats = DefaultStats
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		baseClient = &http.Client{
			Timeout: cfg.Timeout,
		}
	}

	return &Client{
		config:      cfg,
		client:      baseClient,
		logger:      cfg.Logger,
		stats:       stats,
		sessionID:   sessionID,
		requestName: requestName,
	}
}

// UseLastResponse enables last-response memoisation: an identical
// consecutive GET returns the previously fetched body without touching
// the network. Used for AES key fetches, where the same key URI repeats
// for every segment.
func (c *Client) UseLastResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useLastResponse = true
}

// Get fetches a URL, retrying transient failures, and returns the full
// body. Non-2xx terminal statuses are errors.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	c.mu.Lock()
	if c.useLastResponse && url == c.lastURL && c.lastResult != nil {
		res := c.lastResult
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	start := time.Now()
	res, err := c.do(ctx, url)
	if err != nil {
		c.stats.AddFailure(c.sessionID, c.requestName, categorizeError(err))
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		c.stats.AddFailure(c.sessionID, c.requestName, fmt.Sprintf("StatusCode %d", res.StatusCode))
		return nil, fmt.Errorf("%w: %d fetching %s", ErrBadStatus, res.StatusCode, url)
	}

	c.stats.AddSuccess(c.sessionID, c.requestName, time.Since(start))

	c.mu.Lock()
	c.lastURL = url
	c.lastResult = res
	c.mu.Unlock()

	return res, nil
}

// do runs the retry loop. It returns the last response even when it
// carries a non-retryable error status; status policy is the caller's.
func (c *Client) do(ctx context.Context, url string) (*Result, error) {
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", url),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			// Exponential backoff
			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if c.config.UserAgent != "" {
			req.Header.Set(HeaderUserAgent, c.config.UserAgent)
		}
		if c.config.EnableDecompression {
			req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", url),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			// Don't retry on context errors
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.Warn("retryable status code",
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			resp.Body.Close()
			continue
		}

		body := c.wrapDecompression(resp)
		data, err := io.ReadAll(body)
		closeErr := body.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			lastErr = fmt.Errorf("reading response body: %w", err)
			continue
		}

		finalURL := url
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}

		c.logger.Debug("request completed",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
			slog.Int("bytes", len(data)),
		)

		return &Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
			FinalURL:   finalURL,
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	if !c.config.EnableDecompression {
		return resp.Body
	}

	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingDeflate:
		reader := flate.NewReader(resp.Body)
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingBrotli:
		reader := brotli.NewReader(resp.Body)
		return &decompressReader{reader: reader, closer: resp.Body}

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// isRetryableStatus returns true if the HTTP status code is retryable.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
