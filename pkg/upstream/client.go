package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 16 << 20

// Config holds the settings for one upstream HTTP client.
type Config struct {
	// Source names the upstream in errors, logs and metrics.
	Source            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// NotFoundStatuses lists the response codes that mean the resource does
	// not exist. Every other non-2xx code is ErrUnavailable.
	NotFoundStatuses []int
}

// Client issues rate-limited GET requests and maps failures onto the error
// taxonomy. One Client is created per upstream and reused for the life of the
// process.
type Client struct {
	source    string
	timeout   time.Duration
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	notFound  map[int]bool
	logger    zerolog.Logger
}

// NewClient creates a Client. A zero RequestsPerSecond disables rate limiting.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	notFound := make(map[int]bool, len(cfg.NotFoundStatuses))
	for _, code := range cfg.NotFoundStatuses {
		notFound[code] = true
	}
	return &Client{
		source:    cfg.Source,
		timeout:   cfg.Timeout,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		notFound:  notFound,
		logger:    logger.With().Str("component", "UpstreamClient").Str("source", cfg.Source).Logger(),
	}
}

// Timeout is the bound on a single request.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Get fetches rawURL with the given query and headers and returns the body of
// a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.UpstreamRequests.WithLabelValues(c.source, "rate_limited").Inc()
		return nil, Unavailable(c.source, "request not sent", err)
	}

	target := rawURL
	if len(query) > 0 {
		target = rawURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", c.source, err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamDuration.WithLabelValues(c.source).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(c.source, "network_error").Inc()
		c.logger.Warn().Err(err).Str("url", rawURL).Msg("Upstream request failed.")
		return nil, Unavailable(c.source, "unable to reach upstream", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(c.source, "network_error").Inc()
		return nil, Unavailable(c.source, "reading upstream response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.UpstreamRequests.WithLabelValues(c.source, "ok").Inc()
		return body, nil
	}

	upErr := c.statusError(resp.StatusCode)
	metrics.UpstreamRequests.WithLabelValues(c.source, outcomeLabel(upErr)).Inc()
	c.logger.Debug().Int("status", resp.StatusCode).Str("url", rawURL).Msg("Upstream returned an error status.")
	return nil, upErr
}

// GetJSON fetches rawURL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, header http.Header, out any) error {
	body, err := c.Get(ctx, rawURL, query, header)
	if err != nil {
		return err
	}
	return c.Decode(body, out)
}

// Decode unmarshals an upstream body, reporting malformed JSON as ErrUnavailable.
func (c *Client) Decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return BadGateway(c.source, "upstream returned invalid JSON", err)
	}
	return nil
}

// Source returns the upstream name used in errors.
func (c *Client) Source() string {
	return c.source
}

// Close releases idle connections held by the reused HTTP client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) statusError(code int) *Error {
	var e *Error
	switch {
	case c.notFound[code]:
		e = NotFound(c.source, "resource was not found")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = Unavailable(c.source, "authentication failed", nil)
	case code >= 500:
		e = Unavailable(c.source, "temporarily unavailable", nil)
	default:
		e = BadGateway(c.source, "unexpected response", nil)
	}
	e.StatusCode = code
	return e
}

func outcomeLabel(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "unavailable"
}
