package schedule

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/pkg/logger"
)

// maxBodyBytes caps how much of a provider response is read
const maxBodyBytes = 16 << 20

// ClientConfig configures the schedule provider client
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Day               int
	Timeout           time.Duration // per attempt
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerSecond float64 // 0 disables the outbound limiter
}

// Client fetches arrivals from the FlightAPI.io schedule endpoint
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	day          int
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
	logger       *logger.Logger
}

// NewClient creates a new schedule client
func NewClient(cfg ClientConfig, logger *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	day := cfg.Day
	if day == 0 {
		day = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		day:          day,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		limiter:      limiter,
		now:          time.Now,
		logger:       logger.Named("schedule-client"),
	}
}

// Fetch returns the arrivals dataset for the airport. Invalid codes fail
// before any network call. Network errors, 429 and 5xx are retried with
// exponential backoff; other 4xx responses are not.
func (c *Client) Fetch(ctx context.Context, code airports.Code) (*Dataset, error) {
	if !code.Valid() {
		return nil, qaerrors.NewInvalidAirport(string(code))
	}

	requestURL := c.scheduleURL(code)
	attempts := c.maxRetries + 1
	retryDelay := c.retryBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, qaerrors.NewProviderUnavailable(fmt.Errorf("failed to wait for rate limiter: %w", err), attempt-1)
			}
		}

		start := time.Now()
		body, status, err := c.doRequest(ctx, requestURL)

		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusOK:
			dataset, perr := parseArrivals(body, code, c.now())
			if perr != nil {
				c.logger.Error("Failed to parse schedule payload",
					logger.String("airport", string(code)),
					logger.Int("bytes", len(body)),
					logger.Error(perr))
				return nil, qaerrors.Wrap(qaerrors.KindProviderUnavailable, perr, "schedule provider returned a malformed payload")
			}

			c.logger.Debug("Fetched schedule",
				logger.String("airport", string(code)),
				logger.Int("records", len(dataset.Records)),
				logger.Int("dropped", dataset.Dropped),
				logger.Int("attempt", attempt),
				logger.Duration("duration", time.Since(start)))

			if dataset.Dropped > 0 {
				c.logger.Warn("Dropped incomplete schedule rows",
					logger.String("airport", string(code)),
					logger.Int("dropped", dataset.Dropped))
			}
			return dataset, nil
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("unexpected status code: %d", status)
		default:
			c.logger.Warn("Schedule provider rejected request",
				logger.String("airport", string(code)),
				logger.Int("status_code", status))
			return nil, qaerrors.NewProviderRejected(status)
		}

		if ctx.Err() != nil {
			return nil, qaerrors.NewProviderUnavailable(ctx.Err(), attempt)
		}

		if attempt == attempts {
			break
		}

		c.logger.Warn("Retrying schedule request",
			logger.String("airport", string(code)),
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", attempts),
			logger.Error(lastErr))

		select {
		case <-ctx.Done():
			return nil, qaerrors.NewProviderUnavailable(ctx.Err(), attempt)
		case <-time.After(retryDelay):
			retryDelay *= 2
		}
	}

	c.logger.Error("Schedule provider unavailable",
		logger.String("airport", string(code)),
		logger.Int("attempts", attempts),
		logger.Error(lastErr))

	return nil, qaerrors.NewProviderUnavailable(lastErr, attempts)
}

// doRequest performs one GET and returns the body for 200 responses
func (c *Client) doRequest(ctx context.Context, requestURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "flightqa/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, resp.StatusCode, nil
}

// scheduleURL builds the arrivals URL; the API key is a path segment
func (c *Client) scheduleURL(code airports.Code) string {
	q := url.Values{}
	q.Set("mode", "arrivals")
	q.Set("day", strconv.Itoa(c.day))
	q.Set("iata", string(code))
	return fmt.Sprintf("%s/schedule/%s?%s", c.baseURL, url.PathEscape(c.apiKey), q.Encode())
}
