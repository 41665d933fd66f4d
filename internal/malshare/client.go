// Package malshare implements the authenticated MalShare API client.
// It issues requests with retry and exponential backoff, and degrades to an
// absent payload once the attempt budget is exhausted.
package malshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/threatstash/threatstash/internal/constants"
	"github.com/threatstash/threatstash/internal/models"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("API key is required")

// Config holds the configuration for the MalShare API client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client issues authenticated requests against the MalShare API.
type Client struct {
	cfg  Config
	http *http.Client

	sleep func(time.Duration)
}

type options struct {
	transport http.RoundTripper
	sleep     func(time.Duration)
}

// Options represents an optional function to override Client default values.
type Options func(*options)

// New creates a new API client with the provided configuration.
//
// The API key is validated here so a missing credential fails before any
// network call is made.
func New(cfg Config, args ...Options) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultRequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = constants.DefaultRateLimitDelay
	}

	opts := options{
		sleep: time.Sleep,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout, Transport: opts.transport},
		sleep: opts.sleep,
	}, nil
}

// Backoff returns the wait duration before retrying after the given
// zero-based attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * (1 << attempt)
}

// Do issues an authenticated request for the given action and parameters.
//
// Rate-limited responses and transient failures are retried with exponential
// backoff up to the configured attempt budget. Exhausted retries yield an
// absent payload, never an error.
func (c *Client) Do(ctx context.Context, action string, params map[string]string) models.RawPayload {
	endpoint, err := c.endpoint(action, params)
	if err != nil {
		slog.Error("Invalid API endpoint", "action", action, "error", err)
		return models.RawPayload{}
	}

	for attempt := range c.cfg.MaxRetries {
		slog.Info("Making API request", "action", action, "attempt", attempt+1)

		payload, status, err := c.request(ctx, endpoint)
		if err == nil && status == http.StatusTooManyRequests {
			wait := Backoff(c.cfg.RetryDelay, attempt)
			slog.Warn("Rate limited, backing off", "action", action, "wait", wait)
			c.sleep(wait)
			continue
		}
		if err == nil && (status < 200 || status >= 300) {
			err = fmt.Errorf("unexpected status code: %d", status)
		}
		if err != nil {
			slog.Error("API request failed", "action", action, "attempt", attempt+1, "error", err)
			if attempt == c.cfg.MaxRetries-1 {
				slog.Error("All attempts failed", "action", action, "attempts", c.cfg.MaxRetries)
				return models.RawPayload{}
			}
			c.sleep(Backoff(c.cfg.RetryDelay, attempt))
			continue
		}

		return payload
	}

	return models.RawPayload{}
}

func (c *Client) endpoint(action string, params map[string]string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %s: %v", c.cfg.BaseURL, err)
	}
	u.Path = "/api.php"

	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("action", action)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// request performs a single attempt. A non-nil error covers network failures
// and unparsable bodies; status handling is left to the caller.
func (c *Client) request(ctx context.Context, endpoint string) (models.RawPayload, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.RawPayload{}, 0, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", constants.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.RawPayload{}, 0, fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.RawPayload{}, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.RawPayload{}, resp.StatusCode, fmt.Errorf("failed to read response body: %v", err)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var record map[string]any
		if err := json.Unmarshal(body, &record); err != nil {
			return models.RawPayload{}, resp.StatusCode, fmt.Errorf("failed to parse JSON response: %v", err)
		}
		return models.RecordPayload(record), resp.StatusCode, nil
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	return models.LinesPayload(lines), resp.StatusCode, nil
}
