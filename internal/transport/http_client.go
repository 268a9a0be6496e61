package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// HTTPClient sends JSON requests to the remote record API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger

	mu    sync.RWMutex
	token string

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.RemoteConfig, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: 200 * time.Millisecond,
		logger:     logger.WithField("component", "http_client"),
	}
}

// BaseURL returns the API root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// SetToken sets the authentication token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// GetToken returns the current authentication token.
func (c *HTTPClient) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Do sends in as JSON and decodes a 2xx response into out. Either may be nil.
// Exhausted retries surface as models.ErrUnavailable; other non-2xx
// responses as *APIError.
func (c *HTTPClient) Do(ctx context.Context, method, path string, in, out interface{}) error {
	url := c.baseURL + path

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    url,
		"size":   len(body),
	}).Debug("Sending request")

	var (
		status   int
		respBody []byte
	)
	err := c.retry(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.GetToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		status = resp.StatusCode

		if c.isRetryable(status) {
			return fmt.Errorf("server error %d: %s", status, bytes.TrimSpace(respBody))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		return fmt.Errorf("%w: %s %s: %v", models.ErrUnavailable, method, path, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": status,
		"size":   len(respBody),
	}).Debug("Received response")

	if status < 200 || status > 299 {
		return newAPIError(status, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func permanent(err error) error {
	return &permanentError{err: err}
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		(status >= 500 && status < 600)
}

// isRetryableError checks if an error is retryable.
func (c *HTTPClient) isRetryableError(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
