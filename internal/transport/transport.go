package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// Transport combines request/response calls and the change feed.
type Transport interface {
	// Do sends a JSON request and decodes the JSON response into out.
	Do(ctx context.Context, method, path string, in, out interface{}) error

	// Subscribe opens a websocket at path and streams its messages.
	Subscribe(ctx context.Context, path string) (<-chan models.WSMessage, error)

	// Authentication
	SetToken(token string)
	GetToken() string

	// Lifecycle
	Close() error
}

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = status
	return apiErr
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	return StatusCode(err) == status
}

// DefaultTransport implements the Transport interface.
type DefaultTransport struct {
	httpClient *HTTPClient
	logger     *events.Logger

	mu      sync.Mutex
	clients []*WSClient
}

// NewTransport creates a transport instance.
func NewTransport(cfg *config.RemoteConfig, logger *events.Logger) *DefaultTransport {
	return &DefaultTransport{
		httpClient: NewHTTPClient(cfg, logger),
		logger:     logger,
	}
}

// Do forwards to the HTTP client.
func (t *DefaultTransport) Do(ctx context.Context, method, path string, in, out interface{}) error {
	return t.httpClient.Do(ctx, method, path, in, out)
}

// Subscribe connects a websocket client and streams its messages until the
// connection drops or ctx ends.
func (t *DefaultTransport) Subscribe(ctx context.Context, path string) (<-chan models.WSMessage, error) {
	ws := NewWSClient(t.httpClient.BaseURL()+path, t.httpClient.GetToken(), t.logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	t.mu.Lock()
	t.clients = append(t.clients, ws)
	t.mu.Unlock()

	go func() {
		for err := range ws.Errors() {
			t.logger.WithError(err).Warn("WebSocket error")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-ws.Done():
		}
	}()

	return ws.Messages(), nil
}

// BaseURL returns the server address requests are sent to.
func (t *DefaultTransport) BaseURL() string {
	return t.httpClient.BaseURL()
}

// SetToken sets the auth token.
func (t *DefaultTransport) SetToken(token string) {
	t.httpClient.SetToken(token)
}

// GetToken returns the current auth token.
func (t *DefaultTransport) GetToken() string {
	return t.httpClient.GetToken()
}

// Close closes all websocket connections.
func (t *DefaultTransport) Close() error {
	t.mu.Lock()
	clients := t.clients
	t.clients = nil
	t.mu.Unlock()

	var firstErr error
	for _, ws := range clients {
		if err := ws.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
