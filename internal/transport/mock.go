package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/TheMichaelB/recsync/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Responses by "METHOD path"; values are JSON-encoded into out.
	Responses map[string]interface{}
	// Errors by "METHOD path".
	Errors map[string]error

	WSMessages []models.WSMessage

	// Request tracking
	Requests      []Request
	Subscriptions []string

	token  string
	closed bool
}

// Request tracks one Do call.
type Request struct {
	Method string
	Path   string
	Body   interface{}
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]error),
	}
}

// On registers the response for method and path.
func (m *MockTransport) On(method, path string, resp interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[method+" "+path] = resp
}

// Fail registers an error for method and path.
func (m *MockTransport) Fail(method, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method+" "+path] = err
}

// Do mocks a JSON request.
func (m *MockTransport) Do(ctx context.Context, method, path string, in, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, Request{Method: method, Path: path, Body: in})

	key := method + " " + path
	if err, ok := m.Errors[key]; ok {
		return err
	}

	resp, ok := m.Responses[key]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("no mock response for %s", key)}
	}
	if out == nil || resp == nil {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Subscribe replays WSMessages and closes the channel.
func (m *MockTransport) Subscribe(ctx context.Context, path string) (<-chan models.WSMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.Errors["WS "+path]; ok {
		return nil, err
	}
	m.Subscriptions = append(m.Subscriptions, path)

	ch := make(chan models.WSMessage, len(m.WSMessages))
	for _, msg := range m.WSMessages {
		ch <- msg
	}
	close(ch)
	return ch, nil
}

// SetToken sets the token.
func (m *MockTransport) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// GetToken returns the token.
func (m *MockTransport) GetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Close marks the mock closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Transport = (*MockTransport)(nil)
var _ Transport = (*DefaultTransport)(nil)
