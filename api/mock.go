package api

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// MockResponse scripts one HTTP exchange for MockHTTPClient.
type MockResponse struct {
	StatusCode int
	Body       string
	Header     http.Header
	Err        error
}

// MockHTTPClient is a scriptable HTTP client for tests. Responses are
// consumed in order; the last one repeats once the script runs out.
// Safe for concurrent use.
type MockHTTPClient struct {
	mu        sync.Mutex
	requests  []*http.Request
	Responses []MockResponse
	// Handler, when set, takes precedence over Responses.
	Handler func(req *http.Request) (*http.Response, error)
}

// NewMockHTTPClient creates a mock that replays the given responses.
func NewMockHTTPClient(responses ...MockResponse) *MockHTTPClient {
	return &MockHTTPClient{Responses: responses}
}

// Do implements HTTPClient.
func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	handler := c.Handler
	var scripted MockResponse
	if len(c.Responses) > 0 {
		idx := n - 1
		if idx >= len(c.Responses) {
			idx = len(c.Responses) - 1
		}
		scripted = c.Responses[idx]
	} else {
		scripted = MockResponse{StatusCode: http.StatusOK, Body: `{"success":true,"data":{}}`}
	}
	c.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	if scripted.Err != nil {
		return nil, scripted.Err
	}
	header := scripted.Header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: scripted.StatusCode,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(scripted.Body)),
	}, nil
}

// Calls reports how many requests the mock has served.
func (c *MockHTTPClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Request returns the i-th recorded request, or nil when out of range.
func (c *MockHTTPClient) Request(i int) *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.requests) {
		return nil
	}
	return c.requests[i]
}

var _ HTTPClient = (*MockHTTPClient)(nil)
