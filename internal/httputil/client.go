// Package httputil provides the HTTP client abstraction used to reach the
// prediction service, a recording mock for tests and JSON helpers for both
// ends of the wire.
package httputil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts HTTP operations for testability.
// *http.Client satisfies it; tests use MockHTTPClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OrDefault returns c, or http.DefaultClient when c is nil.
func OrDefault(c HTTPClient) HTTPClient {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// Call is one request seen by a MockHTTPClient. Body holds the request
// body as sent, read before the caller could close it.
type Call struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// MockHTTPClient answers requests from a FIFO of canned replies, or from
// Handle when it is set. Once the queue is empty it answers 200 "{}".
type MockHTTPClient struct {
	// Handle, when non-nil, answers every request and bypasses the queue.
	Handle func(c Call) (*http.Response, error)

	mu    sync.Mutex
	calls []Call
	queue []reply
}

type reply struct {
	status int
	body   string
	err    error
}

// NewMockHTTPClient creates an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// Reply queues a response with a JSON content type.
func (m *MockHTTPClient) Reply(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, reply{status: status, body: body})
	return m
}

// ReplyJSON queues v encoded as JSON. It panics if v cannot be encoded.
func (m *MockHTTPClient) ReplyJSON(status int, v any) *MockHTTPClient {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return m.Reply(status, string(b))
}

// Fail queues a transport error.
func (m *MockHTTPClient) Fail(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, reply{err: err})
	return m
}

// Do records the request and produces the next reply.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c := Call{Method: req.Method, Path: req.URL.Path, Header: req.Header.Clone()}
	if req.Body != nil {
		c.Body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	m.calls = append(m.calls, c)
	handle := m.Handle
	var next *reply
	if handle == nil && len(m.queue) > 0 {
		next = &m.queue[0]
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()

	switch {
	case handle != nil:
		return handle(c)
	case next == nil:
		return NewResponse(http.StatusOK, "{}"), nil
	case next.err != nil:
		return nil, next.err
	default:
		return NewResponse(next.status, next.body), nil
	}
}

// Calls returns a copy of the requests seen so far, oldest first.
func (m *MockHTTPClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Reset forgets recorded calls and queued replies. Handle is kept.
func (m *MockHTTPClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.queue = nil
}

// NewResponse builds a JSON response for use in Handle functions.
func NewResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}
