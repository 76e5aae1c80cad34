package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockHTTPHandler replays canned responses per method and path and records
// every request it receives. Unmatched requests get 404.
type MockHTTPHandler struct {
	mu        sync.Mutex
	responses map[string][]*MockResponse
	requests  []*MockRequest
}

// MockResponse is one canned response.
type MockResponse struct {
	Status int
	Body   any
	Header map[string]string
}

// MockRequest is one captured request.
type MockRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

func NewMockHTTPHandler() *MockHTTPHandler {
	return &MockHTTPHandler{responses: make(map[string][]*MockResponse)}
}

// ServeHTTP implements http.Handler. The last response queued for a key is
// repeated once the earlier ones are used up.
func (m *MockHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	m.requests = append(m.requests, &MockRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})

	key := r.Method + ":" + r.URL.Path
	responses := m.responses[key]
	if len(responses) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := responses[0]
	if len(responses) > 1 {
		m.responses[key] = responses[1:]
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse queues a JSON response for method and path.
func (m *MockHTTPHandler) AddResponse(method, path string, status int, body any) {
	m.AddResponseWithHeaders(method, path, status, body, nil)
}

// AddResponseWithHeaders queues a JSON response with extra headers.
func (m *MockHTTPHandler) AddResponseWithHeaders(method, path string, status int, body any, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + ":" + path
	m.responses[key] = append(m.responses[key], &MockResponse{Status: status, Body: body, Header: headers})
}

// Requests returns the captured requests in arrival order.
func (m *MockHTTPHandler) Requests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockRequest(nil), m.requests...)
}

// NewTestServer starts an httptest server for the handler, closed on cleanup.
func (m *MockHTTPHandler) NewTestServer(t interface{ Cleanup(func()) }) *httptest.Server {
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}
