// Package tfltest provides a fake TfL unified API for tests.
package tfltest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// Response is a canned reply for one path.
type Response struct {
	Status int
	Body   string
}

// Server serves canned responses by URL path and records calls. Unknown
// paths answer 404.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	routes  map[string]Response
	calls   map[string]int
	queries map[string]url.Values
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		routes:  make(map[string]Response),
		calls:   make(map[string]int),
		queries: make(map[string]url.Values),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle sets the reply for path.
func (s *Server) Handle(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = Response{Status: status, Body: body}
}

// OK sets a 200 reply for path.
func (s *Server) OK(path, body string) {
	s.Handle(path, http.StatusOK, body)
}

// Calls returns how many requests path received.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// LastQuery returns the query string of the latest request to path.
func (s *Server) LastQuery(path string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[path]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[r.URL.Path]++
	s.queries[r.URL.Path] = r.URL.Query()
	resp, ok := s.routes[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		resp = Response{Status: http.StatusNotFound, Body: `{"message":"not found"}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}
