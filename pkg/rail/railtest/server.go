// Package railtest provides a fake National Rail board service for tests.
package railtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Server answers board requests per CRS code and counts them. Stations
// without a board answer 404.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	boards map[string]string
	failed map[string]int
	calls  map[string]int
	order  []string
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		boards: make(map[string]string),
		failed: make(map[string]int),
		calls:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetBoard sets the JSON board returned for crs on both board endpoints.
func (s *Server) SetBoard(crs, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards[strings.ToUpper(crs)] = body
}

// Fail makes requests for crs answer with status.
func (s *Server) Fail(crs string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[strings.ToUpper(crs)] = status
}

// Calls returns how many board requests crs received.
func (s *Server) Calls(crs string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(crs)]
}

// Order returns the CRS codes in the order they were requested.
func (s *Server) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	crs := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	s.mu.Lock()
	s.calls[crs]++
	s.order = append(s.order, crs)
	status, failing := s.failed[crs]
	body, ok := s.boards[crs]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case failing:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{}`))
	default:
		_, _ = w.Write([]byte(body))
	}
}
