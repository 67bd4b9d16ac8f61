package boardapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-liveboard/pkg/prefetch"
	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
)

const maxSearchQuery = 100

// Response is the envelope of every board and service response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Cached  bool   `json:"cached"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := upstream.HTTPStatus(err)
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
	}
	log := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Msg("Request failed upstream.")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "An unexpected error occurred"
	}
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func useCache(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("use_cache")
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: use_cache must be a boolean", errBadRequest)
	}
	return v, nil
}

func validView(view string, allowed ...string) bool {
	for _, v := range allowed {
		if view == v {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.CheckAll(r.Context())
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"api_key_configured": s.cfg.RailKeyConfigured,
		"tfl_key_configured": s.cfg.TflKeyConfigured,
		"cache_backend":      s.cfg.CacheBackend,
		"cache_ttl":          int(s.cfg.CacheTTL.Seconds()),
		"checks":             checks,
	})
}

func (s *Server) handleCacheSize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"entries": s.deps.Cache.Size(r.Context()),
			"backend": s.cfg.CacheBackend,
		},
	})
}

func (s *Server) handleRailBoard(w http.ResponseWriter, r *http.Request) {
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Rail.GetBoard(r.Context(), r.PathValue("crs"), allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !result.FromCache && s.deps.Prefetch != nil {
		crs := result.Board.CRS
		if crs == "" {
			crs = r.PathValue("crs")
		}
		for _, train := range result.Board.Trains {
			s.deps.Prefetch.ScheduleRailService(crs, train.ServiceID)
		}
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: result.Board, Cached: result.FromCache})
}

func (s *Server) handleRailView(w http.ResponseWriter, r *http.Request) {
	view := r.PathValue("view")
	if !validView(view, "departures", "arrivals", "passing") {
		http.NotFound(w, r)
		return
	}
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Rail.GetBoard(r.Context(), r.PathValue("crs"), allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trains := result.Board.View(view)
	if trains == nil {
		trains = []rail.Train{}
	}
	writeJSON(w, http.StatusOK, trains)
}

func (s *Server) handleClearStation(w http.ResponseWriter, r *http.Request) {
	crs := strings.ToUpper(strings.TrimSpace(r.PathValue("crs")))
	s.deps.Rail.ClearCache(r.Context(), crs)
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Cache cleared for station " + crs})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	size := s.deps.Cache.Size(r.Context())
	s.deps.Cache.Clear(r.Context())
	s.logger.Info().Int("entries", size).Msg("Cache cleared.")
	writeJSON(w, http.StatusOK, Response{Success: true, Message: fmt.Sprintf("Cleared %d cached entries", size)})
}

func (s *Server) handleTflBoard(w http.ResponseWriter, r *http.Request) {
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Tfl.GetBoard(r.Context(), r.PathValue("id"), allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !result.FromCache && s.deps.Prefetch != nil {
		for _, p := range result.Board.Trains {
			s.deps.Prefetch.ScheduleTflService(prefetch.QueryForPrediction(p))
		}
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: result.Board, Cached: result.FromCache})
}

func (s *Server) handleTflView(w http.ResponseWriter, r *http.Request) {
	view := r.PathValue("view")
	if view == "passing" {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Error: "Passing view is not available for TfL boards."})
		return
	}
	if !validView(view, "departures", "arrivals", "status") {
		http.NotFound(w, r)
		return
	}
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Tfl.GetBoard(r.Context(), r.PathValue("id"), allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if view == "status" {
		statuses := result.Board.LineStatus
		if statuses == nil {
			statuses = []tfl.LineStatusSummary{}
		}
		writeJSON(w, http.StatusOK, statuses)
		return
	}
	predictions := tfl.PredictionsForView(result.Board.Trains, view)
	if predictions == nil {
		predictions = []tfl.Prediction{}
	}
	writeJSON(w, http.StatusOK, predictions)
}

func (s *Server) handleRailService(w http.ResponseWriter, r *http.Request) {
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	crs := strings.ToUpper(strings.TrimSpace(r.PathValue("crs")))
	details, found, err := s.deps.Follower.FollowCached(r.Context(), crs, r.PathValue("serviceID"), allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Error: "Service not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: details})
}

func (s *Server) handleTflService(w http.ResponseWriter, r *http.Request) {
	allowCache, err := useCache(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	q := tfl.ServiceQuery{
		LineID:          r.PathValue("line"),
		FromStopID:      r.PathValue("from"),
		ToStopID:        r.PathValue("to"),
		Direction:       query.Get("direction"),
		TripID:          query.Get("trip_id"),
		VehicleID:       query.Get("vehicle_id"),
		ExpectedArrival: query.Get("expected_arrival"),
		StationName:     query.Get("station_name"),
		DestinationName: query.Get("destination_name"),
	}
	detail, err := s.deps.Resolver.ServiceDetailCached(r.Context(), q, allowCache)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: detail})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) > maxSearchQuery {
		s.writeError(w, r, fmt.Errorf("%w: query is too long", errBadRequest))
		return
	}
	if q == "" {
		writeJSON(w, http.StatusOK, Response{Success: true, Data: []tfl.SearchResult{}})
		return
	}

	results := make([]tfl.SearchResult, 0, s.cfg.SearchLimit)
	if code, ok := crsQuery(q); ok {
		results = append(results, tfl.SearchResult{
			Provider: "nr",
			Name:     code,
			Code:     code,
			Badge:    "National Rail",
			URL:      "/board/" + code + "/departures",
		})
	}
	if remaining := s.cfg.SearchLimit - len(results); remaining > 0 {
		stops, err := s.deps.Tfl.SearchStopPoints(r.Context(), q, remaining)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("query", q).Msg("TfL stop search failed, returning rail results only.")
		}
		results = append(results, stops...)
	}

	if s.deps.Prefetch != nil {
		s.deps.Prefetch.ScheduleSearchResults(results)
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: results})
}

// crsQuery reports whether q looks like a rail station code.
func crsQuery(q string) (string, bool) {
	if len(q) != 3 {
		return "", false
	}
	for _, r := range q {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return "", false
		}
	}
	return strings.ToUpper(q), true
}
