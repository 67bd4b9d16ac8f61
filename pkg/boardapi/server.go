// Package boardapi serves the live board JSON API: rail and TfL boards, the
// followed-service and click-through views, station search and cache
// administration.
package boardapi

import (
	"context"
	"net/http"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/microservice"
	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/rs/zerolog"
)

// RailBoards is the rail board source.
type RailBoards interface {
	GetBoard(ctx context.Context, crs string, useCache bool) (*rail.BoardResult, error)
	ClearCache(ctx context.Context, crs string)
}

// TflBoards is the TfL board and stop search source.
type TflBoards interface {
	GetBoard(ctx context.Context, stopPointID string, useCache bool) (*tfl.BoardResult, error)
	SearchStopPoints(ctx context.Context, query string, maxResults int) ([]tfl.SearchResult, error)
}

// RailFollower locates a rail service across stations.
type RailFollower interface {
	FollowCached(ctx context.Context, crs, serviceID string, useCache bool) (*rail.ServiceDetails, bool, error)
}

// TflResolver resolves a clicked TfL board row.
type TflResolver interface {
	ServiceDetailCached(ctx context.Context, q tfl.ServiceQuery, useCache bool) (*tfl.ServiceDetail, error)
}

// Prefetcher schedules background cache warming.
type Prefetcher interface {
	ScheduleRailService(crs, serviceID string)
	ScheduleTflService(q tfl.ServiceQuery)
	ScheduleSearchResults(results []tfl.SearchResult)
}

// Dependencies are the collaborators behind the API. Prefetch may be nil.
type Dependencies struct {
	Rail     RailBoards
	Tfl      TflBoards
	Follower RailFollower
	Resolver TflResolver
	Prefetch Prefetcher
	Cache    cache.Store
}

// Config describes the deployment for the health report.
type Config struct {
	HTTPPort          string
	CacheBackend      string
	CacheTTL          time.Duration
	RailKeyConfigured bool
	TflKeyConfigured  bool
	SearchLimit       int
}

// Server is the board API on top of a microservice.BaseServer.
type Server struct {
	*microservice.BaseServer
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger
}

// NewServer creates a Server with every route registered.
func NewServer(cfg Config, deps Dependencies, logger zerolog.Logger) *Server {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	s := &Server{
		BaseServer: microservice.NewBaseServer(logger, cfg.HTTPPort),
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With().Str("component", "BoardAPI").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /api/health", s.handleHealth)
	s.handle("GET /api/cache/size", s.handleCacheSize)

	s.handle("GET /api/boards/nr/{crs}", s.handleRailBoard)
	s.handle("GET /api/boards/nr/{crs}/{view}", s.handleRailView)
	s.handle("GET /api/boards/{crs}", s.handleRailBoard)
	s.handle("GET /api/boards/{crs}/{view}", s.handleRailView)
	s.handle("DELETE /api/boards/{crs}/cache", s.handleClearStation)
	s.handle("DELETE /api/boards/cache/all", s.handleClearAll)

	s.handle("GET /api/boards/tfl/{id}", s.handleTflBoard)
	s.handle("GET /api/boards/tfl/{id}/{view}", s.handleTflView)

	s.handle("GET /api/services/nr/{crs}/{serviceID}", s.handleRailService)
	s.handle("GET /api/services/tfl/{line}/{from}/{to}", s.handleTflService)

	s.handle("GET /api/stations/search", s.handleSearch)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.Handle(pattern, h)
}
