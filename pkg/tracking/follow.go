// Package tracking re-locates individual services across successive board
// snapshots. A Follower finds a rail service by trying the stations it is
// most likely to be listed at; a Resolver turns a clicked TfL board row into
// a stop-by-stop itinerary.
package tracking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxCandidates bounds the stations tried by one follow.
	DefaultMaxCandidates = 10

	minHintTTL        = time.Hour
	hintTTLMultiplier = 6
)

// RailBoards is the rail client surface the Follower reads boards through.
type RailBoards interface {
	GetDetailedBoard(ctx context.Context, crs string, useCache bool) (*rail.BoardResult, error)
	BoardTTL() time.Duration
}

// FollowerConfig tunes a Follower.
type FollowerConfig struct {
	MaxCandidates int
	// HintTTL defaults to six board TTLs, and never less than an hour.
	HintTTL time.Duration
}

// Follower finds a rail service on the detailed boards of candidate
// stations and keeps tracking hints for it.
type Follower struct {
	boards        RailBoards
	store         cache.Store
	maxCandidates int
	hintTTL       time.Duration
	logger        zerolog.Logger
}

// NewFollower creates a Follower.
func NewFollower(boards RailBoards, store cache.Store, cfg FollowerConfig, logger zerolog.Logger) *Follower {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.HintTTL <= 0 {
		cfg.HintTTL = max(hintTTLMultiplier*boards.BoardTTL(), minHintTTL)
	}
	return &Follower{
		boards:        boards,
		store:         store,
		maxCandidates: cfg.MaxCandidates,
		hintTTL:       cfg.HintTTL,
		logger:        logger.With().Str("component", "Follower").Logger(),
	}
}

func candidatesKey(serviceID string) string { return "service_route_candidates:" + serviceID }
func lastSeenKey(serviceID string) string   { return "service_last_seen:" + serviceID }
func detailKey(crs, serviceID string) string {
	return "service_detail:" + crs + ":" + serviceID
}

// Follow looks for serviceID starting from crs. It returns false with a nil
// error when no candidate station lists the service any more. An error is
// returned only when every candidate fetch failed as unavailable.
func (f *Follower) Follow(ctx context.Context, crs, serviceID string, useCache bool) (*rail.ServiceDetails, bool, error) {
	crs = strings.ToUpper(strings.TrimSpace(crs))
	serviceID = strings.TrimSpace(serviceID)
	if crs == "" || serviceID == "" {
		return nil, false, nil
	}

	candidates := f.candidates(ctx, crs, serviceID)
	log := f.logger.With().Str("service_id", serviceID).Str("crs", crs).Logger()

	var (
		lastUnavailable error
		unavailable     int
	)
	for i, station := range candidates {
		result, err := f.boards.GetDetailedBoard(ctx, station, useCache)
		if err != nil {
			if errors.Is(err, upstream.ErrUnavailable) {
				lastUnavailable = err
				unavailable++
			}
			log.Debug().Err(err).Str("candidate", station).Msg("Candidate board unavailable.")
			continue
		}

		train, found := result.Board.FindService(serviceID)
		if !found && i == 0 && result.FromCache {
			// The cached board may predate the service entering the window.
			fresh, err := f.boards.GetDetailedBoard(ctx, station, false)
			if err == nil {
				result = fresh
				train, found = fresh.Board.FindService(serviceID)
			} else {
				log.Debug().Err(err).Str("candidate", station).Msg("Bypass refetch failed.")
			}
		}
		if !found {
			continue
		}

		f.refreshHints(ctx, result.Board.CRS, station, train)
		log.Debug().Str("found_at", station).Int("checked", i+1).Msg("Service located.")
		return rail.NewServiceDetails(result.Board, train), true, nil
	}

	if unavailable > 0 && unavailable == len(candidates) {
		return nil, false, lastUnavailable
	}
	log.Debug().Int("checked", len(candidates)).Msg("Service not found at any candidate.")
	return nil, false, nil
}

// FollowCached memoizes found services for one board TTL.
func (f *Follower) FollowCached(ctx context.Context, crs, serviceID string, useCache bool) (*rail.ServiceDetails, bool, error) {
	key := detailKey(strings.ToUpper(strings.TrimSpace(crs)), strings.TrimSpace(serviceID))
	if useCache {
		if details, ok := cache.GetJSON[rail.ServiceDetails](ctx, f.store, key); ok {
			return &details, true, nil
		}
	}
	details, found, err := f.Follow(ctx, crs, serviceID, useCache)
	if err != nil || !found {
		return details, found, err
	}
	cache.SetJSON(ctx, f.store, key, details, f.boards.BoardTTL())
	return details, true, nil
}

// candidates orders last-seen first, then the requested station, then the
// hinted calling points, without repeats and capped at maxCandidates.
func (f *Follower) candidates(ctx context.Context, crs, serviceID string) []string {
	var ordered stationList
	if last, ok := cache.GetJSON[string](ctx, f.store, lastSeenKey(serviceID)); ok {
		ordered.add(last)
	}
	ordered.add(crs)
	if hinted, ok := cache.GetJSON[[]string](ctx, f.store, candidatesKey(serviceID)); ok {
		for _, code := range hinted {
			ordered.add(code)
		}
	}
	if len(ordered.codes) > f.maxCandidates {
		return ordered.codes[:f.maxCandidates]
	}
	return ordered.codes
}

// refreshHints records the full calling pattern of train and the station it
// was just seen at.
func (f *Follower) refreshHints(ctx context.Context, boardCRS, station string, train rail.Train) {
	current := boardCRS
	if current == "" {
		current = station
	}
	var route stationList
	for _, list := range train.PreviousCallingPoints {
		for _, cp := range list.CallingPoint {
			route.add(cp.CRS)
		}
	}
	route.add(current)
	for _, list := range train.SubsequentCallingPoints {
		for _, cp := range list.CallingPoint {
			route.add(cp.CRS)
		}
	}

	cache.SetJSON(ctx, f.store, candidatesKey(train.ServiceID), route.codes, f.hintTTL)
	cache.SetJSON(ctx, f.store, lastSeenKey(train.ServiceID), station, f.hintTTL)
}

// Hints returns the cached candidate list and last-seen station of a service.
func (f *Follower) Hints(ctx context.Context, serviceID string) (candidates []string, lastSeen string) {
	candidates, _ = cache.GetJSON[[]string](ctx, f.store, candidatesKey(serviceID))
	lastSeen, _ = cache.GetJSON[string](ctx, f.store, lastSeenKey(serviceID))
	return candidates, lastSeen
}

// stationList is an insertion-ordered set of upper-cased CRS codes.
type stationList struct {
	codes []string
	seen  map[string]struct{}
}

func (l *stationList) add(code string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return
	}
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	if _, dup := l.seen[code]; dup {
		return
	}
	l.seen[code] = struct{}{}
	l.codes = append(l.codes, code)
}
