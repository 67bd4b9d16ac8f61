package prefetch

import (
	"context"
	"strings"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/tracking"
)

// RailBoards fetches rail boards.
type RailBoards interface {
	GetBoard(ctx context.Context, crs string, useCache bool) (*rail.BoardResult, error)
}

// RailFollower locates rail services.
type RailFollower interface {
	FollowCached(ctx context.Context, crs, serviceID string, useCache bool) (*rail.ServiceDetails, bool, error)
}

// TflBoards fetches TfL boards.
type TflBoards interface {
	GetBoard(ctx context.Context, stopPointID string, useCache bool) (*tfl.BoardResult, error)
}

// TflResolver resolves clicked TfL rows.
type TflResolver interface {
	ServiceDetailCached(ctx context.Context, q tfl.ServiceQuery, useCache bool) (*tfl.ServiceDetail, error)
}

// Dependencies are the fetch paths prefetch jobs warm. Any may be nil, in
// which case jobs of that kind are not scheduled.
type Dependencies struct {
	RailBoards RailBoards
	Follower   RailFollower
	TflBoards  TflBoards
	Resolver   TflResolver
}

// ScheduleRailService warms the followed details of one rail service.
func (c *Coordinator) ScheduleRailService(crs, serviceID string) {
	crs = strings.ToUpper(strings.TrimSpace(crs))
	serviceID = strings.TrimSpace(serviceID)
	if c.deps.Follower == nil || crs == "" || serviceID == "" {
		return
	}
	c.schedule(KindRailService+":"+crs+":"+serviceID, KindRailService, func(ctx context.Context) error {
		_, _, err := c.deps.Follower.FollowCached(ctx, crs, serviceID, true)
		return err
	})
}

// ScheduleRailBoard warms a rail board and then every service listed on it.
// Only three-letter alphabetic codes are accepted.
func (c *Coordinator) ScheduleRailBoard(crs string) {
	crs = strings.ToUpper(strings.TrimSpace(crs))
	if c.deps.RailBoards == nil || !isCRS(crs) {
		return
	}
	c.schedule(KindRailBoard+":"+crs, KindRailBoard, func(ctx context.Context) error {
		result, err := c.deps.RailBoards.GetBoard(ctx, crs, true)
		if err != nil {
			return err
		}
		boardCRS := strings.ToUpper(strings.TrimSpace(result.Board.CRS))
		if boardCRS == "" {
			boardCRS = crs
		}
		for _, train := range result.Board.Trains {
			c.ScheduleRailService(boardCRS, train.ServiceID)
		}
		return nil
	})
}

// ScheduleTflBoard warms a TfL board and then the itinerary behind each of
// its predictions.
func (c *Coordinator) ScheduleTflBoard(stopPointID string) {
	stopPointID = strings.TrimSpace(stopPointID)
	if c.deps.TflBoards == nil || stopPointID == "" {
		return
	}
	c.schedule(KindTflBoard+":"+strings.ToLower(stopPointID), KindTflBoard, func(ctx context.Context) error {
		result, err := c.deps.TflBoards.GetBoard(ctx, stopPointID, true)
		if err != nil {
			return err
		}
		for _, p := range result.Board.Trains {
			c.ScheduleTflService(QueryForPrediction(p))
		}
		return nil
	})
}

// ScheduleTflService warms the itinerary of one clicked TfL row.
func (c *Coordinator) ScheduleTflService(q tfl.ServiceQuery) {
	if c.deps.Resolver == nil {
		return
	}
	q.LineID = strings.ToLower(strings.TrimSpace(q.LineID))
	q.FromStopID = strings.TrimSpace(q.FromStopID)
	q.ToStopID = strings.TrimSpace(q.ToStopID)
	if q.LineID == "" || q.FromStopID == "" || q.ToStopID == "" {
		return
	}
	c.schedule(KindTflService+":"+tracking.ServiceKey(q), KindTflService, func(ctx context.Context) error {
		_, err := c.deps.Resolver.ServiceDetailCached(ctx, q, true)
		return err
	})
}

// ScheduleSearchResults warms the board behind each search result.
func (c *Coordinator) ScheduleSearchResults(results []tfl.SearchResult) {
	for _, r := range results {
		switch r.Provider {
		case "nr":
			c.ScheduleRailBoard(r.Code)
		case "tfl":
			c.ScheduleTflBoard(r.Code)
		}
	}
}

// QueryForPrediction is the click-through query a board row links to.
func QueryForPrediction(p tfl.Prediction) tfl.ServiceQuery {
	q := tfl.ServiceQuery{
		LineID:          p.LineID,
		FromStopID:      p.NaptanID,
		ToStopID:        p.DestinationNaptanID,
		Direction:       p.Direction,
		TripID:          p.TripID,
		VehicleID:       p.VehicleID,
		StationName:     p.StationName,
		DestinationName: p.DestinationName,
	}
	if p.ExpectedArrival != nil {
		q.ExpectedArrival = p.ExpectedArrival.UTC().Format(time.RFC3339)
	}
	return q
}

func (c *Coordinator) schedule(jobKey, kind string, work Work) {
	if _, err := c.Schedule(jobKey, kind, work); err != nil {
		c.logger.Debug().Err(err).Str("job", jobKey).Msg("Prefetch job not scheduled.")
	}
}

func isCRS(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
