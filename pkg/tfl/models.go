package tfl

import (
	"math"
	"time"
)

// Prediction is one live arrival prediction at a stop point.
type Prediction struct {
	ID                  string     `json:"id,omitempty"`
	NaptanID            string     `json:"naptanId,omitempty"`
	StationName         string     `json:"stationName,omitempty"`
	LineID              string     `json:"lineId,omitempty"`
	LineName            string     `json:"lineName,omitempty"`
	PlatformName        string     `json:"platformName,omitempty"`
	Direction           string     `json:"direction,omitempty"`
	ModeName            string     `json:"modeName,omitempty"`
	TripID              string     `json:"tripId,omitempty"`
	VehicleID           string     `json:"vehicleId,omitempty"`
	DestinationName     string     `json:"destinationName,omitempty"`
	DestinationNaptanID string     `json:"destinationNaptanId,omitempty"`
	Towards             string     `json:"towards,omitempty"`
	CurrentLocation     string     `json:"currentLocation,omitempty"`
	ExpectedArrival     *time.Time `json:"expectedArrival,omitempty"`
	Timestamp           *time.Time `json:"timestamp,omitempty"`
	TimeToStation       *int       `json:"timeToStation,omitempty"`
}

// ExpectedArrivalHHMM formats the expected arrival in UTC.
func (p Prediction) ExpectedArrivalHHMM() string {
	if p.ExpectedArrival == nil {
		return "No information"
	}
	return p.ExpectedArrival.UTC().Format("15:04")
}

// lessPrediction orders by time to station, then expected arrival. Missing
// values sort last.
func lessPrediction(a, b Prediction) bool {
	ta, tb := secondsToStation(a), secondsToStation(b)
	if ta != tb {
		return ta < tb
	}
	ea, eb := arrivalOrMax(a), arrivalOrMax(b)
	return ea.Before(eb)
}

func secondsToStation(p Prediction) int {
	if p.TimeToStation == nil {
		return 1_000_000_000
	}
	return *p.TimeToStation
}

var maxTime = time.Unix(math.MaxInt64/2, 0).UTC()

func arrivalOrMax(p Prediction) time.Time {
	if p.ExpectedArrival == nil {
		return maxTime
	}
	return *p.ExpectedArrival
}

// LineStatusSummary is a compact line status for board display.
type LineStatusSummary struct {
	LineID            string `json:"lineId"`
	LineName          string `json:"lineName"`
	StatusSeverity    *int   `json:"statusSeverity,omitempty"`
	StatusDescription string `json:"statusDescription,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// Board is the arrivals board for one stop point.
type Board struct {
	StopPointID string              `json:"stopPointId"`
	StationName string              `json:"stationName"`
	GeneratedAt string              `json:"generatedAt,omitempty"`
	PulledAt    string              `json:"pulledAt,omitempty"`
	Trains      []Prediction        `json:"trains"`
	LineStatus  []LineStatusSummary `json:"lineStatus"`
}

// BoardResult is a board together with whether it was served from the cache.
type BoardResult struct {
	Board     *Board
	FromCache bool
}

// SearchResult is one labelled stop-point search hit.
type SearchResult struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Badge    string `json:"badge"`
	URL      string `json:"url"`
}

// ServiceStop is one stop of a resolved vehicle itinerary.
type ServiceStop struct {
	StopID           string `json:"stopId"`
	StopName         string `json:"stopName"`
	ETAMinutes       *int   `json:"etaMinutes,omitempty"`
	ETATime          string `json:"etaTime,omitempty"`
	ArrivalDisplay   string `json:"arrivalDisplay"`
	DepartureDisplay string `json:"departureDisplay"`
	IsCurrent        bool   `json:"isCurrent"`
	IsDestination    bool   `json:"isDestination"`
}

// Resolution modes of a ServiceDetail.
const (
	ResolutionExact    = "exact"
	ResolutionFallback = "fallback"
)

// ServiceDetail is the itinerary of the vehicle behind a clicked board row.
type ServiceDetail struct {
	LineID          string        `json:"lineId"`
	LineName        string        `json:"lineName"`
	Direction       string        `json:"direction,omitempty"`
	FromStopID      string        `json:"fromStopId"`
	ToStopID        string        `json:"toStopId"`
	OriginName      string        `json:"originName"`
	DestinationName string        `json:"destinationName"`
	ResolutionMode  string        `json:"resolutionMode"`
	ModeName        string        `json:"modeName"`
	StationName     string        `json:"stationName,omitempty"`
	VehicleID       string        `json:"vehicleId,omitempty"`
	TripID          string        `json:"tripId,omitempty"`
	ExpectedArrival string        `json:"expectedArrival,omitempty"`
	PulledAt        string        `json:"pulledAt,omitempty"`
	Stops           []ServiceStop `json:"stops"`
}

// ServiceQuery identifies a clicked board row: the line, the stop it was
// clicked at and its destination, plus optional hints copied from the row.
type ServiceQuery struct {
	LineID          string
	FromStopID      string
	ToStopID        string
	Direction       string
	TripID          string
	VehicleID       string
	ExpectedArrival string
	StationName     string
	DestinationName string
}

// RouteSequence is the static stop order of a line in one direction.
type RouteSequence struct {
	StopPointSequences []StopPointSequence `json:"stopPointSequences"`
}

// StopPointSequence is one branch of a RouteSequence.
type StopPointSequence struct {
	StopPoint []RoutePoint `json:"stopPoint"`
}

// RoutePoint is a stop within a sequence.
type RoutePoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Timetable is the scheduled journey data between two stops of a line.
type Timetable struct {
	Stations  []TimetableStation `json:"stations"`
	Timetable TimetableBody      `json:"timetable"`
}

// TimetableStation names a stop referenced by the timetable intervals.
type TimetableStation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TimetableBody holds the timetable routes.
type TimetableBody struct {
	Routes []TimetableRoute `json:"routes"`
}

// TimetableRoute lists the station intervals of one route.
type TimetableRoute struct {
	StationIntervals []StationInterval `json:"stationIntervals"`
}

// StationInterval lists minutes-from-origin per stop.
type StationInterval struct {
	Intervals []Interval `json:"intervals"`
}

// Interval is the scheduled minutes from the origin to StopID.
type Interval struct {
	StopID        string   `json:"stopId"`
	TimeToArrival *float64 `json:"timeToArrival"`
}
