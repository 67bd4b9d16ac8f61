package tracking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
)

// TflSource is the TfL client surface the Resolver builds itineraries from.
type TflSource interface {
	ResolveStopPointID(ctx context.Context, stopPointID string) string
	Predictions(ctx context.Context, stopPointID string, useCache bool) ([]tfl.Prediction, error)
	RouteSequence(ctx context.Context, lineID, direction string, useCache bool) (*tfl.RouteSequence, error)
	Timetable(ctx context.Context, lineID, fromStopID, toStopID string, useCache bool) (*tfl.Timetable, error)
	StopName(ctx context.Context, stopID string) string
	Modes() []string
	TTL() time.Duration
}

// Resolver turns a clicked TfL board row into the itinerary of its vehicle.
type Resolver struct {
	source TflSource
	store  cache.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(source TflSource, store cache.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "Resolver").Logger(),
	}
}

// ServiceKey identifies a click-through query for memoization and prefetch
// dedup.
func ServiceKey(q tfl.ServiceQuery) string {
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return strings.Join([]string{
		lower(q.LineID), lower(q.FromStopID), lower(q.ToStopID), lower(q.Direction),
		strings.TrimSpace(q.TripID), strings.TrimSpace(q.VehicleID), strings.TrimSpace(q.ExpectedArrival),
	}, ":")
}

// ServiceDetailCached memoizes ServiceDetail for one TfL TTL.
func (r *Resolver) ServiceDetailCached(ctx context.Context, q tfl.ServiceQuery, useCache bool) (*tfl.ServiceDetail, error) {
	key := "tfl:service:" + ServiceKey(q)
	if useCache {
		if detail, ok := cache.GetJSON[tfl.ServiceDetail](ctx, r.store, key); ok {
			return &detail, nil
		}
	}
	detail, err := r.ServiceDetail(ctx, q, useCache)
	if err != nil {
		return nil, err
	}
	cache.SetJSON(ctx, r.store, key, detail, r.source.TTL())
	return detail, nil
}

// ServiceDetail resolves the vehicle behind q and lists its stops from the
// clicked stop to the destination. When no live prediction matches the
// result is built from q's hints and marked as a fallback.
func (r *Resolver) ServiceDetail(ctx context.Context, q tfl.ServiceQuery, useCache bool) (*tfl.ServiceDetail, error) {
	lineID := strings.ToLower(strings.TrimSpace(q.LineID))
	if lineID == "" {
		return nil, upstream.NotFound("tfl", "TfL line id is required")
	}

	from := r.source.ResolveStopPointID(ctx, q.FromStopID)
	to := r.source.ResolveStopPointID(ctx, q.ToStopID)

	predictions, err := r.source.Predictions(ctx, from, useCache)
	if err != nil {
		return nil, fmt.Errorf("predictions for %s: %w", from, err)
	}
	matched, exact := MatchPrediction(predictions, lineID, to, q)

	detail := &tfl.ServiceDetail{
		LineID:         lineID,
		FromStopID:     from,
		ToStopID:       to,
		ResolutionMode: tfl.ResolutionFallback,
		PulledAt:       r.now().UTC().Format(time.RFC3339),
	}
	direction := tfl.NormalizeDirection(q.Direction)
	if exact {
		detail.ResolutionMode = tfl.ResolutionExact
		if direction == "" {
			direction = tfl.NormalizeDirection(matched.Direction)
		}
	}
	detail.LineName = firstNonEmpty(matched.LineName, titleLine(lineID))
	detail.OriginName = firstNonEmpty(q.StationName, matched.StationName)
	if detail.OriginName == "" {
		detail.OriginName = r.source.StopName(ctx, from)
	}
	detail.DestinationName = firstNonEmpty(q.DestinationName, matched.DestinationName)
	if detail.DestinationName == "" {
		detail.DestinationName = r.source.StopName(ctx, to)
	}
	detail.StationName = detail.OriginName
	detail.ModeName = firstNonEmpty(matched.ModeName, r.inferredMode(lineID))
	detail.TripID = firstNonEmpty(matched.TripID, q.TripID)
	detail.VehicleID = firstNonEmpty(matched.VehicleID, q.VehicleID)
	detail.ExpectedArrival = q.ExpectedArrival
	if matched.ExpectedArrival != nil {
		detail.ExpectedArrival = matched.ExpectedArrival.UTC().Format(time.RFC3339)
	}

	points, selected := r.routeSegment(ctx, lineID, direction, from, to, useCache)
	detail.Direction = firstNonEmpty(selected, direction)

	tt, err := r.source.Timetable(ctx, lineID, from, to, useCache)
	if err != nil {
		r.logger.Debug().Err(err).Str("line", lineID).Msg("Timetable unavailable.")
		tt = &tfl.Timetable{}
	}
	etas := timetableETAs(tt)
	if len(points) == 0 {
		points = r.timetablePoints(ctx, tt, from, to)
	}

	detail.Stops = buildStops(points, etas, from, to, r.now())
	if len(detail.Stops) == 0 {
		detail.Stops = []tfl.ServiceStop{
			{StopID: from, StopName: detail.OriginName, ArrivalDisplay: noEstimate, DepartureDisplay: noEstimate, IsCurrent: true},
			{StopID: to, StopName: detail.DestinationName, ArrivalDisplay: noEstimate, DepartureDisplay: noEstimate, IsDestination: true},
		}
	}
	return detail, nil
}

func (r *Resolver) inferredMode(lineID string) string {
	if lineID == "dlr" {
		return "dlr"
	}
	if modes := r.source.Modes(); len(modes) > 0 {
		return modes[0]
	}
	return "tube"
}

// routeSegment tries the hinted direction first and returns the shortest
// static segment from one stop to the other, with the direction it came from.
func (r *Resolver) routeSegment(ctx context.Context, lineID, direction, from, to string, useCache bool) ([]tfl.RoutePoint, string) {
	directions := []string{"inbound", "outbound"}
	if direction == "outbound" {
		directions = []string{"outbound", "inbound"}
	}
	for _, dir := range directions {
		seq, err := r.source.RouteSequence(ctx, lineID, dir, useCache)
		if err != nil {
			r.logger.Debug().Err(err).Str("line", lineID).Str("direction", dir).Msg("Route sequence unavailable.")
			continue
		}
		if segment := SegmentFromSequence(seq, from, to); len(segment) > 0 {
			return segment, dir
		}
	}
	return nil, ""
}

// SegmentFromSequence returns the shortest run of stops from one stop to the
// other, inclusive, across all branches of seq.
func SegmentFromSequence(seq *tfl.RouteSequence, from, to string) []tfl.RoutePoint {
	if seq == nil {
		return nil
	}
	var best []tfl.RoutePoint
	for _, branch := range seq.StopPointSequences {
		fi, ti := indexOfStop(branch.StopPoint, from), indexOfStop(branch.StopPoint, to)
		if fi < 0 || ti < 0 || fi > ti {
			continue
		}
		segment := branch.StopPoint[fi : ti+1]
		if best == nil || len(segment) < len(best) {
			best = segment
		}
	}
	return best
}

func indexOfStop(points []tfl.RoutePoint, id string) int {
	for i, p := range points {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// etaTable is the scheduled minutes from the timetable origin per stop, in
// first-seen order.
type etaTable struct {
	order   []string
	minutes map[string]int
}

func (e *etaTable) lookup(stopID string) (int, bool) {
	m, ok := e.minutes[stopID]
	return m, ok
}

// timetableETAs keeps the smallest rounded interval seen for each stop.
func timetableETAs(tt *tfl.Timetable) *etaTable {
	etas := &etaTable{minutes: make(map[string]int)}
	for _, route := range tt.Timetable.Routes {
		for _, si := range route.StationIntervals {
			for _, iv := range si.Intervals {
				if iv.StopID == "" || iv.TimeToArrival == nil {
					continue
				}
				m := int(math.RoundToEven(*iv.TimeToArrival))
				prev, seen := etas.minutes[iv.StopID]
				if !seen {
					etas.order = append(etas.order, iv.StopID)
				}
				if !seen || m < prev {
					etas.minutes[iv.StopID] = m
				}
			}
		}
	}
	return etas
}

// timetablePoints orders the timetable's stops by scheduled minutes and trims
// them to the from..to span. Without intervals it returns just the two ends.
func (r *Resolver) timetablePoints(ctx context.Context, tt *tfl.Timetable, from, to string) []tfl.RoutePoint {
	names := make(map[string]string)
	for _, st := range tt.Stations {
		if st.ID != "" && st.Name != "" {
			names[st.ID] = st.Name
		}
	}
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return r.source.StopName(ctx, id)
	}

	etas := timetableETAs(tt)
	if len(etas.order) == 0 {
		return []tfl.RoutePoint{{ID: from, Name: name(from)}, {ID: to, Name: name(to)}}
	}
	if _, ok := etas.minutes[from]; !ok {
		etas.minutes[from] = 0
		etas.order = append(etas.order, from)
	}

	ordered := append([]string(nil), etas.order...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return etas.minutes[ordered[i]] < etas.minutes[ordered[j]]
	})
	if indexOf(ordered, to) < 0 {
		ordered = append(ordered, to)
	}
	if fi, ti := indexOf(ordered, from), indexOf(ordered, to); fi <= ti {
		ordered = ordered[fi : ti+1]
	}

	points := make([]tfl.RoutePoint, 0, len(ordered))
	for _, id := range ordered {
		points = append(points, tfl.RoutePoint{ID: id, Name: name(id)})
	}
	return points
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func buildStops(points []tfl.RoutePoint, etas *etaTable, from, to string, now time.Time) []tfl.ServiceStop {
	stops := make([]tfl.ServiceStop, 0, len(points))
	for _, p := range points {
		if p.ID == "" {
			continue
		}
		stop := tfl.ServiceStop{
			StopID:        p.ID,
			StopName:      firstNonEmpty(p.Name, p.ID),
			IsCurrent:     p.ID == from,
			IsDestination: p.ID == to,
		}
		var minutes *int
		if m, ok := etas.lookup(p.ID); ok {
			minutes = &m
		}
		stop.ETAMinutes = minutes
		stop.ArrivalDisplay, stop.ETATime = FormatETA(minutes, now)
		stop.DepartureDisplay = stop.ArrivalDisplay
		stops = append(stops, stop)
	}
	return stops
}

const noEstimate = "No estimate"

// FormatETA renders minutes from now as a display string and an HH:MM clock
// time. A nil ETA has no clock time.
func FormatETA(minutes *int, now time.Time) (display, clock string) {
	now = now.UTC()
	switch {
	case minutes == nil:
		return noEstimate, ""
	case *minutes <= 0:
		return "Due", now.Format("15:04")
	default:
		clock = now.Add(time.Duration(*minutes) * time.Minute).Format("15:04")
		return fmt.Sprintf("%d min (%s)", *minutes, clock), clock
	}
}

// MatchPrediction picks the prediction q most likely refers to. Candidates
// are narrowed by line, then destination, then direction when that leaves
// any. Among them a trip id match wins, then a vehicle id match, then the
// nearest expected arrival, then the first candidate.
func MatchPrediction(predictions []tfl.Prediction, lineID, toStopID string, q tfl.ServiceQuery) (tfl.Prediction, bool) {
	targetLine := strings.ToLower(strings.TrimSpace(lineID))
	targetTo := strings.ToLower(strings.TrimSpace(toStopID))
	targetDirection := tfl.NormalizeDirection(q.Direction)
	targetTrip := strings.TrimSpace(q.TripID)
	targetVehicle := strings.TrimSpace(q.VehicleID)
	targetETA, hasETA := parseISOTime(q.ExpectedArrival)

	candidates := filterPredictions(predictions, func(p tfl.Prediction) bool {
		return strings.ToLower(strings.TrimSpace(p.LineID)) == targetLine
	})
	if targetTo != "" {
		candidates = filterPredictions(candidates, func(p tfl.Prediction) bool {
			return strings.ToLower(strings.TrimSpace(p.DestinationNaptanID)) == targetTo
		})
	}
	if targetDirection != "" {
		directional := filterPredictions(candidates, func(p tfl.Prediction) bool {
			return tfl.NormalizeDirection(p.Direction) == targetDirection
		})
		if len(directional) > 0 {
			candidates = directional
		}
	}
	if len(candidates) == 0 {
		return tfl.Prediction{}, false
	}

	distance := func(p tfl.Prediction) float64 {
		if hasETA && p.ExpectedArrival != nil {
			return math.Abs(p.ExpectedArrival.Sub(targetETA).Seconds())
		}
		if p.TimeToStation == nil {
			return 1e9
		}
		return float64(*p.TimeToStation)
	}

	if targetTrip != "" {
		if m := filterPredictions(candidates, func(p tfl.Prediction) bool { return strings.TrimSpace(p.TripID) == targetTrip }); len(m) > 0 {
			return nearest(m, distance), true
		}
	}
	if targetVehicle != "" {
		if m := filterPredictions(candidates, func(p tfl.Prediction) bool { return strings.TrimSpace(p.VehicleID) == targetVehicle }); len(m) > 0 {
			return nearest(m, distance), true
		}
	}
	if hasETA {
		return nearest(candidates, distance), true
	}
	return candidates[0], true
}

func filterPredictions(predictions []tfl.Prediction, keep func(tfl.Prediction) bool) []tfl.Prediction {
	var out []tfl.Prediction
	for _, p := range predictions {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// nearest returns the first prediction with the smallest distance.
func nearest(predictions []tfl.Prediction, distance func(tfl.Prediction) float64) tfl.Prediction {
	best := predictions[0]
	bestDistance := distance(best)
	for _, p := range predictions[1:] {
		if d := distance(p); d < bestDistance {
			best, bestDistance = p, d
		}
	}
	return best
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseISOTime reads an ISO-8601 timestamp. Values without a zone are UTC.
func parseISOTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// titleLine turns a line id like "hammersmith-city" into "Hammersmith City".
func titleLine(lineID string) string {
	words := strings.Fields(strings.ReplaceAll(lineID, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
