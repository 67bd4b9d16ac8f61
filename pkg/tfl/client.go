// Package tfl is the Transport for London unified API client. It serves
// arrivals boards keyed by NaPTAN stop point ids, line status, stop point
// search and the lookups the service resolution engine builds itineraries
// from.
package tfl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const source = "tfl"

// DefaultModes are the transport modes used when none are configured.
var DefaultModes = []string{"tube", "overground"}

// Config holds the TfL client settings.
type Config struct {
	BaseURL string
	AppKey  string
	AppID   string
	Modes   []string
	// BoardTTL is the freshness window for everything this client caches.
	BoardTTL          time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Client fetches and caches TfL data.
type Client struct {
	cfg    Config
	store  cache.Store
	http   *upstream.Client
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

// NewClient creates a Client. A missing app key is reported per request as
// upstream.ErrUnconfigured.
func NewClient(cfg Config, store cache.Store, logger zerolog.Logger) *Client {
	if cfg.BoardTTL <= 0 {
		cfg.BoardTTL = 60 * time.Second
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:   cfg,
		store: store,
		http: upstream.NewClient(upstream.Config{
			Source:            source,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			UserAgent:         cfg.UserAgent,
			NotFoundStatuses:  []int{http.StatusNotFound},
		}, logger),
		now:    time.Now,
		logger: logger.With().Str("component", "TflClient").Logger(),
	}
}

// Modes returns the configured transport modes.
func (c *Client) Modes() []string {
	return slices.Clone(c.cfg.Modes)
}

// TTL is the freshness window used for every cached TfL value.
func (c *Client) TTL() time.Duration {
	return c.cfg.BoardTTL
}

// Name identifies the client in health reports.
func (c *Client) Name() string { return "tfl" }

// Check reports whether the client can make requests.
func (c *Client) Check(_ context.Context) error {
	_, err := c.authParams()
	return err
}

// Close releases idle upstream connections.
func (c *Client) Close() {
	c.http.Close()
}

func (c *Client) authParams() (url.Values, error) {
	if c.cfg.AppKey == "" {
		return nil, upstream.Unconfigured(source, "TfL API key is not configured (set TFL_APP_KEY/TFL_API_KEY or create a 'tfl_key' file)")
	}
	params := url.Values{}
	params.Set("app_key", c.cfg.AppKey)
	if c.cfg.AppID != "" {
		params.Set("app_id", c.cfg.AppID)
	}
	return params, nil
}

// getJSON issues an authenticated GET for path and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	query, err := c.authParams()
	if err != nil {
		return err
	}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	return c.http.GetJSON(ctx, c.cfg.BaseURL+path, query, nil, out)
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func boardKey(id string) string        { return "tfl:board:" + strings.ToLower(id) }
func resolvedStopKey(id string) string { return "tfl:resolved_stop:" + strings.ToLower(id) }
func predictionsKey(id string) string  { return "tfl:predictions:" + strings.ToLower(id) }
func stopNameKey(id string) string     { return "tfl:stop_name:" + strings.ToLower(id) }
func searchKey(query string) string    { return "tfl:search:" + strings.ToLower(strings.TrimSpace(query)) }

func routeSequenceKey(line, dir string) string {
	return "tfl:route_sequence:" + strings.ToLower(line) + ":" + strings.ToLower(dir)
}

func timetableKey(line, from, to string) string {
	return "tfl:timetable:" + strings.ToLower(line) + ":" + strings.ToLower(from) + ":" + strings.ToLower(to)
}

func (c *Client) statusKey() string {
	return "tfl:status:" + strings.Join(c.cfg.Modes, ",")
}

// stopPoint is the subset of /StopPoint/{id} the client reads.
type stopPoint struct {
	CommonName string           `json:"commonName"`
	Name       string           `json:"name"`
	Children   []stopPointChild `json:"children"`
}

type stopPointChild struct {
	ID    string   `json:"id"`
	Modes []string `json:"modes"`
}

func (s stopPoint) displayName() string {
	if s.CommonName != "" {
		return s.CommonName
	}
	return s.Name
}

// GetBoard returns the arrivals board for a stop point. Hub ids are first
// resolved to a concrete child stop.
func (c *Client) GetBoard(ctx context.Context, stopPointID string, useCache bool) (*BoardResult, error) {
	stopPointID = strings.TrimSpace(stopPointID)
	if stopPointID == "" {
		return nil, upstream.NotFound(source, "TfL stop point id is required")
	}
	stopPointID = c.ResolveStopPointID(ctx, stopPointID)
	key := boardKey(stopPointID)

	if useCache {
		if board, ok := cache.GetJSON[Board](ctx, c.store, key); ok {
			return &BoardResult{Board: &board, FromCache: true}, nil
		}
	}

	// Arrivals, stop name and line status each get one request timeout.
	board, err := upstream.Coalesce(ctx, &c.group, source, key, 3*c.http.Timeout(), func(ctx context.Context) (*Board, error) {
		return c.fetchBoard(ctx, stopPointID, key)
	})
	if err != nil {
		return nil, err
	}
	return &BoardResult{Board: board, FromCache: false}, nil
}

func (c *Client) fetchBoard(ctx context.Context, stopPointID, key string) (*Board, error) {
	var rows []json.RawMessage
	if err := c.getJSON(ctx, "/StopPoint/"+url.PathEscape(stopPointID)+"/Arrivals", nil, &rows); err != nil {
		return nil, err
	}

	stationName := stopPointID
	if len(rows) > 0 {
		var first struct {
			StationName string `json:"stationName"`
		}
		if json.Unmarshal(rows[0], &first) == nil && first.StationName != "" {
			stationName = first.StationName
		}
	} else {
		var sp stopPoint
		if err := c.getJSON(ctx, "/StopPoint/"+url.PathEscape(stopPointID), nil, &sp); err == nil && sp.displayName() != "" {
			stationName = sp.displayName()
		}
	}

	statuses, err := c.LineStatus(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("stop_point", stopPointID).Msg("Line status unavailable, building board without it.")
		statuses = []LineStatusSummary{}
	}

	predictions := c.decodePredictions(rows, stopPointID)
	board := &Board{
		StopPointID: stopPointID,
		StationName: stationName,
		GeneratedAt: c.timestamp(),
		PulledAt:    c.timestamp(),
		Trains:      predictions,
		LineStatus:  relevantStatuses(statuses, predictions),
	}
	cache.SetJSON(ctx, c.store, key, board, c.cfg.BoardTTL)
	c.logger.Debug().Str("stop_point", stopPointID).Int("trains", len(predictions)).Msg("Fetched board.")
	return board, nil
}

// decodePredictions decodes each row on its own, skipping rows that fail,
// and returns them in board order.
func (c *Client) decodePredictions(rows []json.RawMessage, stopPointID string) []Prediction {
	predictions := make([]Prediction, 0, len(rows))
	for i, row := range rows {
		var p Prediction
		if err := json.Unmarshal(row, &p); err != nil {
			c.logger.Warn().Err(err).Int("row", i).Str("stop_point", stopPointID).Msg("Skipping unparseable prediction.")
			continue
		}
		predictions = append(predictions, p)
	}
	sort.SliceStable(predictions, func(i, j int) bool {
		return lessPrediction(predictions[i], predictions[j])
	})
	return predictions
}

// relevantStatuses keeps the statuses of lines that appear in predictions, or
// all statuses when no prediction names a line.
func relevantStatuses(statuses []LineStatusSummary, predictions []Prediction) []LineStatusSummary {
	lines := make(map[string]struct{})
	for _, p := range predictions {
		if p.LineID != "" {
			lines[p.LineID] = struct{}{}
		}
	}
	if len(lines) == 0 {
		return statuses
	}
	filtered := make([]LineStatusSummary, 0, len(statuses))
	for _, s := range statuses {
		if _, ok := lines[s.LineID]; ok {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// ClearBoard removes a cached board.
func (c *Client) ClearBoard(ctx context.Context, stopPointID string) {
	c.store.Delete(ctx, boardKey(strings.TrimSpace(stopPointID)))
}

// ResolveStopPointID maps a hub id to its first child stop served by a
// configured mode. Any lookup failure resolves to the id itself.
func (c *Client) ResolveStopPointID(ctx context.Context, stopPointID string) string {
	normalized := strings.TrimSpace(stopPointID)
	if normalized == "" {
		return stopPointID
	}
	key := resolvedStopKey(normalized)
	if cached, ok := cache.GetJSON[string](ctx, c.store, key); ok && cached != "" {
		return cached
	}

	resolved := normalized
	if strings.HasPrefix(strings.ToUpper(normalized), "HUB") {
		var sp stopPoint
		err := c.getJSON(ctx, "/StopPoint/"+url.PathEscape(normalized), nil, &sp)
		if err != nil {
			c.logger.Debug().Err(err).Str("stop_point", normalized).Msg("Hub resolution failed, using hub id.")
		}
		for _, child := range sp.Children {
			if child.ID != "" && c.servesConfiguredMode(child.Modes) {
				resolved = child.ID
				break
			}
		}
	}

	cache.SetJSON(ctx, c.store, key, resolved, c.cfg.BoardTTL)
	return resolved
}

func (c *Client) servesConfiguredMode(modes []string) bool {
	for _, m := range modes {
		if slices.Contains(c.cfg.Modes, m) {
			return true
		}
	}
	return false
}

type lineStatusPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LineStatuses []struct {
		StatusSeverity            *int   `json:"statusSeverity"`
		StatusSeverityDescription string `json:"statusSeverityDescription"`
		Reason                    string `json:"reason"`
	} `json:"lineStatuses"`
}

// LineStatus returns one summary per status entry of every line of the
// configured modes.
func (c *Client) LineStatus(ctx context.Context) ([]LineStatusSummary, error) {
	key := c.statusKey()
	if cached, ok := cache.GetJSON[[]LineStatusSummary](ctx, c.store, key); ok {
		return cached, nil
	}

	var lines []lineStatusPayload
	if err := c.getJSON(ctx, "/Line/Mode/"+strings.Join(c.cfg.Modes, ",")+"/Status", nil, &lines); err != nil {
		return nil, err
	}
	summaries := make([]LineStatusSummary, 0, len(lines))
	for _, line := range lines {
		id, name := line.ID, line.Name
		if id == "" {
			id = "unknown"
		}
		if name == "" {
			name = "Unknown"
		}
		for _, st := range line.LineStatuses {
			summaries = append(summaries, LineStatusSummary{
				LineID:            id,
				LineName:          name,
				StatusSeverity:    st.StatusSeverity,
				StatusDescription: st.StatusSeverityDescription,
				Reason:            st.Reason,
			})
		}
	}
	cache.SetJSON(ctx, c.store, key, summaries, c.cfg.BoardTTL)
	return summaries, nil
}

// Predictions returns the sorted live predictions at a stop point.
func (c *Client) Predictions(ctx context.Context, stopPointID string, useCache bool) ([]Prediction, error) {
	key := predictionsKey(stopPointID)
	if useCache {
		if cached, ok := cache.GetJSON[[]Prediction](ctx, c.store, key); ok {
			return cached, nil
		}
	}
	return upstream.Coalesce(ctx, &c.group, source, key, c.http.Timeout(), func(ctx context.Context) ([]Prediction, error) {
		var rows []json.RawMessage
		if err := c.getJSON(ctx, "/StopPoint/"+url.PathEscape(stopPointID)+"/Arrivals", nil, &rows); err != nil {
			return nil, err
		}
		predictions := c.decodePredictions(rows, stopPointID)
		cache.SetJSON(ctx, c.store, key, predictions, c.cfg.BoardTTL)
		return predictions, nil
	})
}

// RouteSequence returns the regular-service stop order of a line in one
// direction.
func (c *Client) RouteSequence(ctx context.Context, lineID, direction string, useCache bool) (*RouteSequence, error) {
	seq, _, err := cache.ReadThrough(ctx, c.store, routeSequenceKey(lineID, direction), c.cfg.BoardTTL, useCache,
		func(ctx context.Context) (RouteSequence, error) {
			var seq RouteSequence
			params := url.Values{"serviceTypes": {"Regular"}}
			path := "/Line/" + url.PathEscape(lineID) + "/Route/Sequence/" + url.PathEscape(direction)
			err := c.getJSON(ctx, path, params, &seq)
			return seq, err
		})
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

// Timetable returns the scheduled intervals of a line from one stop towards
// another.
func (c *Client) Timetable(ctx context.Context, lineID, fromStopID, toStopID string, useCache bool) (*Timetable, error) {
	tt, _, err := cache.ReadThrough(ctx, c.store, timetableKey(lineID, fromStopID, toStopID), c.cfg.BoardTTL, useCache,
		func(ctx context.Context) (Timetable, error) {
			var tt Timetable
			path := "/Line/" + url.PathEscape(lineID) + "/Timetable/" + url.PathEscape(fromStopID) + "/to/" + url.PathEscape(toStopID)
			err := c.getJSON(ctx, path, nil, &tt)
			return tt, err
		})
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// StopName returns a stop's common name, falling back to the id when the
// lookup fails.
func (c *Client) StopName(ctx context.Context, stopID string) string {
	key := stopNameKey(stopID)
	if cached, ok := cache.GetJSON[string](ctx, c.store, key); ok && cached != "" {
		return cached
	}
	name := stopID
	var sp stopPoint
	if err := c.getJSON(ctx, "/StopPoint/"+url.PathEscape(stopID), nil, &sp); err != nil {
		if !errors.Is(err, upstream.ErrNotFound) {
			c.logger.Debug().Err(err).Str("stop", stopID).Msg("Stop name lookup failed.")
		}
	} else if sp.displayName() != "" {
		name = sp.displayName()
	}
	cache.SetJSON(ctx, c.store, key, name, c.cfg.BoardTTL)
	return name
}

// PredictionsForView narrows board predictions to a view. Departures keep
// outbound and undirected predictions when any outbound exist, arrivals do
// the same with inbound. Any other view, or a view with no directional
// match, returns every prediction.
func PredictionsForView(predictions []Prediction, view string) []Prediction {
	var want string
	switch view {
	case "departures":
		want = "outbound"
	case "arrivals":
		want = "inbound"
	default:
		return predictions
	}

	var matched, undirected []Prediction
	for _, p := range predictions {
		switch NormalizeDirection(p.Direction) {
		case want:
			matched = append(matched, p)
		case "":
			undirected = append(undirected, p)
		}
	}
	if len(matched) == 0 {
		return predictions
	}
	return append(matched, undirected...)
}

// NormalizeDirection trims and lower-cases a direction.
func NormalizeDirection(direction string) string {
	return strings.ToLower(strings.TrimSpace(direction))
}
