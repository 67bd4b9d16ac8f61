// Package rail is the National Rail live departure board client. Boards are
// keyed by three-letter CRS station codes and cached as the raw upstream
// payload stamped with the time it was pulled.
package rail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	source = "rail"

	boardKeyPrefix         = "board:"
	detailedBoardKeyPrefix = "board_details:"

	boardPath         = "/GetArrivalDepartureBoard/"
	detailedBoardPath = "/GetArrDepBoardWithDetails/"
)

// Config holds the National Rail client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	NumRows    int
	TimeWindow int
	// BoardTTL is the freshness window of a cached board.
	BoardTTL time.Duration
	// DetailTTLCap caps the TTL of the heavier detailed boards.
	DetailTTLCap      time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Client fetches and caches National Rail boards.
type Client struct {
	cfg      Config
	store    cache.Store
	http     *upstream.Client
	group    singleflight.Group
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

// NewClient creates a Client. A missing API key is not an error here; every
// fetch then fails with upstream.ErrUnconfigured.
func NewClient(cfg Config, store cache.Store, logger zerolog.Logger) *Client {
	if cfg.BoardTTL <= 0 {
		cfg.BoardTTL = 60 * time.Second
	}
	if cfg.DetailTTLCap <= 0 {
		cfg.DetailTTLCap = 60 * time.Second
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
			NotFoundStatuses:  []int{http.StatusBadRequest, http.StatusNotFound},
		}, logger),
		validate: validator.New(),
		now:      time.Now,
		logger:   logger.With().Str("component", "RailClient").Logger(),
	}
}

// BoardTTL returns the configured board freshness window.
func (c *Client) BoardTTL() time.Duration {
	return c.cfg.BoardTTL
}

// DetailTTL is min(board TTL, detail cap).
func (c *Client) DetailTTL() time.Duration {
	return min(c.cfg.BoardTTL, c.cfg.DetailTTLCap)
}

// GetBoard returns the arrival and departure board for crs.
func (c *Client) GetBoard(ctx context.Context, crs string, useCache bool) (*BoardResult, error) {
	return c.board(ctx, crs, useCache, boardKeyPrefix, boardPath, c.cfg.BoardTTL)
}

// GetDetailedBoard returns the board variant that carries calling points for
// every service.
func (c *Client) GetDetailedBoard(ctx context.Context, crs string, useCache bool) (*BoardResult, error) {
	return c.board(ctx, crs, useCache, detailedBoardKeyPrefix, detailedBoardPath, c.DetailTTL())
}

// ClearCache deletes the cached board for crs, or every cache entry when crs
// is empty.
func (c *Client) ClearCache(ctx context.Context, crs string) {
	crs = normalizeCRS(crs)
	if crs == "" {
		c.store.Clear(ctx)
		return
	}
	c.store.Delete(ctx, boardKeyPrefix+crs)
}

// Name identifies the client in health reports.
func (c *Client) Name() string { return "rail" }

// Check reports whether the client can make requests.
func (c *Client) Check(_ context.Context) error {
	if c.cfg.APIKey == "" {
		return upstream.Unconfigured(source, "rail API key is not configured")
	}
	return nil
}

// Close releases idle upstream connections.
func (c *Client) Close() {
	c.http.Close()
}

func (c *Client) board(ctx context.Context, crs string, useCache bool, keyPrefix, path string, ttl time.Duration) (*BoardResult, error) {
	crs = normalizeCRS(crs)
	if crs == "" {
		return nil, upstream.NotFound(source, "station code is required")
	}
	key := keyPrefix + crs

	if useCache {
		if raw, ok := c.store.Get(ctx, key); ok {
			board, err := c.parseBoard(raw)
			if err == nil {
				return &BoardResult{Board: board, FromCache: true}, nil
			}
			c.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cached board.")
		}
	}

	if c.cfg.APIKey == "" {
		return nil, upstream.Unconfigured(source, "rail API key is not configured (set RAIL_API_KEY or create a 'key' file)")
	}

	board, err := upstream.Coalesce(ctx, &c.group, source, key, c.http.Timeout(), func(ctx context.Context) (*Board, error) {
		return c.fetch(ctx, crs, key, path, ttl)
	})
	if err != nil {
		return nil, err
	}
	return &BoardResult{Board: board, FromCache: false}, nil
}

func (c *Client) fetch(ctx context.Context, crs, key, path string, ttl time.Duration) (*Board, error) {
	query := url.Values{}
	if c.cfg.NumRows > 0 {
		query.Set("numRows", strconv.Itoa(c.cfg.NumRows))
	}
	if c.cfg.TimeWindow > 0 {
		query.Set("timeWindow", strconv.Itoa(c.cfg.TimeWindow))
	}
	header := http.Header{}
	header.Set("x-apikey", c.cfg.APIKey)

	body, err := c.http.Get(ctx, c.cfg.BaseURL+path+crs, query, header)
	if err != nil {
		return nil, err
	}

	stamped, err := stampPulledAt(body, c.now())
	if err != nil {
		return nil, upstream.BadGateway(source, "rail API returned invalid JSON", err)
	}
	board, err := c.parseBoard(stamped)
	if err != nil {
		return nil, upstream.BadGateway(source, "rail API returned an unreadable board", err)
	}
	if board.LocationName == "" && board.CRS == "" {
		return nil, upstream.NotFound(source, fmt.Sprintf("no board for station %s", crs))
	}

	c.store.Set(ctx, key, stamped, ttl)
	c.logger.Debug().Str("crs", crs).Int("trains", len(board.Trains)).Msg("Fetched board.")
	return board, nil
}

// stampPulledAt adds a pulledAt field to the raw board payload.
func stampPulledAt(body []byte, now time.Time) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	ts, err := json.Marshal(now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	fields["pulledAt"] = ts
	return json.Marshal(fields)
}

// rawBoard mirrors Board but defers row decoding so one bad row cannot fail
// the whole snapshot.
type rawBoard struct {
	LocationName         string            `json:"locationName"`
	CRS                  string            `json:"crs"`
	GeneratedAt          string            `json:"generatedAt"`
	PulledAt             string            `json:"pulledAt"`
	FilterType           string            `json:"filterType"`
	PlatformAvailable    *bool             `json:"platformAvailable"`
	AreServicesAvailable *bool             `json:"areServicesAvailable"`
	TrainServices        []json.RawMessage `json:"trainServices"`
	NRCCMessages         json.RawMessage   `json:"nrccMessages"`
}

// parseBoard is the single decode step from a raw or cached payload to a
// Board. Rows that fail to decode or validate are skipped.
func (c *Client) parseBoard(raw []byte) (*Board, error) {
	var rb rawBoard
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, err
	}

	board := &Board{
		LocationName:         rb.LocationName,
		CRS:                  rb.CRS,
		GeneratedAt:          rb.GeneratedAt,
		PulledAt:             rb.PulledAt,
		FilterType:           rb.FilterType,
		PlatformAvailable:    rb.PlatformAvailable == nil || *rb.PlatformAvailable,
		AreServicesAvailable: rb.AreServicesAvailable == nil || *rb.AreServicesAvailable,
		Trains:               make([]Train, 0, len(rb.TrainServices)),
	}
	if len(rb.NRCCMessages) > 0 && string(rb.NRCCMessages) != "null" {
		board.NRCCMessages = rb.NRCCMessages
	}

	for i, row := range rb.TrainServices {
		var train Train
		if err := json.Unmarshal(row, &train); err != nil {
			c.logger.Warn().Err(err).Int("row", i).Str("crs", rb.CRS).Msg("Skipping unparseable train row.")
			continue
		}
		if err := c.validate.Struct(train); err != nil {
			c.logger.Warn().Err(err).Int("row", i).Str("crs", rb.CRS).Msg("Skipping invalid train row.")
			continue
		}
		board.Trains = append(board.Trains, train)
	}
	return board, nil
}

func normalizeCRS(crs string) string {
	return strings.ToUpper(strings.TrimSpace(crs))
}
