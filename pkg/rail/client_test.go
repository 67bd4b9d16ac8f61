package rail_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lhdBoard = `{
  "locationName": "Leatherhead",
  "crs": "LHD",
  "generatedAt": "2025-03-01T12:00:00Z",
  "trainServices": [
    {"std": "12:05", "etd": "On time", "serviceID": "svc1", "operator": "Southern",
     "origin": [{"locationName": "Horsham", "crs": "HRH"}],
     "destination": [{"locationName": "London Victoria", "crs": "VIC", "via": "via Sutton"}]},
    {"sta": "12:10", "eta": "12:14", "serviceID": "svc2",
     "origin": [{"locationName": "Waterloo", "crs": "WAT"}],
     "destination": [{"locationName": "Dorking", "crs": "DKG"}]},
    {"sta": "12:20", "std": "12:21", "etd": "12:25", "serviceID": "svc3",
     "origin": [{"locationName": "Guildford", "crs": "GLD"}],
     "destination": [{"locationName": "Waterloo", "crs": "WAT"}]}
  ]
}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLDBWS serves canned responses and counts requests per path.
type fakeLDBWS struct {
	server   *httptest.Server
	calls    atomic.Int32
	status   atomic.Int32
	body     atomic.Value
	lastPath atomic.Value
	lastKey  atomic.Value
	lastRows atomic.Value
}

func newFakeLDBWS(t *testing.T, body string) *fakeLDBWS {
	t.Helper()
	f := &fakeLDBWS{}
	f.status.Store(http.StatusOK)
	f.body.Store(body)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.lastPath.Store(r.URL.Path)
		f.lastKey.Store(r.Header.Get("x-apikey"))
		f.lastRows.Store(r.URL.Query().Get("numRows"))
		w.WriteHeader(int(f.status.Load()))
		_, _ = w.Write([]byte(f.body.Load().(string)))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newClient(baseURL string, store cache.Store, apiKey string) *rail.Client {
	return rail.NewClient(rail.Config{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		NumRows:      150,
		TimeWindow:   120,
		BoardTTL:     60 * time.Second,
		DetailTTLCap: 60 * time.Second,
		Timeout:      time.Second,
	}, store, zerolog.Nop())
}

func newStore(clock *fakeClock) *cache.TTLCache {
	backend := cache.NewMemoryBackend(cache.MemoryConfig{Now: clock.Now})
	return cache.New(backend, cache.Config{DefaultTTL: 60 * time.Second}, zerolog.Nop())
}

func TestClient_GetBoard(t *testing.T) {
	ctx := context.Background()

	t.Run("Second call within TTL is served from cache with identical content", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		clock := &fakeClock{now: time.Now()}
		client := newClient(upstreamAPI.server.URL, newStore(clock), "secret")

		// Act
		first, err := client.GetBoard(ctx, "lhd", true)
		require.NoError(t, err)
		second, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)

		// Assert
		assert.False(t, first.FromCache)
		assert.True(t, second.FromCache)
		assert.Equal(t, first.Board, second.Board)
		assert.Equal(t, int32(1), upstreamAPI.calls.Load())
		assert.Equal(t, "/GetArrivalDepartureBoard/LHD", upstreamAPI.lastPath.Load())
		assert.Equal(t, "secret", upstreamAPI.lastKey.Load())
		assert.Equal(t, "150", upstreamAPI.lastRows.Load())
	})

	t.Run("Board is stamped with the pull time and cached raw", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		clock := &fakeClock{now: time.Now()}
		store := newStore(clock)
		client := newClient(upstreamAPI.server.URL, store, "secret")

		// Act
		res, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)

		// Assert
		_, err = time.Parse(time.RFC3339, res.Board.PulledAt)
		require.NoError(t, err)
		raw, ok := store.Get(ctx, "board:LHD")
		require.True(t, ok)
		var cached map[string]any
		require.NoError(t, json.Unmarshal(raw, &cached))
		assert.Equal(t, res.Board.PulledAt, cached["pulledAt"])
		assert.Equal(t, "Leatherhead", cached["locationName"])
	})

	t.Run("useCache false always fetches", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		client := newClient(upstreamAPI.server.URL, newStore(&fakeClock{now: time.Now()}), "secret")
		_, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)

		// Act
		res, err := client.GetBoard(ctx, "LHD", false)

		// Assert
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Equal(t, int32(2), upstreamAPI.calls.Load())
	})

	t.Run("TTL scenario for LHD at 0s, 30s and 61s", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		clock := &fakeClock{now: time.Now()}
		client := newClient(upstreamAPI.server.URL, newStore(clock), "secret")

		// Act & Assert: t=0
		atZero, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)
		assert.False(t, atZero.FromCache)
		assert.Len(t, atZero.Board.Trains, 3)

		// t=30
		clock.Advance(30 * time.Second)
		atThirty, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)
		assert.True(t, atThirty.FromCache)
		assert.Len(t, atThirty.Board.Trains, 3)
		assert.Equal(t, int32(1), upstreamAPI.calls.Load())

		// t=61
		clock.Advance(31 * time.Second)
		atSixtyOne, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)
		assert.False(t, atSixtyOne.FromCache)
		assert.Equal(t, int32(2), upstreamAPI.calls.Load())
	})

	t.Run("Unparseable rows are skipped", func(t *testing.T) {
		// Arrange
		body := `{"locationName": "Leatherhead", "crs": "LHD", "trainServices": [
			{"std": "12:05", "serviceID": "good", "origin": [{"locationName": "Horsham", "crs": "HRH"}], "destination": []},
			{"std": "12:06", "serviceID": "wrong-type", "origin": "Horsham"},
			{"std": "12:07", "serviceID": "no-crs", "origin": [{"locationName": "Horsham"}]}
		]}`
		upstreamAPI := newFakeLDBWS(t, body)
		client := newClient(upstreamAPI.server.URL, newStore(&fakeClock{now: time.Now()}), "secret")

		// Act
		res, err := client.GetBoard(ctx, "LHD", true)

		// Assert
		require.NoError(t, err)
		require.Len(t, res.Board.Trains, 1)
		assert.Equal(t, "good", res.Board.Trains[0].ServiceID)
	})

	t.Run("Payload without name or code is NotFound", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, `{"trainServices": []}`)
		store := newStore(&fakeClock{now: time.Now()})
		client := newClient(upstreamAPI.server.URL, store, "secret")

		// Act
		_, err := client.GetBoard(ctx, "ZZZ", true)

		// Assert
		assert.ErrorIs(t, err, upstream.ErrNotFound)
		assert.Equal(t, 0, store.Size(ctx), "A rejected board must not be cached")
	})

	statusCases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "404 is NotFound", status: http.StatusNotFound, want: upstream.ErrNotFound},
		{name: "400 is NotFound", status: http.StatusBadRequest, want: upstream.ErrNotFound},
		{name: "500 is UpstreamUnavailable", status: http.StatusInternalServerError, want: upstream.ErrUnavailable},
		{name: "401 is UpstreamUnavailable", status: http.StatusUnauthorized, want: upstream.ErrUnavailable},
	}
	for _, tc := range statusCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			upstreamAPI := newFakeLDBWS(t, `{}`)
			upstreamAPI.status.Store(int32(tc.status))
			client := newClient(upstreamAPI.server.URL, newStore(&fakeClock{now: time.Now()}), "secret")

			// Act
			_, err := client.GetBoard(ctx, "LHD", true)

			// Assert
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("Missing API key is Unconfigured without a request", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		client := newClient(upstreamAPI.server.URL, newStore(&fakeClock{now: time.Now()}), "")

		// Act
		_, err := client.GetBoard(ctx, "LHD", true)

		// Assert
		assert.ErrorIs(t, err, upstream.ErrUnconfigured)
		assert.ErrorIs(t, err, upstream.ErrUnavailable)
		assert.Equal(t, int32(0), upstreamAPI.calls.Load())
		assert.Error(t, client.Check(ctx))
	})
}

func TestClient_GetDetailedBoard(t *testing.T) {
	ctx := context.Background()

	t.Run("Detailed boards are cached separately with the capped TTL", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		clock := &fakeClock{now: time.Now()}
		client := rail.NewClient(rail.Config{
			BaseURL:      upstreamAPI.server.URL,
			APIKey:       "secret",
			BoardTTL:     120 * time.Second,
			DetailTTLCap: 60 * time.Second,
		}, newStore(clock), zerolog.Nop())

		// Act
		_, err := client.GetDetailedBoard(ctx, "LHD", true)
		require.NoError(t, err)
		assert.Equal(t, "/GetArrDepBoardWithDetails/LHD", upstreamAPI.lastPath.Load())
		_, err = client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)
		clock.Advance(61 * time.Second)
		board, err := client.GetBoard(ctx, "LHD", true)
		require.NoError(t, err)
		detailed, err := client.GetDetailedBoard(ctx, "LHD", true)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, 60*time.Second, client.DetailTTL())
		assert.True(t, board.FromCache, "Board TTL is 120s")
		assert.False(t, detailed.FromCache, "Detailed TTL is capped at 60s")
		assert.Equal(t, int32(3), upstreamAPI.calls.Load())
	})
}

func TestClient_ClearCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Clearing one station leaves the others", func(t *testing.T) {
		// Arrange
		upstreamAPI := newFakeLDBWS(t, lhdBoard)
		store := newStore(&fakeClock{now: time.Now()})
		client := newClient(upstreamAPI.server.URL, store, "secret")
		_, _ = client.GetBoard(ctx, "LHD", true)
		_, _ = client.GetBoard(ctx, "WAT", true)

		// Act
		client.ClearCache(ctx, "lhd")

		// Assert
		_, lhd := store.Get(ctx, "board:LHD")
		_, wat := store.Get(ctx, "board:WAT")
		assert.False(t, lhd)
		assert.True(t, wat)

		client.ClearCache(ctx, "")
		assert.Equal(t, 0, store.Size(ctx))
	})
}

func TestClient_GetBoard_Coalescing(t *testing.T) {
	t.Run("A caller's deadline does not fail callers sharing its fetch", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte(lhdBoard))
		}))
		t.Cleanup(slow.Close)
		client := newClient(slow.URL, newStore(&fakeClock{now: time.Now()}), "secret")

		shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var (
			wg         sync.WaitGroup
			shortErr   error
			sibling    *rail.BoardResult
			siblingErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, shortErr = client.GetBoard(shortCtx, "LHD", false)
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			sibling, siblingErr = client.GetBoard(context.Background(), "LHD", false)
		}()

		// Act
		wg.Wait()

		// Assert
		assert.ErrorIs(t, shortErr, upstream.ErrUnavailable)
		assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
		require.NoError(t, siblingErr)
		assert.Equal(t, "LHD", sibling.Board.CRS)
		assert.False(t, sibling.FromCache)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("An abandoned fetch still fills the cache", func(t *testing.T) {
		// Arrange
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			_, _ = w.Write([]byte(lhdBoard))
		}))
		t.Cleanup(slow.Close)
		client := newClient(slow.URL, newStore(&fakeClock{now: time.Now()}), "secret")
		shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		// Act
		_, err := client.GetBoard(shortCtx, "LHD", false)

		// Assert
		require.Error(t, err)
		assert.Eventually(t, func() bool {
			result, err := client.GetBoard(context.Background(), "LHD", true)
			return err == nil && result.FromCache
		}, 2*time.Second, 20*time.Millisecond)
	})
}
