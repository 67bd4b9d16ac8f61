package tfl_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/tfl/tfltest"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	statusPath   = "/Line/Mode/tube,overground/Status"
	bakerArrPath = "/StopPoint/940GZZLUBST/Arrivals"
)

const bakerArrivals = `[
  {"id": "p2", "naptanId": "940GZZLUBST", "stationName": "Baker Street Underground Station",
   "lineId": "jubilee", "lineName": "Jubilee", "direction": "outbound", "timeToStation": 300,
   "expectedArrival": "2025-03-01T12:05:00Z", "destinationNaptanId": "940GZZLUSTD", "destinationName": "Stratford"},
  {"id": "p1", "naptanId": "940GZZLUBST", "stationName": "Baker Street Underground Station",
   "lineId": "bakerloo", "lineName": "Bakerloo", "direction": "inbound", "timeToStation": 60,
   "expectedArrival": "2025-03-01T12:01:00Z"},
  {"id": "bad", "timeToStation": "soon"},
  {"id": "p3", "lineId": "jubilee", "expectedArrival": "2025-03-01T12:09:00Z"}
]`

const lineStatus = `[
  {"id": "jubilee", "name": "Jubilee", "lineStatuses": [{"statusSeverity": 10, "statusSeverityDescription": "Good Service"}]},
  {"id": "bakerloo", "name": "Bakerloo", "lineStatuses": [{"statusSeverity": 9, "statusSeverityDescription": "Minor Delays", "reason": "Signal failure"}]},
  {"id": "central", "name": "Central", "lineStatuses": [{"statusSeverity": 10, "statusSeverityDescription": "Good Service"}]}
]`

func newStore() cache.Store {
	return cache.New(cache.NewMemoryBackend(cache.MemoryConfig{}), cache.Config{}, zerolog.Nop())
}

func newClient(baseURL string, store cache.Store, appKey string) *tfl.Client {
	return tfl.NewClient(tfl.Config{
		BaseURL: baseURL,
		AppKey:  appKey,
		AppID:   "app-id",
	}, store, zerolog.Nop())
}

func TestClient_GetBoard(t *testing.T) {
	ctx := context.Background()

	t.Run("Fetches, sorts and filters line status", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(bakerArrPath, bakerArrivals)
		srv.OK(statusPath, lineStatus)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		result, err := client.GetBoard(ctx, " 940GZZLUBST ", true)

		// Assert
		require.NoError(t, err)
		assert.False(t, result.FromCache)
		board := result.Board
		assert.Equal(t, "940GZZLUBST", board.StopPointID)
		assert.Equal(t, "Baker Street Underground Station", board.StationName)
		assert.NotEmpty(t, board.PulledAt)
		require.Len(t, board.Trains, 3)
		assert.Equal(t, "p1", board.Trains[0].ID)
		assert.Equal(t, "p2", board.Trains[1].ID)
		assert.Equal(t, "p3", board.Trains[2].ID)
		require.Len(t, board.LineStatus, 2)
		assert.Equal(t, "jubilee", board.LineStatus[0].LineID)
		assert.Equal(t, "bakerloo", board.LineStatus[1].LineID)
		assert.Equal(t, "Signal failure", board.LineStatus[1].Reason)
	})

	t.Run("Second call is served from the cache", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(bakerArrPath, bakerArrivals)
		srv.OK(statusPath, lineStatus)
		client := newClient(srv.URL, newStore(), "key")
		_, err := client.GetBoard(ctx, "940GZZLUBST", true)
		require.NoError(t, err)

		// Act
		result, err := client.GetBoard(ctx, "940GZZLUBST", true)

		// Assert
		require.NoError(t, err)
		assert.True(t, result.FromCache)
		assert.Len(t, result.Board.Trains, 3)
		assert.Equal(t, 1, srv.Calls(bakerArrPath))

		_, err = client.GetBoard(ctx, "940GZZLUBST", false)
		require.NoError(t, err)
		assert.Equal(t, 2, srv.Calls(bakerArrPath))
	})

	t.Run("Empty arrivals take the stop point name", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK("/StopPoint/940GZZLUOXC/Arrivals", `[]`)
		srv.OK("/StopPoint/940GZZLUOXC", `{"commonName": "Oxford Circus Underground Station"}`)
		srv.OK(statusPath, lineStatus)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		result, err := client.GetBoard(ctx, "940GZZLUOXC", true)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "Oxford Circus Underground Station", result.Board.StationName)
		assert.Empty(t, result.Board.Trains)
		assert.Len(t, result.Board.LineStatus, 3, "unfiltered when no prediction names a line")
	})

	t.Run("Line status failure leaves the board without status", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(bakerArrPath, bakerArrivals)
		srv.Handle(statusPath, http.StatusServiceUnavailable, `{}`)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		result, err := client.GetBoard(ctx, "940GZZLUBST", true)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, result.Board.LineStatus)
		assert.Len(t, result.Board.Trains, 3)
	})

	t.Run("Sends the app key and id", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(bakerArrPath, bakerArrivals)
		srv.OK(statusPath, lineStatus)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		_, err := client.GetBoard(ctx, "940GZZLUBST", true)

		// Assert
		require.NoError(t, err)
		q := srv.LastQuery(bakerArrPath)
		assert.Equal(t, "key", q.Get("app_key"))
		assert.Equal(t, "app-id", q.Get("app_id"))
	})

	t.Run("Missing key is unconfigured", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		client := newClient(srv.URL, newStore(), "")

		// Act
		_, err := client.GetBoard(ctx, "940GZZLUBST", true)

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, upstream.ErrUnconfigured)
		assert.ErrorIs(t, err, upstream.ErrUnavailable)
		assert.Equal(t, http.StatusServiceUnavailable, upstream.HTTPStatus(err))
		assert.Error(t, client.Check(ctx))
		assert.Equal(t, 0, srv.Calls(bakerArrPath))
	})

	t.Run("Empty id is not found", func(t *testing.T) {
		client := newClient("http://unused", newStore(), "key")

		_, err := client.GetBoard(ctx, "  ", true)

		assert.ErrorIs(t, err, upstream.ErrNotFound)
	})

	t.Run("Status mapping", func(t *testing.T) {
		testCases := []struct {
			name   string
			status int
			want   error
		}{
			{name: "404 is not found", status: http.StatusNotFound, want: upstream.ErrNotFound},
			{name: "403 is unavailable", status: http.StatusForbidden, want: upstream.ErrUnavailable},
			{name: "500 is unavailable", status: http.StatusInternalServerError, want: upstream.ErrUnavailable},
			{name: "418 is unavailable", status: http.StatusTeapot, want: upstream.ErrUnavailable},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				srv := tfltest.NewServer(t)
				srv.Handle(bakerArrPath, tc.status, `{}`)
				client := newClient(srv.URL, newStore(), "key")

				_, err := client.GetBoard(ctx, "940GZZLUBST", true)

				assert.ErrorIs(t, err, tc.want)
			})
		}
	})
}

func TestClient_ResolveStopPointID(t *testing.T) {
	ctx := context.Background()

	t.Run("Hub resolves to the first child on a configured mode", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK("/StopPoint/HUBBDS", `{"children": [
		  {"id": "910GBONDST", "modes": ["elizabeth-line"]},
		  {"id": "940GZZLUBND", "modes": ["tube"]}
		]}`)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		first := client.ResolveStopPointID(ctx, "HUBBDS")
		second := client.ResolveStopPointID(ctx, "HUBBDS")

		// Assert
		assert.Equal(t, "940GZZLUBND", first)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, srv.Calls("/StopPoint/HUBBDS"))
	})

	t.Run("Failed hub lookup keeps the id", func(t *testing.T) {
		srv := tfltest.NewServer(t)
		client := newClient(srv.URL, newStore(), "key")

		assert.Equal(t, "HUBZZZ", client.ResolveStopPointID(ctx, "HUBZZZ"))
	})

	t.Run("Plain ids are not looked up", func(t *testing.T) {
		srv := tfltest.NewServer(t)
		client := newClient(srv.URL, newStore(), "key")

		assert.Equal(t, "940GZZLUBST", client.ResolveStopPointID(ctx, "940GZZLUBST"))
		assert.Equal(t, 0, srv.Calls("/StopPoint/940GZZLUBST"))
	})

	t.Run("Empty id is returned unchanged", func(t *testing.T) {
		client := newClient("http://unused", newStore(), "key")

		assert.Equal(t, " ", client.ResolveStopPointID(ctx, " "))
	})
}

func TestClient_Primitives(t *testing.T) {
	ctx := context.Background()

	t.Run("Predictions are sorted and cached", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(bakerArrPath, bakerArrivals)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		first, err := client.Predictions(ctx, "940GZZLUBST", true)
		require.NoError(t, err)
		second, err := client.Predictions(ctx, "940GZZLUBST", true)
		require.NoError(t, err)

		// Assert
		require.Len(t, first, 3)
		assert.Equal(t, "p1", first[0].ID)
		require.Len(t, second, 3)
		assert.Equal(t, first[2].ID, second[2].ID)
		assert.Equal(t, 1, srv.Calls(bakerArrPath))
	})

	t.Run("Route sequence asks for regular services", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		path := "/Line/jubilee/Route/Sequence/outbound"
		srv.OK(path, `{"stopPointSequences": [{"stopPoint": [{"id": "A", "name": "Alpha"}, {"id": "B", "name": "Beta"}]}]}`)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		seq, err := client.RouteSequence(ctx, "jubilee", "outbound", true)

		// Assert
		require.NoError(t, err)
		require.Len(t, seq.StopPointSequences, 1)
		assert.Equal(t, "Beta", seq.StopPointSequences[0].StopPoint[1].Name)
		assert.Equal(t, "Regular", srv.LastQuery(path).Get("serviceTypes"))
	})

	t.Run("Timetable decodes intervals", func(t *testing.T) {
		srv := tfltest.NewServer(t)
		srv.OK("/Line/jubilee/Timetable/A/to/C", `{"timetable": {"routes": [{"stationIntervals": [{"intervals": [{"stopId": "B", "timeToArrival": 2.4}]}]}]}}`)
		client := newClient(srv.URL, newStore(), "key")

		tt, err := client.Timetable(ctx, "jubilee", "A", "C", true)

		require.NoError(t, err)
		interval := tt.Timetable.Routes[0].StationIntervals[0].Intervals[0]
		assert.Equal(t, "B", interval.StopID)
		assert.InDelta(t, 2.4, *interval.TimeToArrival, 0.001)
	})

	t.Run("Stop name falls back to the id", func(t *testing.T) {
		srv := tfltest.NewServer(t)
		srv.OK("/StopPoint/A", `{"name": "Alpha"}`)
		client := newClient(srv.URL, newStore(), "key")

		assert.Equal(t, "Alpha", client.StopName(ctx, "A"))
		assert.Equal(t, "Z", client.StopName(ctx, "Z"))
	})
}

func TestPredictionsForView(t *testing.T) {
	out := tfl.Prediction{ID: "out", Direction: "Outbound "}
	in := tfl.Prediction{ID: "in", Direction: "inbound"}
	none := tfl.Prediction{ID: "none"}

	testCases := []struct {
		name        string
		predictions []tfl.Prediction
		view        string
		want        []string
	}{
		{name: "Departures keep outbound and undirected", predictions: []tfl.Prediction{in, none, out}, view: "departures", want: []string{"out", "none"}},
		{name: "Arrivals keep inbound and undirected", predictions: []tfl.Prediction{in, none, out}, view: "arrivals", want: []string{"in", "none"}},
		{name: "No outbound returns everything", predictions: []tfl.Prediction{in, none}, view: "departures", want: []string{"in", "none"}},
		{name: "Other views are unchanged", predictions: []tfl.Prediction{out, in}, view: "all", want: []string{"out", "in"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tfl.PredictionsForView(tc.predictions, tc.view)

			ids := make([]string, 0, len(got))
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}
