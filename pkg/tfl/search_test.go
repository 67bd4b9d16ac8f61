package tfl_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-liveboard/pkg/tfl"
	"github.com/illmade-knight/go-liveboard/pkg/tfl/tfltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchPath = "/StopPoint/Search"

const bakerMatches = `{"matches": [
  {"id": "940GZZLUNBS", "name": "North Baker Street Station", "modes": ["tube"]},
  {"id": "940GZZLUBST", "name": "Baker Street Underground Station", "modes": ["tube"]},
  {"id": "490000011B", "name": "Baker Street Bus Stop", "modes": ["bus"]},
  {"id": "910GBKRST", "name": "Baker Street", "modes": ["overground"]},
  {"id": " 940GZZLUBST ", "name": "Baker Street Underground Station", "modes": ["tube"]},
  {"id": "", "name": "Nameless"}
]}`

func TestClient_SearchStopPoints(t *testing.T) {
	ctx := context.Background()

	t.Run("Ranks, filters and labels matches", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(searchPath, bakerMatches)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		results, err := client.SearchStopPoints(ctx, "Baker Street Station", 8)

		// Assert
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, tfl.SearchResult{
			Provider: "tfl",
			Name:     "Baker Street Overground Station",
			Code:     "910GBKRST",
			Badge:    "TfL Overground",
			URL:      "/board/tfl/910GBKRST/departures",
		}, results[0])
		assert.Equal(t, "Baker Street Underground Station", results[1].Name)
		assert.Equal(t, "TfL Tube", results[1].Badge)
		assert.Equal(t, "North Baker Street Underground Station", results[2].Name)
	})

	t.Run("Queries both the raw and the core text", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(searchPath, bakerMatches)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		_, err := client.SearchStopPoints(ctx, "Baker Street Station", 3)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, srv.Calls(searchPath))
		q := srv.LastQuery(searchPath)
		assert.Equal(t, "baker street", q.Get("query"))
		assert.Equal(t, "12", q.Get("maxResults"))
		assert.Equal(t, "false", q.Get("includeHubs"))
		assert.Equal(t, "tube,overground", q.Get("modes"))
	})

	t.Run("Caps results and caches per query", func(t *testing.T) {
		// Arrange
		srv := tfltest.NewServer(t)
		srv.OK(searchPath, bakerMatches)
		client := newClient(srv.URL, newStore(), "key")

		// Act
		first, err := client.SearchStopPoints(ctx, "baker street", 2)
		require.NoError(t, err)
		second, err := client.SearchStopPoints(ctx, "  BAKER STREET ", 2)
		require.NoError(t, err)

		// Assert
		assert.Len(t, first, 2)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, srv.Calls(searchPath))
	})

	t.Run("Empty query makes no request", func(t *testing.T) {
		srv := tfltest.NewServer(t)
		client := newClient(srv.URL, newStore(), "key")

		results, err := client.SearchStopPoints(ctx, "   ", 8)

		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Equal(t, 0, srv.Calls(searchPath))
	})
}

func TestFormatSearchStopName(t *testing.T) {
	testCases := []struct {
		name  string
		raw   string
		modes []string
		want  string
	}{
		{name: "Tube only", raw: "Bank", modes: []string{"tube"}, want: "Bank Underground Station"},
		{name: "Overground strips station", raw: "Highbury Station", modes: []string{"overground"}, want: "Highbury Overground Station"},
		{name: "DLR only", raw: "Canary Wharf Station", modes: []string{"dlr"}, want: "Canary Wharf DLR Station"},
		{name: "Existing suffix kept", raw: "Shadwell DLR Station", modes: []string{"dlr"}, want: "Shadwell DLR Station"},
		{name: "Mixed modes unchanged", raw: "Stratford", modes: []string{"tube", "overground"}, want: "Stratford"},
		{name: "Blank", raw: "  ", modes: []string{"tube"}, want: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tfl.FormatSearchStopName(tc.raw, tc.modes))
		})
	}
}

func TestNormalizeSearchText(t *testing.T) {
	assert.Equal(t, "baker street", tfl.NormalizeSearchText("  Baker Street Underground Station "))
	assert.Equal(t, "bank", tfl.NormalizeSearchText("Bank Station"))
	assert.Equal(t, "angel", tfl.NormalizeSearchText("Angel"))
}
