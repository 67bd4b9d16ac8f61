package rail_test

import (
	"testing"

	"github.com/illmade-knight/go-liveboard/pkg/rail"
	"github.com/stretchr/testify/assert"
)

func TestTrain_DisplayStatus(t *testing.T) {
	testCases := []struct {
		name  string
		train rail.Train
		want  string
	}{
		{name: "Cancelled wins", train: rail.Train{STD: "12:00", ETD: "On time", IsCancelled: true}, want: "Cancelled"},
		{name: "Departure on time", train: rail.Train{STD: "12:00", ETD: "On time"}, want: "On time"},
		{name: "Departure delayed", train: rail.Train{STD: "12:00", ETD: "12:07"}, want: "Exp 12:07"},
		{name: "Departure raw estimate", train: rail.Train{STD: "12:00", ETD: "12:00"}, want: "12:00"},
		{name: "Departure without estimate", train: rail.Train{STD: "12:00"}, want: "No information"},
		{name: "Arrival delayed", train: rail.Train{STA: "12:00", ETA: "12:03"}, want: "Exp 12:03"},
		{name: "Neither", train: rail.Train{}, want: "Unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.train.DisplayStatus())
		})
	}
}

func TestTrain_DestinationVia(t *testing.T) {
	t.Run("Strips the leading via", func(t *testing.T) {
		train := rail.Train{Destination: []rail.Location{{LocationName: "Victoria", CRS: "VIC", Via: "  via Sutton "}}}
		assert.Equal(t, "Sutton", train.DestinationVia())
	})

	t.Run("Keeps text without a via prefix", func(t *testing.T) {
		train := rail.Train{Destination: []rail.Location{{Via: "Epsom"}}}
		assert.Equal(t, "Epsom", train.DestinationVia())
	})

	t.Run("Empty without destinations", func(t *testing.T) {
		assert.Equal(t, "", rail.Train{}.DestinationVia())
	})
}

func TestBoard_Views(t *testing.T) {
	board := &rail.Board{Trains: []rail.Train{
		{ServiceID: "dep", STD: "12:00"},
		{ServiceID: "arr", STA: "12:05"},
		{ServiceID: "both", STA: "12:10", STD: "12:11"},
	}}

	t.Run("Departures", func(t *testing.T) {
		assert.Equal(t, []string{"dep", "both"}, ids(board.Departures()))
	})

	t.Run("Arrivals", func(t *testing.T) {
		assert.Equal(t, []string{"arr", "both"}, ids(board.Arrivals()))
	})

	t.Run("Passing through", func(t *testing.T) {
		assert.Equal(t, []string{"both"}, ids(board.View("passing")))
	})

	t.Run("FindService", func(t *testing.T) {
		train, ok := board.FindService("arr")
		assert.True(t, ok)
		assert.Equal(t, "12:05", train.STA)
		_, ok = board.FindService("missing")
		assert.False(t, ok)
	})
}

func TestServiceDetails(t *testing.T) {
	t.Run("Built from the board and row", func(t *testing.T) {
		// Arrange
		board := &rail.Board{LocationName: "Leatherhead", CRS: "LHD", GeneratedAt: "g", PulledAt: "p"}
		train := rail.Train{
			ServiceID: "svc1",
			Operator:  "Southern",
			PreviousCallingPoints: []rail.CallingPointList{
				{CallingPoint: []rail.CallingPoint{{LocationName: "A", CRS: "AAA", ST: "11:00"}}},
				{CallingPoint: []rail.CallingPoint{{LocationName: "B", CRS: "BBB", ST: "11:30"}}},
			},
		}

		// Act
		details := rail.NewServiceDetails(board, train)

		// Assert
		assert.Equal(t, "LHD", details.CRS)
		assert.Equal(t, "train", details.ServiceType)
		assert.Len(t, details.AllPreviousStops(), 2)
		assert.Empty(t, details.AllSubsequentStops())
		assert.Equal(t, "Unknown", details.OriginName())
	})
}

func TestCallingPoint_DisplayTime(t *testing.T) {
	t.Run("Actual arrival first", func(t *testing.T) {
		cp := rail.CallingPoint{ST: "10:00", ET: "10:05", ATA: "10:04"}
		assert.Equal(t, "10:04", cp.DisplayTime())
		assert.True(t, cp.HasPassed())
	})

	t.Run("Falls back to scheduled", func(t *testing.T) {
		cp := rail.CallingPoint{ST: "10:00", ET: "On time"}
		assert.Equal(t, "10:00", cp.DisplayTime())
		assert.False(t, cp.IsDelayed())
	})

	t.Run("Delayed estimate", func(t *testing.T) {
		cp := rail.CallingPoint{ST: "10:00", ET: "10:09"}
		assert.True(t, cp.IsDelayed())
	})
}

func ids(trains []rail.Train) []string {
	out := make([]string, 0, len(trains))
	for _, tr := range trains {
		out = append(out, tr.ServiceID)
	}
	return out
}
