package rail

import "strings"

const onTime = "On time"

// IsDeparting reports whether the train has a scheduled departure here.
func (t Train) IsDeparting() bool { return t.STD != "" }

// IsArriving reports whether the train has a scheduled arrival here.
func (t Train) IsArriving() bool { return t.STA != "" }

// IsPassingThrough reports whether the train both arrives and departs here.
func (t Train) IsPassingThrough() bool { return t.IsArriving() && t.IsDeparting() }

// OriginName is the first origin's name, or "".
func (t Train) OriginName() string {
	if len(t.Origin) == 0 {
		return ""
	}
	return t.Origin[0].LocationName
}

// DestinationName is the first destination's name, or "".
func (t Train) DestinationName() string {
	if len(t.Destination) == 0 {
		return ""
	}
	return t.Destination[0].LocationName
}

// DestinationVia is the first destination's routing note with any leading
// "via " removed.
func (t Train) DestinationVia() string {
	if len(t.Destination) == 0 {
		return ""
	}
	via := strings.TrimSpace(t.Destination[0].Via)
	if len(via) >= 4 && strings.EqualFold(via[:4], "via ") {
		via = strings.TrimLeft(via[4:], " \t")
	}
	return via
}

// DisplayStatus summarises the running state for a board row.
func (t Train) DisplayStatus() string {
	if t.IsCancelled {
		return "Cancelled"
	}
	switch {
	case t.IsDeparting():
		return statusFor(t.STD, t.ETD)
	case t.IsArriving():
		return statusFor(t.STA, t.ETA)
	default:
		return "Unknown"
	}
}

func statusFor(scheduled, estimated string) string {
	switch {
	case estimated == onTime:
		return onTime
	case estimated != "" && estimated != scheduled:
		return "Exp " + estimated
	case estimated != "":
		return estimated
	default:
		return "No information"
	}
}

// Departures returns the trains with a scheduled departure.
func (b *Board) Departures() []Train {
	return b.filter(Train.IsDeparting)
}

// Arrivals returns the trains with a scheduled arrival.
func (b *Board) Arrivals() []Train {
	return b.filter(Train.IsArriving)
}

// PassingThrough returns the trains that both arrive and depart.
func (b *Board) PassingThrough() []Train {
	return b.filter(Train.IsPassingThrough)
}

// View returns the trains for a named board view. Unknown views return
// every train.
func (b *Board) View(view string) []Train {
	switch view {
	case "departures":
		return b.Departures()
	case "arrivals":
		return b.Arrivals()
	case "passing":
		return b.PassingThrough()
	default:
		return b.Trains
	}
}

// FindService returns the row carrying serviceID.
func (b *Board) FindService(serviceID string) (Train, bool) {
	for _, t := range b.Trains {
		if t.ServiceID == serviceID {
			return t, true
		}
	}
	return Train{}, false
}

func (b *Board) filter(keep func(Train) bool) []Train {
	out := make([]Train, 0, len(b.Trains))
	for _, t := range b.Trains {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// HasPassed reports whether the train has already called here.
func (c CallingPoint) HasPassed() bool { return c.AT != "" || c.ATA != "" }

// DisplayTime is the best available time: actual, then estimated, then
// planned or scheduled.
func (c CallingPoint) DisplayTime() string {
	switch {
	case c.ATA != "":
		return c.ATA
	case c.ETA != "" && c.ETA != onTime:
		return c.ETA
	case c.PTA != "":
		return c.PTA
	case c.AT != "":
		return c.AT
	case c.ET != "" && c.ET != onTime:
		return c.ET
	default:
		return c.ST
	}
}

// IsDelayed reports whether an estimate differs from the timetable.
func (c CallingPoint) IsDelayed() bool {
	if c.ET != "" && !isNeutralEstimate(c.ET, c.ST) {
		return true
	}
	planned := c.PTA
	if planned == "" {
		planned = c.ST
	}
	return c.ETA != "" && !isNeutralEstimate(c.ETA, planned)
}

func isNeutralEstimate(estimate, planned string) bool {
	switch estimate {
	case onTime, planned, "Delayed", "Cancelled":
		return true
	}
	return false
}

// AllPreviousStops flattens the previous calling point lists.
func (s *ServiceDetails) AllPreviousStops() []CallingPoint {
	return flatten(s.PreviousCallingPoints)
}

// AllSubsequentStops flattens the subsequent calling point lists.
func (s *ServiceDetails) AllSubsequentStops() []CallingPoint {
	return flatten(s.SubsequentCallingPoints)
}

// OriginName is the first origin's name, or "Unknown".
func (s *ServiceDetails) OriginName() string {
	if len(s.Origin) == 0 {
		return "Unknown"
	}
	return s.Origin[0].LocationName
}

// DestinationName is the first destination's name, or "Unknown".
func (s *ServiceDetails) DestinationName() string {
	if len(s.Destination) == 0 {
		return "Unknown"
	}
	return s.Destination[0].LocationName
}

func flatten(lists []CallingPointList) []CallingPoint {
	var stops []CallingPoint
	for _, l := range lists {
		stops = append(stops, l.CallingPoint...)
	}
	return stops
}
