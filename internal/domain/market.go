package domain

import (
	"strings"
	"time"
)

// Entrant is a single selection taking part in a market.
type Entrant struct {
	SelectionID int64  `json:"selectionId"`
	Name        string `json:"runnerName"`
}

// MarketEvent describes the event a market belongs to.
type MarketEvent struct {
	Venue string `json:"venue"`
}

// MarketDescription carries catalogue-level timing.
type MarketDescription struct {
	MarketTime time.Time `json:"marketTime"`
}

// Market is a tracked live event with a nominal start time and a fixed set of
// entrants. It is loaded once per run and never mutated afterwards. The JSON
// shape matches the catalogue feed so the same value doubles as an activation
// payload.
type Market struct {
	ID          string            `json:"marketId"`
	Label       string            `json:"marketName"`
	Event       MarketEvent       `json:"event"`
	Description MarketDescription `json:"description"`
	Entrants    []Entrant         `json:"runners"`
}

// Venue returns the venue name of the market's event.
func (m Market) Venue() string {
	return m.Event.Venue
}

// StartTime returns the nominal start time of the market.
func (m Market) StartTime() time.Time {
	return m.Description.MarketTime
}

// ShortLabel returns the first word of the label, e.g. "R1" for "R1 1200m Mdn".
func (m Market) ShortLabel() string {
	fields := strings.Fields(m.Label)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// EntrantName looks up the display name for a selection id. It returns the
// empty string if the selection is not part of the market.
func (m Market) EntrantName(selectionID int64) string {
	for _, e := range m.Entrants {
		if e.SelectionID == selectionID {
			return e.Name
		}
	}
	return ""
}
