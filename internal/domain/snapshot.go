package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntrantStatus is the feed-reported status of an entrant.
type EntrantStatus string

const (
	EntrantStatusActive    EntrantStatus = "ACTIVE"
	EntrantStatusWithdrawn EntrantStatus = "REMOVED"
	EntrantStatusWinner    EntrantStatus = "WINNER"
	EntrantStatusLoser     EntrantStatus = "LOSER"
)

// EntrantPrices is the current price information for one entrant.
type EntrantPrices struct {
	LastTraded   decimal.Decimal `json:"ltp"`
	BestBack     decimal.Decimal `json:"bestBack"`
	BestLay      decimal.Decimal `json:"bestLay"`
	NearPrice    decimal.Decimal `json:"spn"`
	FarPrice     decimal.Decimal `json:"spf"`
	TradedVolume decimal.Decimal `json:"tv"`
}

// EntrantObservation is one entrant's state inside a snapshot.
type EntrantObservation struct {
	SelectionID int64         `json:"id"`
	Name        string        `json:"name,omitempty"`
	Status      EntrantStatus `json:"status"`
	Prices      EntrantPrices `json:"prices"`
}

// LifecycleSnapshot is a point-in-time view of a market's live state as
// reported by the feed.
type LifecycleSnapshot struct {
	MarketID      string
	Venue         string
	DeclaredStart *time.Time
	// Reconciled is true once starting-price reconciliation has completed.
	Reconciled bool
	// InPlay is true while the event is in progress.
	InPlay     bool
	Entrants   []EntrantObservation
	ReceivedAt time.Time
}

// Settled reports whether the snapshot marks the end of monitoring: price
// reconciliation is complete and the event is in progress.
func (s LifecycleSnapshot) Settled() bool {
	return s.Reconciled && s.InPlay
}

// ActiveEntrants returns the observations whose status is Active, preserving
// feed order.
func (s LifecycleSnapshot) ActiveEntrants() []EntrantObservation {
	out := make([]EntrantObservation, 0, len(s.Entrants))
	for _, e := range s.Entrants {
		if e.Status == EntrantStatusActive {
			out = append(out, e)
		}
	}
	return out
}

// StartOr returns the snapshot's declared start, or fallback when the feed
// did not declare one.
func (s LifecycleSnapshot) StartOr(fallback time.Time) time.Time {
	if s.DeclaredStart == nil || s.DeclaredStart.IsZero() {
		return fallback
	}
	return *s.DeclaredStart
}
