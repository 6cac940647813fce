package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestMarketCache_NoSnapshotBeforeDefinition(t *testing.T) {
	c := newMarketCache("1.1")
	c.apply(MarketChange{ID: "1.1", Runners: []RunnerChange{{ID: 1, LastTraded: decPtr("2.5")}}})
	if _, ok := c.snapshot(time.Now()); ok {
		t.Fatal("snapshot produced without market definition")
	}
}

func TestMarketCache_MergesDeltas(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	c := newMarketCache("1.1")
	c.apply(MarketChange{
		ID:    "1.1",
		Image: true,
		Definition: &MarketDefinition{
			Venue:      "Randwick",
			MarketTime: &start,
			Runners: []RunnerDefinition{
				{ID: 2, Status: "ACTIVE", SortPriority: 2},
				{ID: 1, Status: "ACTIVE", SortPriority: 1},
				{ID: 3, Status: "REMOVED", SortPriority: 3},
			},
		},
		Runners: []RunnerChange{
			{
				ID:                  1,
				LastTraded:          decPtr("4.2"),
				TradedVolume:        decPtr("150"),
				BestAvailableToBack: [][]decimal.Decimal{{dec("0"), dec("4.1"), dec("20")}},
				BestAvailableToLay:  [][]decimal.Decimal{{dec("0"), dec("4.3"), dec("15")}},
			},
		},
	})
	c.apply(MarketChange{
		ID: "1.1",
		Runners: []RunnerChange{
			{ID: 1, LastTraded: decPtr("4.0"), NearPrice: decPtr("3.9")},
			{ID: 1, BestAvailableToLay: [][]decimal.Decimal{{dec("0"), dec("4.3"), dec("0")}}},
		},
	})

	snap, ok := c.snapshot(start)
	if !ok {
		t.Fatal("no snapshot")
	}
	if snap.Venue != "Randwick" || snap.DeclaredStart == nil || !snap.DeclaredStart.Equal(start) {
		t.Fatalf("definition fields = %+v", snap)
	}
	if len(snap.Entrants) != 3 || snap.Entrants[0].SelectionID != 1 || snap.Entrants[1].SelectionID != 2 {
		t.Fatalf("entrants not in sort priority order: %+v", snap.Entrants)
	}

	p := snap.Entrants[0].Prices
	if !p.LastTraded.Equal(dec("4.0")) {
		t.Errorf("ltp = %s, want 4.0", p.LastTraded)
	}
	if !p.TradedVolume.Equal(dec("150")) {
		t.Errorf("tv = %s, want 150", p.TradedVolume)
	}
	if !p.BestBack.Equal(dec("4.1")) {
		t.Errorf("best back = %s, want 4.1", p.BestBack)
	}
	if !p.BestLay.IsZero() {
		t.Errorf("best lay = %s, want removed", p.BestLay)
	}
	if !p.NearPrice.Equal(dec("3.9")) {
		t.Errorf("spn = %s, want 3.9", p.NearPrice)
	}
	if snap.Entrants[2].Status != domain.EntrantStatusWithdrawn {
		t.Errorf("status = %s, want REMOVED", snap.Entrants[2].Status)
	}
}

func TestMarketCache_ImageResetsRunners(t *testing.T) {
	c := newMarketCache("1.1")
	def := &MarketDefinition{Runners: []RunnerDefinition{{ID: 1, Status: "ACTIVE"}}}
	c.apply(MarketChange{ID: "1.1", Definition: def, Runners: []RunnerChange{{ID: 1, LastTraded: decPtr("5")}}})
	c.apply(MarketChange{ID: "1.1", Image: true, Runners: []RunnerChange{{ID: 1, TradedVolume: decPtr("10")}}})

	snap, _ := c.snapshot(time.Now())
	if !snap.Entrants[0].Prices.LastTraded.IsZero() {
		t.Fatalf("ltp survived image: %s", snap.Entrants[0].Prices.LastTraded)
	}
	if !snap.Entrants[0].Prices.TradedVolume.Equal(dec("10")) {
		t.Fatalf("tv = %s, want 10", snap.Entrants[0].Prices.TradedVolume)
	}
}
