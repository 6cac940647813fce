package feed

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// ladder maps level -> price for the best available offers.
type ladder map[int64]decimal.Decimal

func (l ladder) apply(levels [][]decimal.Decimal) {
	for _, lv := range levels {
		if len(lv) < 3 {
			continue
		}
		level := lv[0].IntPart()
		if lv[2].IsZero() {
			delete(l, level)
			continue
		}
		l[level] = lv[1]
	}
}

func (l ladder) best() decimal.Decimal {
	return l[0]
}

type runnerState struct {
	lastTraded decimal.Decimal
	volume     decimal.Decimal
	near       decimal.Decimal
	far        decimal.Decimal
	back       ladder
	lay        ladder
}

func newRunnerState() *runnerState {
	return &runnerState{back: make(ladder), lay: make(ladder)}
}

// marketCache merges market change deltas into the full state of one market.
type marketCache struct {
	id      string
	def     *MarketDefinition
	runners map[int64]*runnerState
}

func newMarketCache(id string) *marketCache {
	return &marketCache{id: id, runners: make(map[int64]*runnerState)}
}

func (c *marketCache) apply(mc MarketChange) {
	if mc.Image {
		c.runners = make(map[int64]*runnerState)
	}
	if mc.Definition != nil {
		c.def = mc.Definition
	}
	for _, rc := range mc.Runners {
		rs, ok := c.runners[rc.ID]
		if !ok {
			rs = newRunnerState()
			c.runners[rc.ID] = rs
		}
		if rc.LastTraded != nil {
			rs.lastTraded = *rc.LastTraded
		}
		if rc.TradedVolume != nil {
			rs.volume = *rc.TradedVolume
		}
		if rc.NearPrice != nil {
			rs.near = *rc.NearPrice
		}
		if rc.FarPrice != nil {
			rs.far = *rc.FarPrice
		}
		rs.back.apply(rc.BestAvailableToBack)
		rs.lay.apply(rc.BestAvailableToLay)
	}
}

// snapshot renders the cached state. It reports false until a market
// definition has been received.
func (c *marketCache) snapshot(at time.Time) (domain.LifecycleSnapshot, bool) {
	if c.def == nil {
		return domain.LifecycleSnapshot{}, false
	}

	defs := append([]RunnerDefinition(nil), c.def.Runners...)
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].SortPriority < defs[j].SortPriority
	})

	entrants := make([]domain.EntrantObservation, 0, len(defs))
	for _, rd := range defs {
		obs := domain.EntrantObservation{
			SelectionID: rd.ID,
			Status:      domain.EntrantStatus(rd.Status),
		}
		if rs, ok := c.runners[rd.ID]; ok {
			obs.Prices = domain.EntrantPrices{
				LastTraded:   rs.lastTraded,
				BestBack:     rs.back.best(),
				BestLay:      rs.lay.best(),
				NearPrice:    rs.near,
				FarPrice:     rs.far,
				TradedVolume: rs.volume,
			}
		}
		entrants = append(entrants, obs)
	}

	var start *time.Time
	if c.def.MarketTime != nil {
		t := *c.def.MarketTime
		start = &t
	}
	return domain.LifecycleSnapshot{
		MarketID:      c.id,
		Venue:         c.def.Venue,
		DeclaredStart: start,
		Reconciled:    c.def.BspReconciled,
		InPlay:        c.def.InPlay,
		Entrants:      entrants,
		ReceivedAt:    at,
	}, true
}
