package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request ops.
const (
	opAuthentication     = "authentication"
	opMarketSubscription = "marketSubscription"
)

// Response ops.
const (
	opConnection    = "connection"
	opStatus        = "status"
	opMarketChanges = "mcm"
)

// Change types carried on mcm messages.
const (
	changeSubImage  = "SUB_IMAGE"
	changeHeartbeat = "HEARTBEAT"
)

const statusSuccess = "SUCCESS"

// Data fields requested on every subscription.
var subscriptionFields = []string{
	"EX_MARKET_DEF",
	"EX_BEST_OFFERS",
	"EX_LTP",
	"EX_TRADED_VOL",
	"SP_PROJECTED",
}

// AuthenticationRequest authenticates the connection.
type AuthenticationRequest struct {
	Op      string `json:"op"`
	ID      int    `json:"id"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

// MarketFilter selects the markets of a subscription.
type MarketFilter struct {
	MarketIDs []string `json:"marketIds"`
}

// MarketDataFilter selects the fields streamed for each market.
type MarketDataFilter struct {
	Fields       []string `json:"fields"`
	LadderLevels int      `json:"ladderLevels,omitempty"`
}

// MarketSubscriptionRequest subscribes to market changes.
type MarketSubscriptionRequest struct {
	Op               string           `json:"op"`
	ID               int              `json:"id"`
	MarketFilter     MarketFilter     `json:"marketFilter"`
	MarketDataFilter MarketDataFilter `json:"marketDataFilter"`
}

// Envelope is the common header of every server message.
type Envelope struct {
	Op string `json:"op"`
	ID int    `json:"id,omitempty"`
}

// StatusMessage acknowledges a request or reports a connection failure.
type StatusMessage struct {
	Op               string `json:"op"`
	ID               int    `json:"id,omitempty"`
	StatusCode       string `json:"statusCode"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ConnectionClosed bool   `json:"connectionClosed"`
}

// ConnectionMessage is sent by the server once the socket is open.
type ConnectionMessage struct {
	Op           string `json:"op"`
	ConnectionID string `json:"connectionId"`
}

// MarketChangeMessage carries a batch of market changes.
type MarketChangeMessage struct {
	Op          string         `json:"op"`
	ID          int            `json:"id,omitempty"`
	ChangeType  string         `json:"ct,omitempty"`
	Clock       string         `json:"clk,omitempty"`
	PublishTime int64          `json:"pt"`
	Changes     []MarketChange `json:"mc,omitempty"`
}

// MarketChange is the delta (or full image when Image is set) for one market.
type MarketChange struct {
	ID         string            `json:"id"`
	Image      bool              `json:"img,omitempty"`
	Definition *MarketDefinition `json:"marketDefinition,omitempty"`
	Runners    []RunnerChange    `json:"rc,omitempty"`
}

// MarketDefinition is the market's static and lifecycle state. It is always
// sent whole.
type MarketDefinition struct {
	Venue         string             `json:"venue"`
	MarketTime    *time.Time         `json:"marketTime,omitempty"`
	Status        string             `json:"status"`
	BspReconciled bool               `json:"bspReconciled"`
	InPlay        bool               `json:"inPlay"`
	Runners       []RunnerDefinition `json:"runners"`
}

// RunnerDefinition is one runner inside a market definition.
type RunnerDefinition struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	SortPriority int    `json:"sortPriority"`
}

// RunnerChange is a price delta for one runner. Ladder entries are
// [level, price, size] triples; a zero size removes the level.
type RunnerChange struct {
	ID                  int64               `json:"id"`
	LastTraded          *decimal.Decimal    `json:"ltp,omitempty"`
	TradedVolume        *decimal.Decimal    `json:"tv,omitempty"`
	NearPrice           *decimal.Decimal    `json:"spn,omitempty"`
	FarPrice            *decimal.Decimal    `json:"spf,omitempty"`
	BestAvailableToBack [][]decimal.Decimal `json:"batb,omitempty"`
	BestAvailableToLay  [][]decimal.Decimal `json:"batl,omitempty"`
}
