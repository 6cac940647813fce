package domain

import "context"

// ConnectionStatus is the state of a live feed subscription.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusSubscribed   ConnectionStatus = "subscribed"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// FeedClient opens live subscriptions, one per market id.
type FeedClient interface {
	Subscribe(ctx context.Context, marketID string) (Subscription, error)
}

// Subscription is a single live market subscription. Snapshots are delivered
// in feed order on a channel owned by the subscription; the channel is closed
// when the subscription ends, after which Err reports why.
type Subscription interface {
	MarketID() string
	Snapshots() <-chan LifecycleSnapshot
	Status() ConnectionStatus
	Err() error
	Unsubscribe() error
}
