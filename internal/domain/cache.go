package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// WatchState is a Market Watcher lifecycle state.
type WatchState string

const (
	WatchIdle         WatchState = "idle"
	WatchSubscribed   WatchState = "subscribed"
	WatchRescheduling WatchState = "rescheduling"
	WatchTerminated   WatchState = "terminated"
)

// TransitionEvent records a Watcher state change for downstream consumers.
type TransitionEvent struct {
	MarketID string     `json:"market_id"`
	Venue    string     `json:"venue"`
	Label    string     `json:"label"`
	From     WatchState `json:"from"`
	To       WatchState `json:"to"`
	At       time.Time  `json:"at"`
}

// EventPublisher publishes Watcher transition events.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
}

// TransitionEntry is a recorded TransitionEvent with its log position.
type TransitionEntry struct {
	ID    string          `json:"id"`
	Event TransitionEvent `json:"event"`
}
