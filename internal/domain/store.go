package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActivationStore is the durable store behind the Scheduler. Mutations for
// the same market id are serialized by the store.
type ActivationStore interface {
	// Insert persists a new Pending activation. It returns ErrDuplicateActive
	// if a Pending activation already exists for the market; the check and
	// the insert are a single atomic operation.
	Insert(ctx context.Context, a ScheduledActivation) error
	// HasPending reports whether marketID has a Pending activation.
	HasPending(ctx context.Context, marketID string) (bool, error)
	// CountPending returns the number of Pending activations system-wide.
	CountPending(ctx context.Context) (int64, error)
	// PendingFor returns the Pending activation for marketID or ErrNotFound.
	PendingFor(ctx context.Context, marketID string) (ScheduledActivation, error)
	// Cancel moves a Pending activation to Cancelled and reports whether it
	// did. It is a no-op for Fired, Cancelled or unknown ids.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// CancelMarket cancels every Pending activation for marketID and returns
	// how many were cancelled.
	CancelMarket(ctx context.Context, marketID string) (int64, error)
	// ClaimDue moves up to limit Pending activations with FireAt <= now to
	// Fired and returns them ordered by FireAt.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledActivation, error)
	// Complete marks a Fired activation as handled.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error
	// Release returns a Fired, uncompleted activation to Pending so it fires
	// again without waiting to go stale. When the market already has another
	// Pending activation the released one is closed at instead. It reports
	// whether the activation went back to Pending.
	Release(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// RequeueStale returns Fired activations claimed before olderThan and
	// never completed to Pending, so they are delivered again.
	RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	// NextFireAt returns the earliest FireAt among Pending activations.
	NextFireAt(ctx context.Context) (time.Time, bool, error)
}

// CatalogueSource yields the markets to monitor for a processing day.
type CatalogueSource interface {
	Load(ctx context.Context, day time.Time) ([]Market, error)
}
