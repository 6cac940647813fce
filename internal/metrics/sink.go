// Package metrics records scheduler and watcher activity. All methods are
// fire-and-forget: implementations must not block or return errors.
package metrics

// Sink defines the interface for recording metrics.
type Sink interface {
	// Scheduler
	ActivationEnqueued(kind string)
	ActivationDuplicate()
	ActivationCancelled(count int)
	ActivationFired()
	ActivationFailed()
	ActivationsRequeued(count int)

	// Watcher
	SnapshotHandled(outcome string)
	SinkWriteFailed()
	FeedError()
	SessionOpened()
	SessionClosed()
	TransitionDropped()
}

// Enqueue kinds.
const (
	KindBootstrap  = "bootstrap"
	KindReschedule = "reschedule"
	KindPoll       = "poll"
	KindRetry      = "retry"
)

// Snapshot outcomes.
const (
	OutcomeFinal = "final"
	OutcomeOpen  = "open"
	OutcomePoll  = "poll"
)
