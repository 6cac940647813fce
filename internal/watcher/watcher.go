// Package watcher implements the per-market decision state machine.
//
// Each activation opens one live subscription, evaluates the first snapshot it
// delivers, and then always tears the subscription down. The decision is one
// of: settled (write a Final record, terminate, cancel residual activations),
// before checkpoint (re-arm at the checkpoint, write an Open record), or past
// checkpoint (re-arm after the fast poll interval, write an untagged record).
// A market that never settles is therefore polled indefinitely.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/racewatch/internal/domain"
	"github.com/alanyoungcy/racewatch/internal/metrics"
)

// Scheduler is the subset of the activation scheduler the watcher drives.
type Scheduler interface {
	Enqueue(ctx context.Context, marketID string, fireAt time.Time, payload []byte) (uuid.UUID, error)
	CancelMarket(ctx context.Context, marketID string) (int64, error)
}

// Config holds watcher timing.
type Config struct {
	// CheckpointOffset is how long before the declared start the pre-start
	// snapshot is taken.
	CheckpointOffset time.Duration
	// FastPoll is the re-arm delay once the checkpoint has passed.
	FastPoll time.Duration
	// LockTTL bounds how long a distributed watch lock is held.
	LockTTL time.Duration
	// EventBacklog caps transition events queued for publishers. Events
	// beyond it are dropped.
	EventBacklog int
	// PublishTimeout bounds one publisher call.
	PublishTimeout time.Duration
}

// DefaultConfig returns the default watcher timing.
func DefaultConfig() Config {
	return Config{
		CheckpointOffset: time.Minute,
		FastPoll:         30 * time.Second,
		LockTTL:          15 * time.Minute,
		EventBacklog:     256,
		PublishTimeout:   10 * time.Second,
	}
}

// Option configures optional watcher collaborators.
type Option func(*Watcher)

// WithLocks guards each activation with a distributed per-market lock so
// replicas sharing a store never subscribe to the same market at once.
func WithLocks(lm domain.LockManager) Option {
	return func(w *Watcher) { w.locks = lm }
}

// WithEvents publishes every state transition to p. It may be given more
// than once. Publishing happens off the decision path; call Close to flush.
func WithEvents(p domain.EventPublisher) Option {
	return func(w *Watcher) { w.events = append(w.events, p) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(w *Watcher) { w.clock = clock }
}

type session struct {
	market domain.Market
	sub    domain.Subscription
	state  domain.WatchState
	last   *domain.LifecycleSnapshot
}

// Watcher supervises markets through their lifecycle.
type Watcher struct {
	cfg     Config
	feed    domain.FeedClient
	sink    domain.SnapshotSink
	sched   Scheduler
	locks   domain.LockManager
	events  []domain.EventPublisher
	metrics metrics.Sink
	logger  *slog.Logger
	clock   func() time.Time

	mu         sync.Mutex
	sessions   map[string]*session
	terminated map[string]time.Time

	pubMu     sync.Mutex
	pubQueue  chan domain.TransitionEvent
	pubDone   chan struct{}
	pubClosed bool
}

// New creates a Watcher.
func New(cfg Config, feed domain.FeedClient, sink domain.SnapshotSink, sched Scheduler, logger *slog.Logger, opts ...Option) *Watcher {
	def := DefaultConfig()
	if cfg.CheckpointOffset <= 0 {
		cfg.CheckpointOffset = def.CheckpointOffset
	}
	if cfg.FastPoll <= 0 {
		cfg.FastPoll = def.FastPoll
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = def.EventBacklog
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}

	w := &Watcher{
		cfg:        cfg,
		feed:       feed,
		sink:       sink,
		sched:      sched,
		metrics:    metrics.NoopSink{},
		logger:     logger.With(slog.String("component", "watcher")),
		clock:      time.Now,
		sessions:   make(map[string]*session),
		terminated: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.events) > 0 {
		w.pubQueue = make(chan domain.TransitionEvent, cfg.EventBacklog)
		w.pubDone = make(chan struct{})
		go w.publishLoop()
	}
	return w
}

// Handle is the scheduler callback. A nil return completes the activation;
// an error leaves it for redelivery.
func (w *Watcher) Handle(ctx context.Context, act domain.ScheduledActivation) error {
	m, err := act.Market()
	if err != nil {
		// Redelivering an undecodable payload cannot succeed.
		w.logger.ErrorContext(ctx, "dropping activation with bad payload",
			slog.String("activation_id", act.ID.String()),
			slog.String("market_id", act.MarketID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return w.Activate(ctx, m)
}

// Activate runs one decision cycle for m. A second activation for a market
// whose session is still open is discarded.
func (w *Watcher) Activate(ctx context.Context, m domain.Market) error {
	sess, err := w.open(m)
	if err != nil {
		w.logger.InfoContext(ctx, "duplicate activation discarded",
			slog.String("market_id", m.ID),
			slog.String("reason", err.Error()),
		)
		return nil
	}
	defer w.close(m.ID)

	if w.locks != nil {
		unlock, err := w.locks.Acquire(ctx, "watch:"+m.ID, w.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			w.logger.InfoContext(ctx, "duplicate activation discarded",
				slog.String("market_id", m.ID),
				slog.String("reason", "watch lock held by another replica"),
			)
			return nil
		case err != nil:
			w.logger.WarnContext(ctx, "watch lock unavailable, continuing unguarded",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}

	sub, err := w.feed.Subscribe(ctx, m.ID)
	if err != nil {
		return w.feedFailed(ctx, m, err)
	}
	sess.sub = sub
	w.transition(ctx, sess, domain.WatchSubscribed)

	select {
	case <-ctx.Done():
		w.teardown(ctx, sess)
		return ctx.Err()
	case snap, ok := <-sub.Snapshots():
		if !ok {
			w.teardown(ctx, sess)
			cause := sub.Err()
			if cause == nil {
				cause = errors.New("subscription closed before first snapshot")
			}
			return w.feedFailed(ctx, m, cause)
		}
		err := w.decide(ctx, sess, snap)
		w.teardown(ctx, sess)
		return err
	}
}

// decide applies the settlement rule to one snapshot.
func (w *Watcher) decide(ctx context.Context, sess *session, snap domain.LifecycleSnapshot) error {
	m := sess.market
	now := w.clock()
	sess.last = &snap

	if snap.Settled() {
		w.write(ctx, sess, snap, domain.TagFinal, now)
		w.metrics.SnapshotHandled(metrics.OutcomeFinal)
		w.transition(ctx, sess, domain.WatchTerminated)

		w.markTerminated(m.ID, now)

		if _, err := w.sched.CancelMarket(ctx, m.ID); err != nil {
			return fmt.Errorf("watcher: cancel residual activations for %s: %w", m.ID, err)
		}
		return nil
	}

	var (
		fireAt  time.Time
		tag     domain.SnapshotTag
		kind    string
		outcome string
	)
	remaining := snap.StartOr(m.StartTime()).Sub(now) - w.cfg.CheckpointOffset
	if remaining > 0 {
		fireAt, tag, kind, outcome = now.Add(remaining), domain.TagOpen, metrics.KindReschedule, metrics.OutcomeOpen
	} else {
		fireAt, tag, kind, outcome = now.Add(w.cfg.FastPoll), domain.TagNone, metrics.KindPoll, metrics.OutcomePoll
	}

	enqueueErr := w.enqueue(ctx, m, fireAt, kind)
	w.write(ctx, sess, snap, tag, now)
	w.metrics.SnapshotHandled(outcome)
	w.transition(ctx, sess, domain.WatchRescheduling)
	return enqueueErr
}

// enqueue re-arms m. A duplicate means the market is already armed.
func (w *Watcher) enqueue(ctx context.Context, m domain.Market, fireAt time.Time, kind string) error {
	payload, err := domain.MarketPayload(m)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if _, err := w.sched.Enqueue(ctx, m.ID, fireAt, payload); err != nil {
		if errors.Is(err, domain.ErrDuplicateActive) {
			w.logger.DebugContext(ctx, "market already armed", slog.String("market_id", m.ID))
			return nil
		}
		return fmt.Errorf("watcher: re-arm %s: %w", m.ID, err)
	}
	w.metrics.ActivationEnqueued(kind)
	return nil
}

// feedFailed isolates a feed error to this market and arms a retry.
func (w *Watcher) feedFailed(ctx context.Context, m domain.Market, cause error) error {
	w.metrics.FeedError()
	w.logger.WarnContext(ctx, "feed subscription failed, retrying later",
		slog.String("market_id", m.ID),
		slog.Duration("retry_in", w.cfg.FastPoll),
		slog.String("error", fmt.Errorf("%w: %w", domain.ErrFeedConnection, cause).Error()),
	)
	return w.enqueue(ctx, m, w.clock().Add(w.cfg.FastPoll), metrics.KindRetry)
}

// write persists a snapshot record. Failures are logged and never block the
// state machine.
func (w *Watcher) write(ctx context.Context, sess *session, snap domain.LifecycleSnapshot, tag domain.SnapshotTag, now time.Time) {
	m := sess.market
	active := snap.ActiveEntrants()
	for i := range active {
		if name := m.EntrantName(active[i].SelectionID); name != "" {
			active[i].Name = name
		}
	}
	venue := snap.Venue
	if venue == "" {
		venue = m.Venue()
	}

	rec := domain.SnapshotRecord{
		MarketID:   m.ID,
		Venue:      venue,
		Label:      m.Label,
		Tag:        tag,
		Settled:    snap.Settled(),
		CapturedAt: now,
		Entrants:   active,
	}
	if err := w.sink.Write(ctx, rec); err != nil {
		w.metrics.SinkWriteFailed()
		w.logger.ErrorContext(ctx, "snapshot write failed",
			slog.String("market_id", m.ID),
			slog.String("tag", string(tag)),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.InfoContext(ctx, "snapshot written",
		slog.String("market_id", m.ID),
		slog.String("tag", string(tag)),
		slog.Int("entrants", len(active)),
	)
}

// teardown stops the subscription if the feed still holds it open.
func (w *Watcher) teardown(ctx context.Context, sess *session) {
	if sess.sub == nil || sess.sub.Status() == domain.StatusDisconnected {
		return
	}
	if err := sess.sub.Unsubscribe(); err != nil {
		w.logger.WarnContext(ctx, "unsubscribe failed",
			slog.String("market_id", sess.market.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Watcher) transition(ctx context.Context, sess *session, to domain.WatchState) {
	from := sess.state
	sess.state = to

	ev := domain.TransitionEvent{
		MarketID: sess.market.ID,
		Venue:    sess.market.Venue(),
		Label:    sess.market.Label,
		From:     from,
		To:       to,
		At:       w.clock().UTC(),
	}
	w.logger.InfoContext(ctx, "market state transition",
		slog.String("market_id", ev.MarketID),
		slog.String("venue", ev.Venue),
		slog.String("label", ev.Label),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	w.publish(ev)
}

// terminatedTTL is how long a settled market is remembered in process.
const terminatedTTL = 24 * time.Hour

// markTerminated records a settled market and forgets those settled more
// than terminatedTTL ago.
func (w *Watcher) markTerminated(marketID string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminated[marketID] = now
	for id, at := range w.terminated {
		if now.Sub(at) > terminatedTTL {
			delete(w.terminated, id)
		}
	}
}

func (w *Watcher) open(m domain.Market) (*session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.sessions[m.ID]; ok {
		return nil, domain.ErrSessionOpen
	}
	if _, ok := w.terminated[m.ID]; ok {
		return nil, errors.New("market already terminated")
	}
	sess := &session{market: m, state: domain.WatchIdle}
	w.sessions[m.ID] = sess
	w.metrics.SessionOpened()
	return sess, nil
}

func (w *Watcher) close(marketID string) {
	w.mu.Lock()
	delete(w.sessions, marketID)
	w.mu.Unlock()
	w.metrics.SessionClosed()
}

// OpenSessions returns the number of markets with an open session.
func (w *Watcher) OpenSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// Terminated reports whether this process has seen m settle.
func (w *Watcher) Terminated(marketID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.terminated[marketID]
	return ok
}
