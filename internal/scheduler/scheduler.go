// Package scheduler is a durable, at-least-once, time-ordered activation queue.
//
// Activations live in a domain.ActivationStore. The run loop claims due
// activations in fire_at order and hands each to a Handler on its own
// goroutine. A handler that returns nil completes the activation; one that
// fails (or a process that dies mid-handler) leaves it fired but uncompleted,
// and the requeue pass returns it to pending after StaleAfter. Activations
// interrupted by a graceful shutdown go straight back to pending. Handlers
// must therefore tolerate duplicate delivery.
package scheduler

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

// releaseTimeout bounds store writes made after the run context is cancelled.
const releaseTimeout = 5 * time.Second

// Handler processes one fired activation.
type Handler func(ctx context.Context, act domain.ScheduledActivation) error

// Config holds scheduler tuning.
type Config struct {
	// PollInterval bounds how long the loop sleeps between store scans.
	PollInterval time.Duration
	// StaleAfter is how long a fired activation may stay uncompleted before
	// it is redelivered.
	StaleAfter time.Duration
	// BatchSize caps the activations claimed per scan.
	BatchSize int
	// Workers caps concurrently running handlers.
	Workers int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		StaleAfter:   10 * time.Minute,
		BatchSize:    100,
		Workers:      32,
	}
}

// Scheduler enqueues and fires market activations.
type Scheduler struct {
	cfg     Config
	store   domain.ActivationStore
	metrics metrics.Sink
	logger  *slog.Logger
	clock   func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler over store.
func New(cfg Config, store domain.ActivationStore, sink metrics.Sink, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		metrics: sink,
		logger:  logger.With(slog.String("component", "scheduler")),
		clock:   time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue persists a Pending activation for marketID firing at fireAt. It
// returns domain.ErrDuplicateActive, unwrapped, when the market already has
// a Pending activation; the uniqueness check is atomic inside the store.
func (s *Scheduler) Enqueue(ctx context.Context, marketID string, fireAt time.Time, payload []byte) (uuid.UUID, error) {
	now := s.clock().UTC()
	act := domain.ScheduledActivation{
		ID:        uuid.New(),
		MarketID:  marketID,
		FireAt:    fireAt.UTC(),
		State:     domain.ActivationPending,
		Payload:   payload,
		CreatedAt: now,
	}

	if err := s.store.Insert(ctx, act); err != nil {
		if errors.Is(err, domain.ErrDuplicateActive) {
			s.metrics.ActivationDuplicate()
			return uuid.Nil, domain.ErrDuplicateActive
		}
		return uuid.Nil, fmt.Errorf("scheduler: enqueue %s: %w: %w", marketID, domain.ErrStoreUnavailable, err)
	}

	s.logger.InfoContext(ctx, "activation scheduled",
		slog.String("activation_id", act.ID.String()),
		slog.String("market_id", marketID),
		slog.Time("fire_at", act.FireAt),
		slog.Duration("delay", act.FireAt.Sub(now)),
	)

	if !act.FireAt.After(now) {
		s.nudge()
	}
	return act.ID, nil
}

// HasPending reports whether marketID has a Pending activation.
func (s *Scheduler) HasPending(ctx context.Context, marketID string) (bool, error) {
	ok, err := s.store.HasPending(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("scheduler: has pending %s: %w: %w", marketID, domain.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// AnyPending reports whether any Pending activation exists system-wide.
func (s *Scheduler) AnyPending(ctx context.Context) (bool, error) {
	n, err := s.store.CountPending(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduler: count pending: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// PendingFor returns the Pending activation for marketID, or
// domain.ErrNotFound.
func (s *Scheduler) PendingFor(ctx context.Context, marketID string) (domain.ScheduledActivation, error) {
	act, err := s.store.PendingFor(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ScheduledActivation{}, domain.ErrNotFound
		}
		return domain.ScheduledActivation{}, fmt.Errorf("scheduler: pending for %s: %w: %w", marketID, domain.ErrStoreUnavailable, err)
	}
	return act, nil
}

// Cancel cancels a Pending activation. It is a no-op once the activation has
// fired or was already cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	cancelled, err := s.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: cancel %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}
	if cancelled {
		s.metrics.ActivationCancelled(1)
		s.logger.InfoContext(ctx, "activation cancelled", slog.String("activation_id", id.String()))
	}
	return nil
}

// CancelMarket cancels any residual Pending activation for marketID.
func (s *Scheduler) CancelMarket(ctx context.Context, marketID string) (int64, error) {
	n, err := s.store.CancelMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("scheduler: cancel market %s: %w: %w", marketID, domain.ErrStoreUnavailable, err)
	}
	if n > 0 {
		s.metrics.ActivationCancelled(int(n))
		s.logger.InfoContext(ctx, "activations cancelled",
			slog.String("market_id", marketID),
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// Run fires due activations until ctx is cancelled. Overdue activations,
// including those left behind by a previous process, fire immediately. Run
// waits for in-flight handlers before returning.
func (s *Scheduler) Run(ctx context.Context, h Handler) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("stale_after", s.cfg.StaleAfter),
		slog.Int("workers", s.cfg.Workers),
	)

	sem := make(chan struct{}, s.cfg.Workers)
	defer s.wg.Wait()

	s.requeueStale(ctx)
	lastRequeue := s.clock()

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}

		if s.clock().Sub(lastRequeue) >= s.requeueInterval() {
			s.requeueStale(ctx)
			lastRequeue = s.clock()
		}

		claimed, err := s.fireDue(ctx, sem, h)
		if err != nil {
			s.logger.ErrorContext(ctx, "claim due activations failed", slog.String("error", err.Error()))
		}
		if claimed >= s.cfg.BatchSize {
			continue
		}

		timer := time.NewTimer(s.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fireDue claims one batch and dispatches it. It returns the batch size.
func (s *Scheduler) fireDue(ctx context.Context, sem chan struct{}, h Handler) (int, error) {
	now := s.clock().UTC()
	due, err := s.store.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	for i, act := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for _, undelivered := range due[i:] {
				s.release(undelivered)
			}
			return len(due), nil
		}

		s.metrics.ActivationFired()
		s.logger.InfoContext(ctx, "activation fired",
			slog.String("activation_id", act.ID.String()),
			slog.String("market_id", act.MarketID),
			slog.Time("fire_at", act.FireAt),
			slog.Int("attempt", act.Attempts),
			slog.Duration("lag", now.Sub(act.FireAt)),
		)

		s.wg.Add(1)
		go func(act domain.ScheduledActivation) {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, h, act)
		}(act)
	}
	return len(due), nil
}

// dispatch runs the handler and completes the activation on success. A
// panicking handler is treated as a failure so one market cannot take down
// the loop.
func (s *Scheduler) dispatch(ctx context.Context, h Handler, act domain.ScheduledActivation) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, act)
	}()
	if err != nil {
		if ctx.Err() != nil {
			s.logger.InfoContext(ctx, "activation interrupted by shutdown",
				slog.String("activation_id", act.ID.String()),
				slog.String("market_id", act.MarketID),
			)
			s.release(act)
			return
		}
		s.metrics.ActivationFailed()
		s.logger.ErrorContext(ctx, "activation handler failed, awaiting redelivery",
			slog.String("activation_id", act.ID.String()),
			slog.String("market_id", act.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}

	completeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		completeCtx, cancel = context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
	}
	if err := s.store.Complete(completeCtx, act.ID, s.clock().UTC()); err != nil {
		s.logger.WarnContext(ctx, "complete activation failed",
			slog.String("activation_id", act.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// release hands a claimed activation back to pending during shutdown so the
// next process fires it at once instead of after StaleAfter. It runs on its
// own context because the run context is already cancelled.
func (s *Scheduler) release(act domain.ScheduledActivation) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	requeued, err := s.store.Release(ctx, act.ID, s.clock().UTC())
	if err != nil {
		s.logger.WarnContext(ctx, "release activation failed, awaiting stale requeue",
			slog.String("activation_id", act.ID.String()),
			slog.String("market_id", act.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}
	if requeued {
		s.metrics.ActivationsRequeued(1)
	}
	s.logger.DebugContext(ctx, "activation released",
		slog.String("activation_id", act.ID.String()),
		slog.String("market_id", act.MarketID),
		slog.Bool("requeued", requeued),
	)
}

func (s *Scheduler) requeueStale(ctx context.Context) {
	olderThan := s.clock().UTC().Add(-s.cfg.StaleAfter)
	n, err := s.store.RequeueStale(ctx, olderThan, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "requeue stale activations failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.metrics.ActivationsRequeued(int(n))
		s.logger.InfoContext(ctx, "requeued stale activations", slog.Int64("count", n))
	}
}

func (s *Scheduler) requeueInterval() time.Duration {
	if d := s.cfg.StaleAfter / 2; d > s.cfg.PollInterval {
		return d
	}
	return s.cfg.PollInterval
}

// nextWait is the time until the earliest pending activation, capped by
// PollInterval.
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.cfg.PollInterval
	next, ok, err := s.store.NextFireAt(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := next.Sub(s.clock()); d < wait {
		if d < 0 {
			return 0
		}
		return d
	}
	return wait
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
