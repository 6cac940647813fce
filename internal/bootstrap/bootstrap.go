// Package bootstrap seeds the scheduler with the day's markets.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/racewatch/internal/domain"
	"github.com/alanyoungcy/racewatch/internal/metrics"
)

// Scheduler is the subset of the activation scheduler bootstrap uses.
type Scheduler interface {
	AnyPending(ctx context.Context) (bool, error)
	Enqueue(ctx context.Context, marketID string, fireAt time.Time, payload []byte) (uuid.UUID, error)
}

// Result summarizes one bootstrap run.
type Result struct {
	Markets    int
	Scheduled  int
	Immediate  int
	Started    int
	Duplicates int
	// Skipped is true when pending activations already existed.
	Skipped bool
}

// Bootstrapper enqueues one activation per catalogue market.
type Bootstrapper struct {
	source   domain.CatalogueSource
	sched    Scheduler
	leadTime time.Duration
	metrics  metrics.Sink
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a Bootstrapper that arms each market leadTime before its start.
func New(source domain.CatalogueSource, sched Scheduler, leadTime time.Duration, sink metrics.Sink, logger *slog.Logger) *Bootstrapper {
	if leadTime <= 0 {
		leadTime = 30 * time.Minute
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Bootstrapper{
		source:   source,
		sched:    sched,
		leadTime: leadTime,
		metrics:  sink,
		logger:   logger.With(slog.String("component", "bootstrap")),
		clock:    time.Now,
	}
}

// Run loads day's catalogue and arms every market, unless any activation is
// already pending. Markets that have already started are skipped; markets
// whose lead-time checkpoint has passed fire immediately. Catalogue and
// store failures are returned.
func (b *Bootstrapper) Run(ctx context.Context, day time.Time) (Result, error) {
	return b.run(ctx, day, true)
}

// Rearm is Run without the system-wide pending check. Markets already
// pending count as duplicates, so markets left over from earlier days (one
// that never settles stays pending indefinitely) do not block a new day.
func (b *Bootstrapper) Rearm(ctx context.Context, day time.Time) (Result, error) {
	return b.run(ctx, day, false)
}

func (b *Bootstrapper) run(ctx context.Context, day time.Time, skipIfPending bool) (Result, error) {
	markets, err := b.source.Load(ctx, day)
	if err != nil {
		return Result{}, err
	}
	res := Result{Markets: len(markets)}

	if skipIfPending {
		pending, err := b.sched.AnyPending(ctx)
		if err != nil {
			return res, fmt.Errorf("bootstrap: %w", err)
		}
		if pending {
			res.Skipped = true
			b.logger.InfoContext(ctx, "already have some jobs scheduled",
				slog.String("day", day.Format(time.DateOnly)),
				slog.Int("markets", len(markets)),
			)
			return res, nil
		}
	}

	now := b.clock()
	for _, m := range markets {
		start := m.StartTime()
		if !start.After(now) {
			res.Started++
			continue
		}

		fireAt := start.Add(-b.leadTime)
		if fireAt.Before(now) {
			fireAt = now
			res.Immediate++
		}

		payload, err := domain.MarketPayload(m)
		if err != nil {
			return res, fmt.Errorf("bootstrap: %w", err)
		}
		if _, err := b.sched.Enqueue(ctx, m.ID, fireAt, payload); err != nil {
			if errors.Is(err, domain.ErrDuplicateActive) {
				res.Duplicates++
				continue
			}
			return res, fmt.Errorf("bootstrap: enqueue %s: %w", m.ID, err)
		}
		b.metrics.ActivationEnqueued(metrics.KindBootstrap)
		res.Scheduled++

		b.logger.DebugContext(ctx, "market armed",
			slog.String("market_id", m.ID),
			slog.String("venue", m.Venue()),
			slog.String("label", m.ShortLabel()),
			slog.Time("fire_at", fireAt),
		)
	}

	b.logger.InfoContext(ctx, "bootstrap complete",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("markets", res.Markets),
		slog.Int("scheduled", res.Scheduled),
		slog.Int("immediate", res.Immediate),
		slog.Int("already_started", res.Started),
		slog.Int("duplicates", res.Duplicates),
	)
	return res, nil
}
