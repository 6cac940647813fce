package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// standardParser accepts five-field cron expressions.
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Daily re-arms each new day's catalogue on a cron schedule so a
// long-running process keeps watching. Unlike the startup bootstrap it does
// not stand down when activations are already pending; those markets are
// counted as duplicates.
type Daily struct {
	b     *Bootstrapper
	sched cron.Schedule
	loc   *time.Location
}

// NewDaily parses expr in loc.
func NewDaily(b *Bootstrapper, expr string, loc *time.Location) (*Daily, error) {
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Daily{b: b, sched: sched, loc: loc}, nil
}

// Next returns the next run time after t.
func (d *Daily) Next(t time.Time) time.Time {
	return d.sched.Next(t.In(d.loc))
}

// Run blocks until ctx is cancelled, bootstrapping the current day at every
// scheduled tick. A failed run is logged and retried at the next tick.
func (d *Daily) Run(ctx context.Context) error {
	for {
		next := d.Next(d.b.clock())
		d.b.logger.InfoContext(ctx, "next catalogue bootstrap", slog.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		d.tick(ctx)
	}
}

func (d *Daily) tick(ctx context.Context) {
	day := d.b.clock().In(d.loc)
	if _, err := d.b.Rearm(ctx, day); err != nil {
		d.b.logger.ErrorContext(ctx, "scheduled bootstrap failed",
			slog.String("day", day.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
	}
}
