// Package notify alerts operators about watcher transitions over chat
// webhooks. Only transitions into the configured states are forwarded.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// DefaultStates are the target states alerted on when none are configured.
var DefaultStates = []string{string(domain.WatchTerminated)}

// Notifier forwards selected TransitionEvents to every Sender. It implements
// domain.EventPublisher.
type Notifier struct {
	senders []Sender
	states  map[domain.WatchState]bool
	loc     *time.Location
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only transitions
// whose target state is listed in states are sent; an empty list means
// DefaultStates.
func NewNotifier(senders []Sender, states []string, loc *time.Location, logger *slog.Logger) *Notifier {
	if len(states) == 0 {
		states = DefaultStates
	}
	allowed := make(map[domain.WatchState]bool, len(states))
	for _, s := range states {
		allowed[domain.WatchState(strings.ToLower(strings.TrimSpace(s)))] = true
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Notifier{
		senders: senders,
		states:  allowed,
		loc:     loc,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// PublishTransition sends ev when its target state is selected.
func (n *Notifier) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	if len(n.senders) == 0 || !n.states[ev.To] {
		return nil
	}
	title := fmt.Sprintf("%s %s", ev.Venue, ev.Label)
	msg := fmt.Sprintf("market %s: %s -> %s at %s",
		ev.MarketID, ev.From, ev.To, ev.At.In(n.loc).Format("15:04:05 MST"))
	return n.dispatch(ctx, title, msg)
}

// dispatch sends to every sender. One failing sender does not stop delivery
// to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
