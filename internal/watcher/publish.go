package watcher

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// publish queues ev for the publishers. It never blocks: a full backlog or a
// closed watcher drops the event.
func (w *Watcher) publish(ev domain.TransitionEvent) {
	if w.pubQueue == nil {
		return
	}

	w.pubMu.Lock()
	defer w.pubMu.Unlock()
	if !w.pubClosed {
		select {
		case w.pubQueue <- ev:
			return
		default:
		}
	}
	w.metrics.TransitionDropped()
	w.logger.Warn("transition event dropped",
		slog.String("market_id", ev.MarketID),
		slog.String("to", string(ev.To)),
		slog.Bool("closed", w.pubClosed),
	)
}

// publishLoop delivers queued events in order. Each publisher call gets its
// own deadline, detached from any activation.
func (w *Watcher) publishLoop() {
	defer close(w.pubDone)
	for ev := range w.pubQueue {
		for _, p := range w.events {
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PublishTimeout)
			err := p.PublishTransition(ctx, ev)
			cancel()
			if err != nil {
				w.logger.Warn("publish transition failed",
					slog.String("market_id", ev.MarketID),
					slog.String("to", string(ev.To)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close stops accepting transition events and waits for queued ones to be
// published, or for ctx to end. It is safe to call more than once.
func (w *Watcher) Close(ctx context.Context) error {
	if w.pubQueue == nil {
		return nil
	}

	w.pubMu.Lock()
	if !w.pubClosed {
		w.pubClosed = true
		close(w.pubQueue)
	}
	w.pubMu.Unlock()

	select {
	case <-w.pubDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
