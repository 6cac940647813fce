package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// WatchMode bootstraps today's catalogue, then runs the scheduler with the
// watcher as its handler. The optional daily cron and HTTP server run
// alongside.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	if err := a.bootstrapToday(ctx, deps); err != nil {
		return fmt.Errorf("watch mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Scheduler.Run(ctx, deps.Watcher.Handle)
	})

	if deps.Daily != nil {
		g.Go(func() error {
			return deps.Daily.Run(ctx)
		})
	}

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// WorkerMode runs the scheduler and watcher without bootstrapping. Several
// workers may share one activation store.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Scheduler.Run(ctx, deps.Watcher.Handle)
	})

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// BootstrapMode arms today's catalogue and exits.
func (a *App) BootstrapMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting bootstrap mode")
	if err := a.bootstrapToday(ctx, deps); err != nil {
		return fmt.Errorf("bootstrap mode: %w", err)
	}
	return nil
}

func (a *App) bootstrapToday(ctx context.Context, deps *Dependencies) error {
	_, err := deps.Bootstrapper.Run(ctx, time.Now().In(deps.Location))
	return err
}

// startHTTPServer runs the server, when enabled, until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Server == nil {
		return
	}

	g.Go(func() error {
		return deps.Server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deps.Server.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
}
