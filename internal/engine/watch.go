package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/notesync/internal/signal"
)

// Default watch-mode cadence.
const (
	DefaultPollInterval  = 5 * time.Minute
	DefaultFullSyncEvery = 12
)

// SignalSource delivers push signals. Implemented by *remote.Subscriber.
type SignalSource interface {
	Run(ctx context.Context, handle func(context.Context, signal.Signal) error) error
}

// WatchOptions controls Watch.
type WatchOptions struct {
	PollInterval  time.Duration
	FullSyncEvery int          // every Nth poll is a full listing; <= 0 selects the default
	Signals       SignalSource // nil disables push signals
}

// Watch runs the dispatch loop, periodic pull syncs and the push signal
// subscription until ctx is canceled. A clean shutdown returns nil.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.FullSyncEvery <= 0 {
		opts.FullSyncEvery = DefaultFullSyncEvery
	}

	e.logger.Info("watch mode starting",
		slog.Duration("poll_interval", opts.PollInterval),
		slog.Int("full_sync_every", opts.FullSyncEvery),
		slog.Bool("push", opts.Signals != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error { return e.poll(gctx, opts) })

	if opts.Signals != nil {
		g.Go(func() error { return opts.Signals.Run(gctx, e.HandleSignal) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

// poll requests a sync at once and then every interval. Every
// FullSyncEvery-th request is a full listing; the rest are incremental
// wherever a delta token is stored.
func (e *Engine) poll(ctx context.Context, opts WatchOptions) error {
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		full := n > 0 && n%opts.FullSyncEvery == 0
		if err := e.RequestSync(ctx, full); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			e.logger.Warn("requesting sync failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
