package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// AccountReport is the outcome of one account's one-shot sync. Err and
// Drain are mutually exclusive.
type AccountReport struct {
	Account string
	Drain   DrainReport
	Err     error
}

// Runner drives several account engines. A failure or panic in one
// account never affects the others.
type Runner struct {
	engines []*Engine
	logger  *slog.Logger
}

// NewRunner creates a runner over the given engines.
func NewRunner(engines []*Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{engines: engines, logger: logger}
}

// Engines returns the managed engines.
func (r *Runner) Engines() []*Engine { return r.engines }

// RunOnce requests a sync of every account and drains every queue
// concurrently. It never returns an error: per-account failures are in the
// reports, in engine order.
func (r *Runner) RunOnce(ctx context.Context, full bool) []AccountReport {
	reports := make([]AccountReport, len(r.engines))

	var g errgroup.Group

	for i, e := range r.engines {
		g.Go(func() error {
			reports[i] = isolate(e.account, func() (DrainReport, error) {
				if err := e.RequestSync(ctx, full); err != nil {
					return DrainReport{}, err
				}

				return e.Drain(ctx)
			})

			return nil
		})
	}

	_ = g.Wait()

	r.logger.Info("sync pass complete", slog.Int("accounts", len(reports)))

	return reports
}

// Watch runs every engine in watch mode until ctx is canceled. opts is
// called once per engine to build its options. The first engine to fail
// stops all of them.
func (r *Runner) Watch(ctx context.Context, opts func(*Engine) WatchOptions) error {
	if len(r.engines) == 0 {
		return fmt.Errorf("engine: no accounts to watch")
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, e := range r.engines {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("engine: panic in account %s: %v", e.account, p)
				}
			}()

			return e.Watch(gctx, opts(e))
		})
	}

	return g.Wait()
}

// Retune applies new backoff settings to every engine.
func (r *Runner) Retune(t Tuning) {
	for _, e := range r.engines {
		e.Retune(t)
	}
}

// isolate runs fn with panic recovery.
func isolate(account string, fn func() (DrainReport, error)) (rep AccountReport) {
	rep.Account = account

	defer func() {
		if p := recover(); p != nil {
			rep.Drain = DrainReport{}
			rep.Err = fmt.Errorf("engine: panic in account %s: %v", account, p)
		}
	}()

	drain, err := fn()
	if err != nil {
		rep.Err = err
		return rep
	}

	rep.Drain = drain

	return rep
}
