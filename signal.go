package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonimelisma/notesync/internal/config"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. This gives the engine time to drain in-flight
// actions on first signal, while allowing the user to force-quit if something
// hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		// Second signal forces exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// reloadOnSIGHUP reloads the config file on every SIGHUP and hands the new
// config to apply. Returns nil when ctx is canceled.
func reloadOnSIGHUP(ctx context.Context, holder *config.Holder, logger *slog.Logger, apply func(*config.Config)) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	return reloadOnSignal(ctx, sigCh, holder, logger, apply)
}

func reloadOnSignal(
	ctx context.Context, sigCh <-chan os.Signal, holder *config.Holder, logger *slog.Logger, apply func(*config.Config),
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			cfg, err := holder.Reload()
			if err != nil {
				logger.Warn("config reload rejected; keeping previous config", slog.String("error", err.Error()))
				continue
			}

			logger.Info("config reloaded on SIGHUP", slog.String("path", holder.Path()))
			apply(cfg)
		}
	}
}
