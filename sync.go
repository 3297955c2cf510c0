package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/notesync/internal/config"
	"github.com/tonimelisma/notesync/internal/engine"
	"github.com/tonimelisma/notesync/internal/events"
	"github.com/tonimelisma/notesync/internal/queue"
	"github.com/tonimelisma/notesync/internal/remote"
	"github.com/tonimelisma/notesync/internal/tokenfile"
)

func newSyncCmd() *cobra.Command {
	var watch, full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes and push queued local changes",
		Long: `Run one sync pass for every configured account: request a listing of
every scope (incremental where a delta token is stored), then dispatch the
queue until it is empty, paused, or waiting out a retry delay.

With --watch, keep running: dispatch continuously, poll on the configured
interval, apply push signals when remote.push_url is set, and reload the
config file when it changes or on SIGHUP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if watch {
				return runWatch(cmd.Context(), cc, full)
			}

			return runSyncOnce(cmd.Context(), cc, full)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().BoolVar(&full, "full", false, "request full listings instead of incremental ones")

	return cmd
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running sync --watch to reload its config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(pidFilePath(cc)); err != nil {
				return err
			}

			cc.Statusf("Reload requested.\n")

			return nil
		},
	}
}

// syncReport is the JSON schema for one account of `sync --json`.
type syncReport struct {
	Account   string `json:"account"`
	Processed int    `json:"processed"`
	Remaining int    `json:"remaining"`
	Paused    bool   `json:"paused"`
	RetryIn   string `json:"retry_in,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runSyncOnce(ctx context.Context, cc *CLIContext, full bool) error {
	ctx = shutdownContext(ctx, cc.Logger)

	if err := refuseWhileDaemonRuns(pidFilePath(cc)); err != nil {
		return err
	}

	sess, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	active := sess.Active()
	if len(active) == 0 {
		cc.Statusf("All accounts are paused in the config file.\n")
		return nil
	}

	reports := engine.NewRunner(active, cc.Logger).RunOnce(ctx, full)

	out := buildSyncReports(reports)
	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
	} else {
		printSyncReports(os.Stdout, out)
	}

	var failed int

	for _, r := range reports {
		if r.Err != nil {
			failed++
			continue
		}

		recordLastSync(sess, r.Account, cc.Logger)
	}

	if failed > 0 {
		return fmt.Errorf("sync failed for %d of %d accounts", failed, len(reports))
	}

	return nil
}

// recordLastSync stamps the account's token file so status can show when
// it last synced.
func recordLastSync(sess *Session, account string, logger *slog.Logger) {
	acct, ok := sess.Account(account)
	if !ok {
		return
	}

	err := tokenfile.MergeMeta(acct.TokenPath, map[string]string{
		tokenfile.MetaLastSyncAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Debug("not recording last sync", slog.String("account", account), slog.String("error", err.Error()))
	}
}

func buildSyncReports(reports []engine.AccountReport) []syncReport {
	out := make([]syncReport, 0, len(reports))

	for _, r := range reports {
		sr := syncReport{
			Account:   r.Account,
			Processed: r.Drain.Processed,
			Remaining: r.Drain.Remaining,
			Paused:    r.Drain.Paused,
		}

		if r.Drain.Delay > 0 {
			sr.RetryIn = r.Drain.Delay.String()
		}

		if r.Err != nil {
			sr.Error = r.Err.Error()
		}

		out = append(out, sr)
	}

	return out
}

func printSyncReports(w io.Writer, reports []syncReport) {
	rows := make([][]string, 0, len(reports))

	for _, r := range reports {
		state := "done"

		switch {
		case r.Error != "":
			state = "error: " + r.Error
		case r.Paused:
			state = "paused"
		case r.RetryIn != "":
			state = "retrying in " + r.RetryIn
		}

		rows = append(rows, []string{r.Account, strconv.Itoa(r.Processed), strconv.Itoa(r.Remaining), state})
	}

	printTable(w, []string{"ACCOUNT", "PROCESSED", "QUEUED", "STATE"}, rows)
}

// runWatch runs every active account until SIGINT/SIGTERM.
func runWatch(ctx context.Context, cc *CLIContext, full bool) error {
	logger := cc.Logger
	ctx = shutdownContext(ctx, logger)

	cleanup, err := writePIDFile(pidFilePath(cc))
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	active := sess.Active()
	if len(active) == 0 {
		return errors.New("all accounts are paused in the config file")
	}

	if full {
		for _, e := range active {
			if err := e.RequestSync(ctx, true); err != nil {
				return err
			}
		}
	}

	cfg := cc.Resolved.Config
	runner := engine.NewRunner(active, logger)
	holder := config.NewHolder(cfg, cc.Resolved.Path)
	retune := func(c *config.Config) { runner.Retune(tuningFrom(c)) }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Watch(gctx, func(e *engine.Engine) engine.WatchOptions {
			return watchOptions(cfg, sess, e, logger)
		})
	})

	if _, statErr := os.Stat(holder.Path()); statErr == nil {
		g.Go(func() error {
			if err := config.Watch(gctx, holder, logger, retune); err != nil {
				logger.Warn("config file watch disabled", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	g.Go(func() error { return reloadOnSIGHUP(gctx, holder, logger, retune) })
	g.Go(func() error { return reportNotifications(gctx, sess.Bus, cc) })

	cc.Statusf("Watching %d account(s). Press Ctrl-C to stop.\n", len(active))

	err = g.Wait()

	logger.Info("watch stopped",
		slog.Int64("telemetry_records", sess.Telemetry.Total()),
		slog.Int64("telemetry_suppressed", sess.Telemetry.Suppressed()),
		slog.Int64("notifications_dropped", sess.Bus.Dropped()),
	)

	return err
}

func watchOptions(cfg *config.Config, sess *Session, e *engine.Engine, logger *slog.Logger) engine.WatchOptions {
	opts := engine.WatchOptions{
		PollInterval:  cfg.Sync.PollIntervalDuration(),
		FullSyncEvery: cfg.Sync.FullSyncEvery,
	}

	if cfg.Remote.PushURL != "" {
		opts.Signals = remote.NewSubscriber(cfg.Remote.PushURL, sess.TokenSource(e.Account()), logger)
	}

	return opts
}

func tuningFrom(c *config.Config) engine.Tuning {
	return engine.Tuning{
		InitialDelay:  c.Queue.InitialDelayDuration(),
		MaxDelay:      c.Queue.MaxDelayDuration(),
		BackoffFactor: c.Queue.BackoffFactor,
	}
}

// reportNotifications prints user-facing sync errors and events until ctx
// is canceled.
func reportNotifications(ctx context.Context, bus *events.Bus, cc *CLIContext) error {
	ch, unsubscribe := bus.Subscribe(events.DefaultBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-ch:
			if line := describeNotification(n); line != "" {
				cc.Statusf("%s\n", line)
			}
		}
	}
}

// describeNotification renders one notification for the terminal, or ""
// for routine events not worth a line.
func describeNotification(n events.Notification) string {
	if n.Event == nil {
		return fmt.Sprintf("%s: sync error: %s", n.Account, n.SyncError)
	}

	ev := n.Event

	switch {
	case ev.Kind == queue.EventSynced:
		if ev.Changes == 0 {
			return ""
		}

		return fmt.Sprintf("%s: synced %s (%d changes)", n.Account, ev.Scope, ev.Changes)
	case ev.Scope != "":
		return fmt.Sprintf("%s: %s %s", n.Account, ev.Kind, ev.Scope)
	case ev.LocalID != "":
		return fmt.Sprintf("%s: %s %s %s", n.Account, ev.Op, ev.LocalID, ev.Kind)
	default:
		return fmt.Sprintf("%s: %s", n.Account, ev.Kind)
	}
}
