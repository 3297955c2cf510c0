package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/notesync/internal/engine"
	"github.com/tonimelisma/notesync/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the outbound queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	})

	cmd.AddCommand(newQueueControlCmd("pause", "Stop dispatching queued operations",
		"Paused", (*engine.Engine).Pause))
	cmd.AddCommand(newQueueControlCmd("resume", "Resume dispatching and clear the retry delay",
		"Resumed", (*engine.Engine).Resume))
	cmd.AddCommand(newQueueControlCmd("reset", "Drop every queued operation",
		"Reset", (*engine.Engine).Reset))

	return cmd
}

// newQueueControlCmd builds a command that applies one queue control to
// every selected account.
func newQueueControlCmd(
	name, short, verb string, apply func(*engine.Engine, context.Context) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			if err := refuseWhileDaemonRuns(pidFilePath(cc)); err != nil {
				return err
			}

			sess, err := openSession(ctx, cc)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, e := range sess.Engines() {
				queued := len(e.Snapshot().Entries)

				if err := apply(e, ctx); err != nil {
					return fmt.Errorf("%s: %w", e.Account(), err)
				}

				cc.Statusf("%s queue for %s (%d operations queued)\n", verb, e.Account(), queued)
			}

			return nil
		},
	}
}

// queueListing is the JSON schema for one account of `queue list --json`.
type queueListing struct {
	Account      string       `json:"account"`
	Paused       bool         `json:"paused"`
	DelayedUntil *time.Time   `json:"delayed_until,omitempty"`
	Entries      []queueEntry `json:"entries"`
}

type queueEntry struct {
	Seq           uint64    `json:"seq"`
	Op            string    `json:"op"`
	Resource      string    `json:"resource"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	CorrelationID string    `json:"correlation_id"`
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	listings := make([]queueListing, 0, len(sess.Engines()))
	for _, e := range sess.Engines() {
		listings = append(listings, buildQueueListing(e.Account(), e.Snapshot()))
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), listings)
	}

	printQueueListings(cmd.OutOrStdout(), listings, time.Now())

	return nil
}

func buildQueueListing(account string, st queue.State) queueListing {
	l := queueListing{
		Account: account,
		Paused:  st.Paused,
		Entries: make([]queueEntry, 0, len(st.Entries)),
	}

	if st.DelayedUntil != 0 {
		t := time.Unix(0, st.DelayedUntil).UTC()
		l.DelayedUntil = &t
	}

	for _, e := range st.Entries {
		l.Entries = append(l.Entries, queueEntry{
			Seq:           e.Seq,
			Op:            e.Op.Kind().String(),
			Resource:      e.Op.Resource().String(),
			State:         entryState(e),
			Attempts:      e.Attempts,
			EnqueuedAt:    time.Unix(0, e.EnqueuedAt).UTC(),
			CorrelationID: e.CorrelationID,
		})
	}

	return l
}

// entryState labels an entry. Provisional operations other than creates
// wait for a create to land before they can be sent.
func entryState(e queue.Entry) string {
	_, isCreate := e.Op.(queue.CreateOp)

	switch {
	case e.InFlight:
		return "in_flight"
	case e.Provisional && !isCreate:
		return "waiting"
	default:
		return "pending"
	}
}

func printQueueListings(w io.Writer, listings []queueListing, now time.Time) {
	for i, l := range listings {
		if i > 0 {
			fmt.Fprintln(w)
		}

		header := fmt.Sprintf("%s: %d queued", l.Account, len(l.Entries))
		if l.Paused {
			header += ", paused"
		}

		if l.DelayedUntil != nil {
			header += ", retrying in " + formatWait(l.DelayedUntil.UnixNano(), now)
		}

		fmt.Fprintln(w, header)

		if len(l.Entries) == 0 {
			continue
		}

		rows := make([][]string, 0, len(l.Entries))
		for _, e := range l.Entries {
			rows = append(rows, []string{
				strconv.FormatUint(e.Seq, 10),
				e.Op,
				e.Resource,
				e.State,
				strconv.Itoa(e.Attempts),
				formatTime(e.EnqueuedAt.UnixNano(), now),
			})
		}

		printTable(w, []string{"SEQ", "OP", "RESOURCE", "STATE", "ATTEMPTS", "ENQUEUED"}, rows)
	}
}
