package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/notesync/internal/engine"
	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Record local edits and queue them for the remote service",
		Long: `Create, edit, or delete a local entity and queue the matching remote
mutation. The next sync (or a running sync --watch) sends it.`,
	}

	cmd.AddCommand(newPushCreateCmd(), newPushUpdateCmd(), newPushDeleteCmd())

	return cmd
}

// pushResult is the JSON schema of every push subcommand.
type pushResult struct {
	Account string `json:"account"`
	LocalID string `json:"local_id"`
	Seq     uint64 `json:"seq,omitempty"`
	Op      string `json:"op"`
}

func newPushCreateCmd() *cobra.Command {
	var title, body string

	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create a local entity (note, page_reference, meeting_note)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entity.ParseKind(args[0])
			if err != nil {
				return err
			}

			return withSingleEngine(cmd, func(e *engine.Engine) (pushResult, error) {
				ent := entity.Entity{
					Kind:           kind,
					Title:          title,
					Body:           body,
					LastModifiedAt: time.Now().UnixNano(),
				}

				entry, err := e.SaveLocal(cmd.Context(), ent)
				if err != nil {
					return pushResult{}, err
				}

				return resultFromEntry(e.Account(), entry), nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "entity title")
	cmd.Flags().StringVar(&body, "body", "", "entity body")

	return cmd
}

func newPushUpdateCmd() *cobra.Command {
	var title, body string

	cmd := &cobra.Command{
		Use:   "update <local-id>",
		Short: "Edit the title or body of a local entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			titleSet := cmd.Flags().Changed("title")
			bodySet := cmd.Flags().Changed("body")

			if !titleSet && !bodySet {
				return fmt.Errorf("nothing to update: pass --title or --body")
			}

			return withSingleEngine(cmd, func(e *engine.Engine) (pushResult, error) {
				ent, ok, err := e.Entity(cmd.Context(), args[0])
				if err != nil {
					return pushResult{}, err
				}

				if !ok || ent.IsDeleted {
					return pushResult{}, fmt.Errorf("entity %s not found", args[0])
				}

				applyEdit(&ent, titleSet, title, bodySet, body, time.Now())

				entry, err := e.SaveLocal(cmd.Context(), ent)
				if err != nil {
					return pushResult{}, err
				}

				return resultFromEntry(e.Account(), entry), nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&body, "body", "", "new body")

	return cmd
}

func newPushDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a local entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSingleEngine(cmd, func(e *engine.Engine) (pushResult, error) {
				if err := e.DeleteLocal(cmd.Context(), args[0]); err != nil {
					return pushResult{}, err
				}

				return pushResult{Account: e.Account(), LocalID: args[0], Op: queue.OpDelete.String()}, nil
			})
		},
	}
}

// withSingleEngine opens a session for the one selected account, runs fn
// and prints its result.
func withSingleEngine(cmd *cobra.Command, fn func(*engine.Engine) (pushResult, error)) error {
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

	e, err := sess.Single()
	if err != nil {
		return err
	}

	res, err := fn(e)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Account(), err)
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return printJSON(out, res)
	}

	if res.Seq == 0 {
		fmt.Fprintf(out, "%s %s recorded\n", res.Op, res.LocalID)
		return nil
	}

	fmt.Fprintf(out, "%s %s queued as #%d\n", res.Op, res.LocalID, res.Seq)

	return nil
}

func resultFromEntry(account string, entry queue.Entry) pushResult {
	return pushResult{
		Account: account,
		LocalID: entry.Op.Resource().ID,
		Seq:     entry.Seq,
		Op:      entry.Op.Kind().String(),
	}
}

func applyEdit(ent *entity.Entity, titleSet bool, title string, bodySet bool, body string, now time.Time) {
	if titleSet {
		ent.Title = title
	}

	if bodySet {
		ent.Body = body
	}

	ent.LastModifiedAt = now.UnixNano()
}
