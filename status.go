package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/notesync/internal/config"
	"github.com/tonimelisma/notesync/internal/engine"
	"github.com/tonimelisma/notesync/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing     = "missing"
	tokenStateExpired     = "expired"
	tokenStateRefreshable = "refreshable"
	tokenStateValid       = "valid"
	tokenStateUnreadable  = "unreadable"
)

// Account state constants.
const (
	accountStateReady         = "ready"
	accountStatePaused        = "paused"
	accountStateConfigPaused  = "paused (config)"
	accountStateRetrying      = "retrying"
	accountStateDaemonRunning = "watching"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts, tokens, and queue state",
		Long: `Display the state of every configured account: token validity, local
entity count, queued operations, and which scopes sync incrementally.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// accountStatus is the JSON schema for one account of `status --json`.
type accountStatus struct {
	Account        string   `json:"account"`
	State          string   `json:"state"`
	TokenState     string   `json:"token_state"`
	TokenRefreshed string   `json:"token_refreshed_at,omitempty"`
	LastSync       string   `json:"last_sync_at,omitempty"`
	Entities       int      `json:"entities"`
	Queued         int      `json:"queued"`
	InFlight       int      `json:"in_flight"`
	RetryIn        string   `json:"retry_in,omitempty"`
	DeltaScopes    []string `json:"delta_scopes"`
	FullScopes     []string `json:"full_scopes"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, daemon := runningDaemon(pidFilePath(cc))
	now := time.Now()

	statuses := make([]accountStatus, 0, len(sess.Engines()))

	for _, e := range sess.Engines() {
		st, err := e.Status(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Account(), err)
		}

		acct, _ := sess.Account(e.Account())
		statuses = append(statuses, buildAccountStatus(st, acct, daemon, now))
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), statuses)
	}

	printStatusText(cmd.OutOrStdout(), statuses)

	return nil
}

func buildAccountStatus(st engine.Status, acct config.ResolvedAccount, daemon bool, now time.Time) accountStatus {
	out := accountStatus{
		Account:     st.Account,
		Entities:    st.Entities,
		Queued:      len(st.Queue.Entries),
		DeltaScopes: []string{},
		FullScopes:  []string{},
	}

	for _, e := range st.Queue.Entries {
		if e.InFlight {
			out.InFlight++
		}
	}

	out.TokenState, out.TokenRefreshed = tokenState(acct, now)

	if meta, err := tokenfile.ReadMeta(acct.TokenPath); err == nil {
		out.LastSync = meta[tokenfile.MetaLastSyncAt]
	}

	switch {
	case acct.Paused:
		out.State = accountStateConfigPaused
	case st.Queue.Paused:
		out.State = accountStatePaused
	case st.Queue.DelayedUntil > now.UnixNano():
		out.State = accountStateRetrying
		out.RetryIn = formatWait(st.Queue.DelayedUntil, now)
	case daemon:
		out.State = accountStateDaemonRunning
	default:
		out.State = accountStateReady
	}

	for scope, hasToken := range st.SyncTokens {
		if hasToken {
			out.DeltaScopes = append(out.DeltaScopes, scope)
		} else {
			out.FullScopes = append(out.FullScopes, scope)
		}
	}

	slices.Sort(out.DeltaScopes)
	slices.Sort(out.FullScopes)

	return out
}

// tokenState inspects the account's token file without refreshing it.
func tokenState(acct config.ResolvedAccount, now time.Time) (state, refreshedAt string) {
	tok, meta, err := tokenfile.Load(acct.TokenPath)

	switch {
	case errors.Is(err, tokenfile.ErrNoToken):
		return tokenStateMissing, ""
	case err != nil:
		return tokenStateUnreadable, ""
	case tok == nil:
		return tokenStateMissing, ""
	}

	refreshedAt = meta[tokenfile.MetaRefreshedAt]

	if tok.Expiry.IsZero() || tok.Expiry.After(now) {
		return tokenStateValid, refreshedAt
	}

	if tok.RefreshToken != "" && acct.TokenURL != "" {
		return tokenStateRefreshable, refreshedAt
	}

	return tokenStateExpired, refreshedAt
}

func printStatusText(w io.Writer, statuses []accountStatus) {
	rows := make([][]string, 0, len(statuses))

	for _, s := range statuses {
		state := s.State
		if s.RetryIn != "" {
			state += " (" + s.RetryIn + ")"
		}

		delta := strings.Join(s.DeltaScopes, ",")
		if delta == "" {
			delta = "-"
		}

		rows = append(rows, []string{
			s.Account,
			state,
			s.TokenState,
			strconv.Itoa(s.Entities),
			strconv.Itoa(s.Queued),
			strconv.Itoa(s.InFlight),
			delta,
		})
	}

	printTable(w, []string{"ACCOUNT", "STATE", "TOKEN", "ENTITIES", "QUEUED", "IN FLIGHT", "DELTA SCOPES"}, rows)
}
