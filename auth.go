package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/notesync/internal/config"
	"github.com/tonimelisma/notesync/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var (
		accessToken  string
		refreshToken string
		expiresIn    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a credential for an account",
		Long: `Save an access token (and optionally a refresh token) for one account.
Pass --access-token - to read the access token from stdin.

When the account's table sets token_url and client_id, the refresh token
is used to renew the access token when it expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			acct, err := singleAccount(cc.Resolved)
			if err != nil {
				return err
			}

			if accessToken == "-" {
				accessToken, err = readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			tok := &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, TokenType: "Bearer"}
			if expiresIn > 0 {
				tok.Expiry = time.Now().Add(expiresIn)
			}

			if err := saveLogin(acct, tok, time.Now()); err != nil {
				return err
			}

			cc.Logger.Info("login saved", slog.String("account", acct.Name), slog.String("path", acct.TokenPath))
			cc.Statusf("Saved credential for %s.\n", acct.Name)

			return nil
		},
	}

	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token, or - to read it from stdin")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "access token lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("access-token")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove saved credentials",
		Long:  "Remove the saved credential of every selected account. Use --account to remove one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			for _, acct := range cc.Resolved.Accounts {
				if err := tokenfile.Remove(acct.TokenPath); err != nil {
					return err
				}

				cc.Logger.Info("logout", slog.String("account", acct.Name))
				cc.Statusf("Logged out %s.\n", acct.Name)
			}

			return nil
		},
	}
}

// singleAccount returns the only selected account.
func singleAccount(r *config.Resolved) (config.ResolvedAccount, error) {
	if len(r.Accounts) != 1 {
		return config.ResolvedAccount{}, fmt.Errorf("%d accounts configured: choose one with --account", len(r.Accounts))
	}

	return r.Accounts[0], nil
}

func saveLogin(acct config.ResolvedAccount, tok *oauth2.Token, now time.Time) error {
	return tokenfile.Save(acct.TokenPath, tok, map[string]string{
		tokenfile.MetaAccount:     acct.Name,
		tokenfile.MetaRefreshedAt: now.UTC().Format(time.RFC3339),
	})
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading access token: %w", err)
	}

	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("reading access token: stdin was empty")
	}

	return secret, nil
}
