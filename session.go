package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/tonimelisma/notesync/internal/config"
	"github.com/tonimelisma/notesync/internal/engine"
	"github.com/tonimelisma/notesync/internal/events"
	"github.com/tonimelisma/notesync/internal/remote"
	"github.com/tonimelisma/notesync/internal/store"
)

const (
	dataDirPerms = 0o700
	pidFileName  = "notesync.pid"
)

// Session holds the shared store, notification bus and one engine per
// selected account.
type Session struct {
	Store     *store.Store
	Bus       *events.Bus
	Telemetry *events.TelemetryLog

	accounts []config.ResolvedAccount
	engines  []*engine.Engine
	tokens   map[string]remote.TokenSource
	logger   *slog.Logger
}

// openSession opens the state database and builds an engine for every
// selected account. Tokens are loaded on first use, so commands that never
// reach the network work without a login.
func openSession(ctx context.Context, cc *CLIContext) (*Session, error) {
	resolved := cc.Resolved
	cfg := resolved.Config

	if err := os.MkdirAll(resolved.DataDir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, resolved.DatabasePath(), cc.Logger)
	if err != nil {
		return nil, err
	}

	tel := events.NewTelemetryLog(cfg.Telemetry.EventsPerSecond, cfg.Telemetry.Burst, cc.Logger)

	s := &Session{
		Store:     st,
		Bus:       events.NewBus(tel, cc.Logger),
		Telemetry: tel,
		accounts:  resolved.Accounts,
		tokens:    make(map[string]remote.TokenSource, len(resolved.Accounts)),
		logger:    cc.Logger,
	}

	httpClient := &http.Client{Timeout: cfg.Remote.TimeoutDuration()}

	for _, acct := range resolved.Accounts {
		tokens := &lazyToken{acct: acct, logger: cc.Logger}
		s.tokens[acct.Name] = tokens

		client := remote.NewClient(cfg.Remote.BaseURL, httpClient, tokens, cc.Logger)
		client.SetUserAgent(cfg.Remote.UserAgent)

		eng, err := engine.New(ctx, engine.Config{
			Account:       acct.Name,
			Scopes:        acct.Scopes,
			Transport:     client,
			Store:         st,
			Sink:          s.Bus,
			InitialDelay:  cfg.Queue.InitialDelayDuration(),
			MaxDelay:      cfg.Queue.MaxDelayDuration(),
			BackoffFactor: cfg.Queue.BackoffFactor,
			MaxInFlight:   cfg.Queue.MaxInFlight,
			Logger:        cc.Logger,
		})
		if err != nil {
			st.Close()
			return nil, err
		}

		s.engines = append(s.engines, eng)
	}

	return s, nil
}

// Close releases the database.
func (s *Session) Close() error {
	return s.Store.Close()
}

// Engines returns every selected account's engine, in account order.
func (s *Session) Engines() []*engine.Engine { return s.engines }

// Active returns the engines of accounts not paused in the config file.
func (s *Session) Active() []*engine.Engine {
	active := make([]*engine.Engine, 0, len(s.engines))

	for i, e := range s.engines {
		if s.accounts[i].Paused {
			s.logger.Info("skipping paused account", slog.String("account", e.Account()))
			continue
		}

		active = append(active, e)
	}

	return active
}

// Single returns the only selected engine, for commands that act on one
// account.
func (s *Session) Single() (*engine.Engine, error) {
	if len(s.engines) != 1 {
		return nil, fmt.Errorf("%d accounts configured: choose one with --account", len(s.engines))
	}

	return s.engines[0], nil
}

// Account returns the resolved settings of one selected account.
func (s *Session) Account(name string) (config.ResolvedAccount, bool) {
	for _, a := range s.accounts {
		if a.Name == name {
			return a, true
		}
	}

	return config.ResolvedAccount{}, false
}

// TokenSource returns the account's lazily loaded credential.
func (s *Session) TokenSource(account string) remote.TokenSource {
	return s.tokens[account]
}

// pidFilePath returns where sync --watch records its process id.
func pidFilePath(cc *CLIContext) string {
	return filepath.Join(cc.Resolved.DataDir, pidFileName)
}

// lazyToken loads the account's token file on first use and retries the
// load after a failure, so a login performed while a daemon runs is picked
// up without a restart.
type lazyToken struct {
	acct   config.ResolvedAccount
	logger *slog.Logger

	mu  sync.Mutex
	src remote.TokenSource
}

func (l *lazyToken) Token() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.src == nil {
		src, err := remote.TokenSourceFromFile(context.Background(), l.acct.TokenPath, remote.OAuthSettings{
			ClientID: l.acct.ClientID,
			TokenURL: l.acct.TokenURL,
		}, l.logger)
		if err != nil {
			if errors.Is(err, remote.ErrNotLoggedIn) {
				return "", fmt.Errorf("%w: run 'notesync login --account %s' first", err, l.acct.Name)
			}

			return "", err
		}

		l.src = src
	}

	return l.src.Token()
}
