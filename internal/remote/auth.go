package remote

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/notesync/internal/tokenfile"
)

// OAuthSettings describes how to refresh an account's saved token. A zero
// TokenURL means the saved token is used until it expires.
type OAuthSettings struct {
	ClientID string
	TokenURL string
	Scopes   []string
}

// TokenSourceFromFile loads the token saved at tokenPath and returns a
// TokenSource that refreshes it when possible and writes every refreshed
// token back to the file. Returns ErrNotLoggedIn when no token is saved.
func TokenSourceFromFile(
	ctx context.Context, tokenPath string, settings OAuthSettings, logger *slog.Logger,
) (TokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("%w: no token at %s", ErrNotLoggedIn, tokenPath)
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	var src oauth2.TokenSource
	if settings.TokenURL == "" {
		src = oauth2.StaticTokenSource(tok)
	} else {
		cfg := &oauth2.Config{
			ClientID: settings.ClientID,
			Scopes:   settings.Scopes,
			Endpoint: oauth2.Endpoint{TokenURL: settings.TokenURL},
		}
		src = cfg.TokenSource(ctx, tok)
	}

	return &tokenBridge{
		src:    src,
		path:   tokenPath,
		meta:   meta,
		last:   tok.AccessToken,
		logger: logger,
	}, nil
}

// tokenBridge adapts oauth2.TokenSource to remote.TokenSource and persists
// refreshed tokens so a restart does not need a new login.
type tokenBridge struct {
	src    oauth2.TokenSource
	path   string
	meta   map[string]string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", err
	}

	b.mu.Lock()
	changed := t.AccessToken != b.last
	b.last = t.AccessToken
	b.mu.Unlock()

	if changed {
		b.persist(t)
	}

	return t.AccessToken, nil
}

func (b *tokenBridge) persist(t *oauth2.Token) {
	b.logger.Info("token refreshed",
		slog.String("path", b.path),
		slog.Time("new_expiry", t.Expiry),
	)

	meta := make(map[string]string, len(b.meta)+1)
	maps.Copy(meta, b.meta)
	meta[tokenfile.MetaRefreshedAt] = time.Now().UTC().Format(time.RFC3339)

	if err := tokenfile.Save(b.path, t, meta); err != nil {
		b.logger.Warn("failed to persist refreshed token",
			slog.String("path", b.path),
			slog.String("error", err.Error()),
		)
	}
}
