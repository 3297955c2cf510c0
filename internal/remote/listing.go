package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tonimelisma/notesync/internal/entity"
)

// maxPages bounds a paged listing so a server that keeps returning a
// nextLink cannot loop forever.
const maxPages = 10_000

// Full returns every entity in scope plus the token to start delta syncs
// from. Pages are followed through nextLink.
func (c *Client) Full(ctx context.Context, scope, correlationID string) ([]entity.Remote, string, error) {
	path := "/v1/scopes/" + url.PathEscape(scope) + "/items"

	var (
		items []entity.Remote
		token string
	)

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, "", fmt.Errorf("remote: listing %s exceeded %d pages", scope, maxPages)
		}

		var p listingPage
		if err := c.getJSON(ctx, path, correlationID, &p); err != nil {
			return nil, "", err
		}

		for i := range p.Items {
			items = append(items, p.Items[i].toRemote(entity.KindPageReference))
		}

		token = p.SyncToken

		if p.NextLink == "" {
			break
		}

		next, err := c.relative(p.NextLink)
		if err != nil {
			return nil, "", err
		}

		path = next
	}

	c.logger.Debug("full listing fetched",
		slog.String("scope", scope),
		slog.Int("items", len(items)),
	)

	return items, token, nil
}

// Delta returns the changes in scope since token and the token to resume
// from next time.
func (c *Client) Delta(ctx context.Context, scope, token, correlationID string) ([]entity.DeltaPayload, string, error) {
	path := "/v1/scopes/" + url.PathEscape(scope) + "/delta?token=" + url.QueryEscape(token)

	var (
		payloads []entity.DeltaPayload
		next     string
	)

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, "", fmt.Errorf("remote: delta for %s exceeded %d pages", scope, maxPages)
		}

		var p deltaPage
		if err := c.getJSON(ctx, path, correlationID, &p); err != nil {
			return nil, "", err
		}

		for _, ch := range p.Changes {
			if ch.Deleted || ch.Item == nil {
				payloads = append(payloads, entity.DeletedPayload(ch.ID))
				continue
			}

			r := ch.Item.toRemote(entity.KindPageReference)
			if r.ID == "" {
				r.ID = ch.ID
			}

			payloads = append(payloads, entity.NonDeletedPayload(r))
		}

		next = p.SyncToken

		if p.NextLink == "" {
			break
		}

		rel, err := c.relative(p.NextLink)
		if err != nil {
			return nil, "", err
		}

		path = rel
	}

	c.logger.Debug("delta fetched",
		slog.String("scope", scope),
		slog.Int("changes", len(payloads)),
	)

	return payloads, next, nil
}

// relative converts a nextLink, which the service may send absolute, into
// a path under the client's base URL.
func (c *Client) relative(link string) (string, error) {
	if rest, ok := strings.CutPrefix(link, c.baseURL); ok {
		return rest, nil
	}

	if strings.HasPrefix(link, "/") {
		return link, nil
	}

	return "", fmt.Errorf("%w: nextLink %q outside %s", ErrMalformedResponse, link, c.baseURL)
}
