package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	sqlGetSyncToken = `SELECT token FROM sync_tokens WHERE account = ? AND scope = ?` //nolint:gosec // G101: sync cursor, not a credential

	sqlUpsertSyncToken = `INSERT INTO sync_tokens (account, scope, token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, scope) DO UPDATE SET
		 token = excluded.token,
		 updated_at = excluded.updated_at`

	sqlClearSyncTokens = `DELETE FROM sync_tokens WHERE account = ?`
)

// GetSyncToken returns the delta token of a scope, or "" when the scope has
// never completed a sync.
func (s *Store) GetSyncToken(ctx context.Context, account, scope string) (string, error) {
	var token string

	err := s.db.QueryRowContext(ctx, sqlGetSyncToken, account, scope).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: getting sync token for %s/%s: %w", account, scope, err)
	}

	return token, nil
}

// SaveSyncToken stores the delta token of a scope.
func (s *Store) SaveSyncToken(ctx context.Context, account, scope, token string) error {
	return saveSyncToken(ctx, s.db, account, scope, token, s.nowFunc().UnixNano())
}

// ClearSyncTokens forgets every delta token of an account, so its next
// sync of each scope is a full listing.
func (s *Store) ClearSyncTokens(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, sqlClearSyncTokens, account); err != nil {
		return fmt.Errorf("store: clearing sync tokens for %s: %w", account, err)
	}

	return nil
}

func saveSyncToken(ctx context.Context, db execer, account, scope, token string, updatedAt int64) error {
	if _, err := db.ExecContext(ctx, sqlUpsertSyncToken, account, scope, token, updatedAt); err != nil {
		return fmt.Errorf("store: saving sync token for %s/%s: %w", account, scope, err)
	}

	return nil
}
