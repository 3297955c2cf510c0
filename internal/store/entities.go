package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/notesync/internal/entity"
)

const entityColumns = `local_id, kind, source_kind, source_id, container_url,
		last_modified_at, is_deleted, is_local_only, title, preview, body,
		web_url, container_name, section_local_id, section_source_id, revision,
		media_path, pinned, child_local_ids`

const (
	sqlLoadEntities = `SELECT ` + entityColumns + `
		FROM entities WHERE account = ? ORDER BY rowid`

	sqlLoadEntitiesByKind = `SELECT ` + entityColumns + `
		FROM entities WHERE account = ? AND kind = ? ORDER BY rowid`

	sqlGetEntity = `SELECT ` + entityColumns + `
		FROM entities WHERE account = ? AND local_id = ?`

	sqlUpsertEntity = `INSERT INTO entities
		(account, ` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, local_id) DO UPDATE SET
		 kind = excluded.kind,
		 source_kind = excluded.source_kind,
		 source_id = excluded.source_id,
		 container_url = excluded.container_url,
		 last_modified_at = excluded.last_modified_at,
		 is_deleted = excluded.is_deleted,
		 is_local_only = excluded.is_local_only,
		 title = excluded.title,
		 preview = excluded.preview,
		 body = excluded.body,
		 web_url = excluded.web_url,
		 container_name = excluded.container_name,
		 section_local_id = excluded.section_local_id,
		 section_source_id = excluded.section_source_id,
		 revision = excluded.revision,
		 media_path = excluded.media_path,
		 pinned = excluded.pinned,
		 child_local_ids = excluded.child_local_ids`

	sqlDeleteEntity = `DELETE FROM entities WHERE account = ? AND local_id = ?`
)

// Source kinds as stored in the source_kind column.
const (
	sourceNone    = ""
	sourceFull    = "full"
	sourcePartial = "partial"
)

// LoadLocal returns the account's entities of the given kind in insertion
// order. Kind 0 loads every kind.
func (s *Store) LoadLocal(ctx context.Context, account string, kind entity.Kind) ([]entity.Entity, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if kind == 0 {
		rows, err = s.db.QueryContext(ctx, sqlLoadEntities, account)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlLoadEntitiesByKind, account, kind.String())
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading entities for %s: %w", account, err)
	}
	defer rows.Close()

	var out []entity.Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entity rows: %w", err)
	}

	return out, nil
}

// GetEntity returns one entity by local id. The bool is false when the row
// does not exist.
func (s *Store) GetEntity(ctx context.Context, account, localID string) (entity.Entity, bool, error) {
	row := s.db.QueryRowContext(ctx, sqlGetEntity, account, localID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, false, nil
	}

	if err != nil {
		return entity.Entity{}, false, err
	}

	return e, true, nil
}

// PutEntity inserts or replaces one entity outside any change set, as the
// business layer does for optimistic local edits.
func (s *Store) PutEntity(ctx context.Context, account string, e entity.Entity) error {
	return upsertEntity(ctx, s.db, account, e)
}

// ApplyChangeSet writes all four lists of cs in one transaction: either
// every change lands or none does.
func (s *Store) ApplyChangeSet(ctx context.Context, account string, cs entity.ChangeSet) error {
	return s.CommitSync(ctx, account, "", cs, "")
}

// CommitSync applies cs and, when token is non-empty, saves it as the
// scope's delta token in the same transaction.
func (s *Store) CommitSync(ctx context.Context, account, scope string, cs entity.ChangeSet, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning change set transaction: %w", err)
	}
	defer tx.Rollback()

	// Deletes first: a removed row may hold a full id a new row takes over.
	for i := range cs.ToDelete {
		if _, err := tx.ExecContext(ctx, sqlDeleteEntity, account, cs.ToDelete[i].LocalID); err != nil {
			return fmt.Errorf("store: deleting entity %s: %w", cs.ToDelete[i].LocalID, err)
		}
	}

	for _, list := range [][]entity.Entity{cs.ToCreate, cs.ToReplace, cs.ToMarkAsDeleted} {
		for i := range list {
			if err := upsertEntity(ctx, tx, account, list[i]); err != nil {
				return err
			}
		}
	}

	if token != "" {
		if err := saveSyncToken(ctx, tx, account, scope, token, s.nowFunc().UnixNano()); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing change set: %w", err)
	}

	s.logger.Debug("change set applied",
		slog.String("account", account),
		slog.Int("created", len(cs.ToCreate)),
		slog.Int("replaced", len(cs.ToReplace)),
		slog.Int("deleted", len(cs.ToDelete)),
		slog.Int("marked_deleted", len(cs.ToMarkAsDeleted)),
	)

	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntity(ctx context.Context, db execer, account string, e entity.Entity) error {
	sourceKind, sourceID, containerURL := encodeSourceID(e.SourceID)

	var children sql.NullString

	if len(e.ChildLocalIDs) > 0 {
		b, err := json.Marshal(e.ChildLocalIDs)
		if err != nil {
			return fmt.Errorf("store: encoding children of %s: %w", e.LocalID, err)
		}

		children = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.ExecContext(ctx, sqlUpsertEntity,
		account, e.LocalID, e.Kind.String(), sourceKind, nullString(sourceID), nullString(containerURL),
		e.LastModifiedAt, boolInt(e.IsDeleted), boolInt(e.IsLocalOnlyPage),
		nullString(e.Title), nullString(e.Preview), nullString(e.Body),
		nullString(e.WebURL), nullString(e.ContainerName),
		nullString(e.SectionLocalID), nullString(e.SectionSourceID), e.Revision,
		nullString(e.MediaPath), boolInt(e.Pinned), children,
	)
	if err != nil {
		return fmt.Errorf("store: writing entity %s: %w", e.LocalID, err)
	}

	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (entity.Entity, error) {
	var (
		e                                     entity.Entity
		kind, sourceKind                      string
		sourceID, containerURL                sql.NullString
		title, preview, body, webURL          sql.NullString
		containerName, sectionLocal, sectionS sql.NullString
		mediaPath, children                   sql.NullString
		isDeleted, isLocalOnly, pinned        int
	)

	err := row.Scan(
		&e.LocalID, &kind, &sourceKind, &sourceID, &containerURL,
		&e.LastModifiedAt, &isDeleted, &isLocalOnly, &title, &preview, &body,
		&webURL, &containerName, &sectionLocal, &sectionS, &e.Revision,
		&mediaPath, &pinned, &children,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, err
	}

	if err != nil {
		return entity.Entity{}, fmt.Errorf("store: scanning entity row: %w", err)
	}

	parsed, err := entity.ParseKind(kind)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("store: entity %s: %w", e.LocalID, err)
	}

	e.Kind = parsed
	e.SourceID = decodeSourceID(sourceKind, sourceID.String, containerURL.String)
	e.IsDeleted = isDeleted != 0
	e.IsLocalOnlyPage = isLocalOnly != 0
	e.Title = title.String
	e.Preview = preview.String
	e.Body = body.String
	e.WebURL = webURL.String
	e.ContainerName = containerName.String
	e.SectionLocalID = sectionLocal.String
	e.SectionSourceID = sectionS.String
	e.MediaPath = mediaPath.String
	e.Pinned = pinned != 0

	if children.Valid {
		if err := json.Unmarshal([]byte(children.String), &e.ChildLocalIDs); err != nil {
			return entity.Entity{}, fmt.Errorf("store: decoding children of %s: %w", e.LocalID, err)
		}
	}

	return e, nil
}

func encodeSourceID(id entity.SourceID) (kind, sourceID, containerURL string) {
	switch v := id.(type) {
	case entity.FullSourceID:
		return sourceFull, v.ID, ""
	case entity.PartialSourceID:
		return sourcePartial, v.PartialID, v.ContainerURL
	default:
		return sourceNone, "", ""
	}
}

func decodeSourceID(kind, sourceID, containerURL string) entity.SourceID {
	switch kind {
	case sourceFull:
		return entity.FullSourceID{ID: sourceID}
	case sourcePartial:
		return entity.PartialSourceID{PartialID: sourceID, ContainerURL: containerURL}
	default:
		return nil
	}
}
