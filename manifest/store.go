// Package manifest records the last known state of every content item so
// bit-integrity checks have something to compare against. Writes are
// ordered by event timestamp: an event older than the stored row is
// ignored, which makes replays and out-of-order delivery harmless.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"taskmill/model"
)

var (
	ErrNotFound = errors.New("manifest: item not found")
	ErrWrite    = errors.New("manifest: write failed")
)

const pageSize = 500

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  DB
	log *slog.Logger
}

func NewStore(db DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log.With("component", "manifest")}
}

// Migrate creates the manifest table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS manifest_items (
			id               BIGSERIAL PRIMARY KEY,
			account          TEXT NOT NULL,
			store_id         TEXT NOT NULL,
			space_id         TEXT NOT NULL,
			content_id       TEXT NOT NULL,
			content_checksum TEXT NOT NULL DEFAULT '',
			content_mimetype TEXT NOT NULL DEFAULT '',
			content_size     TEXT NOT NULL DEFAULT '',
			modified         TIMESTAMPTZ NOT NULL,
			deleted          BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (account, store_id, space_id, content_id)
		)`)
	return err
}

// AddUpdate inserts or updates item unless the stored row is newer than
// item.Modified. A successful write clears the deleted flag.
func (s *Store) AddUpdate(ctx context.Context, item model.ManifestItem) error {
	s.log.Debug("preparing to write", "item", item.Key().String(), "checksum", item.ContentChecksum,
		"mimetype", item.ContentMimetype, "size", item.ContentSize, "eventTimestamp", item.Modified)

	var inserted bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO manifest_items
			(account, store_id, space_id, content_id, content_checksum, content_mimetype, content_size, modified, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (account, store_id, space_id, content_id) DO UPDATE SET
			content_checksum = EXCLUDED.content_checksum,
			content_mimetype = EXCLUDED.content_mimetype,
			content_size     = EXCLUDED.content_size,
			modified         = EXCLUDED.modified,
			deleted          = FALSE
		WHERE manifest_items.modified <= EXCLUDED.modified
		RETURNING (xmax = 0)`,
		item.Account, item.StoreID, item.SpaceID, item.ContentID,
		item.ContentChecksum, item.ContentMimetype, item.ContentSize, item.Modified,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn("stored item is more current than the event, ignoring",
			"item", item.Key().String(), "eventTimestamp", item.Modified)
		return nil
	}
	if err != nil {
		s.log.Error("failed to write item", "item", item.Key().String(), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrWrite, item.Key(), err)
	}

	action := "updated"
	if inserted {
		action = "added"
	}
	s.log.Info("successfully wrote manifest item", "action", action, "item", item.Key().String())
	return nil
}

// FlagAsDeleted marks an item deleted as of ts. Missing items and events
// older than the stored row are logged and ignored.
func (s *Store) FlagAsDeleted(ctx context.Context, key model.ManifestKey, ts time.Time) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var modified time.Time
		var deleted bool
		err := tx.QueryRow(ctx, `
			SELECT modified, deleted FROM manifest_items
			WHERE account = $1 AND store_id = $2 AND space_id = $3 AND content_id = $4
			FOR UPDATE`,
			key.Account, key.StoreID, key.SpaceID, key.ContentID,
		).Scan(&modified, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.Warn("no manifest item, nothing to delete", "item", key.String())
			return nil
		}
		if err != nil {
			return err
		}

		if ts.Before(modified) {
			s.log.Warn("stored item is more current than the event, ignoring",
				"item", key.String(), "modified", modified, "eventTimestamp", ts)
			return nil
		}
		if deleted {
			s.log.Warn("item already deleted; duplicate event or missed add event", "item", key.String())
		}

		_, err = tx.Exec(ctx, `
			UPDATE manifest_items SET deleted = TRUE, modified = $5
			WHERE account = $1 AND store_id = $2 AND space_id = $3 AND content_id = $4`,
			key.Account, key.StoreID, key.SpaceID, key.ContentID, ts)
		return err
	})
	if err != nil {
		s.log.Error("failed to flag item as deleted", "item", key.String(), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrWrite, key, err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, key model.ManifestKey) (*model.ManifestItem, error) {
	var item model.ManifestItem
	err := s.db.QueryRow(ctx, `
		SELECT account, store_id, space_id, content_id, content_checksum, content_mimetype, content_size, modified, deleted
		FROM manifest_items
		WHERE account = $1 AND store_id = $2 AND space_id = $3 AND content_id = $4`,
		key.Account, key.StoreID, key.SpaceID, key.ContentID,
	).Scan(scanTargets(&item)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Items calls fn for every item in a space in content id order, reading
// the table a page at a time. It stops at the first error fn returns.
func (s *Store) Items(ctx context.Context, account, storeID, spaceID string, fn func(model.ManifestItem) error) error {
	after := ""
	for {
		rows, err := s.db.Query(ctx, `
			SELECT account, store_id, space_id, content_id, content_checksum, content_mimetype, content_size, modified, deleted
			FROM manifest_items
			WHERE account = $1 AND store_id = $2 AND space_id = $3 AND content_id > $4
			ORDER BY content_id ASC
			LIMIT $5`,
			account, storeID, spaceID, after, pageSize)
		if err != nil {
			return err
		}
		page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ManifestItem, error) {
			var item model.ManifestItem
			err := row.Scan(scanTargets(&item)...)
			return item, err
		})
		if err != nil {
			return err
		}

		for _, item := range page {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ContentID
	}
}

// PurgeDeletedItemsBefore removes items flagged deleted before expiration
// and returns how many were removed.
func (s *Store) PurgeDeletedItemsBefore(ctx context.Context, expiration time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM manifest_items WHERE deleted AND modified < $1`, expiration)
	if err != nil {
		return 0, err
	}
	s.log.Info("purged deleted manifest items", "count", tag.RowsAffected(), "before", expiration)
	return tag.RowsAffected(), nil
}

func scanTargets(item *model.ManifestItem) []any {
	return []any{
		&item.Account, &item.StoreID, &item.SpaceID, &item.ContentID,
		&item.ContentChecksum, &item.ContentMimetype, &item.ContentSize,
		&item.Modified, &item.Deleted,
	}
}
