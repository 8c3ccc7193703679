package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"deck-sync-service/internal/config"
	"deck-sync-service/internal/logger"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(cfg config.StateStorage) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the engine and the API.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Opened snapshot store", zap.String("path", cfg.Path))
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing handle. Used by tests.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS cards (
  deck_id    TEXT NOT NULL,
  guid       TEXT NOT NULL,
  note_type  TEXT NOT NULL DEFAULT '',
  fields     TEXT NOT NULL DEFAULT '{}',
  tags       TEXT NOT NULL DEFAULT '[]',
  deck_path  TEXT NOT NULL DEFAULT '',
  version    INTEGER NOT NULL DEFAULT 0,
  suspended  INTEGER NOT NULL DEFAULT 0,
  updated_at TIMESTAMP NOT NULL,
  PRIMARY KEY (deck_id, guid)
);
CREATE TABLE IF NOT EXISTS sync_cursors (
  deck_id        TEXT PRIMARY KEY,
  last_change_id INTEGER NOT NULL DEFAULT 0,
  page_offset    INTEGER NOT NULL DEFAULT 0,
  deck_version   INTEGER NOT NULL DEFAULT 0,
  updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS local_edits (
  deck_id    TEXT NOT NULL,
  card_guid  TEXT NOT NULL,
  field      TEXT NOT NULL,
  base_value TEXT NOT NULL DEFAULT '',
  value      TEXT NOT NULL DEFAULT '',
  reason     TEXT NOT NULL DEFAULT '',
  edited_at  TIMESTAMP NOT NULL,
  PRIMARY KEY (deck_id, card_guid, field)
);
CREATE TABLE IF NOT EXISTS protected_fields (
  deck_id TEXT NOT NULL,
  field   TEXT NOT NULL,
  PRIMARY KEY (deck_id, field)
);
CREATE TABLE IF NOT EXISTS conflicts (
  id           TEXT PRIMARY KEY,
  deck_id      TEXT NOT NULL,
  card_guid    TEXT NOT NULL,
  field        TEXT NOT NULL,
  change_id    INTEGER NOT NULL,
  server_old   TEXT NOT NULL DEFAULT '',
  server_new   TEXT NOT NULL DEFAULT '',
  local_value  TEXT NOT NULL DEFAULT '',
  deck_version INTEGER NOT NULL DEFAULT 0,
  protected    INTEGER NOT NULL DEFAULT 0,
  detected_at  TIMESTAMP NOT NULL,
  resolved     INTEGER NOT NULL DEFAULT 0,
  resolution   TEXT,
  resolved_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conflicts_deck ON conflicts (deck_id, resolved);
CREATE TABLE IF NOT EXISTS skipped_changes (
  id         TEXT PRIMARY KEY,
  deck_id    TEXT NOT NULL,
  card_guid  TEXT NOT NULL,
  field      TEXT NOT NULL,
  change_id  INTEGER NOT NULL,
  server_new TEXT NOT NULL DEFAULT '',
  skipped_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_history (
  id              TEXT PRIMARY KEY,
  deck_id         TEXT NOT NULL,
  mode            TEXT NOT NULL,
  started_at      TIMESTAMP NOT NULL,
  completed_at    TIMESTAMP,
  pages_fetched   INTEGER NOT NULL DEFAULT 0,
  changes_applied INTEGER NOT NULL DEFAULT 0,
  changes_skipped INTEGER NOT NULL DEFAULT 0,
  conflicts       INTEGER NOT NULL DEFAULT 0,
  status          TEXT NOT NULL,
  error_message   TEXT
);
CREATE TABLE IF NOT EXISTS session (
  id                      INTEGER PRIMARY KEY CHECK (id = 1),
  email                   TEXT NOT NULL,
  access_token            TEXT NOT NULL,
  refresh_token           TEXT NOT NULL,
  expires_at              TIMESTAMP NOT NULL,
  owns_collection         INTEGER NOT NULL DEFAULT 0,
  has_subscription        INTEGER NOT NULL DEFAULT 0,
  subscription_tier       TEXT NOT NULL DEFAULT 'free',
  subscription_expires_at TIMESTAMP NOT NULL,
  is_admin                INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetCard(ctx context.Context, deckID, guid string) (*CardRecord, error) {
	return getCard(ctx, s.db, deckID, guid)
}

func getCard(ctx context.Context, q dbtx, deckID, guid string) (*CardRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT deck_id, guid, note_type, fields, tags, deck_path, version, suspended, updated_at
		 FROM cards WHERE deck_id = ? AND guid = ?`, deckID, guid)
	return scanCard(row)
}

func scanCard(row *sql.Row) (*CardRecord, error) {
	var c CardRecord
	var fieldsJSON, tagsJSON string
	err := row.Scan(&c.DeckID, &c.GUID, &c.NoteType, &fieldsJSON, &tagsJSON,
		&c.DeckPath, &c.Version, &c.Suspended, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan card: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode card fields: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode card tags: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCards(ctx context.Context, deckID string) ([]*CardRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT deck_id, guid, note_type, fields, tags, deck_path, version, suspended, updated_at
		 FROM cards WHERE deck_id = ? ORDER BY guid`, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var result []*CardRecord
	for rows.Next() {
		var c CardRecord
		var fieldsJSON, tagsJSON string
		if err := rows.Scan(&c.DeckID, &c.GUID, &c.NoteType, &fieldsJSON, &tagsJSON,
			&c.DeckPath, &c.Version, &c.Suspended, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode card fields: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode card tags: %w", err)
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

func upsertCard(ctx context.Context, q dbtx, c *CardRecord) error {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode card fields: %w", err)
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode card tags: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO cards (deck_id, guid, note_type, fields, tags, deck_path, version, suspended, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deck_id, guid) DO UPDATE SET
		   note_type = excluded.note_type,
		   fields = excluded.fields,
		   tags = excluded.tags,
		   deck_path = excluded.deck_path,
		   version = excluded.version,
		   suspended = excluded.suspended,
		   updated_at = excluded.updated_at`,
		c.DeckID, c.GUID, c.NoteType, string(fieldsJSON), string(tagsJSON),
		c.DeckPath, c.Version, c.Suspended, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert card %s: %w", c.GUID, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveCard(ctx context.Context, deckID, guid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE deck_id = ? AND guid = ?`, deckID, guid)
	if err != nil {
		return fmt.Errorf("failed to remove card %s: %w", guid, err)
	}
	return nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, deckID string) (*SyncCursor, error) {
	return getCursor(ctx, s.db, deckID)
}

func getCursor(ctx context.Context, q dbtx, deckID string) (*SyncCursor, error) {
	var c SyncCursor
	err := q.QueryRowContext(ctx,
		`SELECT deck_id, last_change_id, page_offset, deck_version, updated_at
		 FROM sync_cursors WHERE deck_id = ?`, deckID).
		Scan(&c.DeckID, &c.LastChangeID, &c.Offset, &c.DeckVersion, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return &c, nil
}

// ApplyBatch commits one reconciliation page in a single transaction.
// The cursor write is rejected if it would move backward.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, deckID string, batch *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer tx.Rollback()

	// Removals first so a card deleted and re-added within the same page
	// ends up present.
	for _, guid := range batch.Removals {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cards WHERE deck_id = ? AND guid = ?`, deckID, guid); err != nil {
			return fmt.Errorf("failed to remove card %s: %w", guid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_edits WHERE deck_id = ? AND card_guid = ?`, deckID, guid); err != nil {
			return fmt.Errorf("failed to clear edits for %s: %w", guid, err)
		}
	}
	for _, c := range batch.Upserts {
		if err := upsertCard(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, k := range batch.ClearEdits {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_edits WHERE deck_id = ? AND card_guid = ? AND field = ?`,
			deckID, k.CardGUID, k.Field); err != nil {
			return fmt.Errorf("failed to clear edit %s/%s: %w", k.CardGUID, k.Field, err)
		}
	}
	for _, sk := range batch.Skipped {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO skipped_changes (id, deck_id, card_guid, field, change_id, server_new, skipped_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sk.ID, sk.DeckID, sk.CardGUID, sk.Field, sk.ChangeID, sk.ServerNew, sk.SkippedAt); err != nil {
			return fmt.Errorf("failed to record skipped change: %w", err)
		}
	}
	for _, cf := range batch.Conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (id, deck_id, card_guid, field, change_id, server_old, server_new,
			   local_value, deck_version, protected, detected_at, resolved, resolution, resolved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cf.ID, cf.DeckID, cf.CardGUID, cf.Field, cf.ChangeID, cf.ServerOld, cf.ServerNew,
			cf.LocalValue, cf.DeckVersion, cf.Protected, cf.DetectedAt,
			cf.Resolved, cf.Resolution, cf.ResolvedAt); err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}
	}

	if batch.Cursor != nil {
		prev, err := getCursor(ctx, tx, deckID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if prev != nil {
			if batch.Cursor.LastChangeID < prev.LastChangeID ||
				batch.Cursor.DeckVersion < prev.DeckVersion {
				return fmt.Errorf("cursor for deck %s would move backward (%d < %d)",
					deckID, batch.Cursor.LastChangeID, prev.LastChangeID)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_cursors (deck_id, last_change_id, page_offset, deck_version, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(deck_id) DO UPDATE SET
			   last_change_id = excluded.last_change_id,
			   page_offset = excluded.page_offset,
			   deck_version = excluded.deck_version,
			   updated_at = excluded.updated_at`,
			deckID, batch.Cursor.LastChangeID, batch.Cursor.Offset,
			batch.Cursor.DeckVersion, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to commit cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutLocalEdit(ctx context.Context, e *LocalEdit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_edits (deck_id, card_guid, field, base_value, value, reason, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deck_id, card_guid, field) DO UPDATE SET
		   value = excluded.value,
		   reason = excluded.reason,
		   edited_at = excluded.edited_at`,
		e.DeckID, e.CardGUID, e.Field, e.BaseValue, e.Value, e.Reason, e.EditedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert local edit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLocalEdit(ctx context.Context, deckID, guid, field string) (*LocalEdit, error) {
	var e LocalEdit
	err := s.db.QueryRowContext(ctx,
		`SELECT deck_id, card_guid, field, base_value, value, reason, edited_at
		 FROM local_edits WHERE deck_id = ? AND card_guid = ? AND field = ?`,
		deckID, guid, field).
		Scan(&e.DeckID, &e.CardGUID, &e.Field, &e.BaseValue, &e.Value, &e.Reason, &e.EditedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local edit: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) ListLocalEdits(ctx context.Context, deckID string) ([]*LocalEdit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT deck_id, card_guid, field, base_value, value, reason, edited_at
		 FROM local_edits WHERE deck_id = ? ORDER BY card_guid, field`, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local edits: %w", err)
	}
	defer rows.Close()

	var result []*LocalEdit
	for rows.Next() {
		var e LocalEdit
		if err := rows.Scan(&e.DeckID, &e.CardGUID, &e.Field, &e.BaseValue,
			&e.Value, &e.Reason, &e.EditedAt); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteLocalEdit(ctx context.Context, deckID, guid, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM local_edits WHERE deck_id = ? AND card_guid = ? AND field = ?`,
		deckID, guid, field)
	if err != nil {
		return fmt.Errorf("failed to delete local edit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProtectedFields(ctx context.Context, deckID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field FROM protected_fields WHERE deck_id = ? ORDER BY field`, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to list protected fields: %w", err)
	}
	defer rows.Close()

	var fields []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (s *SQLiteStore) SaveProtectedFields(ctx context.Context, deckID string, fields []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM protected_fields WHERE deck_id = ?`, deckID); err != nil {
		return fmt.Errorf("failed to clear protected fields: %w", err)
	}
	for _, f := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO protected_fields (deck_id, field) VALUES (?, ?)`,
			deckID, f); err != nil {
			return fmt.Errorf("failed to save protected field %s: %w", f, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, deckID string, resolved bool, limit, offset int) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deck_id, card_guid, field, change_id, server_old, server_new, local_value,
		   deck_version, protected, detected_at, resolved, resolution, resolved_at
		 FROM conflicts WHERE deck_id = ? AND resolved = ?
		 ORDER BY detected_at DESC LIMIT ? OFFSET ?`,
		deckID, resolved, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var result []*Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.DeckID, &c.CardGUID, &c.Field, &c.ChangeID,
			&c.ServerOld, &c.ServerNew, &c.LocalValue, &c.DeckVersion, &c.Protected,
			&c.DetectedAt, &c.Resolved, &c.Resolution, &c.ResolvedAt); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	var c Conflict
	err := s.db.QueryRowContext(ctx,
		`SELECT id, deck_id, card_guid, field, change_id, server_old, server_new, local_value,
		   deck_version, protected, detected_at, resolved, resolution, resolved_at
		 FROM conflicts WHERE id = ?`, id).
		Scan(&c.ID, &c.DeckID, &c.CardGUID, &c.Field, &c.ChangeID,
			&c.ServerOld, &c.ServerNew, &c.LocalValue, &c.DeckVersion, &c.Protected,
			&c.DetectedAt, &c.Resolved, &c.Resolution, &c.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ? AND resolved = 0`,
		resolution, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (id, deck_id, mode, started_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.DeckID, h.Mode, h.StartedAt, h.Status)
	if err != nil {
		return fmt.Errorf("failed to create sync history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, h *SyncHistory) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_history SET completed_at = ?, pages_fetched = ?, changes_applied = ?,
		   changes_skipped = ?, conflicts = ?, status = ?, error_message = ?
		 WHERE id = ?`,
		h.CompletedAt, h.PagesFetched, h.ChangesApplied, h.ChangesSkipped,
		h.Conflicts, h.Status, h.ErrorMessage, h.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deck_id, mode, started_at, completed_at, pages_fetched, changes_applied,
		   changes_skipped, conflicts, status, error_message
		 FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var result []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		if err := rows.Scan(&h.ID, &h.DeckID, &h.Mode, &h.StartedAt, &h.CompletedAt,
			&h.PagesFetched, &h.ChangesApplied, &h.ChangesSkipped, &h.Conflicts,
			&h.Status, &h.ErrorMessage); err != nil {
			return nil, err
		}
		result = append(result, &h)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetSession(ctx context.Context) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT email, access_token, refresh_token, expires_at, owns_collection,
		   has_subscription, subscription_tier, subscription_expires_at, is_admin
		 FROM session WHERE id = 1`).
		Scan(&sess.Email, &sess.AccessToken, &sess.RefreshToken, &sess.ExpiresAt,
			&sess.OwnsCollection, &sess.HasSubscription, &sess.SubscriptionTier,
			&sess.SubscriptionExpiresAt, &sess.IsAdmin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (id, email, access_token, refresh_token, expires_at, owns_collection,
		   has_subscription, subscription_tier, subscription_expires_at, is_admin)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   email = excluded.email,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   owns_collection = excluded.owns_collection,
		   has_subscription = excluded.has_subscription,
		   subscription_tier = excluded.subscription_tier,
		   subscription_expires_at = excluded.subscription_expires_at,
		   is_admin = excluded.is_admin`,
		sess.Email, sess.AccessToken, sess.RefreshToken, sess.ExpiresAt,
		sess.OwnsCollection, sess.HasSubscription, sess.SubscriptionTier,
		sess.SubscriptionExpiresAt, sess.IsAdmin)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeckStats(ctx context.Context, deckID string) (*DeckStats, error) {
	stats := &DeckStats{DeckID: deckID}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(suspended), 0) FROM cards WHERE deck_id = ?`, deckID).
		Scan(&stats.TotalCards, &stats.SuspendedCards)
	if err != nil {
		return nil, fmt.Errorf("failed to read deck stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM local_edits WHERE deck_id = ?`, deckID).
		Scan(&stats.PendingEdits)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending edits: %w", err)
	}

	cur, err := getCursor(ctx, s.db, deckID)
	if err == nil {
		stats.DeckVersion = cur.DeckVersion
		stats.LastSyncedAt = cur.UpdatedAt
	} else if err != ErrNotFound {
		return nil, err
	}

	return stats, nil
}

func (s *SQLiteStore) ListDeckIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT deck_id FROM sync_cursors ORDER BY deck_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
