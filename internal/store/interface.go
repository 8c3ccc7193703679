package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a card, cursor or session row does not exist.
var ErrNotFound = errors.New("store: not found")

// Batch is one reconciliation page worth of snapshot mutations plus the
// cursor they correspond to. ApplyBatch persists it all-or-nothing: the
// cursor never advances past records that were not durably committed.
type Batch struct {
	Upserts    []*CardRecord
	Removals   []string // card guids
	ClearEdits []EditKey
	Skipped    []*SkippedChange
	Conflicts  []*Conflict
	Cursor     *SyncCursor
}

// EditKey identifies one pending local edit.
type EditKey struct {
	CardGUID string
	Field    string
}

type Store interface {
	// Cards
	GetCard(ctx context.Context, deckID, guid string) (*CardRecord, error)
	ListCards(ctx context.Context, deckID string) ([]*CardRecord, error)
	RemoveCard(ctx context.Context, deckID, guid string) error

	// Cursor + atomic reconciliation commit
	GetCursor(ctx context.Context, deckID string) (*SyncCursor, error)
	ApplyBatch(ctx context.Context, deckID string, batch *Batch) error

	// Local edits
	PutLocalEdit(ctx context.Context, edit *LocalEdit) error
	GetLocalEdit(ctx context.Context, deckID, guid, field string) (*LocalEdit, error)
	ListLocalEdits(ctx context.Context, deckID string) ([]*LocalEdit, error)
	DeleteLocalEdit(ctx context.Context, deckID, guid, field string) error

	// Protected fields
	GetProtectedFields(ctx context.Context, deckID string) ([]string, error)
	SaveProtectedFields(ctx context.Context, deckID string, fields []string) error

	// Conflicts
	ListConflicts(ctx context.Context, deckID string, resolved bool, limit, offset int) ([]*Conflict, error)
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ResolveConflict(ctx context.Context, id, resolution string) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	ListSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// Session
	GetSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ClearSession(ctx context.Context) error

	// Progress
	GetDeckStats(ctx context.Context, deckID string) (*DeckStats, error)
	ListDeckIDs(ctx context.Context) ([]string, error)

	// General
	Close() error
}
