package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStoreFromDB(db)
	require.NoError(t, err)
	return s
}

func testCard(deckID, guid string, version int64) *CardRecord {
	return &CardRecord{
		GUID:      guid,
		DeckID:    deckID,
		NoteType:  "Basic",
		Fields:    map[string]string{"Front": "Q", "Back": "A"},
		Tags:      []string{"t1"},
		DeckPath:  "Parent::Child",
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestApplyBatch_UpsertAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	card := testCard("d1", "g1", 1)
	err := s.ApplyBatch(ctx, "d1", &Batch{
		Upserts: []*CardRecord{card},
		Cursor:  &SyncCursor{DeckID: "d1", LastChangeID: 5, DeckVersion: 1},
	})
	require.NoError(t, err)

	got, err := s.GetCard(ctx, "d1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Fields["Back"])
	assert.Equal(t, []string{"t1"}, got.Tags)
	assert.Equal(t, int64(1), got.Version)

	cur, err := s.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cur.LastChangeID)
}

func TestApplyBatch_UpsertIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	card := testCard("d1", "g1", 2)
	for i := 0; i < 2; i++ {
		err := s.ApplyBatch(ctx, "d1", &Batch{Upserts: []*CardRecord{card}})
		require.NoError(t, err)
	}

	cards, err := s.ListCards(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(2), cards[0].Version)
}

func TestApplyBatch_CursorNeverMovesBackward(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.ApplyBatch(ctx, "d1", &Batch{
		Cursor: &SyncCursor{DeckID: "d1", LastChangeID: 10, DeckVersion: 3},
	})
	require.NoError(t, err)

	err = s.ApplyBatch(ctx, "d1", &Batch{
		Cursor: &SyncCursor{DeckID: "d1", LastChangeID: 7, DeckVersion: 3},
	})
	require.Error(t, err)

	cur, err := s.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), cur.LastChangeID)
}

func TestApplyBatch_AllOrNothing(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	conflict := &Conflict{
		ID:         "c1",
		DeckID:     "d1",
		CardGUID:   "g1",
		Field:      "Back",
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{Conflicts: []*Conflict{conflict}}))

	// Duplicate conflict id forces the transaction to fail after the card
	// upsert already ran inside it.
	err := s.ApplyBatch(ctx, "d1", &Batch{
		Upserts:   []*CardRecord{testCard("d1", "g2", 1)},
		Conflicts: []*Conflict{conflict},
		Cursor:    &SyncCursor{DeckID: "d1", LastChangeID: 99},
	})
	require.Error(t, err)

	_, err = s.GetCard(ctx, "d1", "g2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCursor(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyBatch_RemovalClearsEdits(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{Upserts: []*CardRecord{testCard("d1", "g1", 1)}}))
	require.NoError(t, s.PutLocalEdit(ctx, &LocalEdit{
		DeckID: "d1", CardGUID: "g1", Field: "Back", Value: "mine", EditedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{Removals: []string{"g1"}}))

	_, err := s.GetCard(ctx, "d1", "g1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLocalEdit(ctx, "d1", "g1", "Back")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyBatch_RemoveThenReAdd(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{Upserts: []*CardRecord{testCard("d1", "g1", 1)}}))

	// Same page removes and re-adds the card: the re-add wins.
	err := s.ApplyBatch(ctx, "d1", &Batch{
		Removals: []string{"g1"},
		Upserts:  []*CardRecord{testCard("d1", "g1", 2)},
	})
	require.NoError(t, err)

	got, err := s.GetCard(ctx, "d1", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestLocalEdits_CRUD(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	edit := &LocalEdit{
		DeckID: "d1", CardGUID: "g1", Field: "Back",
		BaseValue: "A", Value: "A+", Reason: "typo fix",
		EditedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutLocalEdit(ctx, edit))

	// Upsert replaces the value.
	edit.Value = "A++"
	require.NoError(t, s.PutLocalEdit(ctx, edit))

	got, err := s.GetLocalEdit(ctx, "d1", "g1", "Back")
	require.NoError(t, err)
	assert.Equal(t, "A++", got.Value)
	assert.Equal(t, "A", got.BaseValue)

	edits, err := s.ListLocalEdits(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, edits, 1)

	require.NoError(t, s.DeleteLocalEdit(ctx, "d1", "g1", "Back"))
	_, err = s.GetLocalEdit(ctx, "d1", "g1", "Back")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProtectedFields_SaveReplaces(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProtectedFields(ctx, "d1", []string{"Back", "Notes"}))
	fields, err := s.GetProtectedFields(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Back", "Notes"}, fields)

	require.NoError(t, s.SaveProtectedFields(ctx, "d1", []string{"Notes"}))
	fields, err = s.GetProtectedFields(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Notes"}, fields)
}

func TestConflicts_ResolveLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	cf := &Conflict{
		ID: "c1", DeckID: "d1", CardGUID: "g1", Field: "Back",
		ChangeID: 12, ServerOld: "Y", ServerNew: "Z", LocalValue: "X",
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{Conflicts: []*Conflict{cf}}))

	open, err := s.ListConflicts(ctx, "d1", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "X", open[0].LocalValue)

	require.NoError(t, s.ResolveConflict(ctx, "c1", "local"))

	open, err = s.ListConflicts(ctx, "d1", false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "local", got.Resolution.String)

	// Resolving twice is rejected.
	assert.ErrorIs(t, s.ResolveConflict(ctx, "c1", "server"), ErrNotFound)
}

func TestSession_SaveLoadClear(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	sess := &Session{
		Email:                 "user@example.com",
		AccessToken:           "at",
		RefreshToken:          "rt",
		ExpiresAt:             time.Now().Add(time.Hour).UTC(),
		HasSubscription:       true,
		SubscriptionTier:      "premium",
		SubscriptionExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "premium", got.SubscriptionTier)

	// Replaced wholesale.
	sess.AccessToken = "at2"
	require.NoError(t, s.SaveSession(ctx, sess))
	got, err = s.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at2", got.AccessToken)

	require.NoError(t, s.ClearSession(ctx))
	_, err = s.GetSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeckStats(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	suspended := testCard("d1", "g2", 1)
	suspended.Suspended = true
	require.NoError(t, s.ApplyBatch(ctx, "d1", &Batch{
		Upserts: []*CardRecord{testCard("d1", "g1", 1), suspended},
		Cursor:  &SyncCursor{DeckID: "d1", LastChangeID: 3, DeckVersion: 1},
	}))
	require.NoError(t, s.PutLocalEdit(ctx, &LocalEdit{
		DeckID: "d1", CardGUID: "g1", Field: "Back", Value: "x", EditedAt: time.Now().UTC(),
	}))

	stats, err := s.GetDeckStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCards)
	assert.Equal(t, 1, stats.SuspendedCards)
	assert.Equal(t, 1, stats.PendingEdits)
	assert.Equal(t, int64(1), stats.DeckVersion)

	ids, err := s.ListDeckIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids)
}

func TestSyncHistory(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h := &SyncHistory{
		ID: "h1", DeckID: "d1", Mode: "incremental",
		StartedAt: time.Now().UTC(), Status: "running",
	}
	require.NoError(t, s.CreateSyncHistory(ctx, h))

	h.Status = "completed"
	h.PagesFetched = 3
	h.ChangesApplied = 42
	h.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	require.NoError(t, s.UpdateSyncHistory(ctx, h))

	list, err := s.ListSyncHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "completed", list[0].Status)
	assert.Equal(t, 42, list[0].ChangesApplied)
}
