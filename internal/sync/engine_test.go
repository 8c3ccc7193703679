package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deck-sync-service/internal/feed"
	"deck-sync-service/internal/store"
)

// stubSource serves prepared change pages in order and slices card lists on
// demand, echoing the requested offset the way the backend does.
type stubSource struct {
	changePages []*feed.ChangeFeedResponse
	changeCalls int
	cards       []feed.CardEntry
	cardErr     error
	changeErr   error
}

func (s *stubSource) FetchChanges(_ context.Context, _ string, _ int64, _ int) (*feed.ChangeFeedResponse, error) {
	if s.changeErr != nil {
		return nil, s.changeErr
	}
	if s.changeCalls >= len(s.changePages) {
		return &feed.ChangeFeedResponse{Success: true}, nil
	}
	page := s.changePages[s.changeCalls]
	s.changeCalls++
	return page, nil
}

func (s *stubSource) FetchCards(_ context.Context, _ string, offset int64, limit int) (*feed.CardListResponse, error) {
	if s.cardErr != nil {
		return nil, s.cardErr
	}
	end := offset + int64(limit)
	if end > int64(len(s.cards)) {
		end = int64(len(s.cards))
	}
	return &feed.CardListResponse{
		Success:    true,
		Cards:      s.cards[offset:end],
		TotalCount: len(s.cards),
		Offset:     offset,
		HasMore:    end < int64(len(s.cards)),
	}, nil
}

func changeEntry(id int64, guid, kind, field, oldVal, newVal string, version int64) feed.ChangeEntry {
	return feed.ChangeEntry{
		ChangeID:    id,
		CardGUID:    guid,
		ChangeType:  kind,
		Field:       field,
		OldValue:    oldVal,
		NewValue:    newVal,
		DeckVersion: version,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

func TestSyncIncremental_AppliesModify(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 4, map[string]string{"Front": "Q", "Back": "old"})
	require.NoError(t, st.ApplyBatch(ctx, "d1", &store.Batch{
		Cursor: &store.SyncCursor{DeckID: "d1", LastChangeID: 41, DeckVersion: 4},
	}))

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(42, "abc123", "modify", "Back", "old", "new", 5),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 0, result.Conflicts)

	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "new", card.Fields["Back"])
	assert.Equal(t, "Q", card.Fields["Front"])
	assert.Equal(t, int64(5), card.Version)

	cur, err := st.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur.LastChangeID)
	assert.Equal(t, int64(5), cur.DeckVersion)
}

func TestSyncIncremental_ProtectedFieldSkippedCursorAdvances(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 4, map[string]string{"Back": "mine"})
	require.NoError(t, st.SaveProtectedFields(ctx, "d1", []string{"Back"}))

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(42, "abc123", "modify", "Back", "mine", "theirs", 5),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Applied)

	// Local value wins but the cursor still moves past the change.
	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "mine", card.Fields["Back"])

	cur, err := st.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur.LastChangeID)
}

func TestSyncIncremental_ManualConflictLeavesLocalUntouched(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 4, map[string]string{"Back": "Y"})
	require.NoError(t, st.PutLocalEdit(ctx, &store.LocalEdit{
		DeckID: "d1", CardGUID: "abc123", Field: "Back",
		BaseValue: "Y", Value: "X", EditedAt: time.Now().UTC(),
	}))

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(42, "abc123", "modify", "Back", "Y", "Z", 5),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Y", card.Fields["Back"])

	open, err := st.ListConflicts(ctx, "d1", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "X", open[0].LocalValue)
	assert.Equal(t, "Z", open[0].ServerNew)
}

func TestSyncIncremental_ServerWinsAutoResolves(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 4, map[string]string{"Back": "Y"})
	require.NoError(t, st.PutLocalEdit(ctx, &store.LocalEdit{
		DeckID: "d1", CardGUID: "abc123", Field: "Back",
		BaseValue: "Y", Value: "X", EditedAt: time.Now().UTC(),
	}))

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(42, "abc123", "modify", "Back", "Y", "Z", 5),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyServerWins)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Applied)

	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Z", card.Fields["Back"])

	// Edit dropped, conflict recorded as already resolved.
	_, err = st.GetLocalEdit(ctx, "d1", "abc123", "Back")
	assert.ErrorIs(t, err, store.ErrNotFound)

	resolved, err := st.ListConflicts(ctx, "d1", true, 10, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, PolicyServerWins, resolved[0].Resolution.String)
}

func TestSyncIncremental_DeleteThenReAddSamePage(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 1, map[string]string{"Front": "Q"})

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(10, "abc123", "delete", "", "", "", 2),
			changeEntry(11, "abc123", "add", "Front", "", "Q2", 3),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Applied)

	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Q2", card.Fields["Front"])
	assert.Equal(t, int64(3), card.Version)
}

func TestSyncIncremental_MultiplePages(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{
		{
			Success: true,
			HasMore: true,
			Changes: []feed.ChangeEntry{
				changeEntry(1, "g1", "add", "Front", "", "a", 1),
				changeEntry(2, "g2", "add", "Front", "", "b", 2),
			},
		},
		{
			Success: true,
			Changes: []feed.ChangeEntry{
				changeEntry(3, "g3", "add", "Front", "", "c", 3),
			},
		},
	}}
	eng := NewEngine(st, source, 2, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 3, result.Applied)

	cards, err := st.ListCards(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, cards, 3)
}

func TestSyncIncremental_RerunAfterCommitIsNoop(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(42, "abc123", "add", "Back", "", "new", 5),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	_, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)

	// The stub is exhausted, so the second run sees the empty page a
	// backend returns for an up-to-date cursor.
	result, err := eng.SyncIncremental(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pages)
	assert.Equal(t, 0, result.Applied)

	cur, err := st.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur.LastChangeID)
}

func TestSyncIncremental_NetworkFailureIsRetryable(t *testing.T) {
	st := setupStore(t)

	source := &stubSource{changeErr: fmt.Errorf("connection refused")}
	eng := NewEngine(st, source, 1000, PolicyManual)

	_, err := eng.SyncIncremental(context.Background(), "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkFailure)
	assert.True(t, IsRetryable(err))

	// Nothing committed.
	_, err = st.GetCursor(context.Background(), "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// failingStore passes through until failAfter ApplyBatch calls have
// succeeded, then rejects every commit.
type failingStore struct {
	store.Store
	calls     int
	failAfter int
}

func (f *failingStore) ApplyBatch(ctx context.Context, deckID string, batch *store.Batch) error {
	if f.calls >= f.failAfter {
		return fmt.Errorf("disk full")
	}
	f.calls++
	return f.Store.ApplyBatch(ctx, deckID, batch)
}

func TestSyncIncremental_CommitFailurePreservesCursor(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{
		{
			Success: true,
			HasMore: true,
			Changes: []feed.ChangeEntry{changeEntry(1, "g1", "add", "Front", "", "a", 1)},
		},
		{
			Success: true,
			Changes: []feed.ChangeEntry{changeEntry(2, "g2", "add", "Front", "", "b", 2)},
		},
	}}
	failing := &failingStore{Store: st, failAfter: 1}
	eng := NewEngine(failing, source, 1, PolicyManual)

	result, err := eng.SyncIncremental(ctx, "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageCommit)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, result.Pages)

	// Page one committed, page two rolled back with the cursor.
	cur, err := st.GetCursor(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.LastChangeID)

	_, err = st.GetCard(ctx, "d1", "g2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncIncremental_MalformedPageFailsWithoutCommit(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{
			changeEntry(5, "g1", "modify", "Back", "a", "b", 1),
			changeEntry(5, "g2", "modify", "Back", "a", "b", 1),
		},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	_, err := eng.SyncIncremental(ctx, "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrMalformed)
	assert.False(t, IsRetryable(err))

	_, err = st.GetCursor(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncFull_PagesThroughEntireDeck(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	cards := make([]feed.CardEntry, 2500)
	for i := range cards {
		cards[i] = feed.CardEntry{
			CardGUID: fmt.Sprintf("card-%04d", i),
			NoteType: "Basic",
			Fields:   map[string]string{"Front": fmt.Sprintf("Q%d", i)},
			Version:  1,
		}
	}
	source := &stubSource{cards: cards}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncFull(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 2500, result.Applied)

	got, err := st.ListCards(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, got, 2500)
}

func TestSyncFull_RemovesCardsAbsentFromServer(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "stale-card", 1, map[string]string{"Front": "gone"})

	source := &stubSource{cards: []feed.CardEntry{
		{CardGUID: "kept-card", NoteType: "Basic", Fields: map[string]string{"Front": "Q"}, Version: 2},
	}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	result, err := eng.SyncFull(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	_, err = st.GetCard(ctx, "d1", "stale-card")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetCard(ctx, "d1", "kept-card")
	require.NoError(t, err)
}

func TestSyncFull_RetainsProtectedFieldValues(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 1, map[string]string{"Front": "Q", "Back": "mine"})
	require.NoError(t, st.SaveProtectedFields(ctx, "d1", []string{"Back"}))

	source := &stubSource{cards: []feed.CardEntry{
		{
			CardGUID: "abc123",
			NoteType: "Basic",
			Fields:   map[string]string{"Front": "Q-updated", "Back": "theirs"},
			Version:  2,
		},
	}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	_, err := eng.SyncFull(ctx, "d1")
	require.NoError(t, err)

	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Q-updated", card.Fields["Front"])
	assert.Equal(t, "mine", card.Fields["Back"])
}

// cardReadFailStore passes through except that card reads fail, as they
// would on a transient storage error.
type cardReadFailStore struct {
	store.Store
}

func (f *cardReadFailStore) GetCard(context.Context, string, string) (*store.CardRecord, error) {
	return nil, fmt.Errorf("io error")
}

func TestSyncFull_ProtectedRetentionReadFailureAborts(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 1, map[string]string{"Back": "mine"})
	require.NoError(t, st.SaveProtectedFields(ctx, "d1", []string{"Back"}))

	source := &stubSource{cards: []feed.CardEntry{
		{CardGUID: "abc123", NoteType: "Basic", Fields: map[string]string{"Back": "theirs"}, Version: 2},
	}}
	eng := NewEngine(&cardReadFailStore{Store: st}, source, 1000, PolicyManual)

	_, err := eng.SyncFull(ctx, "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageCommit)
	assert.True(t, IsRetryable(err))

	// The page never committed, so the protected value survives.
	card, err := st.GetCard(ctx, "d1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "mine", card.Fields["Back"])
}

func TestSyncFull_ClearsConvergedEdits(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	seedCard(t, st, "d1", "abc123", 1, map[string]string{"Back": "old"})
	require.NoError(t, st.PutLocalEdit(ctx, &store.LocalEdit{
		DeckID: "d1", CardGUID: "abc123", Field: "Back",
		BaseValue: "old", Value: "better", EditedAt: time.Now().UTC(),
	}))

	// The server adopted the suggested value.
	source := &stubSource{cards: []feed.CardEntry{
		{CardGUID: "abc123", NoteType: "Basic", Fields: map[string]string{"Back": "better"}, Version: 2},
	}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	_, err := eng.SyncFull(ctx, "d1")
	require.NoError(t, err)

	_, err = st.GetLocalEdit(ctx, "d1", "abc123", "Back")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_StateTransitionsEndIdle(t *testing.T) {
	st := setupStore(t)

	source := &stubSource{changePages: []*feed.ChangeFeedResponse{{
		Success: true,
		Changes: []feed.ChangeEntry{changeEntry(1, "g1", "add", "Front", "", "a", 1)},
	}}}
	eng := NewEngine(st, source, 1000, PolicyManual)

	var states []State
	eng.SetStateFunc(func(_ string, s State) { states = append(states, s) })

	_, err := eng.SyncIncremental(context.Background(), "d1")
	require.NoError(t, err)

	require.NotEmpty(t, states)
	assert.Equal(t, StateFetching, states[0])
	assert.Contains(t, states, StateApplying)
	assert.Contains(t, states, StateCommitting)
	assert.Equal(t, StateIdle, states[len(states)-1])
}
