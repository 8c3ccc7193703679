package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deck-sync-service/internal/feed"
	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/store"
)

// State is the per-deck reconciliation phase, surfaced for status reporting.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateApplying   State = "applying"
	StateCommitting State = "committing"
	StateFailed     State = "failed"
)

// Conflict resolution policies.
const (
	PolicyServerWins = "server_wins"
	PolicyManual     = "manual"
)

// FeedSource fetches feed pages from the deck backend.
type FeedSource interface {
	FetchChanges(ctx context.Context, deckID string, afterID int64, limit int) (*feed.ChangeFeedResponse, error)
	FetchCards(ctx context.Context, deckID string, offset int64, limit int) (*feed.CardListResponse, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	Mode      string
	Pages     int
	Applied   int
	Skipped   int
	Conflicts int
	Removed   int
}

// Engine reconciles one deck at a time: fetch a page, classify each change,
// commit the page's snapshot mutations together with the advanced cursor in
// one transaction, then fetch the next page. A failure at any phase leaves
// the cursor at its last committed value so the next run resumes safely.
type Engine struct {
	store    store.Store
	source   FeedSource
	detector *Detector
	pageSize int
	policy   string

	// onState, when set, observes phase transitions. Used by the manager.
	onState func(deckID string, s State)
}

func NewEngine(st store.Store, source FeedSource, pageSize int, policy string) *Engine {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if policy == "" {
		policy = PolicyServerWins
	}
	return &Engine{
		store:    st,
		source:   source,
		detector: NewDetector(st),
		pageSize: pageSize,
		policy:   policy,
	}
}

// SetStateFunc registers the phase observer. Must be called before any run.
func (e *Engine) SetStateFunc(fn func(deckID string, s State)) {
	e.onState = fn
}

func (e *Engine) setState(deckID string, s State) {
	if e.onState != nil {
		e.onState(deckID, s)
	}
}

// SyncIncremental pulls the change feed from the deck's committed cursor
// until has_more is false. Each page is applied and committed before the
// next is requested; cancellation takes effect at page boundaries only.
func (e *Engine) SyncIncremental(ctx context.Context, deckID string) (*Result, error) {
	result := &Result{Mode: "incremental"}
	defer e.setState(deckID, StateIdle)

	cursor, err := e.store.GetCursor(ctx, deckID)
	if err == store.ErrNotFound {
		cursor = &store.SyncCursor{DeckID: deckID}
	} else if err != nil {
		e.setState(deckID, StateFailed)
		return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
	}

	protected, err := e.protectedSet(ctx, deckID)
	if err != nil {
		e.setState(deckID, StateFailed)
		return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
	}

	for {
		e.setState(deckID, StateFetching)
		resp, err := e.source.FetchChanges(ctx, deckID, cursor.LastChangeID, e.pageSize)
		if err != nil {
			e.setState(deckID, StateFailed)
			return result, fmt.Errorf("%w: fetch changes for deck %s: %v", ErrNetworkFailure, deckID, err)
		}

		records, err := feed.DecodeChanges(resp, cursor.LastChangeID)
		if err != nil {
			e.setState(deckID, StateFailed)
			return result, err
		}

		if len(records) == 0 && !resp.HasMore {
			break
		}

		e.setState(deckID, StateApplying)
		batch, stats, err := e.applyChanges(ctx, deckID, records, protected)
		if err != nil {
			e.setState(deckID, StateFailed)
			return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
		}

		next := *cursor
		if n := len(records); n > 0 {
			next.LastChangeID = records[n-1].ID
		}
		if resp.Cursor > next.LastChangeID {
			next.LastChangeID = resp.Cursor
		}
		if stats.maxVersion > next.DeckVersion {
			next.DeckVersion = stats.maxVersion
		}
		batch.Cursor = &next

		e.setState(deckID, StateCommitting)
		if err := e.store.ApplyBatch(ctx, deckID, batch); err != nil {
			e.setState(deckID, StateFailed)
			return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
		}
		cursor = &next

		result.Pages++
		result.Applied += stats.applied
		result.Skipped += stats.skipped
		result.Conflicts += stats.conflicts
		result.Removed += stats.removed

		if !resp.HasMore {
			break
		}
		if ctx.Err() != nil {
			// Shutdown requested: the current page is committed, stop here.
			logger.Log.Info("Sync aborted at page boundary",
				zap.String("deckID", deckID), zap.Int("pages", result.Pages))
			break
		}
	}

	return result, nil
}

// SyncFull replaces the deck snapshot page by page. Cards absent from the
// complete server list are removed with the final page's commit.
func (e *Engine) SyncFull(ctx context.Context, deckID string) (*Result, error) {
	result := &Result{Mode: "full"}
	defer e.setState(deckID, StateIdle)

	cursor, err := e.store.GetCursor(ctx, deckID)
	if err == store.ErrNotFound {
		cursor = &store.SyncCursor{DeckID: deckID}
	} else if err != nil {
		e.setState(deckID, StateFailed)
		return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
	}

	protected, err := e.protectedSet(ctx, deckID)
	if err != nil {
		e.setState(deckID, StateFailed)
		return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
	}

	edits, err := e.editIndex(ctx, deckID)
	if err != nil {
		e.setState(deckID, StateFailed)
		return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
	}

	seen := make(map[string]bool)
	var offset int64
	maxVersion := cursor.DeckVersion

	for {
		e.setState(deckID, StateFetching)
		resp, err := e.source.FetchCards(ctx, deckID, offset, e.pageSize)
		if err != nil {
			e.setState(deckID, StateFailed)
			return result, fmt.Errorf("%w: fetch cards for deck %s: %v", ErrNetworkFailure, deckID, err)
		}

		cards, err := feed.DecodeCards(resp, deckID, offset)
		if err != nil {
			e.setState(deckID, StateFailed)
			return result, err
		}

		e.setState(deckID, StateApplying)
		batch := &store.Batch{}
		for _, c := range cards {
			seen[c.GUID] = true
			if c.Version > maxVersion {
				maxVersion = c.Version
			}
			if err := e.retainProtected(ctx, deckID, c, protected); err != nil {
				e.setState(deckID, StateFailed)
				return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
			}
			// Edits that converged with the new baseline are done.
			for field, val := range c.Fields {
				if ed, ok := edits[editKey(c.GUID, field)]; ok && ed.Value == val {
					batch.ClearEdits = append(batch.ClearEdits,
						store.EditKey{CardGUID: c.GUID, Field: field})
				}
			}
			batch.Upserts = append(batch.Upserts, c)
		}
		offset += int64(len(cards))

		if !resp.HasMore {
			// Final page: drop cards the server no longer has.
			existing, err := e.store.ListCards(ctx, deckID)
			if err != nil {
				e.setState(deckID, StateFailed)
				return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
			}
			for _, c := range existing {
				if !seen[c.GUID] {
					batch.Removals = append(batch.Removals, c.GUID)
				}
			}
		}

		next := *cursor
		next.Offset = offset
		next.DeckVersion = maxVersion
		batch.Cursor = &next

		e.setState(deckID, StateCommitting)
		if err := e.store.ApplyBatch(ctx, deckID, batch); err != nil {
			e.setState(deckID, StateFailed)
			return result, fmt.Errorf("%w: %v", ErrStorageCommit, err)
		}
		cursor = &next

		result.Pages++
		result.Applied += len(cards)
		result.Removed += len(batch.Removals)

		if !resp.HasMore {
			break
		}
		if ctx.Err() != nil {
			logger.Log.Info("Full sync aborted at page boundary",
				zap.String("deckID", deckID), zap.Int("pages", result.Pages))
			break
		}
	}

	return result, nil
}

type pageStats struct {
	applied    int
	skipped    int
	conflicts  int
	removed    int
	maxVersion int64
}

// applyChanges classifies one page of changes and folds the accepted ones
// into a batch. Cards touched more than once within the page are mutated on
// a working copy so later changes see earlier ones.
func (e *Engine) applyChanges(ctx context.Context, deckID string, records []*feed.ChangeRecord, protected map[string]bool) (*store.Batch, pageStats, error) {
	batch := &store.Batch{}
	var stats pageStats

	// Working copies let several changes to the same card within one page
	// see each other. The final removed/upserted state per card is resolved
	// after the whole page is classified.
	working := make(map[string]*store.CardRecord)
	deleted := make(map[string]bool)
	touched := make(map[string]bool)
	var order []string
	markTouched := func(guid string) {
		if !touched[guid] {
			touched[guid] = true
			order = append(order, guid)
		}
	}

	loadCard := func(guid string) (*store.CardRecord, error) {
		if deleted[guid] {
			return nil, nil
		}
		if c, ok := working[guid]; ok {
			return c, nil
		}
		c, err := e.store.GetCard(ctx, deckID, guid)
		if err == store.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		working[guid] = c
		return c, nil
	}

	for _, change := range records {
		if change.DeckVersion > stats.maxVersion {
			stats.maxVersion = change.DeckVersion
		}

		card, err := loadCard(change.CardGUID)
		if err != nil {
			return nil, stats, err
		}

		cls, err := e.detector.Classify(ctx, card, protected, change)
		if err != nil {
			return nil, stats, err
		}

		// Auto policy: server wins on unresolved conflicts unless the
		// field is protected. The conflict is still recorded for audit.
		if cls.Outcome == OutcomeConflict && e.policy == PolicyServerWins {
			cls.Conflict.Resolved = true
			cls.Conflict.Resolution.String = PolicyServerWins
			cls.Conflict.Resolution.Valid = true
			cls.Conflict.ResolvedAt.Time = time.Now().UTC()
			cls.Conflict.ResolvedAt.Valid = true
			batch.Conflicts = append(batch.Conflicts, cls.Conflict)
			stats.conflicts++
			cls = Classification{Outcome: OutcomeApply, ClearEdit: true}
		}

		switch cls.Outcome {
		case OutcomeStale:
			stats.skipped++

		case OutcomeProtected:
			batch.Skipped = append(batch.Skipped, &store.SkippedChange{
				ID:        uuid.New().String(),
				DeckID:    deckID,
				CardGUID:  change.CardGUID,
				Field:     change.Field,
				ChangeID:  change.ID,
				ServerNew: change.NewValue,
				SkippedAt: time.Now().UTC(),
			})
			stats.skipped++

		case OutcomeConflict:
			batch.Conflicts = append(batch.Conflicts, cls.Conflict)
			stats.conflicts++

		case OutcomeApply:
			markTouched(change.CardGUID)

			if change.Kind == feed.KindDelete && change.Field == "" {
				deleted[change.CardGUID] = true
				delete(working, change.CardGUID)
				stats.removed++
				continue
			}

			if card == nil {
				card = &store.CardRecord{
					GUID:   change.CardGUID,
					DeckID: deckID,
					Fields: map[string]string{},
				}
				working[change.CardGUID] = card
				deleted[change.CardGUID] = false
			}

			if change.Kind == feed.KindDelete {
				delete(card.Fields, change.Field)
			} else {
				card.Fields[change.Field] = change.NewValue
			}
			card.Version = change.DeckVersion
			card.UpdatedAt = time.Now().UTC()

			if cls.ClearEdit {
				batch.ClearEdits = append(batch.ClearEdits,
					store.EditKey{CardGUID: change.CardGUID, Field: change.Field})
			}
			stats.applied++
		}
	}

	for _, guid := range order {
		switch {
		case deleted[guid]:
			batch.Removals = append(batch.Removals, guid)
		case working[guid] != nil:
			batch.Upserts = append(batch.Upserts, working[guid])
		}
	}

	return batch, stats, nil
}

// retainProtected keeps the local value of protected fields when a full-sync
// replacement would overwrite them. A read failure aborts the page: applying
// the incoming card without knowing the local values could overwrite a
// protected field.
func (e *Engine) retainProtected(ctx context.Context, deckID string, incoming *store.CardRecord, protected map[string]bool) error {
	if len(protected) == 0 {
		return nil
	}
	current, err := e.store.GetCard(ctx, deckID, incoming.GUID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	for field := range protected {
		if v, ok := current.FieldValue(field); ok {
			incoming.Fields[field] = v
		}
	}
	return nil
}

func (e *Engine) protectedSet(ctx context.Context, deckID string) (map[string]bool, error) {
	fields, err := e.store.GetProtectedFields(ctx, deckID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set, nil
}

func editKey(guid, field string) string {
	return guid + "\x00" + field
}

func (e *Engine) editIndex(ctx context.Context, deckID string) (map[string]*store.LocalEdit, error) {
	edits, err := e.store.ListLocalEdits(ctx, deckID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]*store.LocalEdit, len(edits))
	for _, ed := range edits {
		idx[editKey(ed.CardGUID, ed.Field)] = ed
	}
	return idx, nil
}

// IsRetryable reports whether an error from a run should be retried on the
// next scheduled pass with the same cursor.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrStorageCommit)
}
