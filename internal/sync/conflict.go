package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"deck-sync-service/internal/feed"
	"deck-sync-service/internal/store"
)

// Outcome classifies one incoming change against local state.
type Outcome int

const (
	// OutcomeApply means no local edit stands in the way: write the
	// server value.
	OutcomeApply Outcome = iota
	// OutcomeProtected means the field is locally authoritative and is
	// never overwritten automatically. Audited, cursor still advances.
	OutcomeProtected
	// OutcomeConflict means a local edit differs from both the old and
	// new server values. Local state stays untouched until resolved.
	OutcomeConflict
	// OutcomeStale means the change's deck version is not newer than the
	// already-applied record version: a duplicate, discarded.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApply:
		return "apply"
	case OutcomeProtected:
		return "protected"
	case OutcomeConflict:
		return "conflict"
	case OutcomeStale:
		return "stale"
	}
	return "unknown"
}

// Classification carries the outcome plus whatever the engine needs to act
// on it: a conflict row to record, or an edit that the change converged with
// and that can be dropped.
type Classification struct {
	Outcome   Outcome
	Conflict  *store.Conflict
	ClearEdit bool
}

// Detector classifies incremental changes. It is stateless apart from the
// store handle used to look up pending local edits.
type Detector struct {
	store store.Store
}

func NewDetector(st store.Store) *Detector {
	return &Detector{store: st}
}

// Classify decides what to do with one change. card is the current snapshot
// record (nil if the card is unknown locally); protected is the deck's
// protected-field set.
//
// A change whose DeckVersion does not exceed the record's version is stale.
// This relies on the server publishing each change under its own version
// bump; two live changes to one card never share a DeckVersion.
func (d *Detector) Classify(ctx context.Context, card *store.CardRecord, protected map[string]bool, change *feed.ChangeRecord) (Classification, error) {
	if card != nil && change.DeckVersion <= card.Version {
		return Classification{Outcome: OutcomeStale}, nil
	}

	// Whole-card deletes never conflict on a single field; pending edits
	// for the card are dropped with it.
	if change.Kind == feed.KindDelete && change.Field == "" {
		return Classification{Outcome: OutcomeApply}, nil
	}

	if protected[change.Field] {
		return Classification{Outcome: OutcomeProtected}, nil
	}

	if card == nil {
		return Classification{Outcome: OutcomeApply}, nil
	}

	edit, err := d.store.GetLocalEdit(ctx, card.DeckID, card.GUID, change.Field)
	if err == store.ErrNotFound {
		return Classification{Outcome: OutcomeApply}, nil
	}
	if err != nil {
		return Classification{}, err
	}

	switch edit.Value {
	case change.OldValue:
		// The edit reverted to the server baseline: nothing pending.
		return Classification{Outcome: OutcomeApply, ClearEdit: true}, nil
	case change.NewValue:
		// The edit already matches the incoming value, likely an accepted
		// suggestion coming back around.
		return Classification{Outcome: OutcomeApply, ClearEdit: true}, nil
	}

	conflict := &store.Conflict{
		ID:          uuid.New().String(),
		DeckID:      card.DeckID,
		CardGUID:    card.GUID,
		Field:       change.Field,
		ChangeID:    change.ID,
		ServerOld:   change.OldValue,
		ServerNew:   change.NewValue,
		LocalValue:  edit.Value,
		DeckVersion: change.DeckVersion,
		DetectedAt:  time.Now().UTC(),
	}
	return Classification{Outcome: OutcomeConflict, Conflict: conflict}, nil
}
