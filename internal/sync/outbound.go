package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/store"
)

// Suggestion is one outbound field edit proposed to the deck backend.
type Suggestion struct {
	CardGUID string `json:"card_guid"`
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Reason   string `json:"reason,omitempty"`
}

// SuggestionSink submits suggestion batches upstream.
type SuggestionSink interface {
	SubmitSuggestions(ctx context.Context, deckID string, suggestions []Suggestion) (accepted int, err error)
}

// BuildSuggestionBatch collects the deck's pending local edits that still
// differ from the snapshot baseline, excluding protected fields (those are
// local-authoritative and never proposed automatically). Fails with
// ErrBatchTooLarge when the edits exceed limit; the caller must split.
func BuildSuggestionBatch(ctx context.Context, st store.Store, deckID string, limit int) ([]Suggestion, error) {
	edits, err := st.ListLocalEdits(ctx, deckID)
	if err != nil {
		return nil, err
	}

	protected, err := st.GetProtectedFields(ctx, deckID)
	if err != nil {
		return nil, err
	}
	protectedSet := make(map[string]bool, len(protected))
	for _, f := range protected {
		protectedSet[f] = true
	}

	var batch []Suggestion
	for _, ed := range edits {
		if protectedSet[ed.Field] {
			continue
		}

		baseline := ed.BaseValue
		card, err := st.GetCard(ctx, deckID, ed.CardGUID)
		if err == nil {
			if v, ok := card.FieldValue(ed.Field); ok {
				baseline = v
			}
		} else if err != store.ErrNotFound {
			return nil, err
		}

		if ed.Value == baseline {
			continue
		}

		batch = append(batch, Suggestion{
			CardGUID: ed.CardGUID,
			Field:    ed.Field,
			OldValue: baseline,
			NewValue: ed.Value,
			Reason:   ed.Reason,
		})
	}

	if limit > 0 && len(batch) > limit {
		return nil, fmt.Errorf("%w: %d edits exceed cap of %d", ErrBatchTooLarge, len(batch), limit)
	}

	return batch, nil
}

// SubmitSuggestions builds and submits one deck's suggestion batch.
func SubmitSuggestions(ctx context.Context, st store.Store, sink SuggestionSink, deckID string, limit int) (int, error) {
	batch, err := BuildSuggestionBatch(ctx, st, deckID, limit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	accepted, err := sink.SubmitSuggestions(ctx, deckID, batch)
	if err != nil {
		return 0, fmt.Errorf("%w: submit suggestions for deck %s: %v", ErrNetworkFailure, deckID, err)
	}

	logger.Log.Info("Submitted suggestion batch",
		zap.String("deckID", deckID),
		zap.Int("suggestions", len(batch)),
		zap.Int("accepted", accepted))

	// Edits stay pending until the accepted values come back through the
	// change feed and converge.
	return accepted, nil
}
