package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/store"
)

// DeckProgress is one deck's study counters as reported to the backend.
type DeckProgress struct {
	DeckID         string `json:"deck_id"`
	TotalCards     int    `json:"total_cards"`
	SuspendedCards int    `json:"suspended_cards"`
	PendingEdits   int    `json:"pending_edits"`
	DeckVersion    int64  `json:"deck_version"`
	LastSyncedAt   string `json:"last_synced_at,omitempty"`
}

// ProgressSink uploads progress reports upstream.
type ProgressSink interface {
	SubmitProgress(ctx context.Context, reports []DeckProgress) (synced int, err error)
}

// UploadProgress gathers counters for every tracked deck and submits them in
// one batch. Decks that have never synced report zeroes.
func UploadProgress(ctx context.Context, st store.Store, sink ProgressSink) (int, error) {
	deckIDs, err := st.ListDeckIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(deckIDs) == 0 {
		return 0, nil
	}

	reports := make([]DeckProgress, 0, len(deckIDs))
	for _, id := range deckIDs {
		stats, err := st.GetDeckStats(ctx, id)
		if err != nil {
			logger.Log.Warn("Skipping progress for deck",
				zap.String("deckID", id), zap.Error(err))
			continue
		}
		p := DeckProgress{
			DeckID:         stats.DeckID,
			TotalCards:     stats.TotalCards,
			SuspendedCards: stats.SuspendedCards,
			PendingEdits:   stats.PendingEdits,
			DeckVersion:    stats.DeckVersion,
		}
		if !stats.LastSyncedAt.IsZero() {
			p.LastSyncedAt = stats.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		reports = append(reports, p)
	}

	synced, err := sink.SubmitProgress(ctx, reports)
	if err != nil {
		return 0, fmt.Errorf("%w: submit progress: %v", ErrNetworkFailure, err)
	}

	logger.Log.Info("Uploaded study progress",
		zap.Int("decks", len(reports)), zap.Int("synced", synced))
	return synced, nil
}
