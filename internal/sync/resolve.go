package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/store"
)

// Conflict resolution choices for manually queued conflicts.
const (
	ResolveKeepServer = "server"
	ResolveKeepLocal  = "local"
)

// ResolveConflict settles one queued conflict. Keeping the server value
// writes it into the snapshot and drops the pending edit; keeping the local
// value leaves the edit pending so it goes upstream as a suggestion. Either
// way the resolution is acknowledged to the backend.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, choice string) error {
	cf, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if cf.Resolved {
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	switch choice {
	case ResolveKeepServer:
		card, err := m.store.GetCard(ctx, cf.DeckID, cf.CardGUID)
		if err == store.ErrNotFound {
			card = &store.CardRecord{
				GUID:   cf.CardGUID,
				DeckID: cf.DeckID,
				Fields: map[string]string{},
			}
		} else if err != nil {
			return err
		}

		card.Fields[cf.Field] = cf.ServerNew
		if cf.DeckVersion > card.Version {
			card.Version = cf.DeckVersion
		}
		card.UpdatedAt = time.Now().UTC()

		batch := &store.Batch{
			Upserts:    []*store.CardRecord{card},
			ClearEdits: []store.EditKey{{CardGUID: cf.CardGUID, Field: cf.Field}},
		}
		if err := m.store.ApplyBatch(ctx, cf.DeckID, batch); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageCommit, err)
		}

	case ResolveKeepLocal:
		// Nothing to write: the local edit stays pending.

	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	if err := m.store.ResolveConflict(ctx, conflictID, choice); err != nil {
		return err
	}

	if err := m.backend.AcknowledgeResolution(ctx, cf.DeckID, cf.CardGUID, cf.Field, cf.ChangeID, choice); err != nil {
		// The local resolution stands; the ack is retried implicitly when
		// the server re-sends the change and it lands as stale.
		logger.Log.Warn("Failed to acknowledge conflict resolution",
			zap.String("conflictID", conflictID), zap.Error(err))
	}

	return nil
}
