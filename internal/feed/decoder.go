package feed

import (
	"errors"
	"fmt"
	"time"

	"deck-sync-service/internal/store"
)

// ErrMalformed reports a feed page that violates the decode contract.
// Not retryable with the same input.
var ErrMalformed = errors.New("malformed feed")

// DecodeChanges normalizes one incremental page. afterID is the cursor the
// page was requested with; every change id must be strictly greater than it
// and strictly increasing within the page.
func DecodeChanges(resp *ChangeFeedResponse, afterID int64) ([]*ChangeRecord, error) {
	if resp == nil || !resp.Success {
		return nil, fmt.Errorf("%w: unsuccessful response", ErrMalformed)
	}

	records := make([]*ChangeRecord, 0, len(resp.Changes))
	prev := afterID
	for i, e := range resp.Changes {
		if e.ChangeID <= prev {
			return nil, fmt.Errorf("%w: change id %d at index %d is not after %d",
				ErrMalformed, e.ChangeID, i, prev)
		}
		if e.CardGUID == "" {
			return nil, fmt.Errorf("%w: change %d has no card_guid", ErrMalformed, e.ChangeID)
		}
		kind := ChangeKind(e.ChangeType)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: change %d has unknown change_type %q",
				ErrMalformed, e.ChangeID, e.ChangeType)
		}
		if e.Field == "" && kind != KindDelete {
			return nil, fmt.Errorf("%w: change %d has no field", ErrMalformed, e.ChangeID)
		}
		if e.DeckVersion <= 0 {
			return nil, fmt.Errorf("%w: change %d has no deck_version", ErrMalformed, e.ChangeID)
		}

		var createdAt time.Time
		if e.CreatedAt != "" {
			t, err := time.Parse(time.RFC3339, e.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: change %d has bad created_at: %v",
					ErrMalformed, e.ChangeID, err)
			}
			createdAt = t
		}

		records = append(records, &ChangeRecord{
			ID:          e.ChangeID,
			CardGUID:    e.CardGUID,
			Kind:        kind,
			Field:       e.Field,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			DeckVersion: e.DeckVersion,
			CreatedAt:   createdAt,
		})
		prev = e.ChangeID
	}

	return records, nil
}

// DecodeCards normalizes one full-sync page into CardRecord replacements.
// offset is the offset the page was requested with; the server must echo it.
func DecodeCards(resp *CardListResponse, deckID string, offset int64) ([]*store.CardRecord, error) {
	if resp == nil || !resp.Success {
		return nil, fmt.Errorf("%w: unsuccessful response", ErrMalformed)
	}
	if resp.Offset != offset {
		return nil, fmt.Errorf("%w: page offset %d does not match requested %d",
			ErrMalformed, resp.Offset, offset)
	}

	now := time.Now().UTC()
	records := make([]*store.CardRecord, 0, len(resp.Cards))
	for i, e := range resp.Cards {
		if e.CardGUID == "" {
			return nil, fmt.Errorf("%w: card at index %d has no card_guid", ErrMalformed, i)
		}
		if e.Version <= 0 {
			return nil, fmt.Errorf("%w: card %s has no version", ErrMalformed, e.CardGUID)
		}
		fields := e.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		records = append(records, &store.CardRecord{
			GUID:      e.CardGUID,
			DeckID:    deckID,
			NoteType:  e.NoteType,
			Fields:    fields,
			Tags:      e.Tags,
			DeckPath:  e.DeckPath,
			Version:   e.Version,
			Suspended: e.Suspended,
			UpdatedAt: now,
		})
	}

	return records, nil
}
