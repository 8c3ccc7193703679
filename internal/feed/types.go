// Package feed decodes raw change-feed and card-list pages from the deck
// backend into normalized records. Decoding is a pure transform: malformed
// or out-of-order input fails with ErrMalformed, nothing is mutated.
package feed

import (
	"time"
)

type ChangeKind string

const (
	KindAdd    ChangeKind = "add"
	KindModify ChangeKind = "modify"
	KindDelete ChangeKind = "delete"
)

func (k ChangeKind) Valid() bool {
	switch k {
	case KindAdd, KindModify, KindDelete:
		return true
	}
	return false
}

// ChangeRecord is one atomic field mutation from the incremental feed.
// IDs are server-assigned and strictly increasing within a deck, which is
// what makes cursor resume and duplicate detection possible. DeckVersion is
// the version the change was published under; the server bumps it per
// change per card, so a version no newer than the applied record marks a
// replayed duplicate rather than fresh work.
//
// A delete with an empty Field removes the whole card.
type ChangeRecord struct {
	ID          int64
	CardGUID    string
	Kind        ChangeKind
	Field       string
	OldValue    string
	NewValue    string
	DeckVersion int64
	CreatedAt   time.Time
}

// wire formats, as produced by the backend

type ChangeEntry struct {
	ChangeID    int64  `json:"change_id"`
	CardGUID    string `json:"card_guid"`
	ChangeType  string `json:"change_type"`
	Field       string `json:"field"`
	OldValue    string `json:"old_value"`
	NewValue    string `json:"new_value"`
	DeckVersion int64  `json:"deck_version"`
	CreatedAt   string `json:"created_at"`
}

type ChangeFeedResponse struct {
	Success bool          `json:"success"`
	Changes []ChangeEntry `json:"changes"`
	HasMore bool          `json:"has_more"`
	Cursor  int64         `json:"next_cursor"`
	Error   string        `json:"error,omitempty"`
}

type CardEntry struct {
	CardGUID  string            `json:"card_guid"`
	NoteType  string            `json:"note_type"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
	DeckPath  string            `json:"deck_path"`
	Version   int64             `json:"version"`
	Suspended bool              `json:"suspended"`
}

type CardListResponse struct {
	Success    bool        `json:"success"`
	Cards      []CardEntry `json:"cards"`
	TotalCount int         `json:"total_count"`
	Offset     int64       `json:"offset"`
	HasMore    bool        `json:"has_more"`
	Error      string      `json:"error,omitempty"`
}
