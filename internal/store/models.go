package store

import (
	"database/sql"
	"time"
)

// CardRecord is the last-synced snapshot of one card. Fields hold the
// baseline server values; user edits are tracked separately as LocalEdit
// rows until they are pushed upstream or reconciled.
type CardRecord struct {
	GUID      string            `db:"guid"`
	DeckID    string            `db:"deck_id"`
	NoteType  string            `db:"note_type"`
	Fields    map[string]string `db:"fields"`
	Tags      []string          `db:"tags"`
	DeckPath  string            `db:"deck_path"`
	Version   int64             `db:"version"`
	Suspended bool              `db:"suspended"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// FieldValue returns the baseline value for a field and whether it exists.
func (c *CardRecord) FieldValue(name string) (string, bool) {
	v, ok := c.Fields[name]
	return v, ok
}

// SyncCursor marks how far a deck's feed has been consumed. LastChangeID
// drives incremental mode, Offset drives full mode. Neither moves backward.
type SyncCursor struct {
	DeckID       string    `db:"deck_id"`
	LastChangeID int64     `db:"last_change_id"`
	Offset       int64     `db:"page_offset"`
	DeckVersion  int64     `db:"deck_version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// LocalEdit is a pending user edit to one card field that has not been
// accepted upstream yet. BaseValue is the snapshot value the edit diverged
// from.
type LocalEdit struct {
	DeckID    string    `db:"deck_id"`
	CardGUID  string    `db:"card_guid"`
	Field     string    `db:"field"`
	BaseValue string    `db:"base_value"`
	Value     string    `db:"value"`
	Reason    string    `db:"reason"`
	EditedAt  time.Time `db:"edited_at"`
}

// Conflict records a server change that could not be applied automatically
// because the local field diverged from both the old and new server values.
type Conflict struct {
	ID          string         `db:"id"`
	DeckID      string         `db:"deck_id"`
	CardGUID    string         `db:"card_guid"`
	Field       string         `db:"field"`
	ChangeID    int64          `db:"change_id"`
	ServerOld   string         `db:"server_old"`
	ServerNew   string         `db:"server_new"`
	LocalValue  string         `db:"local_value"`
	DeckVersion int64          `db:"deck_version"`
	Protected   bool           `db:"protected"`
	DetectedAt  time.Time      `db:"detected_at"`
	Resolved    bool           `db:"resolved"`
	Resolution  sql.NullString `db:"resolution"`
	ResolvedAt  sql.NullTime   `db:"resolved_at"`
}

// SkippedChange is the audit row written when a protected field blocks an
// automatic overwrite. The change is acknowledged but the local value wins.
type SkippedChange struct {
	ID        string    `db:"id"`
	DeckID    string    `db:"deck_id"`
	CardGUID  string    `db:"card_guid"`
	Field     string    `db:"field"`
	ChangeID  int64     `db:"change_id"`
	ServerNew string    `db:"server_new"`
	SkippedAt time.Time `db:"skipped_at"`
}

type SyncHistory struct {
	ID             string         `db:"id"`
	DeckID         string         `db:"deck_id"`
	Mode           string         `db:"mode"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	PagesFetched   int            `db:"pages_fetched"`
	ChangesApplied int            `db:"changes_applied"`
	ChangesSkipped int            `db:"changes_skipped"`
	Conflicts      int            `db:"conflicts"`
	Status         string         `db:"status"`
	ErrorMessage   sql.NullString `db:"error_message"`
}

// Session holds the backend credentials and the user payload they were
// issued for. A single row, replaced wholesale on login/refresh.
type Session struct {
	Email                 string    `db:"email"`
	AccessToken           string    `db:"access_token"`
	RefreshToken          string    `db:"refresh_token"`
	ExpiresAt             time.Time `db:"expires_at"`
	OwnsCollection        bool      `db:"owns_collection"`
	HasSubscription       bool      `db:"has_subscription"`
	SubscriptionTier      string    `db:"subscription_tier"`
	SubscriptionExpiresAt time.Time `db:"subscription_expires_at"`
	IsAdmin               bool      `db:"is_admin"`
}

// DeckStats aggregates snapshot counters for the progress upload.
type DeckStats struct {
	DeckID         string
	TotalCards     int
	SuspendedCards int
	PendingEdits   int
	DeckVersion    int64
	LastSyncedAt   time.Time
}
