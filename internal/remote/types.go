// Package remote is the HTTP/JSON client for the deck backend. Every call
// is rate limited and runs behind a circuit breaker; authed calls carry a
// bearer token from the TokenSource.
package remote

import (
	"context"
	"fmt"
	"time"
)

// TokenSource supplies the bearer token for authenticated calls. The client
// treats the token as an opaque string; refresh is the source's business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

type UserInfo struct {
	Email                 string `json:"email"`
	OwnsCollection        bool   `json:"owns_collection"`
	HasSubscription       bool   `json:"has_subscription"`
	SubscriptionTier      string `json:"subscription_tier"`
	SubscriptionExpiresAt string `json:"subscription_expires_at"`
	IsAdmin               bool   `json:"is_admin"`
}

// SubscriptionExpiry parses the RFC3339 expiry, zero when absent.
func (u UserInfo) SubscriptionExpiry() time.Time {
	if u.SubscriptionExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, u.SubscriptionExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

type LoginResult struct {
	User         UserInfo
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Deck is one catalog entry the user is entitled to.
type Deck struct {
	ID          string `json:"deck_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     int64  `json:"version"`
	CardCount   int    `json:"card_count"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// wire payloads

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool     `json:"success"`
	User         UserInfo `json:"user"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Error        string   `json:"error,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Error        string `json:"error,omitempty"`
}

type deckListResponse struct {
	Success    bool   `json:"success"`
	Decks      []Deck `json:"decks"`
	TotalCount int    `json:"total_count"`
	Error      string `json:"error,omitempty"`
}

type changesRequest struct {
	DeckID        string `json:"deck_id"`
	AfterChangeID int64  `json:"after_change_id"`
	Limit         int    `json:"limit"`
}

type cardsRequest struct {
	DeckID string `json:"deck_id"`
	Offset int64  `json:"offset"`
	Limit  int    `json:"limit"`
}

type suggestionsRequest struct {
	DeckID      string `json:"deck_id"`
	Suggestions any    `json:"suggestions"`
}

type suggestionsResponse struct {
	Success  bool   `json:"success"`
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type ackResolutionRequest struct {
	DeckID     string `json:"deck_id"`
	ChangeID   int64  `json:"change_id"`
	Field      string `json:"field"`
	CardGUID   string `json:"card_guid"`
	Resolution string `json:"resolution"`
}

type ackResolutionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type progressRequest struct {
	Progress any `json:"progress"`
}

type progressResponse struct {
	Success     bool   `json:"success"`
	SyncedCount int    `json:"synced_count"`
	Error       string `json:"error,omitempty"`
}

type protectedFieldsRequest struct {
	DeckID string `json:"deck_id"`
}

type protectedFieldsResponse struct {
	Success bool     `json:"success"`
	Fields  []string `json:"fields"`
	Error   string   `json:"error,omitempty"`
}
