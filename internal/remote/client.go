package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deck-sync-service/internal/config"
	"deck-sync-service/internal/feed"
	"deck-sync-service/internal/logger"
	syncpkg "deck-sync-service/internal/sync"
)

const (
	endpointLogin           = "/addon-login"
	endpointRefreshToken    = "/addon-refresh-token"
	endpointGetPurchases    = "/addon-get-purchases"
	endpointGetChanges      = "/addon-get-changes"
	endpointGetCards        = "/addon-get-cards"
	endpointSuggestions     = "/addon-submit-suggestions"
	endpointAckResolution   = "/addon-ack-resolution"
	endpointSyncProgress    = "/addon-sync-progress"
	endpointProtectedFields = "/addon-get-protected-fields"
)

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	tokens  TokenSource
}

func NewClient(cfg config.RemoteConfig) *Client {
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:    "deck-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("Backend circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.GetTimeout()},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// SetTokenSource wires the auth collaborator. Must be called before any
// authenticated request.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any, authed bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var token string
	if authed {
		if c.tokens == nil {
			return fmt.Errorf("no token source configured")
		}
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authed {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 400 {
			return nil, apiError(resp, data)
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func apiError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = payload.Error
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// Login authenticates with email and password. Unauthenticated.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var resp loginResponse
	if err := c.post(ctx, endpointLogin, loginRequest{Email: email, Password: password}, &resp, false); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("login failed: %s", resp.Error)
	}
	return &LoginResult{
		User:         resp.User,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Unix(resp.ExpiresAt, 0),
	}, nil
}

// RefreshToken exchanges a refresh token for new credentials.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	var resp refreshResponse
	if err := c.post(ctx, endpointRefreshToken, refreshRequest{RefreshToken: refreshToken}, &resp, false); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("token refresh failed: %s", resp.Error)
	}
	return &TokenResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Unix(resp.ExpiresAt, 0),
	}, nil
}

// ListDecks returns the decks the user is entitled to.
func (c *Client) ListDecks(ctx context.Context) ([]Deck, error) {
	var resp deckListResponse
	if err := c.post(ctx, endpointGetPurchases, struct{}{}, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to list decks: %s", resp.Error)
	}
	return resp.Decks, nil
}

// FetchChanges pulls one incremental feed page.
func (c *Client) FetchChanges(ctx context.Context, deckID string, afterID int64, limit int) (*feed.ChangeFeedResponse, error) {
	var resp feed.ChangeFeedResponse
	req := changesRequest{DeckID: deckID, AfterChangeID: afterID, Limit: limit}
	if err := c.post(ctx, endpointGetChanges, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchCards pulls one full-sync page.
func (c *Client) FetchCards(ctx context.Context, deckID string, offset int64, limit int) (*feed.CardListResponse, error) {
	var resp feed.CardListResponse
	req := cardsRequest{DeckID: deckID, Offset: offset, Limit: limit}
	if err := c.post(ctx, endpointGetCards, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitSuggestions uploads one batch of proposed edits.
func (c *Client) SubmitSuggestions(ctx context.Context, deckID string, suggestions []syncpkg.Suggestion) (int, error) {
	var resp suggestionsResponse
	req := suggestionsRequest{DeckID: deckID, Suggestions: suggestions}
	if err := c.post(ctx, endpointSuggestions, req, &resp, true); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("suggestion submit failed: %s", resp.Error)
	}
	return resp.Accepted, nil
}

// AcknowledgeResolution reports how a conflict was settled locally.
func (c *Client) AcknowledgeResolution(ctx context.Context, deckID, cardGUID, field string, changeID int64, resolution string) error {
	var resp ackResolutionResponse
	req := ackResolutionRequest{
		DeckID:     deckID,
		CardGUID:   cardGUID,
		Field:      field,
		ChangeID:   changeID,
		Resolution: resolution,
	}
	if err := c.post(ctx, endpointAckResolution, req, &resp, true); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("resolution ack failed: %s", resp.Error)
	}
	return nil
}

// SubmitProgress uploads study progress for all tracked decks.
func (c *Client) SubmitProgress(ctx context.Context, reports []syncpkg.DeckProgress) (int, error) {
	var resp progressResponse
	if err := c.post(ctx, endpointSyncProgress, progressRequest{Progress: reports}, &resp, true); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("progress sync failed: %s", resp.Error)
	}
	return resp.SyncedCount, nil
}

// FetchProtectedFields returns the server's recommended protected fields
// for a deck.
func (c *Client) FetchProtectedFields(ctx context.Context, deckID string) ([]string, error) {
	var resp protectedFieldsResponse
	if err := c.post(ctx, endpointProtectedFields, protectedFieldsRequest{DeckID: deckID}, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to fetch protected fields: %s", resp.Error)
	}
	return resp.Fields, nil
}
