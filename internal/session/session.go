// Package session manages backend credentials: login, persisted tokens,
// automatic refresh and the access tier derived from the user payload.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/remote"
	"deck-sync-service/internal/store"
)

// ErrNotAuthenticated means no session exists; the user must log in.
var ErrNotAuthenticated = errors.New("not authenticated")

// refreshLeeway renews tokens slightly before their actual expiry so an
// in-flight request does not race the deadline.
const refreshLeeway = 60 * time.Second

type authAPI interface {
	Login(ctx context.Context, email, password string) (*remote.LoginResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*remote.TokenResult, error)
}

// Session implements remote.TokenSource on top of the persisted session row.
type Session struct {
	api   authAPI
	store store.Store

	mu      sync.Mutex
	current *store.Session
	tier    AccessTier
}

func New(api authAPI, st store.Store) *Session {
	return &Session{api: api, store: st, tier: TierFree}
}

// Load restores a persisted session, if any. Call once at startup.
func (s *Session) Load(ctx context.Context) error {
	sess, err := s.store.GetSession(ctx)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = sess
	s.tier = TierFromSession(sess, time.Now())
	s.mu.Unlock()

	logger.Log.Info("Restored session",
		zap.String("email", sess.Email), zap.String("tier", s.tier.String()))
	return nil
}

// Login authenticates and persists the resulting session. The access tier
// is computed once here, not re-derived per call.
func (s *Session) Login(ctx context.Context, email, password string) error {
	result, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}

	sess := &store.Session{
		Email:                 result.User.Email,
		AccessToken:           result.AccessToken,
		RefreshToken:          result.RefreshToken,
		ExpiresAt:             result.ExpiresAt,
		OwnsCollection:        result.User.OwnsCollection,
		HasSubscription:       result.User.HasSubscription,
		SubscriptionTier:      result.User.SubscriptionTier,
		SubscriptionExpiresAt: result.User.SubscriptionExpiry(),
		IsAdmin:               result.User.IsAdmin,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.current = sess
	s.tier = TierFromSession(sess, time.Now())
	s.mu.Unlock()

	logger.Log.Info("Logged in",
		zap.String("email", sess.Email), zap.String("tier", s.tier.String()))
	return nil
}

// Logout clears the persisted session.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.store.ClearSession(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = nil
	s.tier = TierFree
	s.mu.Unlock()
	return nil
}

// Token returns a valid access token, refreshing first when the stored one
// is expired or about to expire. Implements remote.TokenSource.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return "", ErrNotAuthenticated
	}

	if time.Until(s.current.ExpiresAt) > refreshLeeway {
		return s.current.AccessToken, nil
	}

	result, err := s.api.RefreshToken(ctx, s.current.RefreshToken)
	if err != nil {
		// Keep the stored tokens so the user can retry; only an explicit
		// logout discards them.
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	s.current.AccessToken = result.AccessToken
	s.current.RefreshToken = result.RefreshToken
	s.current.ExpiresAt = result.ExpiresAt
	if err := s.store.SaveSession(ctx, s.current); err != nil {
		return "", fmt.Errorf("failed to persist refreshed session: %w", err)
	}

	logger.Log.Debug("Access token refreshed",
		zap.Time("expiresAt", result.ExpiresAt))
	return s.current.AccessToken, nil
}

// Tier returns the access tier computed at login/load time.
func (s *Session) Tier() AccessTier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// LoggedIn reports whether a session exists.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Email returns the logged-in user's email, empty when logged out.
func (s *Session) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Email
}
