package session

import (
	"time"

	"deck-sync-service/internal/store"
)

// AccessTier is the single access level computed once per session from the
// user payload. Precedence is explicit: collection ownership outranks any
// subscription, premium outranks standard, an expired subscription is free.
type AccessTier int

const (
	TierFree AccessTier = iota
	TierStandard
	TierPremium
	TierCollectionOwner
)

func (t AccessTier) String() string {
	switch t {
	case TierCollectionOwner:
		return "collection_owner"
	case TierPremium:
		return "premium"
	case TierStandard:
		return "standard"
	}
	return "free"
}

// FullAccess reports whether the tier permits deck downloads and sync.
func (t AccessTier) FullAccess() bool {
	return t != TierFree
}

// TierFromSession derives the access tier from a stored session.
func TierFromSession(s *store.Session, now time.Time) AccessTier {
	if s == nil {
		return TierFree
	}
	if s.OwnsCollection {
		return TierCollectionOwner
	}
	if !s.HasSubscription {
		return TierFree
	}
	if !s.SubscriptionExpiresAt.IsZero() && !now.Before(s.SubscriptionExpiresAt) {
		return TierFree
	}
	if s.SubscriptionTier == "premium" {
		return TierPremium
	}
	return TierStandard
}
