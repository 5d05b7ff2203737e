package propozal

import (
	"context"
	"time"
)

const storageOperationTimeout = 5 * time.Second

type ProposalStore interface {
	CreateProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, id string) (Proposal, error)
	// UpdateProposal applies fn under a row lock. Returning an error from fn
	// aborts the update and leaves the stored row untouched.
	UpdateProposal(ctx context.Context, id string, fn func(*Proposal) error) (Proposal, error)
	ListProposalsByOwner(ctx context.Context, ownerID string) ([]Proposal, error)
}

// SessionMergeFunc receives the stored session (nil when absent) and returns
// the replacement. It runs while the key is locked and must be pure.
type SessionMergeFunc func(existing *EngagementSession) EngagementSession

type EngagementStore interface {
	MergeSession(ctx context.Context, key SessionKey, fn SessionMergeFunc) (merged EngagementSession, created bool, err error)
	ListSessions(ctx context.Context, proposalID string) ([]EngagementSession, error)
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (WebhookSubscription, error)
	PutSubscription(ctx context.Context, sub WebhookSubscription) error
}

type DeliveryLog interface {
	AppendDelivery(ctx context.Context, d WebhookDelivery) error
	ListDeliveries(ctx context.Context, userID string, limit int) ([]WebhookDelivery, error)
}

type AccountDirectory interface {
	LookupAccount(ctx context.Context, userID string) (Account, error)
	PutAccount(ctx context.Context, account Account) error
}

// CounterStore holds the two hot per-user counters. Both operations must be
// atomic per key across processes.
type CounterStore interface {
	HitWindow(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (RateDecision, error)
	IncrementUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error)
	GetUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error)
	PruneWindows(ctx context.Context, before time.Time) (int, error)
}

// Repository is the full persistence surface a backend provides.
type Repository interface {
	ProposalStore
	EngagementStore
	SubscriptionStore
	DeliveryLog
	AccountDirectory
	CounterStore
}

type repositoryCloser interface {
	Close() error
}

func storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, storageOperationTimeout)
}
