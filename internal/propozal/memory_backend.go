package propozal

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryLockShards = 64

// MemoryBackend keeps every table in process memory. Per-key operations
// serialise on a sharded mutex so concurrent merges for one session or one
// counter never interleave, while unrelated keys proceed in parallel.
type MemoryBackend struct {
	mu            sync.RWMutex
	keyLocks      [memoryLockShards]sync.Mutex
	proposals     map[string]Proposal
	sessions      map[string]map[string]EngagementSession
	subscriptions map[string]WebhookSubscription
	deliveries    map[string][]WebhookDelivery
	accounts      map[string]Account
	windows       map[string]RateLimitWindow
	usage         map[string]UsagePeriod
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		proposals:     map[string]Proposal{},
		sessions:      map[string]map[string]EngagementSession{},
		subscriptions: map[string]WebhookSubscription{},
		deliveries:    map[string][]WebhookDelivery{},
		accounts:      map[string]Account{},
		windows:       map[string]RateLimitWindow{},
		usage:         map[string]UsagePeriod{},
	}
}

func (b *MemoryBackend) lockKey(parts ...string) *sync.Mutex {
	hasher := fnv.New32a()
	for _, part := range parts {
		_, _ = hasher.Write([]byte(part))
		_, _ = hasher.Write([]byte{0})
	}
	return &b.keyLocks[hasher.Sum32()%memoryLockShards]
}

func (b *MemoryBackend) CreateProposal(ctx context.Context, p Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" {
		return invalidField("id", "is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.proposals[p.ID]; exists {
		return invalidField("id", "proposal already exists")
	}
	b.proposals[p.ID] = cloneProposal(p)
	return nil
}

func (b *MemoryBackend) GetProposal(ctx context.Context, id string) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return cloneProposal(p), nil
}

func (b *MemoryBackend) UpdateProposal(ctx context.Context, id string, fn func(*Proposal) error) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	lock := b.lockKey("proposal", id)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	current, ok := b.proposals[id]
	b.mu.RUnlock()
	if !ok {
		return Proposal{}, ErrNotFound
	}
	next := cloneProposal(current)
	if err := fn(&next); err != nil {
		return Proposal{}, err
	}
	next.ID = id
	b.mu.Lock()
	b.proposals[id] = cloneProposal(next)
	b.mu.Unlock()
	return next, nil
}

func (b *MemoryBackend) ListProposalsByOwner(ctx context.Context, ownerID string) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Proposal, 0)
	for _, p := range b.proposals {
		if p.OwnerID == ownerID {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) MergeSession(ctx context.Context, key SessionKey, fn SessionMergeFunc) (EngagementSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return EngagementSession{}, false, err
	}
	lock := b.lockKey("session", key.ProposalID, key.SessionID)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	existing, found := b.sessions[key.ProposalID][key.SessionID]
	b.mu.RUnlock()

	var prev *EngagementSession
	if found {
		snapshot := cloneSession(existing)
		prev = &snapshot
	}
	merged := fn(prev)
	merged.ProposalID = key.ProposalID
	merged.SessionID = key.SessionID

	b.mu.Lock()
	byProposal := b.sessions[key.ProposalID]
	if byProposal == nil {
		byProposal = map[string]EngagementSession{}
		b.sessions[key.ProposalID] = byProposal
	}
	byProposal[key.SessionID] = cloneSession(merged)
	b.mu.Unlock()
	return merged, !found, nil
}

func (b *MemoryBackend) ListSessions(ctx context.Context, proposalID string) ([]EngagementSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	byProposal := b.sessions[proposalID]
	out := make([]EngagementSession, 0, len(byProposal))
	for _, s := range byProposal {
		out = append(out, cloneSession(s))
	}
	sortSessions(out)
	return out, nil
}

func (b *MemoryBackend) GetSubscription(ctx context.Context, userID string) (WebhookSubscription, error) {
	if err := ctx.Err(); err != nil {
		return WebhookSubscription{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscriptions[userID]
	if !ok {
		return WebhookSubscription{}, ErrNotFound
	}
	sub.Events = append([]string(nil), sub.Events...)
	return sub, nil
}

func (b *MemoryBackend) PutSubscription(ctx context.Context, sub WebhookSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sub.UserID) == "" {
		return invalidField("user_id", "is required")
	}
	sub.Events = append([]string(nil), sub.Events...)
	b.mu.Lock()
	b.subscriptions[sub.UserID] = sub
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) AppendDelivery(ctx context.Context, d WebhookDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(d.ID) == "" {
		return invalidField("id", "is required")
	}
	d.Payload = append([]byte(nil), d.Payload...)
	b.mu.Lock()
	b.deliveries[d.UserID] = append(b.deliveries[d.UserID], d)
	b.mu.Unlock()
	return nil
}

// ListDeliveries returns the newest records first.
func (b *MemoryBackend) ListDeliveries(ctx context.Context, userID string, limit int) ([]WebhookDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.deliveries[userID]
	out := make([]WebhookDelivery, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		d := all[i]
		d.Payload = append([]byte(nil), d.Payload...)
		out = append(out, d)
	}
	return out, nil
}

func (b *MemoryBackend) LookupAccount(ctx context.Context, userID string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	account, ok := b.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return cloneAccount(account), nil
}

func (b *MemoryBackend) PutAccount(ctx context.Context, account Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(account.UserID) == "" {
		return invalidField("user_id", "is required")
	}
	b.mu.Lock()
	b.accounts[account.UserID] = cloneAccount(account)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) HitWindow(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (RateDecision, error) {
	if err := ctx.Err(); err != nil {
		return RateDecision{}, err
	}
	lock := b.lockKey("window", userID, endpoint)
	lock.Lock()
	defer lock.Unlock()

	key := userID + "\x00" + endpoint
	b.mu.RLock()
	current, found := b.windows[key]
	b.mu.RUnlock()

	current.UserID = userID
	current.Endpoint = endpoint
	next, decision := applyFixedWindow(current, found, limit, window, now)

	b.mu.Lock()
	b.windows[key] = next
	b.mu.Unlock()
	return decision, nil
}

func (b *MemoryBackend) IncrementUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	if err := ctx.Err(); err != nil {
		return UsagePeriod{}, err
	}
	lock := b.lockKey("usage", userID, period.Key)
	lock.Lock()
	defer lock.Unlock()

	key := userID + "\x00" + period.Key
	b.mu.Lock()
	defer b.mu.Unlock()
	usage, ok := b.usage[key]
	if !ok {
		usage = UsagePeriod{UserID: userID, Period: period.Key, PeriodStart: period.Start, PeriodEnd: period.End}
	}
	usage.ProposalsGenerated++
	b.usage[key] = usage
	return usage, nil
}

func (b *MemoryBackend) GetUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	if err := ctx.Err(); err != nil {
		return UsagePeriod{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	usage, ok := b.usage[userID+"\x00"+period.Key]
	if !ok {
		return UsagePeriod{UserID: userID, Period: period.Key, PeriodStart: period.Start, PeriodEnd: period.End}, nil
	}
	return usage, nil
}

func (b *MemoryBackend) PruneWindows(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, w := range b.windows {
		if w.WindowStart.Before(before) {
			delete(b.windows, key)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func cloneProposal(p Proposal) Proposal {
	p.SentAt = cloneTime(p.SentAt)
	p.WonAt = cloneTime(p.WonAt)
	p.ExpiresAt = cloneTime(p.ExpiresAt)
	if p.ProjectValueActual != nil {
		v := *p.ProjectValueActual
		p.ProjectValueActual = &v
	}
	return p
}

func cloneSession(s EngagementSession) EngagementSession {
	s.SectionsViewed = append([]string(nil), s.SectionsViewed...)
	return s
}

func cloneAccount(a Account) Account {
	if a.QuotaOverride != nil {
		v := *a.QuotaOverride
		a.QuotaOverride = &v
	}
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortSessions(sessions []EngagementSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].FirstViewAt.Equal(sessions[j].FirstViewAt) {
			return sessions[i].FirstViewAt.Before(sessions[j].FirstViewAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
}
