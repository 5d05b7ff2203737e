package propozal

import "sync"

const defaultBroadcastBuffer = 16

// SessionBroadcaster fans merged sessions out to live viewers of a proposal.
// Slow subscribers miss updates rather than stalling the aggregator.
type SessionBroadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[chan EngagementSession]struct{}
	buffer int
}

func NewSessionBroadcaster(buffer int) *SessionBroadcaster {
	if buffer <= 0 {
		buffer = defaultBroadcastBuffer
	}
	return &SessionBroadcaster{subs: map[string]map[chan EngagementSession]struct{}{}, buffer: buffer}
}

// Subscribe returns a feed for proposalID and a cancel func that closes it.
func (b *SessionBroadcaster) Subscribe(proposalID string) (<-chan EngagementSession, func()) {
	ch := make(chan EngagementSession, b.buffer)
	b.mu.Lock()
	set := b.subs[proposalID]
	if set == nil {
		set = map[chan EngagementSession]struct{}{}
		b.subs[proposalID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[proposalID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, proposalID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *SessionBroadcaster) Publish(session EngagementSession) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[session.ProposalID] {
		select {
		case ch <- cloneSession(session):
		default:
		}
	}
}

func (b *SessionBroadcaster) Subscribers(proposalID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[proposalID])
}
