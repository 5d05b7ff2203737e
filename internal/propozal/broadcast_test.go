package propozal

import "testing"

func TestBroadcasterDeliversToMatchingProposal(t *testing.T) {
	b := NewSessionBroadcaster(2)
	feed, cancel := b.Subscribe("prop_1")
	other, cancelOther := b.Subscribe("prop_2")
	defer cancelOther()

	session := EngagementSession{ProposalID: "prop_1", SessionID: "s1", SectionsViewed: []string{"pricing"}}
	b.Publish(session)
	session.SectionsViewed[0] = "mutated"

	got := <-feed
	if got.SessionID != "s1" || got.SectionsViewed[0] != "pricing" {
		t.Fatalf("unexpected published session %+v", got)
	}
	select {
	case s := <-other:
		t.Fatalf("unexpected session on other proposal feed: %+v", s)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-feed; ok {
		t.Fatalf("expected feed closed after cancel")
	}
	if n := b.Subscribers("prop_1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	b.Publish(EngagementSession{ProposalID: "prop_1"})
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewSessionBroadcaster(1)
	feed, cancel := b.Subscribe("prop_1")
	defer cancel()
	for i := 0; i < 5; i++ {
		b.Publish(EngagementSession{ProposalID: "prop_1", ViewCount: int64(i + 1)})
	}
	if got := <-feed; got.ViewCount != 1 {
		t.Fatalf("expected the first update to be kept, got %d", got.ViewCount)
	}
	select {
	case s := <-feed:
		t.Fatalf("expected later updates dropped, got %+v", s)
	default:
	}
}
