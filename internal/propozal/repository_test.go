package propozal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newSQLiteTestBackend(t *testing.T) *SQLBackend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "propozal.db"))
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func repositoryBackends() map[string]func(*testing.T) Repository {
	backends := map[string]func(*testing.T) Repository{
		"memory": func(*testing.T) Repository { return NewMemoryBackend() },
		"sqlite": func(t *testing.T) Repository { return newSQLiteTestBackend(t) },
	}
	if postgresIntegrationEnabled() {
		backends["postgres"] = func(t *testing.T) Repository { return newPostgresIntegrationBackend(t) }
	}
	return backends
}

func TestRepositoryProposals(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			ctx := context.Background()
			created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			value := 1200.5
			p := Proposal{
				ID: "prop_b", OwnerID: "user_1", Title: "Website", Status: StatusDraft,
				ExpiredAction: ExpiredShowMessage, ProjectValueActual: &value,
				CreatedAt: created, UpdatedAt: created,
			}
			if err := repo.CreateProposal(ctx, p); err != nil {
				t.Fatalf("create proposal failed: %v", err)
			}
			if err := repo.CreateProposal(ctx, p); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected duplicate create to be rejected, got %v", err)
			}
			if err := repo.CreateProposal(ctx, Proposal{ID: "prop_a", OwnerID: "user_1", Status: StatusSent, CreatedAt: created, UpdatedAt: created}); err != nil {
				t.Fatalf("create second proposal failed: %v", err)
			}
			if err := repo.CreateProposal(ctx, Proposal{ID: "prop_c", OwnerID: "user_2", Status: StatusDraft, CreatedAt: created, UpdatedAt: created}); err != nil {
				t.Fatalf("create foreign proposal failed: %v", err)
			}

			got, err := repo.GetProposal(ctx, "prop_b")
			if err != nil {
				t.Fatalf("get proposal failed: %v", err)
			}
			if got.Title != "Website" || got.ProjectValueActual == nil || *got.ProjectValueActual != value || !got.CreatedAt.Equal(created) {
				t.Fatalf("unexpected proposal %+v", got)
			}
			if _, err := repo.GetProposal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			boom := errors.New("boom")
			if _, err := repo.UpdateProposal(ctx, "prop_b", func(p *Proposal) error {
				p.Title = "changed"
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("expected fn error to abort update, got %v", err)
			}
			unchanged, _ := repo.GetProposal(ctx, "prop_b")
			if unchanged.Title != "Website" {
				t.Fatalf("aborted update leaked title %q", unchanged.Title)
			}

			sent := created.Add(time.Hour)
			updated, err := repo.UpdateProposal(ctx, "prop_b", func(p *Proposal) error {
				p.Status = StatusSent
				p.SentAt = &sent
				p.ViewCount = 3
				return nil
			})
			if err != nil {
				t.Fatalf("update proposal failed: %v", err)
			}
			if updated.Status != StatusSent || updated.ViewCount != 3 {
				t.Fatalf("unexpected updated proposal %+v", updated)
			}
			reloaded, _ := repo.GetProposal(ctx, "prop_b")
			if reloaded.SentAt == nil || !reloaded.SentAt.Equal(sent) {
				t.Fatalf("expected sentAt %s, got %v", sent, reloaded.SentAt)
			}
			if _, err := repo.UpdateProposal(ctx, "missing", func(*Proposal) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected update of missing proposal to fail with not found, got %v", err)
			}

			owned, err := repo.ListProposalsByOwner(ctx, "user_1")
			if err != nil {
				t.Fatalf("list proposals failed: %v", err)
			}
			if len(owned) != 2 || owned[0].ID != "prop_a" || owned[1].ID != "prop_b" {
				t.Fatalf("expected prop_a, prop_b for user_1, got %+v", owned)
			}
		})
	}
}

func TestRepositoryMergeSession(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			ctx := context.Background()
			key := SessionKey{ProposalID: "prop_1", SessionID: "sess_1"}
			at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
			depth := 40
			first := EngagementEvent{ProposalID: "prop_1", SessionID: "sess_1", Type: EventView, ScrollDepth: &depth, Section: "pricing", DeviceType: "mobile"}

			merged, created, err := repo.MergeSession(ctx, key, func(existing *EngagementSession) EngagementSession {
				return MergeEngagement(existing, first, at)
			})
			if err != nil {
				t.Fatalf("first merge failed: %v", err)
			}
			if !created || merged.ViewCount != 1 || merged.ScrollDepthMax != 40 {
				t.Fatalf("unexpected first merge created=%v session=%+v", created, merged)
			}

			spent := int64(30)
			second := EngagementEvent{ProposalID: "prop_1", SessionID: "sess_1", Type: EventTimeSpent, TimeSpent: &spent, Section: "scope"}
			merged, created, err = repo.MergeSession(ctx, key, func(existing *EngagementSession) EngagementSession {
				if existing == nil {
					t.Errorf("expected existing session on second merge")
				}
				return MergeEngagement(existing, second, at.Add(time.Minute))
			})
			if err != nil {
				t.Fatalf("second merge failed: %v", err)
			}
			if created || merged.TotalTimeSpent != 30 || len(merged.SectionsViewed) != 2 {
				t.Fatalf("unexpected second merge created=%v session=%+v", created, merged)
			}

			sessions, err := repo.ListSessions(ctx, "prop_1")
			if err != nil {
				t.Fatalf("list sessions failed: %v", err)
			}
			if len(sessions) != 1 {
				t.Fatalf("expected one session, got %d", len(sessions))
			}
			s := sessions[0]
			if !s.FirstViewAt.Equal(at) || !s.LastViewAt.Equal(at.Add(time.Minute)) || s.DeviceType != "mobile" {
				t.Fatalf("unexpected stored session %+v", s)
			}
			if empty, err := repo.ListSessions(ctx, "prop_other"); err != nil || len(empty) != 0 {
				t.Fatalf("expected no sessions for unknown proposal, got %v (err=%v)", empty, err)
			}
		})
	}
}

func TestRepositoryConcurrentMergesLoseNothing(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			key := SessionKey{ProposalID: "prop_1", SessionID: "sess_1"}
			at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
			const writers = 20

			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					spent := int64(5)
					event := EngagementEvent{ProposalID: "prop_1", SessionID: "sess_1", Type: EventTimeSpent, TimeSpent: &spent}
					_, _, err := repo.MergeSession(context.Background(), key, func(existing *EngagementSession) EngagementSession {
						return MergeEngagement(existing, event, at)
					})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent merge failed: %v", err)
				}
			}
			sessions, err := repo.ListSessions(context.Background(), "prop_1")
			if err != nil || len(sessions) != 1 {
				t.Fatalf("expected one session, got %v (err=%v)", sessions, err)
			}
			if sessions[0].TotalTimeSpent != writers*5 {
				t.Fatalf("expected total time %d, got %d", writers*5, sessions[0].TotalTimeSpent)
			}
		})
	}
}

func TestRepositorySubscriptionsAndDeliveries(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			ctx := context.Background()
			if _, err := repo.GetSubscription(ctx, "user_1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected missing subscription, got %v", err)
			}
			sub := WebhookSubscription{UserID: "user_1", URL: "https://hooks.example.com/p", Enabled: true, Events: []string{WebhookProposalWon}, Secret: "whsec_x"}
			if err := repo.PutSubscription(ctx, sub); err != nil {
				t.Fatalf("put subscription failed: %v", err)
			}
			sub.Events = []string{WebhookProposalWon, WebhookProposalLost}
			if err := repo.PutSubscription(ctx, sub); err != nil {
				t.Fatalf("overwrite subscription failed: %v", err)
			}
			got, err := repo.GetSubscription(ctx, "user_1")
			if err != nil {
				t.Fatalf("get subscription failed: %v", err)
			}
			if !got.Enabled || got.Secret != "whsec_x" || !got.Subscribed(WebhookProposalLost) {
				t.Fatalf("unexpected subscription %+v", got)
			}

			base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
			for i, id := range []string{"d1", "d2", "d3"} {
				d := WebhookDelivery{ID: id, UserID: "user_1", EventType: WebhookProposalWon, URL: sub.URL,
					Payload: []byte(`{"n":1}`), ResponseStatus: 200, Attempts: 1, DeliveredAt: base.Add(time.Duration(i) * time.Second)}
				if err := repo.AppendDelivery(ctx, d); err != nil {
					t.Fatalf("append delivery %s failed: %v", id, err)
				}
			}
			recent, err := repo.ListDeliveries(ctx, "user_1", 2)
			if err != nil {
				t.Fatalf("list deliveries failed: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "d3" || recent[1].ID != "d2" {
				t.Fatalf("expected d3, d2 newest first, got %+v", recent)
			}
			if string(recent[0].Payload) != `{"n":1}` {
				t.Fatalf("unexpected payload %s", recent[0].Payload)
			}
		})
	}
}

func TestRepositoryCounters(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			ctx := context.Background()
			start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				d, err := repo.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(time.Duration(i)*10*time.Second))
				if err != nil {
					t.Fatalf("hit %d failed: %v", i+1, err)
				}
				if !d.Allowed || d.Remaining != 4-i {
					t.Fatalf("hit %d: unexpected decision %+v", i+1, d)
				}
			}
			denied, err := repo.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(59*time.Second))
			if err != nil {
				t.Fatalf("sixth hit failed: %v", err)
			}
			if denied.Allowed || !denied.ResetAt.Equal(start.Add(time.Minute)) {
				t.Fatalf("expected denial resetting at %s, got %+v", start.Add(time.Minute), denied)
			}
			other, _ := repo.HitWindow(ctx, "user_2", "generate", 5, time.Minute, start.Add(59*time.Second))
			if !other.Allowed {
				t.Fatalf("expected independent window for user_2")
			}
			reset, _ := repo.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(61*time.Second))
			if !reset.Allowed || reset.Remaining != 4 {
				t.Fatalf("expected fresh window after reset, got %+v", reset)
			}

			removed, err := repo.PruneWindows(ctx, start.Add(60*time.Second))
			if err != nil {
				t.Fatalf("prune windows failed: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected only user_2 window pruned, removed %d", removed)
			}

			may := CalendarPeriod(start)
			june := CalendarPeriod(start.AddDate(0, 1, 0))
			for i := 1; i <= 3; i++ {
				usage, err := repo.IncrementUsage(ctx, "user_1", may)
				if err != nil {
					t.Fatalf("increment usage failed: %v", err)
				}
				if usage.ProposalsGenerated != i || usage.Period != "2026-05" {
					t.Fatalf("unexpected usage %+v", usage)
				}
			}
			juneUsage, err := repo.GetUsage(ctx, "user_1", june)
			if err != nil || juneUsage.ProposalsGenerated != 0 {
				t.Fatalf("expected empty June usage, got %+v (err=%v)", juneUsage, err)
			}
			otherUsage, _ := repo.GetUsage(ctx, "user_2", may)
			if otherUsage.ProposalsGenerated != 0 {
				t.Fatalf("usage leaked across users: %+v", otherUsage)
			}
		})
	}
}

func TestRepositoryAccounts(t *testing.T) {
	for name, build := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			ctx := context.Background()
			if _, err := repo.LookupAccount(ctx, "user_1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected missing account, got %v", err)
			}
			override := 7
			if err := repo.PutAccount(ctx, Account{UserID: "user_1", Plan: "pro", QuotaOverride: &override}); err != nil {
				t.Fatalf("put account failed: %v", err)
			}
			got, err := repo.LookupAccount(ctx, "user_1")
			if err != nil {
				t.Fatalf("lookup account failed: %v", err)
			}
			if got.Plan != "pro" || got.QuotaOverride == nil || *got.QuotaOverride != 7 {
				t.Fatalf("unexpected account %+v", got)
			}
			if err := repo.PutAccount(ctx, Account{UserID: "user_1", Plan: "agency"}); err != nil {
				t.Fatalf("overwrite account failed: %v", err)
			}
			got, _ = repo.LookupAccount(ctx, "user_1")
			if got.Plan != "agency" || got.QuotaOverride != nil {
				t.Fatalf("expected override cleared, got %+v", got)
			}
		})
	}
}
