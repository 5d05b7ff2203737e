package propozal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func boolPtr(v bool) *bool { return &v }

func newTestLifecycle(repo Repository, dispatcher EventDispatcher, clock *fakeClock) *Lifecycle {
	return NewLifecycle(LifecycleOptions{Proposals: repo, Dispatcher: dispatcher, Logger: discardLogger(), Now: clock.Now})
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]Status{
		{StatusDraft, StatusSent}, {StatusDraft, StatusWon}, {StatusDraft, StatusFinal},
		{StatusDraft, StatusSubmitted}, {StatusSent, StatusWon}, {StatusSent, StatusLost}, {StatusSent, StatusDeclined},
		{StatusSent, StatusFinal}, {StatusSent, StatusSubmitted},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	rejected := [][2]Status{
		{StatusWon, StatusDraft}, {StatusLost, StatusWon}, {StatusSent, StatusDraft},
		{StatusSent, StatusSent}, {StatusFinal, StatusSent}, {StatusDeclined, StatusWon},
		{StatusSubmitted, StatusFinal}, {StatusFinal, StatusSubmitted},
	}
	for _, pair := range rejected {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
	for _, s := range []Status{StatusWon, StatusLost, StatusDeclined, StatusFinal, StatusSubmitted} {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
}

func TestRegisterDefaultsAndAnnounces(t *testing.T) {
	repo := NewMemoryBackend()
	dispatcher := &recordingDispatcher{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	lifecycle := newTestLifecycle(repo, dispatcher, clock)

	p, err := lifecycle.Register(context.Background(), Proposal{ID: "prop_1", OwnerID: "user_1", Title: "Website", ViewCount: 99})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if p.Status != StatusDraft || p.ExpiredAction != ExpiredShowMessage || p.ViewCount != 0 || !p.CreatedAt.Equal(clock.now) {
		t.Fatalf("unexpected registered proposal %+v", p)
	}
	if got := dispatcher.events(); len(got) != 1 || got[0] != WebhookProposalCreated {
		t.Fatalf("expected proposal.created, got %v", got)
	}

	sent, err := lifecycle.Register(context.Background(), Proposal{ID: "prop_2", OwnerID: "user_1", Status: StatusSent})
	if err != nil {
		t.Fatalf("register sent failed: %v", err)
	}
	if sent.SentAt == nil {
		t.Fatalf("expected sentAt stamped on a proposal registered as sent")
	}

	bad := []Proposal{
		{OwnerID: "user_1"},
		{ID: "x", OwnerID: ""},
		{ID: "x", OwnerID: "user_1", Status: "archived"},
		{ID: "x", OwnerID: "user_1", ExpiredAction: "explode"},
		{ID: "x", OwnerID: "user_1", ExpiredAction: ExpiredRedirect, ExpiredRedirectURL: "javascript:alert(1)"},
	}
	for _, p := range bad {
		if _, err := lifecycle.Register(context.Background(), p); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected %+v to be rejected, got %v", p, err)
		}
	}
}

func TestTransitionWinStampsMetadata(t *testing.T) {
	repo := NewMemoryBackend()
	seedProposal(t, repo, "prop_1", "user_1", StatusDraft)
	dispatcher := &recordingDispatcher{err: ErrQueueFull}
	clock := &fakeClock{now: time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)}
	lifecycle := newTestLifecycle(repo, dispatcher, clock)
	ctx := context.Background()

	sent, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "sent"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sent.SentAt == nil || !sent.SentAt.Equal(clock.now) {
		t.Fatalf("expected sentAt %s, got %v", clock.now, sent.SentAt)
	}

	clock.Advance(24 * time.Hour)
	won, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{
		Status:             "WON",
		ClientName:         strPtr(" Acme "),
		ClientEmail:        strPtr("buyer@acme.test"),
		ProjectValueActual: floatPtr(4800),
		WinNotes:           strPtr("signed"),
		AddToPortfolio:     boolPtr(true),
	})
	if err != nil {
		t.Fatalf("expected webhook failure not to fail the transition, got %v", err)
	}
	if won.Status != StatusWon || won.WonAt == nil || !won.WonAt.Equal(clock.now) || won.ClientName != "Acme" {
		t.Fatalf("unexpected won proposal %+v", won)
	}
	if won.ProjectValueActual == nil || *won.ProjectValueActual != 4800 || !won.AddToPortfolio {
		t.Fatalf("win metadata not applied: %+v", won)
	}
	if got := dispatcher.events(); len(got) != 2 || got[0] != WebhookProposalSent || got[1] != WebhookProposalWon {
		t.Fatalf("expected sent then won dispatches, got %v", got)
	}

	if _, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "draft"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected won -> draft to be rejected, got %v", err)
	}
}

func TestTransitionDraftDirectlyToWon(t *testing.T) {
	repo := NewMemoryBackend()
	seedProposal(t, repo, "prop_1", "user_1", StatusDraft)
	lifecycle := newTestLifecycle(repo, nil, &fakeClock{now: time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)})
	won, err := lifecycle.Transition(context.Background(), "user_1", "prop_1", TransitionRequest{Status: "won"})
	if err != nil {
		t.Fatalf("draft -> won failed: %v", err)
	}
	if won.Status != StatusWon {
		t.Fatalf("expected won, got %s", won.Status)
	}
}

func TestTransitionSentToSubmittedIsTerminal(t *testing.T) {
	repo := NewMemoryBackend()
	seedProposal(t, repo, "prop_1", "user_1", StatusSent)
	lifecycle := newTestLifecycle(repo, nil, &fakeClock{now: time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	submitted, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "submitted"})
	if err != nil {
		t.Fatalf("sent -> submitted failed: %v", err)
	}
	if submitted.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", submitted.Status)
	}
	if _, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "won"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected submitted to be terminal, got %v", err)
	}
}

func TestTransitionChecksOwnershipFirst(t *testing.T) {
	repo := NewMemoryBackend()
	seedProposal(t, repo, "prop_1", "user_1", StatusSent)
	lifecycle := newTestLifecycle(repo, nil, &fakeClock{now: time.Now()})
	ctx := context.Background()

	if _, err := lifecycle.Transition(ctx, "intruder", "prop_1", TransitionRequest{Status: "not-a-status"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized before validation, got %v", err)
	}
	if _, err := lifecycle.Transition(ctx, "", "prop_1", TransitionRequest{Status: "won"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected anonymous actor to be unauthorized, got %v", err)
	}
	if _, err := lifecycle.Transition(ctx, "user_1", "missing", TransitionRequest{Status: "won"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "archived"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "won", ClientEmail: strPtr("not an email")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	if _, err := lifecycle.Transition(ctx, "user_1", "prop_1", TransitionRequest{Status: "won", ProjectValueActual: floatPtr(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected negative value to be rejected, got %v", err)
	}
	p, _ := repo.GetProposal(ctx, "prop_1")
	if p.Status != StatusSent {
		t.Fatalf("rejected transitions must leave status alone, got %s", p.Status)
	}
}

func TestResolveVisibility(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	base := Proposal{ID: "prop_1", Title: "Website", Status: StatusSent, ExpiresAt: &past}

	if v := ResolveVisibility(Proposal{ID: "p", Status: StatusSent, ExpiresAt: &future}, now); v.Visibility != VisibilityVisible || v.Proposal == nil {
		t.Fatalf("expected unexpired proposal visible, got %+v", v)
	}
	if v := ResolveVisibility(Proposal{ID: "p", Status: StatusWon, ExpiresAt: &past}, now); v.Visibility != VisibilityVisible {
		t.Fatalf("expected expiry to apply only to sent proposals, got %+v", v)
	}

	shown := base
	shown.ExpiredAction = ExpiredShowMessage
	if v := ResolveVisibility(shown, now); v.Visibility != VisibilityExpired || v.Message != defaultExpiredMessage || v.Proposal != nil {
		t.Fatalf("unexpected expired view %+v", v)
	}
	custom := shown
	custom.ExpiredMessage = "Ask us for a refreshed quote."
	if v := ResolveVisibility(custom, now); v.Message != "Ask us for a refreshed quote." {
		t.Fatalf("expected custom message, got %q", v.Message)
	}
	hidden := base
	hidden.ExpiredAction = ExpiredHide
	if v := ResolveVisibility(hidden, now); v.Visibility != VisibilityHidden {
		t.Fatalf("expected hidden, got %+v", v)
	}
	redirect := base
	redirect.ExpiredAction = ExpiredRedirect
	redirect.ExpiredRedirectURL = "https://example.com/new"
	if v := ResolveVisibility(redirect, now); v.Visibility != VisibilityRedirect || v.RedirectURL != "https://example.com/new" {
		t.Fatalf("expected redirect, got %+v", v)
	}
	redirect.ExpiredRedirectURL = ""
	if v := ResolveVisibility(redirect, now); v.Visibility != VisibilityExpired {
		t.Fatalf("expected redirect without url to fall back to message, got %+v", v)
	}
	exact := base
	exact.ExpiresAt = &now
	if !IsExpired(exact, now) {
		t.Fatalf("expected proposal to be expired at exactly expiresAt")
	}
}
