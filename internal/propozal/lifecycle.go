package propozal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// allowedTransitions is strict: won, lost, declined, final and submitted are
// terminal. Expiry is not a status; see ResolveVisibility.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusDraft: {
		StatusSent: {}, StatusWon: {}, StatusLost: {}, StatusDeclined: {}, StatusFinal: {}, StatusSubmitted: {},
	},
	// final and submitted close out workflows that skip win/loss tracking,
	// whether or not the proposal was sent first.
	StatusSent: {
		StatusWon: {}, StatusLost: {}, StatusDeclined: {}, StatusFinal: {}, StatusSubmitted: {},
	},
}

func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// TransitionRequest carries the new status plus optional metadata. Nil
// pointers leave the stored value alone.
type TransitionRequest struct {
	Status             string   `json:"status"`
	ClientName         *string  `json:"clientName,omitempty"`
	ClientEmail        *string  `json:"clientEmail,omitempty"`
	ProjectValueActual *float64 `json:"projectValueActual,omitempty"`
	WinNotes           *string  `json:"winNotes,omitempty"`
	LostReason         *string  `json:"lostReason,omitempty"`
	AddToPortfolio     *bool    `json:"addToPortfolio,omitempty"`
}

type LifecycleOptions struct {
	Proposals  ProposalStore
	Dispatcher EventDispatcher
	Logger     *slog.Logger
	Now        Clock
}

type Lifecycle struct {
	proposals  ProposalStore
	dispatcher EventDispatcher
	logger     *slog.Logger
	now        Clock
	telemetry  *instruments
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = systemClock
	}
	return &Lifecycle{
		proposals:  opts.Proposals,
		dispatcher: opts.Dispatcher,
		logger:     logger.With("component", "lifecycle"),
		now:        now,
		telemetry:  newInstruments(),
	}
}

// Register stores a freshly generated proposal and announces it.
func (l *Lifecycle) Register(ctx context.Context, p Proposal) (Proposal, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.OwnerID = strings.TrimSpace(p.OwnerID)
	if p.ID == "" {
		return Proposal{}, invalidField("id", "is required")
	}
	if p.OwnerID == "" {
		return Proposal{}, invalidField("owner_id", "is required")
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return Proposal{}, err
	}
	switch p.ExpiredAction {
	case "":
		p.ExpiredAction = ExpiredShowMessage
	case ExpiredShowMessage, ExpiredHide:
	case ExpiredRedirect:
		if _, err := parseWebhookURL(p.ExpiredRedirectURL); err != nil {
			return Proposal{}, invalidField("expired_redirect_url", "redirect requires an absolute http(s) url")
		}
	default:
		return Proposal{}, invalidField("expired_action", "must be one of show_message|hide|redirect")
	}
	now := l.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.ViewCount, p.ShareCount, p.CloneCount = 0, 0, 0
	if p.Status == StatusSent && p.SentAt == nil {
		p.SentAt = &now
	}

	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	if err := l.proposals.CreateProposal(storeCtx, p); err != nil {
		return Proposal{}, err
	}
	l.emit(ctx, p, WebhookProposalCreated)
	return p, nil
}

// Transition moves a proposal the actor owns to a new status. Ownership is
// checked before the status value, so a stranger learns nothing from the
// error. Webhook failures never undo the change.
func (l *Lifecycle) Transition(ctx context.Context, actorID, proposalID string, req TransitionRequest) (Proposal, error) {
	ctx, span := l.telemetry.startSpan(ctx, "lifecycle.transition",
		attribute.String("proposal.id", proposalID),
		attribute.String("proposal.target_status", req.Status))
	updated, err := l.transition(ctx, actorID, proposalID, req)
	endSpan(span, err)
	return updated, err
}

func (l *Lifecycle) transition(ctx context.Context, actorID, proposalID string, req TransitionRequest) (Proposal, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Proposal{}, &AuthorizationError{ProposalID: proposalID}
	}

	var from Status
	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	updated, err := l.proposals.UpdateProposal(storeCtx, proposalID, func(p *Proposal) error {
		if p.OwnerID != actorID {
			return &AuthorizationError{ProposalID: proposalID, ActorID: actorID}
		}
		to, err := ParseStatus(req.Status)
		if err != nil {
			return err
		}
		if err := validateTransitionMetadata(req); err != nil {
			return err
		}
		if !CanTransition(p.Status, to) {
			return &InvalidTransitionError{From: p.Status, To: to}
		}
		from = p.Status
		applyTransition(p, to, req, l.now())
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	l.telemetry.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(updated.Status))))
	l.logger.InfoContext(ctx, "proposal transitioned",
		"proposal_id", proposalID, "from", from, "to", updated.Status)

	switch updated.Status {
	case StatusSent:
		l.emit(ctx, updated, WebhookProposalSent)
	case StatusWon:
		l.emit(ctx, updated, WebhookProposalWon)
	case StatusLost:
		l.emit(ctx, updated, WebhookProposalLost)
	}
	return updated, nil
}

func validateTransitionMetadata(req TransitionRequest) error {
	if req.ClientEmail != nil && strings.TrimSpace(*req.ClientEmail) != "" {
		if _, err := mail.ParseAddress(strings.TrimSpace(*req.ClientEmail)); err != nil {
			return invalidField("clientEmail", "is not a valid email address")
		}
	}
	if req.ProjectValueActual != nil && *req.ProjectValueActual < 0 {
		return invalidField("projectValueActual", "must not be negative")
	}
	return nil
}

func applyTransition(p *Proposal, to Status, req TransitionRequest, now time.Time) {
	p.Status = to
	p.UpdatedAt = now
	if req.ClientName != nil {
		p.ClientName = strings.TrimSpace(*req.ClientName)
	}
	if req.ClientEmail != nil {
		p.ClientEmail = strings.TrimSpace(*req.ClientEmail)
	}
	switch to {
	case StatusSent:
		if p.SentAt == nil {
			p.SentAt = &now
		}
	case StatusWon:
		p.WonAt = &now
		if req.ProjectValueActual != nil {
			v := *req.ProjectValueActual
			p.ProjectValueActual = &v
		}
		if req.WinNotes != nil {
			p.WinNotes = strings.TrimSpace(*req.WinNotes)
		}
		if req.AddToPortfolio != nil {
			p.AddToPortfolio = *req.AddToPortfolio
		}
	case StatusLost:
		if req.LostReason != nil {
			p.LostReason = strings.TrimSpace(*req.LostReason)
		}
	}
}

func (l *Lifecycle) emit(ctx context.Context, p Proposal, eventType string) {
	if l.dispatcher == nil {
		return
	}
	if err := l.dispatcher.Dispatch(ctx, p.OwnerID, eventType, proposalEventData(p)); err != nil {
		l.logger.WarnContext(ctx, "webhook dispatch failed", "proposal_id", p.ID, "event", eventType, "error", err)
	}
}

func proposalEventData(p Proposal) map[string]any {
	data := map[string]any{
		"proposal_id": p.ID,
		"title":       p.Title,
		"status":      string(p.Status),
	}
	if p.ClientName != "" {
		data["client_name"] = p.ClientName
	}
	if p.ClientEmail != "" {
		data["client_email"] = p.ClientEmail
	}
	if p.SentAt != nil {
		data["sent_at"] = p.SentAt.UTC().Format(time.RFC3339)
	}
	if p.WonAt != nil {
		data["won_at"] = p.WonAt.UTC().Format(time.RFC3339)
	}
	if p.ProjectValueActual != nil {
		data["project_value"] = *p.ProjectValueActual
	}
	if p.LostReason != "" {
		data["lost_reason"] = p.LostReason
	}
	return data
}

// Get returns a proposal the actor owns.
func (l *Lifecycle) Get(ctx context.Context, actorID, proposalID string) (Proposal, error) {
	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	return loadOwnedProposal(storeCtx, l.proposals, actorID, proposalID)
}

func loadOwnedProposal(ctx context.Context, store ProposalStore, actorID, proposalID string) (Proposal, error) {
	p, err := store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("load proposal %s: %w", proposalID, err)
	}
	if strings.TrimSpace(actorID) == "" || p.OwnerID != actorID {
		return Proposal{}, &AuthorizationError{ProposalID: proposalID, ActorID: actorID}
	}
	return p, nil
}

type Visibility string

const (
	VisibilityVisible  Visibility = "visible"
	VisibilityExpired  Visibility = "expired"
	VisibilityHidden   Visibility = "hidden"
	VisibilityRedirect Visibility = "redirect"
)

const defaultExpiredMessage = "This proposal has expired. Please contact the sender for an updated version."

// PublicProposal is what an unauthenticated recipient may see.
type PublicProposal struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	Status     Status     `json:"status"`
	ClientName string     `json:"clientName,omitempty"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type PublicView struct {
	Visibility  Visibility      `json:"visibility"`
	Proposal    *PublicProposal `json:"proposal,omitempty"`
	Message     string          `json:"message,omitempty"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
}

// IsExpired reports the virtual expired state: a sent proposal whose
// expiresAt has passed.
func IsExpired(p Proposal, now time.Time) bool {
	return p.Status == StatusSent && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func ResolveVisibility(p Proposal, now time.Time) PublicView {
	if !IsExpired(p, now) {
		return PublicView{
			Visibility: VisibilityVisible,
			Proposal: &PublicProposal{
				ID:         p.ID,
				Title:      p.Title,
				Status:     p.Status,
				ClientName: p.ClientName,
				SentAt:     cloneTime(p.SentAt),
				ExpiresAt:  cloneTime(p.ExpiresAt),
			},
		}
	}
	switch p.ExpiredAction {
	case ExpiredHide:
		return PublicView{Visibility: VisibilityHidden}
	case ExpiredRedirect:
		if strings.TrimSpace(p.ExpiredRedirectURL) != "" {
			return PublicView{Visibility: VisibilityRedirect, RedirectURL: p.ExpiredRedirectURL}
		}
	}
	message := strings.TrimSpace(p.ExpiredMessage)
	if message == "" {
		message = defaultExpiredMessage
	}
	return PublicView{Visibility: VisibilityExpired, Message: message}
}

// PublicView loads a proposal for an unauthenticated recipient.
func (l *Lifecycle) PublicView(ctx context.Context, proposalID string) (PublicView, error) {
	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	p, err := l.proposals.GetProposal(storeCtx, proposalID)
	if err != nil {
		return PublicView{}, err
	}
	return ResolveVisibility(p, l.now()), nil
}
