package propozal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Limits applied to client-reported telemetry. Anything on the public
// endpoint is untrusted.
const (
	MaxSessionIDLength    = 128
	MaxSectionLength      = 128
	MaxUserAgentLength    = 512
	MaxReferrerLength     = 1024
	MaxTimeSpentDelta     = 300
	MaxSectionsPerSession = 50
)

var deviceTypes = map[string]struct{}{
	"desktop": {},
	"mobile":  {},
	"tablet":  {},
}

// EventDispatcher is the slice of the Dispatcher the domain services need.
type EventDispatcher interface {
	Dispatch(ctx context.Context, userID, eventType string, data any) error
}

// NormalizeEvent validates e and clamps its numeric fields into range.
func NormalizeEvent(e EngagementEvent) (EngagementEvent, error) {
	e.ProposalID = strings.TrimSpace(e.ProposalID)
	if e.ProposalID == "" {
		return EngagementEvent{}, invalidField("proposal_id", "is required")
	}
	e.SessionID = strings.TrimSpace(e.SessionID)
	if e.SessionID == "" {
		return EngagementEvent{}, invalidField("session_id", "is required")
	}
	if utf8.RuneCountInString(e.SessionID) > MaxSessionIDLength {
		return EngagementEvent{}, invalidField("session_id", fmt.Sprintf("must be at most %d characters", MaxSessionIDLength))
	}
	eventType, err := ParseEventType(string(e.Type))
	if err != nil {
		return EngagementEvent{}, err
	}
	e.Type = eventType
	if e.ScrollDepth != nil {
		depth := min(max(*e.ScrollDepth, 0), 100)
		e.ScrollDepth = &depth
	}
	if e.TimeSpent != nil {
		spent := min(max(*e.TimeSpent, 0), MaxTimeSpentDelta)
		e.TimeSpent = &spent
	}
	e.Section = truncateRunes(strings.TrimSpace(e.Section), MaxSectionLength)
	e.DeviceType = strings.ToLower(strings.TrimSpace(e.DeviceType))
	if e.DeviceType != "" {
		if _, ok := deviceTypes[e.DeviceType]; !ok {
			return EngagementEvent{}, invalidField("device_type", "must be one of desktop|mobile|tablet")
		}
	}
	e.UserAgent = truncateRunes(strings.TrimSpace(e.UserAgent), MaxUserAgentLength)
	e.Referrer = truncateRunes(strings.TrimSpace(e.Referrer), MaxReferrerLength)
	return e, nil
}

// MergeEngagement folds one normalised event into a session. It is pure and,
// for every field except the write-once ones, independent of the order in
// which events arrive: counts and time add, scroll depth and timestamps take
// extremes, and sections form a set.
func MergeEngagement(existing *EngagementSession, e EngagementEvent, now time.Time) EngagementSession {
	var s EngagementSession
	if existing == nil {
		s = EngagementSession{
			ProposalID:     e.ProposalID,
			SessionID:      e.SessionID,
			FirstViewAt:    now,
			LastViewAt:     now,
			SectionsViewed: []string{},
		}
	} else {
		s = cloneSession(*existing)
		if s.SectionsViewed == nil {
			s.SectionsViewed = []string{}
		}
		if now.Before(s.FirstViewAt) {
			s.FirstViewAt = now
		}
		if now.After(s.LastViewAt) {
			s.LastViewAt = now
		}
	}
	if e.Type == EventView {
		s.ViewCount++
	}
	if e.ScrollDepth != nil && *e.ScrollDepth > s.ScrollDepthMax {
		s.ScrollDepthMax = *e.ScrollDepth
	}
	if e.TimeSpent != nil {
		s.TotalTimeSpent += *e.TimeSpent
	}
	if e.Section != "" && len(s.SectionsViewed) < MaxSectionsPerSession && !containsString(s.SectionsViewed, e.Section) {
		s.SectionsViewed = append(s.SectionsViewed, e.Section)
	}
	if s.DeviceType == "" {
		s.DeviceType = e.DeviceType
	}
	if s.UserAgent == "" {
		s.UserAgent = e.UserAgent
	}
	if s.Referrer == "" {
		s.Referrer = e.Referrer
	}
	return s
}

type AggregatorOptions struct {
	Sessions    EngagementStore
	Proposals   ProposalStore
	Dispatcher  EventDispatcher
	Broadcaster *SessionBroadcaster
	Logger      *slog.Logger
	Now         Clock
}

type Aggregator struct {
	sessions    EngagementStore
	proposals   ProposalStore
	dispatcher  EventDispatcher
	broadcaster *SessionBroadcaster
	logger      *slog.Logger
	now         Clock
	telemetry   *instruments
}

func NewAggregator(opts AggregatorOptions) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = systemClock
	}
	return &Aggregator{
		sessions:    opts.Sessions,
		proposals:   opts.Proposals,
		dispatcher:  opts.Dispatcher,
		broadcaster: opts.Broadcaster,
		logger:      logger.With("component", "engagement"),
		now:         now,
		telemetry:   newInstruments(),
	}
}

// RecordEvent merges one telemetry event into its session. Merges for the same
// session are linearised by the store. A view also bumps the proposal's view
// counter, and a view that opens a new session notifies the owner.
func (a *Aggregator) RecordEvent(ctx context.Context, e EngagementEvent) (EngagementSession, error) {
	e, err := NormalizeEvent(e)
	if err != nil {
		return EngagementSession{}, err
	}
	ctx, span := a.telemetry.startSpan(ctx, "engagement.record",
		attribute.String("engagement.event", string(e.Type)))
	session, err := a.record(ctx, e)
	endSpan(span, err)
	return session, err
}

func (a *Aggregator) record(ctx context.Context, e EngagementEvent) (EngagementSession, error) {
	storeCtx, cancel := storageContext(ctx)
	defer cancel()

	proposal, err := a.proposals.GetProposal(storeCtx, e.ProposalID)
	if err != nil {
		return EngagementSession{}, err
	}
	now := a.now()
	merged, created, err := a.sessions.MergeSession(storeCtx, SessionKey{ProposalID: e.ProposalID, SessionID: e.SessionID},
		func(existing *EngagementSession) EngagementSession {
			return MergeEngagement(existing, e, now)
		})
	if err != nil {
		return EngagementSession{}, fmt.Errorf("merge session %s/%s: %w", e.ProposalID, e.SessionID, err)
	}
	a.telemetry.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(e.Type))))

	if e.Type == EventView {
		if _, err := a.proposals.UpdateProposal(storeCtx, e.ProposalID, func(p *Proposal) error {
			p.ViewCount++
			return nil
		}); err != nil && !errors.Is(err, ErrNotFound) {
			a.logger.WarnContext(ctx, "proposal view counter update failed", "proposal_id", e.ProposalID, "error", err)
		}
		if created && a.dispatcher != nil {
			if err := a.dispatcher.Dispatch(ctx, proposal.OwnerID, WebhookProposalViewed, map[string]any{
				"proposal_id":    proposal.ID,
				"proposal_title": proposal.Title,
				"session_id":     merged.SessionID,
				"device_type":    merged.DeviceType,
				"referrer":       merged.Referrer,
				"viewed_at":      merged.FirstViewAt.UTC().Format(time.RFC3339),
			}); err != nil {
				a.logger.WarnContext(ctx, "proposal.viewed dispatch failed", "proposal_id", proposal.ID, "error", err)
			}
		}
	}
	if a.broadcaster != nil {
		a.broadcaster.Publish(merged)
	}
	return merged, nil
}

// Sessions lists raw sessions for a proposal the actor owns.
func (a *Aggregator) Sessions(ctx context.Context, actorID, proposalID string) ([]EngagementSession, error) {
	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	if _, err := loadOwnedProposal(storeCtx, a.proposals, actorID, proposalID); err != nil {
		return nil, err
	}
	return a.sessions.ListSessions(storeCtx, proposalID)
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
