package propozal

import (
	"context"
	"fmt"
	"time"
)

// TimeRange bounds a rollup by session lastViewAt. Zero ends are open.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

func (r TimeRange) contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

type ProposalEngagement struct {
	ProposalID        string         `json:"proposalId"`
	UniqueSessions    int            `json:"uniqueSessions"`
	TotalViews        int64          `json:"totalViews"`
	AvgScrollDepth    float64        `json:"avgScrollDepth"`
	MaxScrollDepth    int            `json:"maxScrollDepth"`
	TotalTimeSpent    int64          `json:"totalTimeSpent"`
	AvgTimeSpent      float64        `json:"avgTimeSpent"`
	DeviceBreakdown   map[string]int `json:"deviceBreakdown"`
	SectionCounts     map[string]int `json:"sectionCounts"`
	MostViewedSection string         `json:"mostViewedSection,omitempty"`
	LastViewedAt      *time.Time     `json:"lastViewedAt,omitempty"`
}

// SummarizeSessions computes the read-side rollup. A section counts once per
// session no matter how many events mentioned it; ties for the most viewed
// section go to the lexically smallest name.
func SummarizeSessions(proposalID string, sessions []EngagementSession, r TimeRange) ProposalEngagement {
	out := ProposalEngagement{
		ProposalID:      proposalID,
		DeviceBreakdown: map[string]int{},
		SectionCounts:   map[string]int{},
	}
	var scrollSum int64
	for _, s := range sessions {
		if !r.contains(s.LastViewAt) {
			continue
		}
		out.UniqueSessions++
		out.TotalViews += s.ViewCount
		out.TotalTimeSpent += s.TotalTimeSpent
		scrollSum += int64(s.ScrollDepthMax)
		if s.ScrollDepthMax > out.MaxScrollDepth {
			out.MaxScrollDepth = s.ScrollDepthMax
		}
		device := s.DeviceType
		if device == "" {
			device = "unknown"
		}
		out.DeviceBreakdown[device]++
		seen := make(map[string]struct{}, len(s.SectionsViewed))
		for _, section := range s.SectionsViewed {
			if _, dup := seen[section]; dup {
				continue
			}
			seen[section] = struct{}{}
			out.SectionCounts[section]++
		}
		if out.LastViewedAt == nil || s.LastViewAt.After(*out.LastViewedAt) {
			last := s.LastViewAt
			out.LastViewedAt = &last
		}
	}
	if out.UniqueSessions > 0 {
		out.AvgScrollDepth = float64(scrollSum) / float64(out.UniqueSessions)
		out.AvgTimeSpent = float64(out.TotalTimeSpent) / float64(out.UniqueSessions)
	}
	best := 0
	for section, count := range out.SectionCounts {
		if count > best || (count == best && section < out.MostViewedSection) {
			best = count
			out.MostViewedSection = section
		}
	}
	return out
}

type UserAnalytics struct {
	UserID         string         `json:"userId"`
	TotalProposals int            `json:"totalProposals"`
	StatusCounts   map[Status]int `json:"statusCounts"`
	WinRate        float64        `json:"winRate"`
	TotalViews     int64          `json:"totalViews"`
	UniqueSessions int            `json:"uniqueSessions"`
	TotalTimeSpent int64          `json:"totalTimeSpent"`
	AvgScrollDepth float64        `json:"avgScrollDepth"`
	WonValue       float64        `json:"wonValue"`
}

// ProposalRollup summarises engagement for a proposal the actor owns.
func (a *Aggregator) ProposalRollup(ctx context.Context, actorID, proposalID string, r TimeRange) (ProposalEngagement, error) {
	sessions, err := a.Sessions(ctx, actorID, proposalID)
	if err != nil {
		return ProposalEngagement{}, err
	}
	return SummarizeSessions(proposalID, sessions, r), nil
}

// UserRollup aggregates across every proposal the user owns. Win rate is
// won / (won + lost + declined), zero when nothing has been decided.
func (a *Aggregator) UserRollup(ctx context.Context, userID string, r TimeRange) (UserAnalytics, error) {
	storeCtx, cancel := storageContext(ctx)
	defer cancel()
	proposals, err := a.proposals.ListProposalsByOwner(storeCtx, userID)
	if err != nil {
		return UserAnalytics{}, fmt.Errorf("list proposals for %s: %w", userID, err)
	}
	out := UserAnalytics{
		UserID:         userID,
		TotalProposals: len(proposals),
		StatusCounts:   map[Status]int{},
	}
	var scrollWeighted float64
	for _, p := range proposals {
		out.StatusCounts[p.Status]++
		if p.Status == StatusWon && p.ProjectValueActual != nil {
			out.WonValue += *p.ProjectValueActual
		}
		sessions, err := a.sessions.ListSessions(storeCtx, p.ID)
		if err != nil {
			return UserAnalytics{}, fmt.Errorf("list sessions for %s: %w", p.ID, err)
		}
		summary := SummarizeSessions(p.ID, sessions, r)
		out.TotalViews += summary.TotalViews
		out.UniqueSessions += summary.UniqueSessions
		out.TotalTimeSpent += summary.TotalTimeSpent
		scrollWeighted += summary.AvgScrollDepth * float64(summary.UniqueSessions)
	}
	if out.UniqueSessions > 0 {
		out.AvgScrollDepth = scrollWeighted / float64(out.UniqueSessions)
	}
	decided := out.StatusCounts[StatusWon] + out.StatusCounts[StatusLost] + out.StatusCounts[StatusDeclined]
	if decided > 0 {
		out.WinRate = float64(out.StatusCounts[StatusWon]) / float64(decided)
	}
	return out, nil
}
