package propozal

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var propertyEventTypes = []EventType{EventView, EventScroll, EventTimeSpent, EventExit}

type timedEvent struct {
	event EngagementEvent
	at    time.Time
}

// buildTimedEvents zips the generated columns into normalized events.
func buildTimedEvents(kinds, depths, spent, sections, offsets []int) []timedEvent {
	n := min(len(kinds), len(depths), len(spent), len(sections), len(offsets))
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	out := make([]timedEvent, 0, n)
	for i := 0; i < n; i++ {
		depth := depths[i]
		delta := int64(spent[i])
		raw := EngagementEvent{
			ProposalID:  "prop_1",
			SessionID:   "sess_1",
			Type:        propertyEventTypes[kinds[i]],
			ScrollDepth: &depth,
			TimeSpent:   &delta,
		}
		if sections[i] > 0 {
			raw.Section = string(rune('a' + sections[i]))
		}
		e, err := NormalizeEvent(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, timedEvent{event: e, at: base.Add(time.Duration(offsets[i]) * time.Second)})
	}
	return out
}

func foldEvents(events []timedEvent) *EngagementSession {
	var session *EngagementSession
	for _, te := range events {
		next := MergeEngagement(session, te.event, te.at)
		session = &next
	}
	return session
}

func sortedSections(s *EngagementSession) []string {
	out := append([]string(nil), s.SectionsViewed...)
	sort.Strings(out)
	return out
}

func eventColumns() []gopter.Gen {
	return []gopter.Gen{
		gen.SliceOf(gen.IntRange(0, len(propertyEventTypes)-1)),
		gen.SliceOf(gen.IntRange(-20, 150)),
		gen.SliceOf(gen.IntRange(-10, 400)),
		gen.SliceOf(gen.IntRange(0, 6)),
		gen.SliceOf(gen.IntRange(0, 3600)),
	}
}

func TestMergeEngagementMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregated fields never decrease", prop.ForAll(
		func(kinds, depths, spent, sections, offsets []int) bool {
			var session *EngagementSession
			for _, te := range buildTimedEvents(kinds, depths, spent, sections, offsets) {
				next := MergeEngagement(session, te.event, te.at)
				if session != nil {
					if next.ScrollDepthMax < session.ScrollDepthMax ||
						next.TotalTimeSpent < session.TotalTimeSpent ||
						next.ViewCount < session.ViewCount ||
						next.LastViewAt.Before(session.LastViewAt) ||
						next.FirstViewAt.After(session.FirstViewAt) ||
						len(next.SectionsViewed) < len(session.SectionsViewed) {
						return false
					}
					for i, section := range session.SectionsViewed {
						if next.SectionsViewed[i] != section {
							return false
						}
					}
				}
				if next.ScrollDepthMax < 0 || next.ScrollDepthMax > 100 {
					return false
				}
				session = &next
			}
			return true
		},
		eventColumns()...,
	))

	properties.TestingRun(t)
}

func TestMergeEngagementOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reversing the events yields the same aggregate", prop.ForAll(
		func(kinds, depths, spent, sections, offsets []int) bool {
			events := buildTimedEvents(kinds, depths, spent, sections, offsets)
			if len(events) == 0 {
				return true
			}
			reversed := make([]timedEvent, len(events))
			for i, te := range events {
				reversed[len(events)-1-i] = te
			}
			forward := foldEvents(events)
			backward := foldEvents(reversed)
			if forward.ScrollDepthMax != backward.ScrollDepthMax ||
				forward.TotalTimeSpent != backward.TotalTimeSpent ||
				forward.ViewCount != backward.ViewCount ||
				!forward.FirstViewAt.Equal(backward.FirstViewAt) ||
				!forward.LastViewAt.Equal(backward.LastViewAt) {
				return false
			}
			a, b := sortedSections(forward), sortedSections(backward)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		eventColumns()...,
	))

	properties.TestingRun(t)
}
