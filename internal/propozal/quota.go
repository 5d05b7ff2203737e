package propozal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Period is one calendar month in UTC. End is exclusive.
type Period struct {
	Key   string
	Start time.Time
	End   time.Time
}

func CalendarPeriod(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Key:   start.Format("2006-01"),
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

type QuotaStatus struct {
	Allowed     bool      `json:"allowed"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Plan        string    `json:"plan"`
	Unlimited   bool      `json:"unlimited"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

type QuotaTracker struct {
	counters CounterStore
	accounts AccountDirectory
	plans    *PlanCatalog
	now      Clock
}

func NewQuotaTracker(counters CounterStore, accounts AccountDirectory, plans *PlanCatalog, now Clock) *QuotaTracker {
	if plans == nil {
		plans = NewPlanCatalog(DefaultPlans())
	}
	if now == nil {
		now = systemClock
	}
	return &QuotaTracker{counters: counters, accounts: accounts, plans: plans, now: now}
}

// CheckQuota reports the caller's standing for the month containing now.
// It does not consume anything.
func (q *QuotaTracker) CheckQuota(ctx context.Context, userID string) (QuotaStatus, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return QuotaStatus{}, invalidField("user_id", "is required")
	}
	ctx, cancel := storageContext(ctx)
	defer cancel()

	planName, limit, err := q.resolveLimit(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	period := CalendarPeriod(q.now())
	usage, err := q.counters.GetUsage(ctx, userID, period)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("load usage for %s: %w", userID, err)
	}
	status := QuotaStatus{
		Used:        usage.ProposalsGenerated,
		Limit:       limit,
		Plan:        planName,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}
	if limit < 0 {
		status.Allowed = true
		status.Unlimited = true
		status.Remaining = -1
		return status, nil
	}
	status.Remaining = limit - usage.ProposalsGenerated
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	status.Allowed = usage.ProposalsGenerated < limit
	return status, nil
}

// IncrementUsage records one billable generation. Callers invoke it exactly
// once per successful generation; the tracker does not deduplicate.
func (q *QuotaTracker) IncrementUsage(ctx context.Context, userID string) (UsagePeriod, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UsagePeriod{}, invalidField("user_id", "is required")
	}
	ctx, cancel := storageContext(ctx)
	defer cancel()
	usage, err := q.counters.IncrementUsage(ctx, userID, CalendarPeriod(q.now()))
	if err != nil {
		return UsagePeriod{}, fmt.Errorf("increment usage for %s: %w", userID, err)
	}
	return usage, nil
}

func (q *QuotaTracker) resolveLimit(ctx context.Context, userID string) (string, int, error) {
	account := Account{UserID: userID, Plan: DefaultPlan}
	if q.accounts != nil {
		found, err := q.accounts.LookupAccount(ctx, userID)
		switch {
		case err == nil:
			account = found
		case errors.Is(err, ErrNotFound):
		default:
			return "", 0, fmt.Errorf("lookup account %s: %w", userID, err)
		}
	}
	plan := q.plans.Lookup(account.Plan)
	if account.QuotaOverride != nil {
		return plan.Name, *account.QuotaOverride, nil
	}
	return plan.Name, plan.MonthlyProposals, nil
}
