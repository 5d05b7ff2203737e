package propozal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// FailurePolicy decides what a caller does when the counter store is down.
type FailurePolicy int

const (
	// FailClosed rejects the request. Used for billable endpoints.
	FailClosed FailurePolicy = iota
	// FailOpen lets the request through. Used for best-effort telemetry.
	FailOpen
)

// applyFixedWindow is the single definition of the fixed-window algorithm.
// Every CounterStore runs it (or its Lua twin) while holding the key.
//
// A fixed window admits up to 2*limit requests around a boundary. That burst
// is accepted: the limiter deters abuse, it does not meter billing.
func applyFixedWindow(w RateLimitWindow, found bool, limit int, window time.Duration, now time.Time) (RateLimitWindow, RateDecision) {
	if !found || now.Sub(w.WindowStart) > window {
		w.WindowStart = now
		w.RequestCount = 1
		return w, RateDecision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			ResetAt:   now.Add(window),
		}
	}
	if w.RequestCount >= limit {
		return w, RateDecision{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   w.WindowStart.Add(window),
		}
	}
	w.RequestCount++
	return w, RateDecision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.RequestCount,
		ResetAt:   w.WindowStart.Add(window),
	}
}

type RateLimiter struct {
	store  CounterStore
	now    Clock
	logger *slog.Logger
}

func NewRateLimiter(store CounterStore, now Clock, logger *slog.Logger) *RateLimiter {
	if now == nil {
		now = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{store: store, now: now, logger: logger.With("component", "ratelimit")}
}

// Allow counts one request against (userID, endpoint). Storage failures are
// returned untouched so the caller can apply its own FailurePolicy.
func (l *RateLimiter) Allow(ctx context.Context, userID, endpoint string, limit int, window time.Duration) (RateDecision, error) {
	userID = strings.TrimSpace(userID)
	endpoint = strings.TrimSpace(endpoint)
	if userID == "" || endpoint == "" {
		return RateDecision{}, invalidField("key", "user and endpoint are required")
	}
	if limit <= 0 || window <= 0 {
		return RateDecision{}, invalidField("limit", "limit and window must be positive")
	}
	ctx, cancel := storageContext(ctx)
	defer cancel()
	decision, err := l.store.HitWindow(ctx, userID, endpoint, limit, window, l.now())
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit window %s/%s: %w", userID, endpoint, err)
	}
	return decision, nil
}

// Enforce is Allow plus the failure policy. A denial comes back as *LimitError.
func (l *RateLimiter) Enforce(ctx context.Context, userID, endpoint string, limit int, window time.Duration, policy FailurePolicy) (RateDecision, error) {
	decision, err := l.Allow(ctx, userID, endpoint, limit, window)
	if err != nil {
		if policy == FailOpen {
			l.logger.Warn("rate limiter unavailable, failing open", "user_id", userID, "endpoint", endpoint, "error", err)
			return RateDecision{Allowed: true, Limit: limit, Remaining: -1}, nil
		}
		return RateDecision{}, err
	}
	if !decision.Allowed {
		return decision, &LimitError{
			Kind:      LimitKindRate,
			Limit:     decision.Limit,
			Used:      decision.Limit,
			Remaining: 0,
			ResetAt:   decision.ResetAt,
		}
	}
	return decision, nil
}

// PruneWindows drops windows that started before the cutoff.
func (l *RateLimiter) PruneWindows(ctx context.Context, maxWindow time.Duration) (int, error) {
	if maxWindow <= 0 {
		return 0, invalidField("window", "must be positive")
	}
	ctx, cancel := storageContext(ctx)
	defer cancel()
	return l.store.PruneWindows(ctx, l.now().Add(-maxWindow))
}
