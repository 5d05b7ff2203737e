package propozal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GenerationEndpoint is the rate-limit key for proposal generation.
const GenerationEndpoint = "generate"

type ServiceOptions struct {
	Repository Repository
	// Counters overrides Repository for rate windows and usage. Optional.
	Counters        CounterStore
	Queue           DeliveryQueue
	Sender          *WebhookSender
	Plans           *PlanCatalog
	Logger          *slog.Logger
	Now             Clock
	Workers         int
	DisableWorkers  bool
	EnqueueTimeout  time.Duration
	BroadcastBuffer int
}

// Service wires the components together over one repository.
type Service struct {
	Repository  Repository
	Counters    CounterStore
	Limiter     *RateLimiter
	Quota       *QuotaTracker
	Engagement  *Aggregator
	Lifecycle   *Lifecycle
	Webhooks    *Dispatcher
	Broadcaster *SessionBroadcaster
	Plans       *PlanCatalog

	separateCounters bool
	logger           *slog.Logger
	telemetry        *instruments
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Repository == nil {
		return nil, errors.New("propozal: repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = systemClock
	}
	counters := opts.Counters
	if counters == nil {
		counters = opts.Repository
	}
	plans := opts.Plans
	if plans == nil {
		plans = NewPlanCatalog(DefaultPlans())
	}
	broadcaster := NewSessionBroadcaster(opts.BroadcastBuffer)
	dispatcher := NewDispatcher(DispatcherOptions{
		Subscriptions:  opts.Repository,
		Deliveries:     opts.Repository,
		Queue:          opts.Queue,
		Sender:         opts.Sender,
		Workers:        opts.Workers,
		DisableWorkers: opts.DisableWorkers,
		EnqueueTimeout: opts.EnqueueTimeout,
		Logger:         logger,
		Now:            now,
	})
	return &Service{
		Repository: opts.Repository,
		Counters:   counters,
		Limiter:    NewRateLimiter(counters, now, logger),
		Quota:      NewQuotaTracker(counters, opts.Repository, plans, now),
		Engagement: NewAggregator(AggregatorOptions{
			Sessions:    opts.Repository,
			Proposals:   opts.Repository,
			Dispatcher:  dispatcher,
			Broadcaster: broadcaster,
			Logger:      logger,
			Now:         now,
		}),
		Lifecycle: NewLifecycle(LifecycleOptions{
			Proposals:  opts.Repository,
			Dispatcher: dispatcher,
			Logger:     logger,
			Now:        now,
		}),
		Webhooks:         dispatcher,
		Broadcaster:      broadcaster,
		Plans:            plans,
		separateCounters: opts.Counters != nil,
		logger:           logger,
		telemetry:        newInstruments(),
	}, nil
}

// GenerationGrant is what a caller gets back when generation may proceed.
type GenerationGrant struct {
	Rate  RateDecision `json:"rate"`
	Quota QuotaStatus  `json:"quota"`
}

// AuthorizeGeneration gates a generation request: the per-user rate window
// first, then the monthly quota. Both fail closed. Nothing is consumed from
// the quota here; RecordGeneration does that once the proposal exists.
func (s *Service) AuthorizeGeneration(ctx context.Context, userID string, limit int, window time.Duration) (GenerationGrant, error) {
	decision, err := s.Limiter.Enforce(ctx, userID, GenerationEndpoint, limit, window, FailClosed)
	if err != nil {
		s.countLimited(ctx, err)
		return GenerationGrant{Rate: decision}, err
	}
	quota, err := s.Quota.CheckQuota(ctx, userID)
	if err != nil {
		return GenerationGrant{Rate: decision}, err
	}
	if !quota.Allowed {
		err := &LimitError{
			Kind:      LimitKindQuota,
			Limit:     quota.Limit,
			Used:      quota.Used,
			Remaining: 0,
			ResetAt:   quota.PeriodEnd,
		}
		s.countLimited(ctx, err)
		return GenerationGrant{Rate: decision, Quota: quota}, err
	}
	return GenerationGrant{Rate: decision, Quota: quota}, nil
}

// RecordGeneration registers a generated proposal and consumes one unit of
// the owner's monthly quota.
func (s *Service) RecordGeneration(ctx context.Context, p Proposal) (Proposal, UsagePeriod, error) {
	created, err := s.Lifecycle.Register(ctx, p)
	if err != nil {
		return Proposal{}, UsagePeriod{}, err
	}
	usage, err := s.Quota.IncrementUsage(ctx, created.OwnerID)
	if err != nil {
		return created, UsagePeriod{}, fmt.Errorf("record usage for proposal %s: %w", created.ID, err)
	}
	return created, usage, nil
}

func (s *Service) countLimited(ctx context.Context, err error) {
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		return
	}
	s.telemetry.limited.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(limitErr.Kind))))
	s.logger.InfoContext(ctx, "generation limited", "kind", limitErr.Kind, "limit", limitErr.Limit, "reset_at", limitErr.ResetAt)
}

// Close stops the webhook workers and releases the stores.
func (s *Service) Close() error {
	s.Webhooks.Close()
	var errs []error
	if closer, ok := s.Repository.(repositoryCloser); ok {
		errs = append(errs, closer.Close())
	}
	if s.separateCounters {
		if closer, ok := s.Counters.(repositoryCloser); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
