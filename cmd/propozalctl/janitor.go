package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
	"github.com/chisabyte/PropozalApp-sub001/internal/telemetry"
)

type janitorOptions struct {
	counterDSN string
	interval   time.Duration
	jitter     float64
	maxWindow  time.Duration
	timeout    time.Duration
	once       bool
	logLevel   string
}

func janitorCmd() *cobra.Command {
	opts := janitorOptions{}
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Prune expired rate-limit windows from the counter store",
		Long: `Deletes rate-limit windows older than --max-window. Runs once with
--once, otherwise repeats on a jittered interval until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := telemetry.NewLogger(cmd.ErrOrStderr(), opts.logLevel, "text")
			store, err := propozal.BuildCounterStoreFromDSN(opts.counterDSN, nil)
			if err != nil {
				return fmt.Errorf("open counter store: %w", err)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				defer closer.Close()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJanitor(ctx, propozal.NewRateLimiter(store, nil, logger), opts, logger)
		},
	}

	dsn := strings.TrimSpace(os.Getenv("PROPOZAL_COUNTER_DSN"))
	if dsn == "" {
		dsn = os.Getenv("PROPOZAL_STORAGE_DSN")
	}
	cmd.Flags().StringVar(&opts.counterDSN, "counter-dsn", dsn, "counter store DSN (redis://, postgres://, sqlite://)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Minute, "prune interval")
	cmd.Flags().Float64Var(&opts.jitter, "jitter", 0.2, "prune interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&opts.maxWindow, "max-window", time.Hour, "windows that started earlier than this are removed")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-pass timeout")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	return cmd
}

func runJanitor(rootCtx context.Context, limiter *propozal.RateLimiter, opts janitorOptions, logger *slog.Logger) error {
	pass := func() error {
		ctx, cancel := context.WithTimeout(rootCtx, opts.timeout)
		defer cancel()
		removed, err := limiter.PruneWindows(ctx, opts.maxWindow)
		if err != nil {
			logger.Error("prune pass failed", "error", err)
			return err
		}
		logger.Info("prune pass completed", "removed", removed)
		return nil
	}

	if err := pass(); err != nil && opts.once {
		return err
	}
	if opts.once {
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("janitor stopping", "reason", rootCtx.Err())
			return nil
		case <-timer.C:
			_ = pass()
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio. sample is in [0,1];
// 0.5 yields base exactly.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
