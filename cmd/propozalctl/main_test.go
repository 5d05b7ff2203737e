package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Minute {
		t.Fatalf("expected min jitter interval 8m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Minute {
		t.Fatalf("expected midpoint jitter interval 10m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Minute {
		t.Fatalf("expected max jitter interval 12m, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestRunJanitorOncePrunesStaleWindows(t *testing.T) {
	store := propozal.NewMemoryBackend()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.HitWindow(ctx, "user_1", "generate", 5, time.Minute, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("seed stale window: %v", err)
	}
	if _, err := store.HitWindow(ctx, "user_2", "generate", 5, time.Minute, now); err != nil {
		t.Fatalf("seed fresh window: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := janitorOptions{maxWindow: time.Hour, timeout: time.Second, once: true}
	if err := runJanitor(ctx, propozal.NewRateLimiter(store, nil, logger), opts, logger); err != nil {
		t.Fatalf("janitor pass failed: %v", err)
	}

	removed, err := store.PruneWindows(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune remaining: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected only the fresh window to survive, removed %d", removed)
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		opts := janitorOptions{interval: time.Hour, maxWindow: time.Hour, timeout: time.Second}
		done <- runJanitor(ctx, propozal.NewRateLimiter(propozal.NewMemoryBackend(), nil, logger), opts, logger)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not stop after cancel")
	}
}

func TestJanitorCommandRequiresDSN(t *testing.T) {
	t.Setenv("PROPOZAL_COUNTER_DSN", "")
	t.Setenv("PROPOZAL_STORAGE_DSN", "")
	if _, err := execute(t, "", "janitor", "--once"); err == nil {
		t.Fatalf("expected janitor without a DSN to fail")
	}
	if _, err := execute(t, "", "janitor", "--once", "--counter-dsn", "memory://"); err != nil {
		t.Fatalf("janitor on memory store failed: %v", err)
	}
}

func TestSignMatchesReferenceHMAC(t *testing.T) {
	out, err := execute(t, `{"event":"proposal.viewed","id":"p1"}`, "sign", "--secret", "whsec_test")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	want := "1648d8a3686804edc0a0eb3a96d35a17f97f3a552b72da5f849ef596a76eabf6"
	if strings.TrimSpace(out) != want {
		t.Fatalf("expected %s, got %q", want, out)
	}
}

func TestSignCanonicalizesPayload(t *testing.T) {
	out, err := execute(t, `{ "b": [true, null], "a": 1 }`, "sign", "--secret", "whsec_test", "--canonical")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	want := "20afaa88e6c6543b66488d22a8b0d8e99a00147a12cdf726fba9aa5b949615e3"
	if strings.TrimSpace(out) != want {
		t.Fatalf("expected %s, got %q", want, out)
	}
}

func TestVerifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	body := `{"event":"proposal.viewed","id":"p1"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	good := "1648d8a3686804edc0a0eb3a96d35a17f97f3a552b72da5f849ef596a76eabf6"
	out, err := execute(t, "", "verify", "--secret", "whsec_test", "--signature", good, "-f", path)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !strings.Contains(out, "signature valid") {
		t.Fatalf("unexpected output %q", out)
	}

	_, err = execute(t, "", "verify", "--secret", "whsec_other", "--signature", good, "-f", path)
	if !errors.Is(err, errSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestSecretCommand(t *testing.T) {
	out, err := execute(t, "", "secret")
	if err != nil {
		t.Fatalf("secret failed: %v", err)
	}
	secret := strings.TrimSpace(out)
	if !strings.HasPrefix(secret, "whsec_") || len(secret) != len("whsec_")+64 {
		t.Fatalf("unexpected secret %q", secret)
	}
}

func TestPlansCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "plans.yaml")
	if err := os.WriteFile(good, []byte("plans:\n  - name: free\n    monthly_proposals: 3\n  - name: agency\n    monthly_proposals: -1\n"), 0o600); err != nil {
		t.Fatalf("write plans: %v", err)
	}
	out, err := execute(t, "", "plans", "check", good)
	if err != nil {
		t.Fatalf("plans check failed: %v", err)
	}
	if !strings.Contains(out, "agency") || !strings.Contains(out, "unlimited") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("plans:\n  - name: pro\n    monthly_proposals: 100\n"), 0o600); err != nil {
		t.Fatalf("write plans: %v", err)
	}
	if _, err := execute(t, "", "plans", "check", bad); err == nil {
		t.Fatalf("expected catalog without free plan to fail")
	}
}
