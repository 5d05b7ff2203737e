package propozal

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxResponseBodyBytes    = 1024
	maxRetryAfterDelay      = 30 * time.Second
	defaultDeliveryDeadline = 10 * time.Second
)

// DefaultRetryDelays are the waits before attempts 2 and 3.
var DefaultRetryDelays = []time.Duration{time.Second, 5 * time.Second}

type WebhookSenderOptions struct {
	HTTPClient     *http.Client
	UserAgent      string
	RetryDelays    []time.Duration
	AttemptTimeout time.Duration
	// Deadline bounds one Send across all attempts and waits.
	Deadline time.Duration
	// HostRate and HostBurst pace requests per destination host.
	HostRate  rate.Limit
	HostBurst int
}

// SendResult describes the last attempt made.
type SendResult struct {
	StatusCode int
	Body       string
	Attempts   int
}

// WebhookSender posts signed bodies with a fixed retry schedule. Network
// errors, 429 and any non-2xx response are retried.
type WebhookSender struct {
	httpClient     *http.Client
	userAgent      string
	retryDelays    []time.Duration
	attemptTimeout time.Duration
	deadline       time.Duration
	hostRate       rate.Limit
	hostBurst      int

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewWebhookSender(opts WebhookSenderOptions) *WebhookSender {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	retryDelays := opts.RetryDelays
	if retryDelays == nil {
		retryDelays = DefaultRetryDelays
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Second
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = defaultDeliveryDeadline
	}
	hostRate := opts.HostRate
	if hostRate <= 0 {
		hostRate = 10
	}
	hostBurst := opts.HostBurst
	if hostBurst <= 0 {
		hostBurst = 10
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "propozal-webhooks/1"
	}
	return &WebhookSender{
		httpClient:     httpClient,
		userAgent:      userAgent,
		retryDelays:    append([]time.Duration(nil), retryDelays...),
		attemptTimeout: attemptTimeout,
		deadline:       deadline,
		hostRate:       hostRate,
		hostBurst:      hostBurst,
		limiters:       map[string]*rate.Limiter{},
	}
}

func (c *WebhookSender) MaxAttempts() int {
	return len(c.retryDelays) + 1
}

// Send posts body to target. The error, when non-nil, is a *DeliveryError
// unless ctx itself ended. Running past the sender deadline ends the retries
// with a *DeliveryError wrapping ErrDeliveryDeadline.
func (c *WebhookSender) Send(ctx context.Context, target string, body []byte, headers http.Header) (SendResult, error) {
	parsed, err := parseWebhookURL(target)
	if err != nil {
		return SendResult{}, &DeliveryError{URL: target, Err: err}
	}
	limiter := c.hostLimiter(parsed.Host)
	sendCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var (
		result  attemptResult
		lastErr error
	)
	for attempt := 1; attempt <= c.MaxAttempts(); attempt++ {
		if attempt > 1 {
			delay := c.retryDelays[attempt-2]
			if retryAfter := parseRetryAfterSeconds(result.retryAfter); retryAfter > delay {
				delay = min(retryAfter, maxRetryAfterDelay)
			}
			if err := sleepContext(sendCtx, delay); err != nil {
				lastErr = err
				break
			}
		}
		if err := limiter.Wait(sendCtx); err != nil {
			lastErr = err
			break
		}
		result = c.attempt(sendCtx, parsed.String(), body, headers)
		result.Attempts = attempt
		if result.err == nil && result.StatusCode >= 200 && result.StatusCode <= 299 {
			return result.SendResult, nil
		}
		lastErr = result.err
		if sendCtx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return result.SendResult, ctx.Err()
	}
	if sendCtx.Err() != nil {
		lastErr = ErrDeliveryDeadline
	}
	return result.SendResult, &DeliveryError{
		URL:        target,
		StatusCode: result.StatusCode,
		Attempts:   result.Attempts,
		Err:        lastErr,
	}
}

type attemptResult struct {
	SendResult
	retryAfter string
	err        error
}

func (c *WebhookSender) attempt(ctx context.Context, target string, body []byte, headers http.Header) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: err}
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attemptResult{err: err}
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	out := attemptResult{
		SendResult: SendResult{StatusCode: resp.StatusCode, Body: string(respBody)},
		retryAfter: resp.Header.Get("Retry-After"),
	}
	if readErr != nil {
		out.err = readErr
	}
	return out
}

func parseWebhookURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, invalidField("url", "must be an absolute http(s) url")
	}
	return parsed, nil
}

func (c *WebhookSender) hostLimiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(c.hostRate, c.hostBurst)
		c.limiters[host] = limiter
	}
	return limiter
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
