package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/repo-insights/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig configures GitHub client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder observes GitHub traffic. metrics.Metrics implements it.
type Recorder interface {
	ObserveGitHubRequest(statusCode int, err error)
	ObserveCacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveGitHubRequest(int, error) {}
func (nopRecorder) ObserveCacheLookup(bool)         {}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client wraps GitHub HTTP requests with retry and rate-limit controls.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	recorder   Recorder
	// Sleep is injected for testability. It returns early with the context
	// error when ctx is cancelled.
	Sleep func(ctx context.Context, duration time.Duration) error
}

// NewClient creates a GitHub API client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		recorder:   nopRecorder{},
		Sleep:      sleepContext,
	}
}

// SetRecorder installs a traffic recorder. A nil recorder disables recording.
func (c *Client) SetRecorder(recorder Recorder) {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	c.recorder = recorder
}

// Do executes a request with retry and rate-limit awareness. A response
// still rate-limited or failing transiently after the last attempt is
// returned as is so callers can classify it.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx, span := c.startSpan(req)
	defer span.end()

	metadata := CallMetadata{}
	for attempt := 1; ; attempt++ {
		metadata.Attempts = attempt
		last := attempt >= c.retry.MaxAttempts

		resp, err := c.doer.Do(req.Clone(ctx))
		if err != nil {
			c.recorder.ObserveGitHubRequest(0, err)
			span.attemptFailed(attempt, err)
			if last || ctx.Err() != nil {
				span.fail(err.Error())
				return nil, metadata, err
			}
			if sleepErr := c.Sleep(ctx, backoffForAttempt(c.retry, attempt)); sleepErr != nil {
				return nil, metadata, sleepErr
			}
			continue
		}
		c.recorder.ObserveGitHubRequest(resp.StatusCode, nil)

		metadata.LastRateHeaders = ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		metadata.LastDecision = c.ratePolicy.Evaluate(metadata.LastRateHeaders)
		span.attemptCompleted(attempt, resp.StatusCode, metadata)

		wait, reason, retry := c.retryAfter(resp.StatusCode, metadata.LastDecision, attempt)
		if !retry {
			span.succeed()
			return resp, metadata, nil
		}
		if last {
			span.fail(reason)
			return resp, metadata, nil
		}
		closeBody(resp)
		if sleepErr := c.Sleep(ctx, wait); sleepErr != nil {
			return nil, metadata, sleepErr
		}
	}
}

// retryAfter reports whether a completed attempt should be repeated and
// how long to wait first. Rate-limit pauses win over transient backoff.
func (c *Client) retryAfter(statusCode int, decision Decision, attempt int) (time.Duration, string, bool) {
	if !decision.Allow {
		return decision.WaitFor, "rate-limited", true
	}
	if isTransientStatus(statusCode) {
		return backoffForAttempt(c.retry, attempt), fmt.Sprintf("transient status %d", statusCode), true
	}
	return 0, "", false
}

// callSpan is a dependency span that tolerates being disabled.
type callSpan struct {
	span trace.Span
}

func (c *Client) startSpan(req *http.Request) (context.Context, callSpan) {
	ctx := req.Context()
	if !telemetry.ShouldTraceDependencies() {
		return ctx, callSpan{}
	}
	ctx, span := otel.Tracer("repo-insights/internal/githubapi").Start(
		ctx,
		"githubapi.client.do",
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.EscapedPath()),
			attribute.Int("github.max_attempts", c.retry.MaxAttempts),
		),
	)
	return ctx, callSpan{span: span}
}

func (s callSpan) attemptFailed(attempt int, err error) {
	if s.span == nil {
		return
	}
	s.span.RecordError(err)
	s.span.AddEvent("attempt_failed", trace.WithAttributes(attribute.Int("github.attempt", attempt)))
}

func (s callSpan) attemptCompleted(attempt, statusCode int, metadata CallMetadata) {
	if s.span == nil {
		return
	}
	s.span.AddEvent("attempt_completed", trace.WithAttributes(
		attribute.Int("github.attempt", attempt),
		attribute.Int("http.status_code", statusCode),
		attribute.Int("github.rate_limit_remaining", metadata.LastRateHeaders.Remaining),
		attribute.Int64("github.rate_limit_reset_unix", metadata.LastRateHeaders.ResetUnix),
		attribute.Bool("github.rate_limit_allow", metadata.LastDecision.Allow),
		attribute.String("github.rate_limit_reason", metadata.LastDecision.Reason),
	))
}

func (s callSpan) succeed() {
	if s.span != nil {
		s.span.SetStatus(codes.Ok, "request completed")
	}
}

func (s callSpan) fail(description string) {
	if s.span != nil {
		s.span.SetStatus(codes.Error, description)
	}
}

func (s callSpan) end() {
	if s.span != nil {
		s.span.End()
	}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

// backoffForAttempt doubles InitialBackoff per prior attempt, capped at
// MaxBackoff when set.
func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		if retry.MaxBackoff > 0 && backoff >= retry.MaxBackoff {
			break
		}
		backoff *= 2
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
