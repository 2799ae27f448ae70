package githubapi

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRateLimitHeaders(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		statusCode int
		headers    map[string]string
		want       RateLimitHeaders
	}{
		{
			name:       "parses_standard_headers",
			statusCode: http.StatusOK,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "4999",
				"X-RateLimit-Reset":     "1739837000",
				"X-RateLimit-Used":      "1",
				"X-RateLimit-Resource":  "core",
			},
			want: RateLimitHeaders{
				Present:   true,
				Limit:     5000,
				Remaining: 4999,
				Used:      1,
				ResetUnix: 1739837000,
				Resource:  "core",
			},
		},
		{
			name:       "detects_secondary_limit_from_retry_after",
			statusCode: http.StatusForbidden,
			headers:    map[string]string{"Retry-After": "60"},
			want: RateLimitHeaders{
				RetryAfter:       60 * time.Second,
				SecondaryLimited: true,
			},
		},
		{
			name:       "detects_exhausted_primary_budget",
			statusCode: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     "1739837000",
			},
			want: RateLimitHeaders{
				Present:          true,
				ResetUnix:        1739837000,
				PrimaryExhausted: true,
			},
		},
		{
			name:       "handles_invalid_values_safely",
			statusCode: http.StatusTooManyRequests,
			headers: map[string]string{
				"X-RateLimit-Remaining": "abc",
				"X-RateLimit-Reset":     "xyz",
				"Retry-After":           "nan",
			},
			want: RateLimitHeaders{SecondaryLimited: true},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			header := make(http.Header)
			for key, value := range tc.headers {
				header.Set(key, value)
			}
			got := ParseRateLimitHeaders(header, tc.statusCode)
			if got != tc.want {
				t.Fatalf("ParseRateLimitHeaders() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRateLimitPolicyEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	policy := RateLimitPolicy{
		MinRemainingThreshold: 200,
		MinResetBuffer:        10 * time.Second,
		SecondaryLimitBackoff: 60 * time.Second,
		Now: func() time.Time {
			return now
		},
	}

	testCases := []struct {
		name    string
		policy  RateLimitPolicy
		headers RateLimitHeaders
		want    Decision
	}{
		{
			name:    "within_budget",
			policy:  policy,
			headers: RateLimitHeaders{Present: true, Remaining: 4000},
			want:    Decision{Allow: true, Reason: reasonWithinBudget},
		},
		{
			name:    "missing_headers_allowed",
			policy:  policy,
			headers: RateLimitHeaders{},
			want:    Decision{Allow: true, Reason: reasonNoBudgetHeaders},
		},
		{
			name:    "below_threshold_waits_for_reset",
			policy:  policy,
			headers: RateLimitHeaders{Present: true, Remaining: 10, ResetUnix: now.Add(30 * time.Second).Unix()},
			want:    Decision{Allow: false, WaitFor: 40 * time.Second, Reason: reasonBelowThreshold},
		},
		{
			name:    "below_threshold_after_reset",
			policy:  policy,
			headers: RateLimitHeaders{Present: true, Remaining: 10, ResetUnix: now.Add(-time.Second).Unix()},
			want:    Decision{Allow: true, Reason: reasonResetElapsed},
		},
		{
			name:    "secondary_limit_prefers_longer_retry_after",
			policy:  policy,
			headers: RateLimitHeaders{SecondaryLimited: true, RetryAfter: 90 * time.Second},
			want:    Decision{Allow: false, WaitFor: 90 * time.Second, Reason: reasonSecondaryLimit},
		},
		{
			name: "max_wait_caps_pause",
			policy: RateLimitPolicy{
				MinRemainingThreshold: 200,
				MaxWait:               5 * time.Second,
				Now:                   policy.Now,
			},
			headers: RateLimitHeaders{Present: true, PrimaryExhausted: true, ResetUnix: now.Add(time.Hour).Unix()},
			want:    Decision{Allow: false, WaitFor: 5 * time.Second, Reason: reasonPrimaryExhausted},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Evaluate(tc.headers); got != tc.want {
				t.Fatalf("Evaluate() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
