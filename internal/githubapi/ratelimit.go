package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	reasonSecondaryLimit   = "secondary_limit"
	reasonPrimaryExhausted = "primary_exhausted"
	reasonWithinBudget     = "within_budget"
	reasonNoBudgetHeaders  = "no_budget_headers"
	reasonResetElapsed     = "reset_elapsed"
	reasonBelowThreshold   = "remaining_below_threshold"
)

// RateLimitHeaders contains parsed GitHub rate-limit response headers.
type RateLimitHeaders struct {
	// Present is false when the response carried no X-RateLimit-Remaining header.
	Present          bool
	Limit            int
	Remaining        int
	ResetUnix        int64
	Used             int
	Resource         string
	RetryAfter       time.Duration
	SecondaryLimited bool
	PrimaryExhausted bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	// MaxWait caps how long a single decision may pause. Zero means no cap.
	MaxWait time.Duration
	Now     func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{
		Resource: strings.TrimSpace(header.Get("X-RateLimit-Resource")),
	}
	if raw := strings.TrimSpace(header.Get("X-RateLimit-Remaining")); raw != "" {
		if remaining, err := strconv.Atoi(raw); err == nil {
			parsed.Present = true
			parsed.Remaining = remaining
		}
	}
	parsed.Limit = parseInt(header.Get("X-RateLimit-Limit"))
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))

	if seconds := parseInt(header.Get("Retry-After")); seconds > 0 {
		parsed.RetryAfter = time.Duration(seconds) * time.Second
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		parsed.SecondaryLimited = true
	case http.StatusForbidden:
		if parsed.RetryAfter > 0 {
			parsed.SecondaryLimited = true
		} else if parsed.Present && parsed.Remaining == 0 {
			parsed.PrimaryExhausted = true
		}
	}
	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if headers.SecondaryLimited {
		waitFor := p.SecondaryLimitBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		return p.pause(waitFor, reasonSecondaryLimit)
	}

	if !headers.Present {
		return Decision{Allow: true, Reason: reasonNoBudgetHeaders}
	}
	if !headers.PrimaryExhausted && headers.Remaining >= p.MinRemainingThreshold {
		return Decision{Allow: true, Reason: reasonWithinBudget}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{Allow: true, Reason: reasonResetElapsed}
	}

	reason := reasonBelowThreshold
	if headers.PrimaryExhausted {
		reason = reasonPrimaryExhausted
	}
	return p.pause(resetAt.Sub(now)+p.MinResetBuffer, reason)
}

func (p RateLimitPolicy) pause(waitFor time.Duration, reason string) Decision {
	if p.MaxWait > 0 && waitFor > p.MaxWait {
		waitFor = p.MaxWait
	}
	return Decision{Allow: false, WaitFor: waitFor, Reason: reason}
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
