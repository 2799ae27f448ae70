// Package health evaluates readiness and serves the probe endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app is serving but a non-readiness dependency is degraded.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	DatabaseHealthy  bool
	RedisRequired    bool
	RedisHealthy     bool
	SchedulerEnabled bool
	SchedulerHealthy bool
	GitHubHealthy    bool
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. Only the
// database and, when configured, Redis gate readiness; a stalled scheduler or
// failing GitHub degrades the service without taking it out of rotation.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"database": input.DatabaseHealthy,
		"github":   input.GitHubHealthy,
	}
	if input.RedisRequired {
		components["redis"] = input.RedisHealthy
	}
	if input.SchedulerEnabled {
		components["scheduler"] = input.SchedulerHealthy
	}

	ready := input.DatabaseHealthy
	if input.RedisRequired {
		ready = ready && input.RedisHealthy
	}

	mode := ModeHealthy
	switch {
	case !ready:
		mode = ModeUnhealthy
	case !input.GitHubHealthy:
		mode = ModeDegraded
	case input.SchedulerEnabled && !input.SchedulerHealthy:
		mode = ModeDegraded
	}

	return Status{
		Mode:       mode,
		Ready:      ready,
		Components: components,
	}
}

// GitHubTrackerConfig controls when GitHub is considered unhealthy.
type GitHubTrackerConfig struct {
	// FailureThreshold consecutive failures mark GitHub unhealthy.
	FailureThreshold int
	// RecoverThreshold consecutive successes mark it healthy again.
	RecoverThreshold int
}

// GitHubTracker follows GitHub request outcomes with failure and recovery
// streaks.
type GitHubTracker struct {
	mu               sync.Mutex
	failureThreshold int
	recoverThreshold int
	healthy          bool
	failureStreak    int
	recoverStreak    int
	lastFailureAt    time.Time
}

// NewGitHubTracker creates a tracker that starts healthy.
func NewGitHubTracker(cfg GitHubTrackerConfig) *GitHubTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = 1
	}
	return &GitHubTracker{
		failureThreshold: cfg.FailureThreshold,
		recoverThreshold: cfg.RecoverThreshold,
		healthy:          true,
	}
}

// Observe records one request outcome.
func (t *GitHubTracker) Observe(successful bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if successful {
		t.failureStreak = 0
		if t.healthy {
			t.recoverStreak = 0
			return
		}
		t.recoverStreak++
		if t.recoverStreak >= t.recoverThreshold {
			t.healthy = true
			t.recoverStreak = 0
		}
		return
	}

	t.recoverStreak = 0
	t.failureStreak++
	t.lastFailureAt = now
	if t.failureStreak >= t.failureThreshold {
		t.healthy = false
	}
}

// Healthy reports the current GitHub state.
func (t *GitHubTracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

// LastFailureAt returns the time of the most recent failure.
func (t *GitHubTracker) LastFailureAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFailureAt
}

// NewHandler serves /livez, /readyz and /healthz. Liveness never consults
// dependencies; readiness and the JSON report answer 503 when not ready.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if provider.CurrentStatus(r.Context()).Ready {
			writeProbe(w, http.StatusOK, "ready")
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, "not ready")
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(readinessCode(status))
		_ = json.NewEncoder(w).Encode(status)
	})

	return mux
}

func readinessCode(status Status) int {
	if status.Ready {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeProbe(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
