package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatusEvaluatorEvaluate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		input          Input
		wantReady      bool
		wantMode       Mode
		wantComponents []string
	}{
		{
			name: "all_healthy",
			input: Input{
				DatabaseHealthy:  true,
				RedisRequired:    true,
				RedisHealthy:     true,
				SchedulerEnabled: true,
				SchedulerHealthy: true,
				GitHubHealthy:    true,
			},
			wantReady:      true,
			wantMode:       ModeHealthy,
			wantComponents: []string{"database", "github", "redis", "scheduler"},
		},
		{
			name: "memory_only_without_scheduler",
			input: Input{
				DatabaseHealthy: true,
				GitHubHealthy:   true,
			},
			wantReady:      true,
			wantMode:       ModeHealthy,
			wantComponents: []string{"database", "github"},
		},
		{
			name: "github_degraded_but_ready",
			input: Input{
				DatabaseHealthy: true,
				GitHubHealthy:   false,
			},
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name: "stalled_scheduler_degrades",
			input: Input{
				DatabaseHealthy:  true,
				SchedulerEnabled: true,
				SchedulerHealthy: false,
				GitHubHealthy:    true,
			},
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name: "database_down_not_ready",
			input: Input{
				DatabaseHealthy: false,
				GitHubHealthy:   true,
			},
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name: "required_redis_down_not_ready",
			input: Input{
				DatabaseHealthy: true,
				RedisRequired:   true,
				RedisHealthy:    false,
				GitHubHealthy:   true,
			},
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name: "unused_redis_ignored",
			input: Input{
				DatabaseHealthy: true,
				RedisRequired:   false,
				RedisHealthy:    false,
				GitHubHealthy:   true,
			},
			wantReady:      true,
			wantMode:       ModeHealthy,
			wantComponents: []string{"database", "github"},
		},
	}

	evaluator := NewStatusEvaluator()
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := evaluator.Evaluate(tc.input)
			if got.Ready != tc.wantReady {
				t.Fatalf("Evaluate().Ready = %t, want %t", got.Ready, tc.wantReady)
			}
			if got.Mode != tc.wantMode {
				t.Fatalf("Evaluate().Mode = %q, want %q", got.Mode, tc.wantMode)
			}
			if tc.wantComponents == nil {
				return
			}
			if len(got.Components) != len(tc.wantComponents) {
				t.Fatalf("Evaluate().Components = %v, want keys %v", got.Components, tc.wantComponents)
			}
			for _, key := range tc.wantComponents {
				if _, ok := got.Components[key]; !ok {
					t.Fatalf("Evaluate().Components missing %q", key)
				}
			}
		})
	}
}

func TestGitHubTracker(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	tracker := NewGitHubTracker(GitHubTrackerConfig{FailureThreshold: 2, RecoverThreshold: 2})

	steps := []struct {
		successful  bool
		wantHealthy bool
	}{
		{successful: false, wantHealthy: true},
		{successful: true, wantHealthy: true},
		{successful: false, wantHealthy: true},
		{successful: false, wantHealthy: false},
		{successful: true, wantHealthy: false},
		{successful: false, wantHealthy: false},
		{successful: true, wantHealthy: false},
		{successful: true, wantHealthy: true},
	}
	for i, step := range steps {
		tracker.Observe(step.successful, now.Add(time.Duration(i)*time.Second))
		if got := tracker.Healthy(); got != step.wantHealthy {
			t.Fatalf("step %d: Healthy() = %t, want %t", i, got, step.wantHealthy)
		}
	}
	if want := now.Add(5 * time.Second); !tracker.LastFailureAt().Equal(want) {
		t.Fatalf("LastFailureAt() = %s, want %s", tracker.LastFailureAt(), want)
	}
}

type staticProvider struct {
	status Status
}

func (s *staticProvider) CurrentStatus(_ context.Context) Status {
	return s.status
}

func TestHandler(t *testing.T) {
	t.Parallel()

	evaluator := NewStatusEvaluator()
	ready := evaluator.Evaluate(Input{
		DatabaseHealthy:  true,
		SchedulerEnabled: true,
		SchedulerHealthy: true,
		GitHubHealthy:    true,
	})
	databaseDown := evaluator.Evaluate(Input{GitHubHealthy: true})

	testCases := []struct {
		name      string
		status    Status
		method    string
		path      string
		wantCode  int
		wantBody  string
		wantJSON  bool
		wantReady bool
	}{
		{name: "livez_ignores_dependencies", status: databaseDown, path: "/livez", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "readyz_ready", status: ready, path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "readyz_database_down", status: databaseDown, path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "healthz_ready_report", status: ready, path: "/healthz", wantCode: http.StatusOK, wantJSON: true, wantReady: true},
		{name: "healthz_not_ready_report", status: databaseDown, path: "/healthz", wantCode: http.StatusServiceUnavailable, wantJSON: true},
		{name: "post_not_allowed", status: ready, method: http.MethodPost, path: "/readyz", wantCode: http.StatusMethodNotAllowed},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			method := tc.method
			if method == "" {
				method = http.MethodGet
			}
			rec := httptest.NewRecorder()
			NewHandler(&staticProvider{status: tc.status}).ServeHTTP(rec, httptest.NewRequest(method, tc.path, nil))

			if rec.Code != tc.wantCode {
				t.Fatalf("%s %s code = %d, want %d", method, tc.path, rec.Code, tc.wantCode)
			}
			if tc.wantBody != "" && rec.Body.String() != tc.wantBody {
				t.Fatalf("%s body = %q, want %q", tc.path, rec.Body.String(), tc.wantBody)
			}
			if rec.Code != http.StatusMethodNotAllowed && rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatalf("%s Cache-Control = %q, want no-store", tc.path, rec.Header().Get("Cache-Control"))
			}
			if !tc.wantJSON {
				return
			}
			var report Status
			if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
				t.Fatalf("healthz body is not a status report: %v", err)
			}
			if report.Ready != tc.wantReady || report.Mode != tc.status.Mode {
				t.Fatalf("healthz report = %+v, want ready=%t mode=%q", report, tc.wantReady, tc.status.Mode)
			}
			if _, ok := report.Components["database"]; !ok {
				t.Fatalf("healthz components %v missing database", report.Components)
			}
		})
	}
}
