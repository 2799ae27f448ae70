// Package metrics owns the Prometheus registry exposed at /metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repo_insights"

// Metrics records application metrics into a private registry.
type Metrics struct {
	registry *prometheus.Registry

	githubRequests   *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	analysisRuns     *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	analysisCommits  *prometheus.CounterVec
	syncEnqueues     *prometheus.CounterVec
	syncJobs         *prometheus.CounterVec
	syncJobDuration  prometheus.Histogram
	syncQueueDepth   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates a registry with process and Go runtime collectors plus the
// application metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		githubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_requests_total",
			Help:      "GitHub API requests by status class.",
		}, []string{"status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_stats_cache_lookups_total",
			Help:      "Commit stats cache lookups by result.",
		}, []string{"result"}),
		analysisRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Snapshot analysis runs by trigger and result.",
		}, []string{"trigger", "result"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Snapshot analysis duration.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"trigger"}),
		analysisCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_commits_total",
			Help:      "Commits folded into snapshots.",
		}, []string{"trigger"}),
		syncEnqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_enqueues_total",
			Help:      "Auto-sync enqueue attempts by outcome.",
		}, []string{"outcome"}),
		syncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Auto-sync jobs by outcome.",
		}, []string{"outcome"}),
		syncJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_job_duration_seconds",
			Help:      "Auto-sync job duration.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		syncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Auto-sync jobs waiting for a worker.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.githubRequests,
		m.cacheLookups,
		m.analysisRuns,
		m.analysisDuration,
		m.analysisCommits,
		m.syncEnqueues,
		m.syncJobs,
		m.syncJobDuration,
		m.syncQueueDepth,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler renders the registry, preferring OpenMetrics when accepted.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveGitHubRequest counts one GitHub round trip.
func (m *Metrics) ObserveGitHubRequest(statusCode int, err error) {
	m.githubRequests.WithLabelValues(statusClass(statusCode, err)).Inc()
}

// ObserveCacheLookup counts one commit stats cache lookup.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveAnalysis records one snapshot analysis run.
func (m *Metrics) ObserveAnalysis(trigger store.Trigger, err error, duration time.Duration, commits int) {
	m.analysisRuns.WithLabelValues(string(trigger), analysisResult(err)).Inc()
	m.analysisDuration.WithLabelValues(string(trigger)).Observe(duration.Seconds())
	if err == nil && commits > 0 {
		m.analysisCommits.WithLabelValues(string(trigger)).Add(float64(commits))
	}
}

// ObserveSyncEnqueue counts one dispatcher outcome.
func (m *Metrics) ObserveSyncEnqueue(outcome string) {
	m.syncEnqueues.WithLabelValues(outcome).Inc()
}

// ObserveSyncJob records one finished or expired sync job.
func (m *Metrics) ObserveSyncJob(outcome string, duration time.Duration) {
	m.syncJobs.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.syncJobDuration.Observe(duration.Seconds())
	}
}

// SetSyncQueueDepth publishes the current queue depth.
func (m *Metrics) SetSyncQueueDepth(depth int) {
	m.syncQueueDepth.Set(float64(depth))
}

// ObserveHTTPRequest records one served API request. route is the router
// pattern, not the raw path.
func (m *Metrics) ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

func statusClass(statusCode int, err error) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode == http.StatusTooManyRequests:
		return "429"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 300:
		return "3xx"
	case statusCode >= 200 && err == nil:
		return "2xx"
	default:
		return "error"
	}
}

func analysisResult(err error) string {
	if err == nil {
		return "success"
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return string(appErr.Kind)
	}
	return "error"
}
