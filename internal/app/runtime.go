// Package app wires configuration into a running service: persistence,
// GitHub clients, domain services, the sync scheduler and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/repo-insights/internal/auth"
	"github.com/cam3ron2/repo-insights/internal/config"
	"github.com/cam3ron2/repo-insights/internal/ghaccount"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/health"
	"github.com/cam3ron2/repo-insights/internal/linking"
	"github.com/cam3ron2/repo-insights/internal/live"
	"github.com/cam3ron2/repo-insights/internal/metrics"
	"github.com/cam3ron2/repo-insights/internal/secretbox"
	"github.com/cam3ron2/repo-insights/internal/snapshot"
	"github.com/cam3ron2/repo-insights/internal/store"
	"github.com/cam3ron2/repo-insights/internal/syncqueue"
	"github.com/cam3ron2/repo-insights/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const dependencyPingTimeout = 2 * time.Second

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	redis     redis.UniversalClient
	metrics   *metrics.Metrics
	github    *health.GitHubTracker
	evaluator *health.StatusEvaluator
	verifier  *auth.Verifier
	accounts  *ghaccount.Service
	links     *linking.Service
	live      *live.Service
	scheduler *syncqueue.Scheduler

	mu              sync.Mutex
	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}
}

// RuntimeOption customizes NewRuntime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	store      store.Store
	httpClient *http.Client
	now        func() time.Time
}

// WithStore replaces the configured persistence backend.
func WithStore(s store.Store) RuntimeOption {
	return func(o *runtimeOptions) {
		o.store = s
	}
}

// WithHTTPClient replaces the HTTP client used for GitHub traffic.
func WithHTTPClient(client *http.Client) RuntimeOption {
	return func(o *runtimeOptions) {
		o.httpClient = client
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOptions) {
		o.now = now
	}
}

// NewRuntime builds every component from cfg. Resources opened before a
// failure are released.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	options := runtimeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	now := options.now
	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.GitHub.RequestTimeout}
	}

	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		github:    health.NewGitHubTracker(health.GitHubTrackerConfig{}),
		evaluator: health.NewStatusEvaluator(),
	}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	r.store = options.store
	if r.store == nil {
		backend, err := newStoreFromConfig(ctx, cfg, logger, now)
		if err != nil {
			return nil, err
		}
		r.store = backend
	}

	if cfg.UsesRedis() {
		client, err := newRedisClientFromConfig(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		r.redis = client
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		Now:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}
	r.verifier = verifier

	requests := githubapi.NewClient(httpClient, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
		MaxWait:               cfg.RateLimit.MaxWait,
		Now:                   now,
	})
	requests.SetRecorder(&githubObserver{metrics: r.metrics, tracker: r.github, now: now})

	history, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, requests, newStatsCache(cfg, r.redis, logger, now))
	if err != nil {
		return nil, fmt.Errorf("create github data client: %w", err)
	}
	accountClient, err := githubapi.NewAccountClient(githubapi.AccountClientConfig{
		APIBaseURL:           cfg.GitHub.APIBaseURL,
		HTTPClient:           httpClient,
		MaxInstallationPages: cfg.GitHub.MaxInstallationPages,
		MaxRepoPages:         cfg.GitHub.MaxRepoPages,
	})
	if err != nil {
		return nil, fmt.Errorf("create github account client: %w", err)
	}

	var appAuth *githubapi.AppAuth
	if cfg.GitHub.AppID > 0 {
		appAuth, err = githubapi.NewAppAuth(githubapi.AppAuthConfig{
			AppID:          cfg.GitHub.AppID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
			APIBaseURL:     cfg.GitHub.APIBaseURL,
			Timeout:        cfg.GitHub.RequestTimeout,
			BaseTransport:  httpClient.Transport,
		})
		if err != nil {
			return nil, fmt.Errorf("create github app auth: %w", err)
		}
	} else {
		logger.Warn("no github app configured; repository listing and snapshots use user tokens")
	}

	box, err := secretbox.New(cfg.Security.TokenEncryptionKey, cfg.Security.TokenEncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("create token encryption: %w", err)
	}

	accountConfig := ghaccount.Config{
		OAuth:             newOAuthConfig(cfg.GitHub),
		StateSecret:       cfg.Security.StateSecret,
		StateTTL:          cfg.Security.StateTTL,
		FallbackReturnURL: cfg.GitHub.FallbackReturnURL,
		HTTPClient:        httpClient,
		Accounts:          r.store,
		Box:               box,
		Profiles:          accountClient,
		Logger:            logger.Named("ghaccount"),
		Now:               now,
	}
	if appAuth != nil {
		accountConfig.Installations = appAuth
	}
	r.accounts, err = ghaccount.New(accountConfig)
	if err != nil {
		return nil, fmt.Errorf("create account service: %w", err)
	}

	analyzer, err := snapshot.NewAnalyzer(snapshot.Config{
		Store:            r.store,
		History:          history,
		Tokens:           r.accounts,
		Recorder:         r.metrics,
		Logger:           logger.Named("snapshot"),
		Now:              now,
		StatsConcurrency: cfg.GitHub.StatsConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("create analyzer: %w", err)
	}

	linkConfig := linking.Config{
		Store:        r.store,
		Analyzer:     analyzer,
		Accounts:     r.accounts,
		Repositories: accountClient,
		Logger:       logger.Named("linking"),
		Now:          now,
	}
	if appAuth != nil {
		linkConfig.Installations = appAuth
	}
	r.links, err = linking.New(linkConfig)
	if err != nil {
		return nil, fmt.Errorf("create link service: %w", err)
	}

	r.live, err = live.New(live.Config{
		History:            history,
		Authorizer:         r.links,
		Accounts:           r.accounts,
		Logger:             logger.Named("live"),
		CompareConcurrency: cfg.GitHub.CompareConcurrency,
		StatsConcurrency:   cfg.GitHub.StatsConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("create live service: %w", err)
	}

	if cfg.Sync.Enabled {
		r.scheduler, err = syncqueue.New(syncqueue.Config{
			PollInterval:         cfg.Sync.PollInterval,
			BatchSize:            cfg.Sync.BatchSize,
			Workers:              cfg.Sync.Workers,
			QueueSize:            cfg.Sync.QueueSize,
			DedupTTL:             cfg.Sync.DedupTTL,
			MaxJobAge:            cfg.Sync.MaxJobAge,
			JobTimeout:           cfg.Sync.JobTimeout,
			MaxEnqueuesPerMinute: cfg.Sync.MaxEnqueuesPerMinute,
		}, r.store, analyzer, newSyncDeduper(cfg, r.redis), r.metrics, logger.Named("syncqueue"))
		if err != nil {
			return nil, fmt.Errorf("create sync scheduler: %w", err)
		}
		r.scheduler.Now = now
	}

	ok = true
	return r, nil
}

func newOAuthConfig(cfg config.GitHubConfig) *oauth2.Config {
	web := strings.TrimSuffix(cfg.WebBaseURL, "/")
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       cfg.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  web + "/login/oauth/authorize",
			TokenURL: web + "/login/oauth/access_token",
		},
	}
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewRouter(RouterConfig{
		Accounts:  r.accounts,
		Links:     r.links,
		Live:      r.live,
		Verifier:  r.verifier,
		Metrics:   r.metrics.Handler(),
		Health:    health.NewHandler(r),
		Recorder:  r.metrics,
		Logger:    r.logger.Named("http"),
		TraceMode: telemetry.TraceMode(),
	})
}

// Verifier exposes the bearer token verifier.
func (r *Runtime) Verifier() *auth.Verifier {
	return r.verifier
}

// Start launches background work. It is a no-op when sync is disabled or the
// scheduler is already running.
func (r *Runtime) Start(ctx context.Context) {
	if r.scheduler == nil {
		r.logger.Info("auto-sync scheduler disabled")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedulerCancel != nil {
		return
	}
	schedulerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.schedulerCancel = cancel
	r.schedulerDone = done
	r.logger.Info(
		"starting auto-sync scheduler",
		zap.Duration("poll_interval", r.cfg.Sync.PollInterval),
		zap.Int("workers", r.cfg.Sync.Workers),
		zap.String("lock_backend", r.cfg.Sync.LockBackend),
	)
	go func() {
		defer close(done)
		r.scheduler.Start(schedulerCtx)
	}()
}

// Stop cancels background work and waits for in-flight sync jobs.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel, done := r.schedulerCancel, r.schedulerDone
	r.schedulerCancel, r.schedulerDone = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("stopped auto-sync scheduler")
}

// Close stops background work and releases connections.
func (r *Runtime) Close() {
	r.Stop()
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if r.store != nil {
		r.store.Close()
	}
}

// CurrentStatus probes dependencies and evaluates health.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, dependencyPingTimeout)
	defer cancel()

	input := health.Input{
		DatabaseHealthy:  r.store != nil && r.store.Ping(pingCtx) == nil,
		RedisRequired:    r.redis != nil,
		SchedulerEnabled: r.scheduler != nil,
		GitHubHealthy:    r.github.Healthy(),
	}
	if r.redis != nil {
		input.RedisHealthy = r.redis.Ping(pingCtx).Err() == nil
	}
	if r.scheduler != nil {
		input.SchedulerHealthy = r.scheduler.Healthy()
	}
	status := r.evaluator.Evaluate(input)
	if !status.Ready {
		r.logger.Warn("service not ready", zap.Any("components", status.Components))
	}
	return status
}

// githubObserver fans GitHub request outcomes out to metrics and the GitHub
// health tracker.
type githubObserver struct {
	metrics *metrics.Metrics
	tracker *health.GitHubTracker
	now     func() time.Time
}

func (o *githubObserver) ObserveGitHubRequest(statusCode int, err error) {
	o.metrics.ObserveGitHubRequest(statusCode, err)
	o.tracker.Observe(githubRequestHealthy(statusCode, err), o.now())
}

func (o *githubObserver) ObserveCacheLookup(hit bool) {
	o.metrics.ObserveCacheLookup(hit)
}

// githubRequestHealthy treats transport failures, 5xx and 429 as GitHub
// trouble. Other 4xx responses are caller problems.
func githubRequestHealthy(statusCode int, err error) bool {
	if err != nil {
		return errors.Is(err, context.Canceled)
	}
	return statusCode < http.StatusInternalServerError && statusCode != http.StatusTooManyRequests
}
