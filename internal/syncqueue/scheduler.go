package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/repo-insights/internal/store"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Minute
	defaultBatchSize    = 100
	defaultWorkers      = 2
	defaultQueueSize    = 256
	defaultDedupTTL     = 10 * time.Minute
	defaultJobTimeout   = 10 * time.Minute
)

// DueLinks lists links whose automatic sync is due.
type DueLinks interface {
	ListDueLinks(ctx context.Context, now time.Time, limit int) ([]store.Link, error)
}

// Runner analyses one link.
type Runner interface {
	Run(ctx context.Context, linkID int64, trigger store.Trigger) (store.Snapshot, error)
}

// Recorder observes scheduler activity.
type Recorder interface {
	ObserveSyncEnqueue(outcome string)
	ObserveSyncJob(outcome string, duration time.Duration)
	SetSyncQueueDepth(depth int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSyncEnqueue(string)            {}
func (nopRecorder) ObserveSyncJob(string, time.Duration) {}
func (nopRecorder) SetSyncQueueDepth(int)                {}

// Config controls the scheduler.
type Config struct {
	PollInterval         time.Duration
	BatchSize            int
	Workers              int
	QueueSize            int
	DedupTTL             time.Duration
	MaxJobAge            time.Duration
	JobTimeout           time.Duration
	MaxEnqueuesPerMinute int
}

// PollResult summarizes one poll.
type PollResult struct {
	Due          int
	Published    int
	Deduped      int
	RateLimited  int
	PublishFails int
}

// Scheduler polls for due links and runs their analyses on a worker pool.
type Scheduler struct {
	cfg        Config
	links      DueLinks
	runner     Runner
	queue      *InMemoryQueue
	dispatcher *Dispatcher
	recorder   Recorder
	logger     *zap.Logger

	mu          sync.RWMutex
	lastPollAt  time.Time
	lastPollErr error
	running     bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// New creates a scheduler. A nil recorder or logger is replaced by a no-op.
func New(cfg Config, links DueLinks, runner Runner, deduper Deduper, recorder Recorder, logger *zap.Logger) (*Scheduler, error) {
	if links == nil || runner == nil || deduper == nil {
		return nil, fmt.Errorf("due links, runner and deduper are required")
	}
	cfg = withDefaults(cfg)
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := NewInMemoryQueue(cfg.QueueSize)
	return &Scheduler{
		cfg:    cfg,
		links:  links,
		runner: runner,
		queue:  queue,
		dispatcher: NewDispatcher(DispatcherConfig{
			DedupTTL:             cfg.DedupTTL,
			MaxEnqueuesPerMinute: cfg.MaxEnqueuesPerMinute,
		}, queue, deduper),
		recorder: recorder,
		logger:   logger,
		Now:      time.Now,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return cfg
}

// Start runs the poll loop and the worker pool until ctx is cancelled, then
// waits for in-flight jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info(
		"starting sync scheduler",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("dedup_ttl", s.cfg.DedupTTL),
	)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.queue.Consume(ctx, s.handle, s.cfg.MaxJobAge, s.Now, s.dropExpired)
		}()
	}

	s.pollAndLog(ctx)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("stopped sync scheduler")
			return
		case <-ticker.C:
			s.pollAndLog(ctx)
		}
	}
}

func (s *Scheduler) pollAndLog(ctx context.Context) {
	result, err := s.PollOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("sync poll failed", zap.Error(err))
		return
	}
	if result.Due > 0 {
		s.logger.Debug(
			"sync poll completed",
			zap.Int("due", result.Due),
			zap.Int("published", result.Published),
			zap.Int("deduped", result.Deduped),
			zap.Int("rate_limited", result.RateLimited),
			zap.Int("publish_failures", result.PublishFails),
		)
	}
}

// PollOnce lists due links and dispatches a job for each.
func (s *Scheduler) PollOnce(ctx context.Context) (PollResult, error) {
	now := s.Now()
	links, err := s.links.ListDueLinks(ctx, now, s.cfg.BatchSize)
	s.mu.Lock()
	s.lastPollAt = now
	s.lastPollErr = err
	s.mu.Unlock()
	if err != nil {
		return PollResult{}, fmt.Errorf("list due links: %w", err)
	}

	result := PollResult{Due: len(links)}
	for _, link := range links {
		dueAt := now
		if link.NextSyncAt != nil {
			dueAt = *link.NextSyncAt
		}
		enqueue := s.dispatcher.Enqueue(link.ID, link.ProjectID, dueAt, now)
		s.recorder.ObserveSyncEnqueue(enqueue.Outcome())
		switch {
		case enqueue.Published:
			result.Published++
		case enqueue.DedupSuppressed:
			result.Deduped++
		case enqueue.DroppedByRateLimit:
			result.RateLimited++
			s.logger.Warn("sync job dropped by rate limit", zap.Int64("link_id", link.ID))
		default:
			result.PublishFails++
			s.logger.Warn("sync job publish failed", zap.Int64("link_id", link.ID), zap.Error(enqueue.Err))
		}
	}
	s.recorder.SetSyncQueueDepth(s.queue.Depth())
	return result, nil
}

func (s *Scheduler) handle(ctx context.Context, job Job) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	started := s.Now()
	snapshot, err := s.runner.Run(jobCtx, job.LinkID, store.TriggerAuto)
	elapsed := s.Now().Sub(started)
	s.recorder.SetSyncQueueDepth(s.queue.Depth())
	if err != nil {
		s.recorder.ObserveSyncJob("failure", elapsed)
		s.logger.Warn(
			"sync job failed",
			zap.String("job_id", job.JobID),
			zap.Int64("link_id", job.LinkID),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return err
	}
	s.recorder.ObserveSyncJob("success", elapsed)
	s.logger.Info(
		"sync job completed",
		zap.String("job_id", job.JobID),
		zap.Int64("link_id", job.LinkID),
		zap.Int64("snapshot_id", snapshot.ID),
		zap.Duration("duration", elapsed),
	)
	return nil
}

func (s *Scheduler) dropExpired(job Job) {
	s.recorder.ObserveSyncJob("expired", 0)
	s.logger.Warn("sync job expired before processing", zap.String("job_id", job.JobID), zap.Int64("link_id", job.LinkID))
}

// QueueDepth returns queued sync jobs.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Depth()
}

// Healthy reports whether the scheduler is running and its last poll
// succeeded recently. A scheduler that has not polled yet is healthy while
// running.
func (s *Scheduler) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.lastPollErr != nil {
		return false
	}
	if s.lastPollAt.IsZero() {
		return true
	}
	return s.Now().Sub(s.lastPollAt) <= 3*s.cfg.PollInterval
}
