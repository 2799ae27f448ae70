// Package syncqueue schedules automatic re-analysis of linked repositories.
package syncqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher publishes sync jobs.
type Publisher interface {
	Publish(job Job) error
}

// Deduper acquires and releases expiring dedup locks.
type Deduper interface {
	Acquire(key string, ttl time.Duration, now time.Time) bool
	Release(key string)
}

// DispatcherConfig controls dispatcher behavior.
type DispatcherConfig struct {
	DedupTTL             time.Duration
	MaxEnqueuesPerMinute int
}

// Job asks a worker to re-analyse one link.
type Job struct {
	JobID     string    `json:"job_id"`
	DedupKey  string    `json:"dedup_key"`
	LinkID    int64     `json:"link_id"`
	ProjectID int64     `json:"project_id"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
}

// EnqueueResult reports what happened to one enqueue attempt.
type EnqueueResult struct {
	Published          bool
	DedupSuppressed    bool
	DroppedByRateLimit bool
	Err                error
}

// Outcome is the metric label for r.
func (r EnqueueResult) Outcome() string {
	switch {
	case r.Published:
		return "published"
	case r.DedupSuppressed:
		return "deduped"
	case r.DroppedByRateLimit:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Dispatcher deduplicates and rate-limits sync job publishing.
type Dispatcher struct {
	mu        sync.Mutex
	config    DispatcherConfig
	queue     Publisher
	deduper   Deduper
	perMinute map[int64]int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig, queue Publisher, deduper Deduper) *Dispatcher {
	return &Dispatcher{
		config:    config,
		queue:     queue,
		deduper:   deduper,
		perMinute: make(map[int64]int),
	}
}

// Enqueue publishes a job for linkID unless one was dispatched within the
// dedup TTL or the per-minute cap is exhausted. The dedup lock is released
// when no job was published.
func (d *Dispatcher) Enqueue(linkID, projectID int64, dueAt, now time.Time) EnqueueResult {
	dedupKey := DedupKey(linkID)
	if !d.deduper.Acquire(dedupKey, d.config.DedupTTL, now) {
		return EnqueueResult{DedupSuppressed: true}
	}

	minute := now.Unix() / 60
	d.mu.Lock()
	for key := range d.perMinute {
		if key != minute {
			delete(d.perMinute, key)
		}
	}
	count := d.perMinute[minute]
	if d.config.MaxEnqueuesPerMinute > 0 && count >= d.config.MaxEnqueuesPerMinute {
		d.mu.Unlock()
		d.deduper.Release(dedupKey)
		return EnqueueResult{DroppedByRateLimit: true}
	}
	d.perMinute[minute] = count + 1
	d.mu.Unlock()

	job := Job{
		JobID:     uuid.NewString(),
		DedupKey:  dedupKey,
		LinkID:    linkID,
		ProjectID: projectID,
		DueAt:     dueAt,
		CreatedAt: now,
	}
	if err := d.queue.Publish(job); err != nil {
		d.deduper.Release(dedupKey)
		return EnqueueResult{Err: err}
	}
	return EnqueueResult{Published: true}
}

// DedupKey is the lock key guarding sync jobs of one link.
func DedupKey(linkID int64) string {
	return fmt.Sprintf("repo-insights:sync:link:%d", linkID)
}

// ShouldDropJobByAge returns true when a job exceeds max age.
func ShouldDropJobByAge(job Job, now time.Time, maxAge time.Duration) bool {
	if job.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(job.CreatedAt) > maxAge
}
