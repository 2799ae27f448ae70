// Package snapshot runs analyses that turn a linked repository's commit
// history into persisted contribution snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cam3ron2/repo-insights/internal/aggregate"
	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/statscache"
	"github.com/cam3ron2/repo-insights/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultSyncIntervalMinutes is the auto-sync interval of a new link.
	DefaultSyncIntervalMinutes = 60
	// MinSyncIntervalMinutes is the shortest allowed auto-sync interval.
	MinSyncIntervalMinutes = 15
	// MaxSyncIntervalMinutes is the longest allowed auto-sync interval.
	MaxSyncIntervalMinutes = 1440

	defaultStatsConcurrency = 8
)

// ClampSyncInterval bounds an interval to the allowed range. Non-positive
// values use the default.
func ClampSyncInterval(minutes int) int {
	switch {
	case minutes <= 0:
		return DefaultSyncIntervalMinutes
	case minutes < MinSyncIntervalMinutes:
		return MinSyncIntervalMinutes
	case minutes > MaxSyncIntervalMinutes:
		return MaxSyncIntervalMinutes
	default:
		return minutes
	}
}

// NextSyncAt returns when a link synced at from should sync next.
func NextSyncAt(from time.Time, intervalMinutes int) time.Time {
	return from.Add(time.Duration(ClampSyncInterval(intervalMinutes)) * time.Minute)
}

// History reads repository history from GitHub.
type History interface {
	GetRepository(ctx context.Context, ref githubapi.RepoRef) (githubapi.RepositoryInfo, error)
	ListCommitsSince(ctx context.Context, ref githubapi.RepoRef, branch string, since time.Time) ([]githubapi.Commit, error)
	CommitStats(ctx context.Context, ref githubapi.RepoRef, shas []string, concurrency int) (map[string]statscache.Stats, error)
}

// Tokens resolves the token used to read a linked repository.
type Tokens interface {
	RepoToken(ctx context.Context, userID int64, repo store.Repository) (string, error)
}

// Store is the persistence the analyzer needs.
type Store interface {
	GetLink(ctx context.Context, id int64) (store.Link, error)
	GetRepository(ctx context.Context, id int64) (store.Repository, error)
	UpsertRepository(ctx context.Context, repo store.Repository) (store.Repository, error)
	LatestSnapshot(ctx context.Context, linkID int64) (store.Snapshot, error)
	ListProjectMembers(ctx context.Context, projectID int64) ([]store.Member, error)
	SaveSnapshot(ctx context.Context, snapshot store.Snapshot, sync store.LinkSync) (store.Snapshot, error)
}

// Recorder observes analysis runs.
type Recorder interface {
	ObserveAnalysis(trigger store.Trigger, err error, duration time.Duration, commits int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAnalysis(store.Trigger, error, time.Duration, int) {}

// Config configures an Analyzer.
type Config struct {
	Store            Store
	History          History
	Tokens           Tokens
	Recorder         Recorder
	Logger           *zap.Logger
	Now              func() time.Time
	StatsConcurrency int
}

// Analyzer produces snapshots for links.
type Analyzer struct {
	store            Store
	history          History
	tokens           Tokens
	recorder         Recorder
	logger           *zap.Logger
	now              func() time.Time
	statsConcurrency int
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Store == nil || cfg.History == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("store, history and tokens are required")
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	concurrency := cfg.StatsConcurrency
	if concurrency <= 0 {
		concurrency = defaultStatsConcurrency
	}
	return &Analyzer{
		store:            cfg.Store,
		history:          cfg.History,
		tokens:           cfg.Tokens,
		recorder:         recorder,
		logger:           logger,
		now:              now,
		statsConcurrency: concurrency,
	}, nil
}

// Run analyses the commits added to a link's default branch since its last
// snapshot and persists a new cumulative snapshot. Nothing is written when
// any step fails.
func (a *Analyzer) Run(ctx context.Context, linkID int64, trigger store.Trigger) (snapshot store.Snapshot, err error) {
	if !trigger.Valid() {
		return store.Snapshot{}, fmt.Errorf("unknown trigger %q", trigger)
	}

	ctx, span := otel.Tracer("repo-insights/internal/snapshot").Start(
		ctx,
		"snapshot.analyze",
		trace.WithAttributes(
			attribute.Int64("link.id", linkID),
			attribute.String("snapshot.trigger", string(trigger)),
		),
	)
	started := a.now()
	commitCount := 0
	defer func() {
		a.recorder.ObserveAnalysis(trigger, err, a.now().Sub(started), commitCount)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := a.logger.With(zap.Int64("link_id", linkID), zap.String("trigger", string(trigger)))

	link, err := a.store.GetLink(ctx, linkID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !link.IsActive) {
		return store.Snapshot{}, apperr.NotFound("link not found")
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load link: %w", err)
	}
	repo, err := a.store.GetRepository(ctx, link.RepositoryID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load repository: %w", err)
	}

	token, err := a.tokens.RepoToken(ctx, link.LinkedByUserID, repo)
	if err != nil {
		return store.Snapshot{}, err
	}
	ref, err := githubapi.ParseRepoRef(repo.FullName, token)
	if err != nil {
		return store.Snapshot{}, err
	}

	repo, err = a.refreshRepository(ctx, ref, repo)
	if err != nil {
		return store.Snapshot{}, err
	}

	prior, hasPrior, err := a.latest(ctx, link.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	var cutoff time.Time
	switch {
	case hasPrior:
		cutoff = prior.WindowEnd
	case repo.RepoCreatedAt != nil:
		cutoff = *repo.RepoCreatedAt
	}

	now := a.now().UTC()
	listed, err := a.history.ListCommitsSince(ctx, ref, repo.DefaultBranch, cutoff)
	if err != nil {
		return store.Snapshot{}, githubapi.DomainError("list commits", err)
	}
	counted := make(map[string]struct{}, len(prior.BoundarySHAs))
	for _, sha := range prior.BoundarySHAs {
		counted[sha] = struct{}{}
	}
	commits := uncountedCommits(listed, cutoff, counted)
	commitCount = len(commits)
	span.SetAttributes(attribute.Int("snapshot.new_commits", commitCount))

	shas := make([]string, 0, len(commits))
	for _, commit := range commits {
		shas = append(shas, commit.SHA)
	}
	stats, err := a.history.CommitStats(ctx, ref, shas, a.statsConcurrency)
	if err != nil {
		return store.Snapshot{}, githubapi.DomainError("fetch commit stats", err)
	}

	result := aggregate.Aggregate(repo.DefaultBranch, githubapi.AggregateCommits(commits), githubapi.LineChanges(stats))
	if hasPrior {
		result = aggregate.Merge(result, aggregate.Result{Users: prior.Users, Repo: prior.Repo})
	}

	members, err := a.store.ListProjectMembers(ctx, link.ProjectID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load project members: %w", err)
	}
	result = aggregate.Resolve(result, toAggregateMembers(members))

	candidate := store.Snapshot{
		LinkID:        link.ID,
		AnalysedAt:    now,
		DefaultBranch: repo.DefaultBranch,
		WindowEnd:     now,
		Trigger:       trigger,
		Users:         result.Users,
		Repo:          result.Repo,
		BoundarySHAs:  boundarySHAs(listed, counted, now),
	}
	if !cutoff.IsZero() {
		start := cutoff.UTC()
		candidate.WindowStart = &start
	}

	saved, err := a.store.SaveSnapshot(ctx, candidate, store.LinkSync{
		LastSyncedAt: now,
		NextSyncAt:   NextSyncAt(now, link.SyncIntervalMinutes),
	})
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	logger.Info("snapshot saved",
		zap.Int64("snapshot_id", saved.ID),
		zap.String("repository", repo.FullName),
		zap.Int("new_commits", commitCount),
		zap.Int("total_commits", saved.Repo.TotalCommits),
		zap.Int("contributors", len(saved.Users)),
	)
	return saved, nil
}

// refreshRepository re-reads default branch and creation time so renamed
// default branches are followed.
func (a *Analyzer) refreshRepository(ctx context.Context, ref githubapi.RepoRef, repo store.Repository) (store.Repository, error) {
	info, err := a.history.GetRepository(ctx, ref)
	if err != nil {
		return store.Repository{}, githubapi.DomainError("get repository", err)
	}

	changed := false
	if info.DefaultBranch != "" && info.DefaultBranch != repo.DefaultBranch {
		repo.DefaultBranch = info.DefaultBranch
		changed = true
	}
	if repo.RepoCreatedAt == nil && !info.CreatedAt.IsZero() {
		created := info.CreatedAt.UTC()
		repo.RepoCreatedAt = &created
		changed = true
	}
	if repo.DefaultBranch == "" {
		return store.Repository{}, apperr.Upstream("repository has no default branch", nil)
	}
	if !changed {
		return repo, nil
	}
	updated, err := a.store.UpsertRepository(ctx, repo)
	if err != nil {
		return store.Repository{}, fmt.Errorf("update repository: %w", err)
	}
	return updated, nil
}

func (a *Analyzer) latest(ctx context.Context, linkID int64) (store.Snapshot, bool, error) {
	prior, err := a.store.LatestSnapshot(ctx, linkID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("load latest snapshot: %w", err)
	}
	return prior, true, nil
}

// uncountedCommits keeps commits committed at or after cutoff whose SHA is
// not in counted, and adds the kept SHAs to counted.
func uncountedCommits(commits []githubapi.Commit, cutoff time.Time, counted map[string]struct{}) []githubapi.Commit {
	kept := commits[:0:0]
	for _, commit := range commits {
		if _, ok := counted[commit.SHA]; ok {
			continue
		}
		if !cutoff.IsZero() && commitTime(commit).Before(cutoff) {
			continue
		}
		counted[commit.SHA] = struct{}{}
		kept = append(kept, commit)
	}
	return kept
}

// boundarySHAs lists the counted commits a since query at windowEnd returns
// again.
func boundarySHAs(listed []githubapi.Commit, counted map[string]struct{}, windowEnd time.Time) []string {
	var shas []string
	for _, commit := range listed {
		if _, ok := counted[commit.SHA]; !ok || commitTime(commit).Before(windowEnd) {
			continue
		}
		if !slices.Contains(shas, commit.SHA) {
			shas = append(shas, commit.SHA)
		}
	}
	slices.Sort(shas)
	return shas
}

// commitTime is the committer date, falling back to the author date.
func commitTime(commit githubapi.Commit) time.Time {
	if !commit.CommittedAt.IsZero() {
		return commit.CommittedAt
	}
	return commit.AuthoredAt
}

func toAggregateMembers(members []store.Member) []aggregate.Member {
	out := make([]aggregate.Member, 0, len(members))
	for _, member := range members {
		out = append(out, aggregate.Member{
			UserID:      member.UserID,
			GithubLogin: member.GithubLogin,
			Emails:      member.VerifiedEmails,
		})
	}
	return out
}
