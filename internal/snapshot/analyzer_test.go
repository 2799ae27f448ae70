package snapshot

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/statscache"
	"github.com/cam3ron2/repo-insights/internal/store"
)

type fakeHistory struct {
	mu         sync.Mutex
	info       githubapi.RepositoryInfo
	commits    []githubapi.Commit
	stats      map[string]statscache.Stats
	listErr    error
	statsErr   error
	sinceCalls []time.Time
	tokens     []string
}

func (f *fakeHistory) GetRepository(_ context.Context, ref githubapi.RepoRef) (githubapi.RepositoryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, ref.Token)
	return f.info, nil
}

func (f *fakeHistory) ListCommitsSince(_ context.Context, _ githubapi.RepoRef, _ string, since time.Time) ([]githubapi.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCalls = append(f.sinceCalls, since)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]githubapi.Commit(nil), f.commits...), nil
}

func (f *fakeHistory) CommitStats(_ context.Context, _ githubapi.RepoRef, shas []string, _ int) (map[string]statscache.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	out := make(map[string]statscache.Stats, len(shas))
	for _, sha := range shas {
		if stats, ok := f.stats[sha]; ok {
			out[sha] = stats
		}
	}
	return out, nil
}

type staticTokens string

func (t staticTokens) RepoToken(context.Context, int64, store.Repository) (string, error) {
	return string(t), nil
}

type recordedRun struct {
	trigger store.Trigger
	err     error
	commits int
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []recordedRun
}

func (r *fakeRecorder) ObserveAnalysis(trigger store.Trigger, err error, _ time.Duration, commits int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedRun{trigger: trigger, err: err, commits: commits})
}

type analyzerFixture struct {
	analyzer *Analyzer
	store    *store.MemoryStore
	history  *fakeHistory
	recorder *fakeRecorder
	link     store.Link
	created  time.Time
	now      *time.Time
}

func newAnalyzerFixture(t *testing.T) *analyzerFixture {
	t.Helper()

	created := time.Unix(1739836800, 0).UTC()
	now := created.Add(24 * time.Hour)
	clock := func() time.Time { return now }
	memory := store.NewMemoryStore(clock)
	ctx := context.Background()

	memory.AddProjectMember(1, 10)
	memory.AddProjectMember(1, 20, "bob@example.com")
	if _, err := memory.UpsertAccount(ctx, store.Account{UserID: 10, GithubUserID: 1, Login: "Alice"}); err != nil {
		t.Fatalf("UpsertAccount() unexpected error: %v", err)
	}
	repo, err := memory.UpsertRepository(ctx, store.Repository{
		GithubRepoID:  42,
		Name:          "widgets",
		FullName:      "octo/widgets",
		OwnerLogin:    "octo",
		DefaultBranch: "main",
	})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}
	link, err := memory.CreateLink(ctx, store.Link{
		ProjectID:           1,
		RepositoryID:        repo.ID,
		LinkedByUserID:      10,
		AutoSyncEnabled:     true,
		SyncIntervalMinutes: 5,
	})
	if err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}

	history := &fakeHistory{
		info: githubapi.RepositoryInfo{ID: 42, FullName: "octo/widgets", DefaultBranch: "main", CreatedAt: created},
		commits: []githubapi.Commit{
			{SHA: "c0", AuthorLogin: "alice", Message: "before creation", AuthoredAt: created.Add(-time.Hour)},
			{SHA: "c1", AuthorLogin: "alice", Message: "feat: widgets", AuthoredAt: created.Add(time.Hour)},
			{SHA: "c2", AuthorEmail: "Bob@example.com", AuthorName: "Bob", Message: "Merge pull request #1 from octo/x", AuthoredAt: created.Add(2 * time.Hour)},
		},
		stats: map[string]statscache.Stats{
			"c0": {Additions: 1, Deletions: 1},
			"c1": {Additions: 10, Deletions: 2},
			"c2": {Additions: 5, Deletions: 5},
		},
	}
	recorder := &fakeRecorder{}
	analyzer, err := NewAnalyzer(Config{
		Store:    memory,
		History:  history,
		Tokens:   staticTokens("repo-token"),
		Recorder: recorder,
		Now:      clock,
	})
	if err != nil {
		t.Fatalf("NewAnalyzer() unexpected error: %v", err)
	}
	return &analyzerFixture{
		analyzer: analyzer,
		store:    memory,
		history:  history,
		recorder: recorder,
		link:     link,
		created:  created,
		now:      &now,
	}
}

func TestClampSyncInterval(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		minutes int
		want    int
	}{
		{name: "zero_uses_default", minutes: 0, want: 60},
		{name: "negative_uses_default", minutes: -5, want: 60},
		{name: "below_minimum", minutes: 5, want: 15},
		{name: "minimum", minutes: 15, want: 15},
		{name: "inside_range", minutes: 90, want: 90},
		{name: "maximum", minutes: 1440, want: 1440},
		{name: "above_maximum", minutes: 5000, want: 1440},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := ClampSyncInterval(tc.minutes); got != tc.want {
				t.Fatalf("ClampSyncInterval(%d) = %d, want %d", tc.minutes, got, tc.want)
			}
		})
	}
}

func TestRunFirstSnapshot(t *testing.T) {
	t.Parallel()

	fixture := newAnalyzerFixture(t)
	ctx := context.Background()

	saved, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerLink)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if saved.ID == 0 || saved.Trigger != store.TriggerLink || saved.DefaultBranch != "main" {
		t.Fatalf("Run() snapshot = %+v, want saved link snapshot on main", saved.Summary())
	}
	if saved.WindowStart == nil || !saved.WindowStart.Equal(fixture.created) {
		t.Fatalf("WindowStart = %v, want repository creation %v", saved.WindowStart, fixture.created)
	}
	if !saved.WindowEnd.Equal(*fixture.now) {
		t.Fatalf("WindowEnd = %v, want %v", saved.WindowEnd, *fixture.now)
	}
	repo := saved.Repo
	if repo.TotalCommits != 2 || repo.TotalAdditions != 15 || repo.TotalDeletions != 7 {
		t.Fatalf("repo totals = %d/%d/%d, want 2/15/7", repo.TotalCommits, repo.TotalAdditions, repo.TotalDeletions)
	}
	if repo.MergeCommits != 1 || repo.NonMergeAdditions() != 10 || repo.NonMergeDeletions() != 2 {
		t.Fatalf("merge split = %d/%d/%d, want 1/10/2", repo.MergeCommits, repo.NonMergeAdditions(), repo.NonMergeDeletions())
	}
	if repo.MatchedContributors != 2 || repo.UnmatchedContributors != 0 || repo.MatchedCommits != 2 {
		t.Fatalf("coverage = %d/%d/%d, want 2/0/2", repo.MatchedContributors, repo.UnmatchedContributors, repo.MatchedCommits)
	}
	if len(saved.Users) != 2 {
		t.Fatalf("len(Users) = %d, want 2", len(saved.Users))
	}
	matched := map[string]int64{}
	for _, user := range saved.Users {
		if user.MatchedUserID == nil {
			t.Fatalf("user %q unmatched, want matched", user.ContributorKey)
		}
		matched[user.ContributorKey] = *user.MatchedUserID
	}
	if matched["login:alice"] != 10 || matched["email:bob@example.com"] != 20 {
		t.Fatalf("matched = %v, want alice->10 bob->20", matched)
	}

	link, err := fixture.store.GetLink(ctx, fixture.link.ID)
	if err != nil {
		t.Fatalf("GetLink() unexpected error: %v", err)
	}
	wantNext := fixture.now.Add(15 * time.Minute)
	if link.NextSyncAt == nil || !link.NextSyncAt.Equal(wantNext) {
		t.Fatalf("NextSyncAt = %v, want %v (interval clamped to 15m)", link.NextSyncAt, wantNext)
	}
	if link.LastSyncedAt == nil || !link.LastSyncedAt.Equal(*fixture.now) {
		t.Fatalf("LastSyncedAt = %v, want %v", link.LastSyncedAt, *fixture.now)
	}

	if len(fixture.history.sinceCalls) != 1 || !fixture.history.sinceCalls[0].Equal(fixture.created) {
		t.Fatalf("since calls = %v, want [%v]", fixture.history.sinceCalls, fixture.created)
	}
	if fixture.history.tokens[0] != "repo-token" {
		t.Fatalf("token = %q, want repo-token", fixture.history.tokens[0])
	}
	if len(fixture.recorder.runs) != 1 || fixture.recorder.runs[0].err != nil || fixture.recorder.runs[0].commits != 2 {
		t.Fatalf("recorded runs = %+v, want one successful run with 2 commits", fixture.recorder.runs)
	}
}

func TestRunMergesWithPriorSnapshot(t *testing.T) {
	t.Parallel()

	fixture := newAnalyzerFixture(t)
	ctx := context.Background()

	first, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerLink)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	*fixture.now = fixture.now.Add(2 * time.Hour)
	fixture.history.commits = append(fixture.history.commits, githubapi.Commit{
		SHA: "c3", AuthorLogin: "carol", Message: "fix", AuthoredAt: first.WindowEnd.Add(time.Hour),
	})
	fixture.history.stats["c3"] = statscache.Stats{Additions: 3, Deletions: 1}

	second, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerManual)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if !fixture.history.sinceCalls[1].Equal(first.WindowEnd) {
		t.Fatalf("second since = %v, want prior window end %v", fixture.history.sinceCalls[1], first.WindowEnd)
	}
	if second.WindowStart == nil || !second.WindowStart.Equal(first.WindowEnd) {
		t.Fatalf("WindowStart = %v, want %v", second.WindowStart, first.WindowEnd)
	}
	if second.Repo.TotalCommits != 3 || second.Repo.TotalAdditions != 18 {
		t.Fatalf("cumulative totals = %d/%d, want 3/18", second.Repo.TotalCommits, second.Repo.TotalAdditions)
	}
	if second.Repo.UnmatchedContributors != 1 || second.Repo.UnmatchedCommits != 1 {
		t.Fatalf("unmatched = %d/%d, want 1/1", second.Repo.UnmatchedContributors, second.Repo.UnmatchedCommits)
	}
	if len(second.Users) != 3 {
		t.Fatalf("len(Users) = %d, want 3", len(second.Users))
	}

	summaries, err := fixture.store.ListSnapshots(ctx, fixture.link.ID)
	if err != nil {
		t.Fatalf("ListSnapshots() unexpected error: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != second.ID {
		t.Fatalf("summaries = %+v, want newest first", summaries)
	}
}

func TestRunCountsFutureDatedCommitOnce(t *testing.T) {
	t.Parallel()

	fixture := newAnalyzerFixture(t)
	ctx := context.Background()
	skewedAt := fixture.now.Add(3 * time.Hour)
	fixture.history.commits = append(fixture.history.commits, githubapi.Commit{
		SHA: "skew", AuthorLogin: "alice", Message: "clock ahead", AuthoredAt: skewedAt, CommittedAt: skewedAt,
	})
	fixture.history.stats["skew"] = statscache.Stats{Additions: 7}

	testCases := []struct {
		advance      time.Duration
		wantBoundary []string
	}{
		{advance: 0, wantBoundary: []string{"skew"}},
		{advance: time.Hour, wantBoundary: []string{"skew"}},
		{advance: 3 * time.Hour, wantBoundary: nil},
		{advance: time.Hour, wantBoundary: nil},
	}

	for i, tc := range testCases {
		*fixture.now = fixture.now.Add(tc.advance)
		saved, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerAuto)
		if err != nil {
			t.Fatalf("run %d: Run() unexpected error: %v", i, err)
		}
		if saved.Repo.TotalCommits != 3 || saved.Repo.TotalAdditions != 22 {
			t.Fatalf("run %d: totals = %d/%d, want 3/22", i, saved.Repo.TotalCommits, saved.Repo.TotalAdditions)
		}
		if !slices.Equal(saved.BoundarySHAs, tc.wantBoundary) {
			t.Fatalf("run %d: BoundarySHAs = %v, want %v", i, saved.BoundarySHAs, tc.wantBoundary)
		}
	}
	if runs := fixture.recorder.runs; runs[1].commits != 0 || runs[2].commits != 0 {
		t.Fatalf("recorded runs = %+v, want no new commits after the first", runs)
	}
}

func TestRunCountsRebasedCommitByCommitDate(t *testing.T) {
	t.Parallel()

	fixture := newAnalyzerFixture(t)
	ctx := context.Background()

	first, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerLink)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	*fixture.now = fixture.now.Add(2 * time.Hour)
	fixture.history.commits = append(fixture.history.commits, githubapi.Commit{
		SHA:         "rebased",
		AuthorLogin: "carol",
		Message:     "old work landed late",
		AuthoredAt:  first.WindowEnd.Add(-5 * time.Hour),
		CommittedAt: first.WindowEnd.Add(30 * time.Minute),
	})
	fixture.history.stats["rebased"] = statscache.Stats{Additions: 4, Deletions: 2}

	second, err := fixture.analyzer.Run(ctx, fixture.link.ID, store.TriggerManual)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if second.Repo.TotalCommits != 3 || second.Repo.TotalAdditions != 19 || second.Repo.TotalDeletions != 9 {
		t.Fatalf("totals = %d/%d/%d, want 3/19/9",
			second.Repo.TotalCommits, second.Repo.TotalAdditions, second.Repo.TotalDeletions)
	}
	if len(second.BoundarySHAs) != 0 {
		t.Fatalf("BoundarySHAs = %v, want none", second.BoundarySHAs)
	}
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		mutate   func(f *analyzerFixture)
		trigger  store.Trigger
		wantKind apperr.Kind
	}{
		{
			name: "stats_failure_is_upstream",
			mutate: func(f *analyzerFixture) {
				f.history.statsErr = &githubapi.APIError{Operation: "get commit", StatusCode: 500}
			},
			trigger:  store.TriggerAuto,
			wantKind: apperr.KindUpstream,
		},
		{
			name: "revoked_token",
			mutate: func(f *analyzerFixture) {
				f.history.listErr = errors.Join(errors.New("list commits"), githubapi.ErrInvalidToken)
			},
			trigger:  store.TriggerManual,
			wantKind: apperr.KindInvalidToken,
		},
		{
			name: "inactive_link",
			mutate: func(f *analyzerFixture) {
				if err := f.store.DeactivateLink(context.Background(), f.link.ID); err != nil {
					panic(err)
				}
			},
			trigger:  store.TriggerManual,
			wantKind: apperr.KindNotFound,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fixture := newAnalyzerFixture(t)
			tc.mutate(fixture)

			_, err := fixture.analyzer.Run(context.Background(), fixture.link.ID, tc.trigger)
			if kind, _ := apperr.KindOf(err); kind != tc.wantKind {
				t.Fatalf("Run() error = %v, want kind %q", err, tc.wantKind)
			}
			if _, err := fixture.store.LatestSnapshot(context.Background(), fixture.link.ID); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("LatestSnapshot() error = %v, want ErrNotFound", err)
			}
			link, err := fixture.store.GetLink(context.Background(), fixture.link.ID)
			if err != nil {
				t.Fatalf("GetLink() unexpected error: %v", err)
			}
			if link.NextSyncAt != nil {
				t.Fatalf("NextSyncAt = %v, want unchanged nil", link.NextSyncAt)
			}
			if len(fixture.recorder.runs) != 1 || fixture.recorder.runs[0].err == nil {
				t.Fatalf("recorded runs = %+v, want one failed run", fixture.recorder.runs)
			}
		})
	}
}

func TestRunRejectsUnknownTrigger(t *testing.T) {
	t.Parallel()

	fixture := newAnalyzerFixture(t)
	if _, err := fixture.analyzer.Run(context.Background(), fixture.link.ID, store.Trigger("cron")); err == nil {
		t.Fatalf("Run() expected error for unknown trigger")
	}
}
