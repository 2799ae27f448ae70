package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/repo-insights/internal/aggregate"
)

func newTestMemoryStore() (*MemoryStore, *time.Time) {
	now := time.Unix(1739836800, 0).UTC()
	return NewMemoryStore(func() time.Time { return now }), &now
}

func TestMemoryStoreUpsertRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestMemoryStore()
	installationID := int64(77)

	first, err := s.UpsertRepository(ctx, Repository{
		GithubRepoID:   42,
		Name:           "widgets",
		FullName:       "octo/widgets",
		DefaultBranch:  "main",
		InstallationID: &installationID,
	})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}

	second, err := s.UpsertRepository(ctx, Repository{
		GithubRepoID:  42,
		Name:          "widgets",
		FullName:      "octo/widgets",
		DefaultBranch: "trunk",
	})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("UpsertRepository() id = %d, want %d", second.ID, first.ID)
	}
	if second.DefaultBranch != "trunk" {
		t.Fatalf("DefaultBranch = %q, want trunk", second.DefaultBranch)
	}
	if second.InstallationID == nil || *second.InstallationID != 77 {
		t.Fatalf("InstallationID = %v, want preserved 77", second.InstallationID)
	}

	if _, err := s.UpsertRepository(ctx, Repository{}); err == nil {
		t.Fatalf("UpsertRepository() without github id expected error, got nil")
	}
}

func TestMemoryStoreLinkLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestMemoryStore()
	repo, err := s.UpsertRepository(ctx, Repository{GithubRepoID: 1, FullName: "octo/widgets"})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}

	link, err := s.CreateLink(ctx, Link{ProjectID: 10, RepositoryID: repo.ID, LinkedByUserID: 5, AutoSyncEnabled: true, SyncIntervalMinutes: 60})
	if err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}
	if !link.IsActive {
		t.Fatalf("CreateLink() IsActive = false, want true")
	}

	if _, err := s.CreateLink(ctx, Link{ProjectID: 10, RepositoryID: repo.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateLink() second active error = %v, want ErrConflict", err)
	}
	if _, err := s.CreateLink(ctx, Link{ProjectID: 11, RepositoryID: 999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateLink() unknown repository error = %v, want ErrNotFound", err)
	}

	active, err := s.ActiveLinkForProject(ctx, 10)
	if err != nil || active.ID != link.ID {
		t.Fatalf("ActiveLinkForProject() = (%+v, %v), want link %d", active, err, link.ID)
	}

	if err := s.DeactivateLink(ctx, link.ID); err != nil {
		t.Fatalf("DeactivateLink() unexpected error: %v", err)
	}
	if _, err := s.ActiveLinkForProject(ctx, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveLinkForProject() after deactivate error = %v, want ErrNotFound", err)
	}
	links, err := s.ListLinks(ctx, 10)
	if err != nil || len(links) != 0 {
		t.Fatalf("ListLinks() = (%v, %v), want empty", links, err)
	}

	if _, err := s.CreateLink(ctx, Link{ProjectID: 10, RepositoryID: repo.ID}); err != nil {
		t.Fatalf("CreateLink() after deactivate unexpected error: %v", err)
	}
}

func TestMemoryStoreListDueLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, now := newTestMemoryStore()
	repo, err := s.UpsertRepository(ctx, Repository{GithubRepoID: 1})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	fixtures := []struct {
		project  int64
		enabled  bool
		next     *time.Time
		inactive bool
	}{
		{project: 1, enabled: true, next: &past},
		{project: 2, enabled: true, next: &future},
		{project: 3, enabled: false, next: &past},
		{project: 4, enabled: true, next: nil},
		{project: 5, enabled: true, next: &past, inactive: true},
	}
	ids := make(map[int64]int64)
	for _, fixture := range fixtures {
		link, err := s.CreateLink(ctx, Link{ProjectID: fixture.project, RepositoryID: repo.ID, AutoSyncEnabled: fixture.enabled, NextSyncAt: fixture.next})
		if err != nil {
			t.Fatalf("CreateLink() unexpected error: %v", err)
		}
		ids[fixture.project] = link.ID
		if fixture.inactive {
			if err := s.DeactivateLink(ctx, link.ID); err != nil {
				t.Fatalf("DeactivateLink() unexpected error: %v", err)
			}
		}
	}

	due, err := s.ListDueLinks(ctx, *now, 0)
	if err != nil {
		t.Fatalf("ListDueLinks() unexpected error: %v", err)
	}
	if len(due) != 2 || due[0].ID != ids[4] || due[1].ID != ids[1] {
		t.Fatalf("ListDueLinks() = %+v, want never-synced link then overdue link", due)
	}

	limited, err := s.ListDueLinks(ctx, *now, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListDueLinks(limit=1) = (%v, %v), want one link", limited, err)
	}
}

func TestMemoryStoreSnapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, now := newTestMemoryStore()
	repo, err := s.UpsertRepository(ctx, Repository{GithubRepoID: 1})
	if err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}
	link, err := s.CreateLink(ctx, Link{ProjectID: 1, RepositoryID: repo.ID})
	if err != nil {
		t.Fatalf("CreateLink() unexpected error: %v", err)
	}

	if _, err := s.LatestSnapshot(ctx, link.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestSnapshot() on empty link error = %v, want ErrNotFound", err)
	}

	first, err := s.SaveSnapshot(ctx, Snapshot{
		LinkID:        link.ID,
		AnalysedAt:    *now,
		DefaultBranch: "main",
		WindowEnd:     *now,
		Trigger:       TriggerLink,
		Users: []aggregate.UserStat{
			{ContributorKey: "login:alice", Commits: 2, CommitsByDay: map[string]int{"2025-02-18": 2}},
		},
		Repo: aggregate.RepoStat{TotalCommits: 2, CommitsByDay: map[string]int{"2025-02-18": 2}},
	}, LinkSync{LastSyncedAt: *now, NextSyncAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("SaveSnapshot() unexpected error: %v", err)
	}

	later := now.Add(2 * time.Hour)
	second, err := s.SaveSnapshot(ctx, Snapshot{
		LinkID:     link.ID,
		AnalysedAt: later,
		WindowEnd:  later,
		Trigger:    TriggerManual,
		Repo:       aggregate.RepoStat{TotalCommits: 5},
	}, LinkSync{LastSyncedAt: later, NextSyncAt: later.Add(time.Hour)})
	if err != nil {
		t.Fatalf("SaveSnapshot() unexpected error: %v", err)
	}

	latest, err := s.LatestSnapshot(ctx, link.ID)
	if err != nil || latest.ID != second.ID {
		t.Fatalf("LatestSnapshot() = (%d, %v), want %d", latest.ID, err, second.ID)
	}

	summaries, err := s.ListSnapshots(ctx, link.ID)
	if err != nil {
		t.Fatalf("ListSnapshots() unexpected error: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != second.ID || summaries[1].ID != first.ID {
		t.Fatalf("ListSnapshots() = %+v, want newest first", summaries)
	}
	if summaries[1].ContributorCount != 1 || summaries[1].TotalCommits != 2 {
		t.Fatalf("summary = %+v, want 1 contributor and 2 commits", summaries[1])
	}

	loaded, err := s.GetSnapshot(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() unexpected error: %v", err)
	}
	if loaded.Users[0].CommitsByDay["2025-02-18"] != 2 {
		t.Fatalf("GetSnapshot() users = %+v", loaded.Users)
	}

	updated, err := s.GetLink(ctx, link.ID)
	if err != nil {
		t.Fatalf("GetLink() unexpected error: %v", err)
	}
	if updated.LastSyncedAt == nil || !updated.LastSyncedAt.Equal(later) {
		t.Fatalf("LastSyncedAt = %v, want %v", updated.LastSyncedAt, later)
	}
	if updated.NextSyncAt == nil || !updated.NextSyncAt.Equal(later.Add(time.Hour)) {
		t.Fatalf("NextSyncAt = %v, want %v", updated.NextSyncAt, later.Add(time.Hour))
	}

	if _, err := s.SaveSnapshot(ctx, Snapshot{LinkID: 999}, LinkSync{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveSnapshot() unknown link error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreMembers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestMemoryStore()
	s.AddProjectMember(1, 20, "bob@example.com")
	s.AddProjectMember(1, 10, "alice@example.com", "alice@work.example.com")
	if _, err := s.UpsertAccount(ctx, Account{UserID: 10, Login: "alice"}); err != nil {
		t.Fatalf("UpsertAccount() unexpected error: %v", err)
	}

	member, err := s.IsProjectMember(ctx, 1, 10)
	if err != nil || !member {
		t.Fatalf("IsProjectMember(1, 10) = (%t, %v), want true", member, err)
	}
	member, err = s.IsProjectMember(ctx, 2, 10)
	if err != nil || member {
		t.Fatalf("IsProjectMember(2, 10) = (%t, %v), want false", member, err)
	}

	members, err := s.ListProjectMembers(ctx, 1)
	if err != nil {
		t.Fatalf("ListProjectMembers() unexpected error: %v", err)
	}
	if len(members) != 2 || members[0].UserID != 10 || members[0].GithubLogin != "alice" || len(members[0].VerifiedEmails) != 2 {
		t.Fatalf("ListProjectMembers() = %+v", members)
	}
	if members[1].GithubLogin != "" {
		t.Fatalf("members[1].GithubLogin = %q, want empty", members[1].GithubLogin)
	}
}

func TestMemoryStoreAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestMemoryStore()

	if _, err := s.GetAccount(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAccount() error = %v, want ErrNotFound", err)
	}
	created, err := s.UpsertAccount(ctx, Account{UserID: 1, Login: "alice", AccessTokenEnc: "v1:a"})
	if err != nil {
		t.Fatalf("UpsertAccount() unexpected error: %v", err)
	}
	updated, err := s.UpsertAccount(ctx, Account{UserID: 1, Login: "alice", AccessTokenEnc: "v1:b"})
	if err != nil {
		t.Fatalf("UpsertAccount() unexpected error: %v", err)
	}
	if updated.ID != created.ID || updated.AccessTokenEnc != "v1:b" {
		t.Fatalf("UpsertAccount() = %+v, want same id with new token", updated)
	}
	if err := s.DeleteAccount(ctx, 1); err != nil {
		t.Fatalf("DeleteAccount() unexpected error: %v", err)
	}
	if err := s.DeleteAccount(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteAccount() twice error = %v, want ErrNotFound", err)
	}
}
