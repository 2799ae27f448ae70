// Package linking attaches GitHub repositories to projects and serves the
// snapshot history of those links.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/snapshot"
	"github.com/cam3ron2/repo-insights/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the link service needs.
type Store interface {
	store.Repositories
	store.Links
	store.Snapshots
	store.Members
}

// Analyzer runs snapshot analyses.
type Analyzer interface {
	Run(ctx context.Context, linkID int64, trigger store.Trigger) (store.Snapshot, error)
}

// Accounts provides the caller's GitHub token.
type Accounts interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
}

// InstallationRepos lists repositories visible through app installations.
type InstallationRepos interface {
	ListInstallationRepos(ctx context.Context, token string) ([]githubapi.InstallationRepo, error)
}

// InstallationFinder resolves the app installation covering a repository.
type InstallationFinder interface {
	InstallationForRepo(ctx context.Context, owner, repo string) (int64, error)
}

// Config configures the link service.
type Config struct {
	Store        Store
	Analyzer     Analyzer
	Accounts     Accounts
	Repositories InstallationRepos
	// Installations is nil when no GitHub App is configured.
	Installations InstallationFinder
	Logger        *zap.Logger
	Now           func() time.Time
}

// Service manages project links.
type Service struct {
	store         Store
	analyzer      Analyzer
	accounts      Accounts
	repositories  InstallationRepos
	installations InstallationFinder
	logger        *zap.Logger
	now           func() time.Time
}

// LinkInput is the repository a caller wants to link.
type LinkInput struct {
	GithubRepoID  int64  `json:"githubRepoId"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	HTMLURL       string `json:"htmlUrl"`
	IsPrivate     bool   `json:"isPrivate"`
	OwnerLogin    string `json:"ownerLogin"`
	DefaultBranch string `json:"defaultBranch"`
}

// SyncSettingsInput is a partial update of a link's auto-sync settings.
type SyncSettingsInput struct {
	AutoSyncEnabled     *bool `json:"autoSyncEnabled"`
	SyncIntervalMinutes *int  `json:"syncIntervalMinutes"`
}

// LinkView is a link with its repository.
type LinkView struct {
	store.Link
	Repository store.Repository `json:"repository"`
}

// LinkResult is the outcome of linking a repository.
type LinkResult struct {
	Link       store.Link       `json:"link"`
	Repository store.Repository `json:"repository"`
	Snapshot   store.Snapshot   `json:"snapshot"`
}

// ContributorCoverage is one contributor in a mapping coverage report.
type ContributorCoverage struct {
	ContributorKey string `json:"contributorKey"`
	Login          string `json:"login,omitempty"`
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	MatchedUserID  *int64 `json:"matchedUserId"`
	Commits        int    `json:"commits"`
}

// Coverage reports how many contributors of the latest snapshot resolved to
// project members.
type Coverage struct {
	SnapshotID            int64                 `json:"snapshotId"`
	AnalysedAt            time.Time             `json:"analysedAt"`
	MatchedContributors   int                   `json:"matchedContributors"`
	UnmatchedContributors int                   `json:"unmatchedContributors"`
	MatchedCommits        int                   `json:"matchedCommits"`
	UnmatchedCommits      int                   `json:"unmatchedCommits"`
	Matched               []ContributorCoverage `json:"matched"`
	Unmatched             []ContributorCoverage `json:"unmatched"`
}

// New creates a link service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Analyzer == nil || cfg.Accounts == nil || cfg.Repositories == nil {
		return nil, fmt.Errorf("store, analyzer, accounts and repositories are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:         cfg.Store,
		analyzer:      cfg.Analyzer,
		accounts:      cfg.Accounts,
		repositories:  cfg.Repositories,
		installations: cfg.Installations,
		logger:        logger,
		now:           now,
	}, nil
}

// Link attaches a repository to a project and runs its first analysis. When
// that analysis fails the link is deactivated again.
func (s *Service) Link(ctx context.Context, userID, projectID int64, input LinkInput) (LinkResult, error) {
	ref, err := validateLinkInput(input)
	if err != nil {
		return LinkResult{}, err
	}
	if err := s.requireMember(ctx, projectID, userID); err != nil {
		return LinkResult{}, err
	}

	_, err = s.store.ActiveLinkForProject(ctx, projectID)
	switch {
	case err == nil:
		return LinkResult{}, apperr.Conflict("project already has an active GitHub repository link")
	case !errors.Is(err, store.ErrNotFound):
		return LinkResult{}, fmt.Errorf("load active link: %w", err)
	}

	repo := store.Repository{
		GithubRepoID:  input.GithubRepoID,
		Name:          strings.TrimSpace(input.Name),
		FullName:      ref.FullName(),
		OwnerLogin:    firstNonEmpty(strings.TrimSpace(input.OwnerLogin), ref.Owner),
		HTMLURL:       strings.TrimSpace(input.HTMLURL),
		IsPrivate:     input.IsPrivate,
		DefaultBranch: strings.TrimSpace(input.DefaultBranch),
	}
	if repo.Name == "" {
		repo.Name = ref.Name
	}
	if s.installations != nil {
		installationID, err := s.installations.InstallationForRepo(ctx, ref.Owner, ref.Name)
		if errors.Is(err, githubapi.ErrAppNotInstalled) {
			return LinkResult{}, apperr.Forbidden("the GitHub App is not installed on this repository")
		}
		if err != nil {
			return LinkResult{}, githubapi.DomainError("find repository installation", err)
		}
		repo.InstallationID = &installationID
	}

	repo, err = s.store.UpsertRepository(ctx, repo)
	if err != nil {
		return LinkResult{}, fmt.Errorf("store repository: %w", err)
	}
	link, err := s.store.CreateLink(ctx, store.Link{
		ProjectID:           projectID,
		RepositoryID:        repo.ID,
		LinkedByUserID:      userID,
		AutoSyncEnabled:     true,
		SyncIntervalMinutes: snapshot.DefaultSyncIntervalMinutes,
	})
	if errors.Is(err, store.ErrConflict) {
		return LinkResult{}, apperr.Conflict("project already has an active GitHub repository link")
	}
	if err != nil {
		return LinkResult{}, fmt.Errorf("create link: %w", err)
	}

	logger := s.logger.With(
		zap.Int64("project_id", projectID),
		zap.Int64("link_id", link.ID),
		zap.String("repository", repo.FullName),
	)
	saved, err := s.analyzer.Run(ctx, link.ID, store.TriggerLink)
	if err != nil {
		logger.Warn("initial analysis failed, deactivating link", zap.Error(err))
		// The request context may already be done; the rollback must still land.
		if deactivateErr := s.store.DeactivateLink(context.WithoutCancel(ctx), link.ID); deactivateErr != nil {
			logger.Error("deactivate link after failed analysis", zap.Error(deactivateErr))
		}
		return LinkResult{}, apperr.Upstream("initial analysis failed: "+err.Error(), err)
	}

	link, err = s.store.GetLink(ctx, link.ID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("reload link: %w", err)
	}
	logger.Info("repository linked", zap.Int64("snapshot_id", saved.ID))
	return LinkResult{Link: link, Repository: repo, Snapshot: saved}, nil
}

// ListLinks returns the project's active links.
func (s *Service) ListLinks(ctx context.Context, userID, projectID int64) ([]LinkView, error) {
	if err := s.requireMember(ctx, projectID, userID); err != nil {
		return nil, err
	}
	links, err := s.store.ListLinks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	views := make([]LinkView, 0, len(links))
	for _, link := range links {
		repo, err := s.store.GetRepository(ctx, link.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("load repository %d: %w", link.RepositoryID, err)
		}
		views = append(views, LinkView{Link: link, Repository: repo})
	}
	return views, nil
}

// Unlink deactivates a project's link. Snapshots are kept.
func (s *Service) Unlink(ctx context.Context, userID, projectID, linkID int64) error {
	if err := s.requireMember(ctx, projectID, userID); err != nil {
		return err
	}
	link, err := s.activeLink(ctx, linkID)
	if err != nil {
		return err
	}
	if link.ProjectID != projectID {
		return apperr.NotFound("link not found")
	}
	if err := s.store.DeactivateLink(ctx, linkID); err != nil {
		return fmt.Errorf("deactivate link: %w", err)
	}
	s.logger.Info("repository unlinked", zap.Int64("project_id", projectID), zap.Int64("link_id", linkID))
	return nil
}

// UpdateSyncSettings changes auto-sync settings. The interval is clamped and
// the next sync time is recomputed from the last sync.
func (s *Service) UpdateSyncSettings(ctx context.Context, userID, linkID int64, input SyncSettingsInput) (store.Link, error) {
	link, _, err := s.AuthorizeLink(ctx, userID, linkID)
	if err != nil {
		return store.Link{}, err
	}

	settings := store.SyncSettings{
		AutoSyncEnabled:     link.AutoSyncEnabled,
		SyncIntervalMinutes: link.SyncIntervalMinutes,
	}
	if input.AutoSyncEnabled != nil {
		settings.AutoSyncEnabled = *input.AutoSyncEnabled
	}
	if input.SyncIntervalMinutes != nil {
		settings.SyncIntervalMinutes = *input.SyncIntervalMinutes
	}
	settings.SyncIntervalMinutes = snapshot.ClampSyncInterval(settings.SyncIntervalMinutes)

	if settings.AutoSyncEnabled {
		base := s.now().UTC()
		if link.LastSyncedAt != nil {
			base = link.LastSyncedAt.UTC()
		}
		next := snapshot.NextSyncAt(base, settings.SyncIntervalMinutes)
		settings.NextSyncAt = &next
	}

	updated, err := s.store.UpdateSyncSettings(ctx, linkID, settings)
	if err != nil {
		return store.Link{}, fmt.Errorf("update sync settings: %w", err)
	}
	return updated, nil
}

// Analyse runs a manual analysis of a link.
func (s *Service) Analyse(ctx context.Context, userID, linkID int64) (store.Snapshot, error) {
	if _, _, err := s.AuthorizeLink(ctx, userID, linkID); err != nil {
		return store.Snapshot{}, err
	}
	return s.analyzer.Run(ctx, linkID, store.TriggerManual)
}

// ListSnapshots returns snapshot summaries of a link, newest first.
func (s *Service) ListSnapshots(ctx context.Context, userID, linkID int64) ([]store.SnapshotSummary, error) {
	if _, _, err := s.AuthorizeLink(ctx, userID, linkID); err != nil {
		return nil, err
	}
	summaries, err := s.store.ListSnapshots(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if summaries == nil {
		summaries = []store.SnapshotSummary{}
	}
	return summaries, nil
}

// GetSnapshot returns a snapshot of a link the caller can read.
func (s *Service) GetSnapshot(ctx context.Context, userID, snapshotID int64) (store.Snapshot, error) {
	found, err := s.store.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Snapshot{}, apperr.NotFound("snapshot not found")
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if _, _, err := s.AuthorizeLink(ctx, userID, found.LinkID); err != nil {
		return store.Snapshot{}, err
	}
	return found, nil
}

// LatestSnapshot returns the newest snapshot of a link.
func (s *Service) LatestSnapshot(ctx context.Context, userID, linkID int64) (store.Snapshot, error) {
	if _, _, err := s.AuthorizeLink(ctx, userID, linkID); err != nil {
		return store.Snapshot{}, err
	}
	return s.latest(ctx, linkID)
}

// MappingCoverage reports contributor resolution of the latest snapshot.
func (s *Service) MappingCoverage(ctx context.Context, userID, linkID int64) (Coverage, error) {
	if _, _, err := s.AuthorizeLink(ctx, userID, linkID); err != nil {
		return Coverage{}, err
	}
	latest, err := s.latest(ctx, linkID)
	if err != nil {
		return Coverage{}, err
	}

	coverage := Coverage{
		SnapshotID:            latest.ID,
		AnalysedAt:            latest.AnalysedAt,
		MatchedContributors:   latest.Repo.MatchedContributors,
		UnmatchedContributors: latest.Repo.UnmatchedContributors,
		MatchedCommits:        latest.Repo.MatchedCommits,
		UnmatchedCommits:      latest.Repo.UnmatchedCommits,
		Matched:               []ContributorCoverage{},
		Unmatched:             []ContributorCoverage{},
	}
	for _, user := range latest.Users {
		entry := ContributorCoverage{
			ContributorKey: user.ContributorKey,
			Login:          user.Login,
			Email:          user.Email,
			DisplayName:    user.DisplayName,
			MatchedUserID:  user.MatchedUserID,
			Commits:        user.Commits,
		}
		if user.MatchedUserID != nil {
			coverage.Matched = append(coverage.Matched, entry)
			continue
		}
		coverage.Unmatched = append(coverage.Unmatched, entry)
	}
	return coverage, nil
}

// ListRepos lists repositories the caller can link and records them.
func (s *Service) ListRepos(ctx context.Context, userID int64) ([]store.Repository, error) {
	token, err := s.accounts.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	visible, err := s.repositories.ListInstallationRepos(ctx, token)
	if err != nil {
		return nil, githubapi.DomainError("list installation repositories", err)
	}

	out := make([]store.Repository, 0, len(visible))
	for _, item := range visible {
		repo := store.Repository{
			GithubRepoID:  item.ID,
			Name:          item.Name,
			FullName:      item.FullName,
			OwnerLogin:    item.OwnerLogin,
			HTMLURL:       item.HTMLURL,
			IsPrivate:     item.IsPrivate,
			DefaultBranch: item.DefaultBranch,
		}
		if item.InstallationID > 0 {
			installationID := item.InstallationID
			repo.InstallationID = &installationID
		}
		if !item.CreatedAt.IsZero() {
			created := item.CreatedAt.UTC()
			repo.RepoCreatedAt = &created
		}
		saved, err := s.store.UpsertRepository(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("store repository %s: %w", item.FullName, err)
		}
		out = append(out, saved)
	}
	return out, nil
}

// AuthorizeLink loads an active link and checks that userID is a member of
// its project. Inactive links are reported as missing.
func (s *Service) AuthorizeLink(ctx context.Context, userID, linkID int64) (store.Link, store.Repository, error) {
	link, err := s.activeLink(ctx, linkID)
	if err != nil {
		return store.Link{}, store.Repository{}, err
	}
	if err := s.requireMember(ctx, link.ProjectID, userID); err != nil {
		return store.Link{}, store.Repository{}, err
	}
	repo, err := s.store.GetRepository(ctx, link.RepositoryID)
	if err != nil {
		return store.Link{}, store.Repository{}, fmt.Errorf("load repository: %w", err)
	}
	return link, repo, nil
}

func (s *Service) activeLink(ctx context.Context, linkID int64) (store.Link, error) {
	link, err := s.store.GetLink(ctx, linkID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !link.IsActive) {
		return store.Link{}, apperr.NotFound("link not found")
	}
	if err != nil {
		return store.Link{}, fmt.Errorf("load link: %w", err)
	}
	return link, nil
}

func (s *Service) latest(ctx context.Context, linkID int64) (store.Snapshot, error) {
	latest, err := s.store.LatestSnapshot(ctx, linkID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Snapshot{}, apperr.NotFound("link has no snapshots yet")
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	return latest, nil
}

func (s *Service) requireMember(ctx context.Context, projectID, userID int64) error {
	member, err := s.store.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("check project membership: %w", err)
	}
	if !member {
		return apperr.Forbidden("you are not a member of this project")
	}
	return nil
}

func validateLinkInput(input LinkInput) (githubapi.RepoRef, error) {
	if input.GithubRepoID <= 0 {
		return githubapi.RepoRef{}, apperr.BadRequest("githubRepoId must be a positive number")
	}
	ref, err := githubapi.ParseRepoRef(input.FullName, "")
	if err != nil {
		return githubapi.RepoRef{}, apperr.BadRequest("fullName must look like owner/name")
	}
	return ref, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
