// Package live answers branch and commit questions straight from GitHub
// without persisting anything.
package live

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/repo-insights/internal/aggregate"
	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/statscache"
	"github.com/cam3ron2/repo-insights/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBranchCommitLimit is used when no limit is requested.
	DefaultBranchCommitLimit = 20
	// MaxBranchCommitLimit caps branch commit listings.
	MaxBranchCommitLimit = 100
	// DefaultPerPage is the page size of the caller's commit listing.
	DefaultPerPage = 30
	// MaxPerPage caps the page size of the caller's commit listing.
	MaxPerPage = 100

	defaultCompareConcurrency = 4
	defaultStatsConcurrency   = 8
)

// History reads branches and commits from GitHub.
type History interface {
	ListBranches(ctx context.Context, ref githubapi.RepoRef) ([]githubapi.Branch, error)
	CompareBranches(ctx context.Context, ref githubapi.RepoRef, base, head string) (githubapi.Comparison, error)
	ListBranchCommits(ctx context.Context, ref githubapi.RepoRef, branch string, limit int) ([]githubapi.Commit, error)
	ListAuthorCommits(ctx context.Context, ref githubapi.RepoRef, author string) ([]githubapi.Commit, error)
	ListAuthorCommitsPage(ctx context.Context, ref githubapi.RepoRef, author string, page, perPage int) (githubapi.CommitPage, error)
	CommitStats(ctx context.Context, ref githubapi.RepoRef, shas []string, concurrency int) (map[string]statscache.Stats, error)
}

// Authorizer resolves a link the caller is allowed to read.
type Authorizer interface {
	AuthorizeLink(ctx context.Context, userID, linkID int64) (store.Link, store.Repository, error)
}

// Accounts provides the caller's GitHub identity.
type Accounts interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
	Login(ctx context.Context, userID int64) (string, error)
}

// Config configures the live query service.
type Config struct {
	History            History
	Authorizer         Authorizer
	Accounts           Accounts
	Logger             *zap.Logger
	CompareConcurrency int
	StatsConcurrency   int
}

// Service serves live queries for linked repositories.
type Service struct {
	history            History
	authorizer         Authorizer
	accounts           Accounts
	logger             *zap.Logger
	compareConcurrency int
	statsConcurrency   int
}

// BranchInfo is a branch with its relation to the default branch.
type BranchInfo struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
	IsDefault bool   `json:"isDefault"`
	Status    string `json:"status"`
	AheadBy   int    `json:"aheadBy"`
	BehindBy  int    `json:"behindBy"`
}

// CommitView is a commit as returned by live endpoints.
type CommitView struct {
	SHA         string                `json:"sha"`
	Message     string                `json:"message"`
	AuthorLogin string                `json:"authorLogin,omitempty"`
	AuthorName  string                `json:"authorName,omitempty"`
	AuthorEmail string                `json:"authorEmail,omitempty"`
	AuthoredAt  *time.Time            `json:"authoredAt"`
	HTMLURL     string                `json:"htmlUrl,omitempty"`
	IsMerge     bool                  `json:"isMerge"`
	Stats       *aggregate.LineChange `json:"stats,omitempty"`
}

// BranchCommits is the recent history of one branch.
type BranchCommits struct {
	Branch  string       `json:"branch"`
	Limit   int          `json:"limit"`
	Commits []CommitView `json:"commits"`
}

// MyCommits is one page of the caller's commits.
type MyCommits struct {
	Login       string            `json:"login"`
	Page        int               `json:"page"`
	PerPage     int               `json:"perPage"`
	HasNextPage bool              `json:"hasNextPage"`
	Commits     []CommitView      `json:"commits"`
	Totals      *aggregate.Totals `json:"totals,omitempty"`
}

// New creates a live query service.
func New(cfg Config) (*Service, error) {
	if cfg.History == nil || cfg.Authorizer == nil || cfg.Accounts == nil {
		return nil, fmt.Errorf("history, authorizer and accounts are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	compare := cfg.CompareConcurrency
	if compare <= 0 {
		compare = defaultCompareConcurrency
	}
	stats := cfg.StatsConcurrency
	if stats <= 0 {
		stats = defaultStatsConcurrency
	}
	return &Service{
		history:            cfg.History,
		authorizer:         cfg.Authorizer,
		accounts:           cfg.Accounts,
		logger:             logger,
		compareConcurrency: compare,
		statsConcurrency:   stats,
	}, nil
}

// Branches lists the repository's branches with ahead/behind counts against
// the default branch. The default branch comes first, the rest by name.
func (s *Service) Branches(ctx context.Context, userID, linkID int64) ([]BranchInfo, error) {
	ref, repo, err := s.resolve(ctx, userID, linkID)
	if err != nil {
		return nil, err
	}

	branches, err := s.history.ListBranches(ctx, ref)
	if err != nil {
		return nil, githubapi.DomainError("list branches", err)
	}

	out := make([]BranchInfo, len(branches))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.compareConcurrency)
	for i, branch := range branches {
		out[i] = BranchInfo{Name: branch.Name, SHA: branch.SHA, Protected: branch.Protected}
		if branch.Name == repo.DefaultBranch {
			out[i].IsDefault = true
			out[i].Status = "identical"
			continue
		}
		group.Go(func() error {
			comparison, err := s.history.CompareBranches(groupCtx, ref, repo.DefaultBranch, branch.Name)
			if githubapi.IsStatus(err, http.StatusNotFound) {
				s.logger.Debug("branch comparison unavailable", zap.String("branch", branch.Name), zap.Error(err))
				out[i].Status = "unknown"
				return nil
			}
			if err != nil {
				return githubapi.DomainError("compare branches", err)
			}
			out[i].Status = comparison.Status
			out[i].AheadBy = comparison.AheadBy
			out[i].BehindBy = comparison.BehindBy
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// BranchCommits lists the newest commits of branch. The limit defaults to 20
// and is clamped to 1..100.
func (s *Service) BranchCommits(ctx context.Context, userID, linkID int64, branch string, limit int) (BranchCommits, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return BranchCommits{}, apperr.BadRequest("branch is required")
	}
	limit = clamp(limit, DefaultBranchCommitLimit, MaxBranchCommitLimit)

	ref, _, err := s.resolve(ctx, userID, linkID)
	if err != nil {
		return BranchCommits{}, err
	}
	commits, err := s.history.ListBranchCommits(ctx, ref, branch, limit)
	if err != nil {
		return BranchCommits{}, githubapi.DomainError("list branch commits", err)
	}

	views := make([]CommitView, 0, len(commits))
	for _, commit := range commits {
		views = append(views, toView(commit, nil))
	}
	return BranchCommits{Branch: branch, Limit: limit, Commits: views}, nil
}

// MyCommits lists one page of the caller's commits, matched by their
// connected GitHub login. With includeTotals, totals over the caller's full
// history are computed from cached commit stats.
func (s *Service) MyCommits(ctx context.Context, userID, linkID int64, page, perPage int, includeTotals bool) (MyCommits, error) {
	if page <= 0 {
		page = 1
	}
	perPage = clamp(perPage, DefaultPerPage, MaxPerPage)

	ref, _, err := s.resolve(ctx, userID, linkID)
	if err != nil {
		return MyCommits{}, err
	}
	login, err := s.accounts.Login(ctx, userID)
	if err != nil {
		return MyCommits{}, err
	}

	listing, err := s.history.ListAuthorCommitsPage(ctx, ref, login, page, perPage)
	if err != nil {
		return MyCommits{}, githubapi.DomainError("list author commits", err)
	}
	stats, err := s.history.CommitStats(ctx, ref, shasOf(listing.Commits), s.statsConcurrency)
	if err != nil {
		return MyCommits{}, githubapi.DomainError("fetch commit stats", err)
	}

	result := MyCommits{
		Login:       login,
		Page:        listing.Page,
		PerPage:     listing.PerPage,
		HasNextPage: listing.HasNextPage,
		Commits:     make([]CommitView, 0, len(listing.Commits)),
	}
	lines := githubapi.LineChanges(stats)
	for _, commit := range listing.Commits {
		var change *aggregate.LineChange
		if value, ok := lines[commit.SHA]; ok {
			change = &value
		}
		result.Commits = append(result.Commits, toView(commit, change))
	}

	if includeTotals {
		totals, err := s.totals(ctx, ref, login)
		if err != nil {
			return MyCommits{}, err
		}
		result.Totals = &totals
	}
	return result, nil
}

func (s *Service) totals(ctx context.Context, ref githubapi.RepoRef, login string) (aggregate.Totals, error) {
	commits, err := s.history.ListAuthorCommits(ctx, ref, login)
	if err != nil {
		return aggregate.Totals{}, githubapi.DomainError("list author commits", err)
	}
	stats, err := s.history.CommitStats(ctx, ref, shasOf(commits), s.statsConcurrency)
	if err != nil {
		return aggregate.Totals{}, githubapi.DomainError("fetch commit stats", err)
	}
	return aggregate.Summarize(githubapi.AggregateCommits(commits), githubapi.LineChanges(stats)), nil
}

func (s *Service) resolve(ctx context.Context, userID, linkID int64) (githubapi.RepoRef, store.Repository, error) {
	_, repo, err := s.authorizer.AuthorizeLink(ctx, userID, linkID)
	if err != nil {
		return githubapi.RepoRef{}, store.Repository{}, err
	}
	token, err := s.accounts.AccessToken(ctx, userID)
	if err != nil {
		return githubapi.RepoRef{}, store.Repository{}, err
	}
	ref, err := githubapi.ParseRepoRef(repo.FullName, token)
	if err != nil {
		return githubapi.RepoRef{}, store.Repository{}, err
	}
	return ref, repo, nil
}

func toView(commit githubapi.Commit, stats *aggregate.LineChange) CommitView {
	view := CommitView{
		SHA:         commit.SHA,
		Message:     commit.Message,
		AuthorLogin: commit.AuthorLogin,
		AuthorName:  commit.AuthorName,
		AuthorEmail: commit.AuthorEmail,
		HTMLURL:     commit.HTMLURL,
		IsMerge:     aggregate.IsMergePullRequest(commit.Message),
		Stats:       stats,
	}
	if !commit.AuthoredAt.IsZero() {
		authored := commit.AuthoredAt.UTC()
		view.AuthoredAt = &authored
	}
	return view
}

func shasOf(commits []githubapi.Commit) []string {
	shas := make([]string, 0, len(commits))
	for _, commit := range commits {
		shas = append(shas, commit.SHA)
	}
	return shas
}

func clamp(value, fallback, maximum int) int {
	switch {
	case value == 0:
		return fallback
	case value < 1:
		return 1
	case value > maximum:
		return maximum
	default:
		return value
	}
}
