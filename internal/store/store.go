// Package store persists GitHub accounts, repositories, project links and
// analysis snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cam3ron2/repo-insights/internal/aggregate"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness rule would be violated.
	ErrConflict = errors.New("conflict")
)

// Trigger records what started an analysis run.
type Trigger string

const (
	// TriggerManual is a user-requested analysis.
	TriggerManual Trigger = "manual"
	// TriggerLink is the first analysis run right after linking.
	TriggerLink Trigger = "link"
	// TriggerAuto is a scheduler-started analysis.
	TriggerAuto Trigger = "auto"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerLink, TriggerAuto:
		return true
	}
	return false
}

// Account is a user's connected GitHub identity. Token fields hold sealed
// ciphertext, never plaintext.
type Account struct {
	ID                    int64
	UserID                int64
	GithubUserID          int64
	Login                 string
	Email                 string
	AccessTokenEnc        string
	RefreshTokenEnc       string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Repository is a GitHub repository known to the system.
type Repository struct {
	ID             int64      `json:"id"`
	GithubRepoID   int64      `json:"githubRepoId"`
	Name           string     `json:"name"`
	FullName       string     `json:"fullName"`
	OwnerLogin     string     `json:"ownerLogin"`
	HTMLURL        string     `json:"htmlUrl"`
	IsPrivate      bool       `json:"isPrivate"`
	DefaultBranch  string     `json:"defaultBranch"`
	InstallationID *int64     `json:"installationId"`
	RepoCreatedAt  *time.Time `json:"repoCreatedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Link attaches a repository to a project.
type Link struct {
	ID                  int64      `json:"id"`
	ProjectID           int64      `json:"projectId"`
	RepositoryID        int64      `json:"repositoryId"`
	LinkedByUserID      int64      `json:"linkedByUserId"`
	IsActive            bool       `json:"isActive"`
	AutoSyncEnabled     bool       `json:"autoSyncEnabled"`
	SyncIntervalMinutes int        `json:"syncIntervalMinutes"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt"`
	NextSyncAt          *time.Time `json:"nextSyncAt"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Snapshot is one persisted analysis result for a link.
type Snapshot struct {
	ID            int64                `json:"id"`
	LinkID        int64                `json:"linkId"`
	AnalysedAt    time.Time            `json:"analysedAt"`
	DefaultBranch string               `json:"defaultBranch"`
	WindowStart   *time.Time           `json:"windowStart"`
	WindowEnd     time.Time            `json:"windowEnd"`
	Trigger       Trigger              `json:"trigger"`
	Users         []aggregate.UserStat `json:"userStats"`
	Repo          aggregate.RepoStat   `json:"repoStat"`
	// BoundarySHAs are counted commits committed at or after WindowEnd.
	// GitHub returns them again for a since query at WindowEnd.
	BoundarySHAs []string `json:"boundaryShas,omitempty"`
}

// Summary returns the list view of s.
func (s Snapshot) Summary() SnapshotSummary {
	return SnapshotSummary{
		ID:               s.ID,
		LinkID:           s.LinkID,
		AnalysedAt:       s.AnalysedAt,
		DefaultBranch:    s.DefaultBranch,
		WindowStart:      s.WindowStart,
		WindowEnd:        s.WindowEnd,
		Trigger:          s.Trigger,
		TotalCommits:     s.Repo.TotalCommits,
		TotalAdditions:   s.Repo.TotalAdditions,
		TotalDeletions:   s.Repo.TotalDeletions,
		ContributorCount: len(s.Users),
	}
}

// SnapshotSummary is a snapshot without its per-contributor rows.
type SnapshotSummary struct {
	ID               int64      `json:"id"`
	LinkID           int64      `json:"linkId"`
	AnalysedAt       time.Time  `json:"analysedAt"`
	DefaultBranch    string     `json:"defaultBranch"`
	WindowStart      *time.Time `json:"windowStart"`
	WindowEnd        time.Time  `json:"windowEnd"`
	Trigger          Trigger    `json:"trigger"`
	TotalCommits     int        `json:"totalCommits"`
	TotalAdditions   int        `json:"totalAdditions"`
	TotalDeletions   int        `json:"totalDeletions"`
	ContributorCount int        `json:"contributorCount"`
}

// LinkSync carries the link timestamps written alongside a snapshot.
type LinkSync struct {
	LastSyncedAt time.Time
	NextSyncAt   time.Time
}

// SyncSettings is the mutable auto-sync configuration of a link.
type SyncSettings struct {
	AutoSyncEnabled     bool
	SyncIntervalMinutes int
	NextSyncAt          *time.Time
}

// Member is a project member with the identities used for contributor matching.
type Member struct {
	ProjectID      int64
	UserID         int64
	VerifiedEmails []string
	GithubLogin    string
}

// Accounts persists connected GitHub accounts.
type Accounts interface {
	GetAccount(ctx context.Context, userID int64) (Account, error)
	UpsertAccount(ctx context.Context, account Account) (Account, error)
	DeleteAccount(ctx context.Context, userID int64) error
}

// Repositories persists repository metadata.
type Repositories interface {
	UpsertRepository(ctx context.Context, repo Repository) (Repository, error)
	GetRepository(ctx context.Context, id int64) (Repository, error)
}

// Links persists project links.
type Links interface {
	CreateLink(ctx context.Context, link Link) (Link, error)
	GetLink(ctx context.Context, id int64) (Link, error)
	ListLinks(ctx context.Context, projectID int64) ([]Link, error)
	ActiveLinkForProject(ctx context.Context, projectID int64) (Link, error)
	DeactivateLink(ctx context.Context, id int64) error
	UpdateSyncSettings(ctx context.Context, id int64, settings SyncSettings) (Link, error)
	ListDueLinks(ctx context.Context, now time.Time, limit int) ([]Link, error)
}

// Snapshots persists analysis results.
type Snapshots interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot, sync LinkSync) (Snapshot, error)
	GetSnapshot(ctx context.Context, id int64) (Snapshot, error)
	LatestSnapshot(ctx context.Context, linkID int64) (Snapshot, error)
	ListSnapshots(ctx context.Context, linkID int64) ([]SnapshotSummary, error)
}

// Members reads project membership owned by the surrounding application.
type Members interface {
	IsProjectMember(ctx context.Context, projectID, userID int64) (bool, error)
	ListProjectMembers(ctx context.Context, projectID int64) ([]Member, error)
}

// Store is the full persistence surface.
type Store interface {
	Accounts
	Repositories
	Links
	Snapshots
	Members
	Ping(ctx context.Context) error
	Close()
}
