// Package aggregate turns raw commits and per-commit line stats into
// contributor rollups and repository histograms, and merges rollups from
// successive fetch windows.
package aggregate

import (
	"sort"
	"strings"
	"time"
)

const (
	// MergePullRequestPrefix marks commits created by merging a pull request.
	MergePullRequestPrefix = "Merge pull request"
	// MaxSampleCommits bounds the sample commit list stored with a snapshot.
	MaxSampleCommits = 200
	// DayLayout is the UTC day key format used by every histogram.
	DayLayout = "2006-01-02"
)

// LineChange is an additions/deletions pair.
type LineChange struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Commit is one commit as seen by the aggregation engine.
type Commit struct {
	SHA         string
	AuthorLogin string
	AuthorEmail string
	AuthorName  string
	Message     string
	HTMLURL     string
	// AuthoredAt is zero when the author timestamp could not be parsed.
	AuthoredAt time.Time
}

// SampleCommit is a compact commit record kept with snapshots for display.
type SampleCommit struct {
	SHA            string    `json:"sha"`
	Message        string    `json:"message"`
	ContributorKey string    `json:"contributorKey"`
	AuthorLogin    string    `json:"authorLogin,omitempty"`
	AuthorName     string    `json:"authorName,omitempty"`
	AuthoredAt     time.Time `json:"authoredAt"`
	Additions      int       `json:"additions"`
	Deletions      int       `json:"deletions"`
	IsMerge        bool      `json:"isMerge"`
	HTMLURL        string    `json:"htmlUrl,omitempty"`
}

// UserStat is the rollup for one contributor identity.
type UserStat struct {
	ContributorKey  string         `json:"contributorKey"`
	Login           string         `json:"login,omitempty"`
	Email           string         `json:"email,omitempty"`
	DisplayName     string         `json:"displayName,omitempty"`
	MatchedUserID   *int64         `json:"matchedUserId"`
	Commits         int            `json:"commits"`
	Additions       int            `json:"additions"`
	Deletions       int            `json:"deletions"`
	CommitsByDay    map[string]int `json:"commitsByDay"`
	CommitsByBranch map[string]int `json:"commitsByBranch"`
	FirstCommitAt   time.Time      `json:"firstCommitAt"`
	LastCommitAt    time.Time      `json:"lastCommitAt"`
}

// RepoStat holds repository-wide totals, histograms, and mapping coverage.
type RepoStat struct {
	TotalCommits          int                   `json:"totalCommits"`
	TotalAdditions        int                   `json:"totalAdditions"`
	TotalDeletions        int                   `json:"totalDeletions"`
	MergeCommits          int                   `json:"mergeCommits"`
	MergeAdditions        int                   `json:"mergeAdditions"`
	MergeDeletions        int                   `json:"mergeDeletions"`
	CommitsByDay          map[string]int        `json:"commitsByDay"`
	CommitsByBranch       map[string]int        `json:"commitsByBranch"`
	LineChangesByDay      map[string]LineChange `json:"lineChangesByDay"`
	SampleCommits         []SampleCommit        `json:"sampleCommits"`
	MatchedContributors   int                   `json:"matchedContributors"`
	UnmatchedContributors int                   `json:"unmatchedContributors"`
	MatchedCommits        int                   `json:"matchedCommits"`
	UnmatchedCommits      int                   `json:"unmatchedCommits"`
}

// NonMergeAdditions returns additions excluding merge pull request commits.
func (r RepoStat) NonMergeAdditions() int {
	return r.TotalAdditions - r.MergeAdditions
}

// NonMergeDeletions returns deletions excluding merge pull request commits.
func (r RepoStat) NonMergeDeletions() int {
	return r.TotalDeletions - r.MergeDeletions
}

// Result is the output of one aggregation pass.
type Result struct {
	Users []UserStat
	Repo  RepoStat
}

// IsMergePullRequest reports whether a commit message marks a pull request merge.
func IsMergePullRequest(message string) bool {
	return strings.HasPrefix(message, MergePullRequestPrefix)
}

// ContributorKey derives the grouping key for a commit author.
func ContributorKey(login, email, name string) string {
	if trimmed := strings.TrimSpace(login); trimmed != "" {
		return "login:" + strings.ToLower(trimmed)
	}
	if trimmed := strings.TrimSpace(email); trimmed != "" {
		return "email:" + strings.ToLower(trimmed)
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return "unmatched:" + strings.ToLower(trimmed)
	}
	return "unmatched:unknown"
}

// DayKey formats a timestamp as a UTC day key.
func DayKey(ts time.Time) string {
	return ts.UTC().Format(DayLayout)
}

// Aggregate rolls up commits observed on branch. Commits without a timestamp
// or without an entry in stats are skipped.
func Aggregate(branch string, commits []Commit, stats map[string]LineChange) Result {
	repo := newRepoStat()
	users := make(map[string]*UserStat)
	samples := make([]SampleCommit, 0, min(len(commits), MaxSampleCommits))

	for _, commit := range commits {
		if commit.AuthoredAt.IsZero() {
			continue
		}
		lines, ok := stats[commit.SHA]
		if !ok {
			continue
		}

		day := DayKey(commit.AuthoredAt)
		isMerge := IsMergePullRequest(commit.Message)
		key := ContributorKey(commit.AuthorLogin, commit.AuthorEmail, commit.AuthorName)

		repo.TotalCommits++
		repo.TotalAdditions += lines.Additions
		repo.TotalDeletions += lines.Deletions
		if isMerge {
			repo.MergeCommits++
			repo.MergeAdditions += lines.Additions
			repo.MergeDeletions += lines.Deletions
		}
		repo.CommitsByDay[day]++
		repo.CommitsByBranch[branch]++
		dayLines := repo.LineChangesByDay[day]
		dayLines.Additions += lines.Additions
		dayLines.Deletions += lines.Deletions
		repo.LineChangesByDay[day] = dayLines

		user, exists := users[key]
		if !exists {
			user = &UserStat{
				ContributorKey:  key,
				Login:           commit.AuthorLogin,
				Email:           commit.AuthorEmail,
				DisplayName:     commit.AuthorName,
				CommitsByDay:    make(map[string]int),
				CommitsByBranch: make(map[string]int),
			}
			users[key] = user
		}
		fillIdentity(user, commit)
		user.Commits++
		user.Additions += lines.Additions
		user.Deletions += lines.Deletions
		user.CommitsByDay[day]++
		user.CommitsByBranch[branch]++
		user.FirstCommitAt = earliest(user.FirstCommitAt, commit.AuthoredAt.UTC())
		user.LastCommitAt = latest(user.LastCommitAt, commit.AuthoredAt.UTC())

		samples = append(samples, SampleCommit{
			SHA:            commit.SHA,
			Message:        firstLine(commit.Message),
			ContributorKey: key,
			AuthorLogin:    commit.AuthorLogin,
			AuthorName:     commit.AuthorName,
			AuthoredAt:     commit.AuthoredAt.UTC(),
			Additions:      lines.Additions,
			Deletions:      lines.Deletions,
			IsMerge:        isMerge,
			HTMLURL:        commit.HTMLURL,
		})
	}

	sortSamples(samples)
	repo.SampleCommits = MergeSampleCommits(samples, nil)

	return Result{
		Users: sortedUsers(users),
		Repo:  repo,
	}
}

func newRepoStat() RepoStat {
	return RepoStat{
		CommitsByDay:     make(map[string]int),
		CommitsByBranch:  make(map[string]int),
		LineChangesByDay: make(map[string]LineChange),
		SampleCommits:    []SampleCommit{},
	}
}

func fillIdentity(user *UserStat, commit Commit) {
	if user.Login == "" {
		user.Login = commit.AuthorLogin
	}
	if user.Email == "" {
		user.Email = commit.AuthorEmail
	}
	if user.DisplayName == "" {
		user.DisplayName = commit.AuthorName
	}
}

func firstLine(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return strings.TrimSpace(line)
}

func sortSamples(samples []SampleCommit) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].AuthoredAt.After(samples[j].AuthoredAt)
	})
}

func sortedUsers(users map[string]*UserStat) []UserStat {
	out := make([]UserStat, 0, len(users))
	for _, user := range users {
		out = append(out, *user)
	}
	sortUserStats(out)
	return out
}

func sortUserStats(users []UserStat) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Commits != users[j].Commits {
			return users[i].Commits > users[j].Commits
		}
		return users[i].ContributorKey < users[j].ContributorKey
	})
}

func earliest(current, candidate time.Time) time.Time {
	if current.IsZero() {
		return candidate
	}
	if candidate.IsZero() || current.Before(candidate) {
		return current
	}
	return candidate
}

func latest(current, candidate time.Time) time.Time {
	if current.IsZero() {
		return candidate
	}
	if candidate.IsZero() || current.After(candidate) {
		return current
	}
	return candidate
}
