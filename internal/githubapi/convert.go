package githubapi

import (
	"github.com/cam3ron2/repo-insights/internal/aggregate"
	"github.com/cam3ron2/repo-insights/internal/statscache"
)

// AggregateCommits converts commit summaries into aggregation input.
func AggregateCommits(commits []Commit) []aggregate.Commit {
	out := make([]aggregate.Commit, 0, len(commits))
	for _, commit := range commits {
		out = append(out, aggregate.Commit{
			SHA:         commit.SHA,
			AuthorLogin: commit.AuthorLogin,
			AuthorEmail: commit.AuthorEmail,
			AuthorName:  commit.AuthorName,
			Message:     commit.Message,
			HTMLURL:     commit.HTMLURL,
			AuthoredAt:  commit.AuthoredAt,
		})
	}
	return out
}

// LineChanges converts fetched commit stats keyed by SHA.
func LineChanges(stats map[string]statscache.Stats) map[string]aggregate.LineChange {
	out := make(map[string]aggregate.LineChange, len(stats))
	for sha, stat := range stats {
		out[sha] = aggregate.LineChange{Additions: stat.Additions, Deletions: stat.Deletions}
	}
	return out
}
