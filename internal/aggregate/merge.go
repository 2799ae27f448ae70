package aggregate

// MergeCounts sums two count maps per key into a new map.
func MergeCounts(a, b map[string]int) map[string]int {
	out := make(map[string]int, len(a)+len(b))
	for key, value := range a {
		out[key] += value
	}
	for key, value := range b {
		out[key] += value
	}
	return out
}

// MergeLineChanges sums additions and deletions per day into a new map.
func MergeLineChanges(a, b map[string]LineChange) map[string]LineChange {
	out := make(map[string]LineChange, len(a)+len(b))
	for _, source := range []map[string]LineChange{a, b} {
		for day, lines := range source {
			merged := out[day]
			merged.Additions += lines.Additions
			merged.Deletions += lines.Deletions
			out[day] = merged
		}
	}
	return out
}

// MergeUserStat combines two rollups for the same contributor key.
func MergeUserStat(a, b UserStat) UserStat {
	merged := UserStat{
		ContributorKey:  a.ContributorKey,
		Login:           firstNonEmpty(a.Login, b.Login),
		Email:           firstNonEmpty(a.Email, b.Email),
		DisplayName:     firstNonEmpty(a.DisplayName, b.DisplayName),
		MatchedUserID:   a.MatchedUserID,
		Commits:         a.Commits + b.Commits,
		Additions:       a.Additions + b.Additions,
		Deletions:       a.Deletions + b.Deletions,
		CommitsByDay:    MergeCounts(a.CommitsByDay, b.CommitsByDay),
		CommitsByBranch: MergeCounts(a.CommitsByBranch, b.CommitsByBranch),
		FirstCommitAt:   earliest(a.FirstCommitAt, b.FirstCommitAt),
		LastCommitAt:    latest(a.LastCommitAt, b.LastCommitAt),
	}
	if merged.ContributorKey == "" {
		merged.ContributorKey = b.ContributorKey
	}
	if merged.MatchedUserID == nil {
		merged.MatchedUserID = b.MatchedUserID
	}
	return merged
}

// MergeUserStats merges two rollup lists by contributor key.
func MergeUserStats(current, prior []UserStat) []UserStat {
	byKey := make(map[string]UserStat, len(current)+len(prior))
	order := make([]string, 0, len(current)+len(prior))
	for _, list := range [][]UserStat{current, prior} {
		for _, stat := range list {
			existing, ok := byKey[stat.ContributorKey]
			if !ok {
				byKey[stat.ContributorKey] = MergeUserStat(stat, UserStat{})
				order = append(order, stat.ContributorKey)
				continue
			}
			byKey[stat.ContributorKey] = MergeUserStat(existing, stat)
		}
	}

	out := make([]UserStat, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	sortUserStats(out)
	return out
}

// MergeSampleCommits unions two sample lists by SHA, keeping the first
// occurrence, capped at MaxSampleCommits.
func MergeSampleCommits(first, second []SampleCommit) []SampleCommit {
	out := make([]SampleCommit, 0, min(len(first)+len(second), MaxSampleCommits))
	seen := make(map[string]struct{}, len(first)+len(second))
	for _, list := range [][]SampleCommit{first, second} {
		for _, sample := range list {
			if len(out) >= MaxSampleCommits {
				return out
			}
			if _, ok := seen[sample.SHA]; ok {
				continue
			}
			seen[sample.SHA] = struct{}{}
			out = append(out, sample)
		}
	}
	return out
}

// MergeRepoStat combines repository totals and histograms. Coverage counts
// are left zero and must be recomputed with Resolve.
func MergeRepoStat(current, prior RepoStat) RepoStat {
	return RepoStat{
		TotalCommits:     current.TotalCommits + prior.TotalCommits,
		TotalAdditions:   current.TotalAdditions + prior.TotalAdditions,
		TotalDeletions:   current.TotalDeletions + prior.TotalDeletions,
		MergeCommits:     current.MergeCommits + prior.MergeCommits,
		MergeAdditions:   current.MergeAdditions + prior.MergeAdditions,
		MergeDeletions:   current.MergeDeletions + prior.MergeDeletions,
		CommitsByDay:     MergeCounts(current.CommitsByDay, prior.CommitsByDay),
		CommitsByBranch:  MergeCounts(current.CommitsByBranch, prior.CommitsByBranch),
		LineChangesByDay: MergeLineChanges(current.LineChangesByDay, prior.LineChangesByDay),
		SampleCommits:    MergeSampleCommits(current.SampleCommits, prior.SampleCommits),
	}
}

// Merge combines a fresh window with the rollups of a prior snapshot.
func Merge(current, prior Result) Result {
	return Result{
		Users: MergeUserStats(current.Users, prior.Users),
		Repo:  MergeRepoStat(current.Repo, prior.Repo),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
