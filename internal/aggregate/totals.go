package aggregate

// Tally counts commits and line changes.
type Tally struct {
	Commits   int `json:"commits"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Totals splits a commit set into merge and non-merge tallies.
type Totals struct {
	All      Tally `json:"all"`
	NonMerge Tally `json:"nonMerge"`
	Merge    Tally `json:"merge"`
}

// Summarize tallies commits that have stats, split by merge classification.
func Summarize(commits []Commit, stats map[string]LineChange) Totals {
	var totals Totals
	for _, commit := range commits {
		lines, ok := stats[commit.SHA]
		if !ok {
			continue
		}
		totals.All.add(lines)
		if IsMergePullRequest(commit.Message) {
			totals.Merge.add(lines)
			continue
		}
		totals.NonMerge.add(lines)
	}
	return totals
}

func (t *Tally) add(lines LineChange) {
	t.Commits++
	t.Additions += lines.Additions
	t.Deletions += lines.Deletions
}
