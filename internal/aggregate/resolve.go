package aggregate

import "strings"

// Member is a known project member that contributors can be resolved to.
type Member struct {
	UserID      int64
	GithubLogin string
	Emails      []string
}

// Resolve attaches matched user ids to contributor rollups and recomputes
// mapping coverage on the repository stat. A contributor matches through its
// GitHub login or through a verified member email.
func Resolve(result Result, members []Member) Result {
	byLogin := make(map[string]int64, len(members))
	byEmail := make(map[string]int64, len(members))
	for _, member := range members {
		if login := strings.ToLower(strings.TrimSpace(member.GithubLogin)); login != "" {
			byLogin[login] = member.UserID
		}
		for _, email := range member.Emails {
			if normalized := strings.ToLower(strings.TrimSpace(email)); normalized != "" {
				byEmail[normalized] = member.UserID
			}
		}
	}

	users := make([]UserStat, 0, len(result.Users))
	repo := result.Repo
	repo.MatchedContributors = 0
	repo.UnmatchedContributors = 0
	repo.MatchedCommits = 0
	repo.UnmatchedCommits = 0

	for _, user := range result.Users {
		user.MatchedUserID = nil
		if userID, ok := matchContributor(user, byLogin, byEmail); ok {
			id := userID
			user.MatchedUserID = &id
			repo.MatchedContributors++
			repo.MatchedCommits += user.Commits
		} else {
			repo.UnmatchedContributors++
			repo.UnmatchedCommits += user.Commits
		}
		users = append(users, user)
	}

	return Result{Users: users, Repo: repo}
}

func matchContributor(user UserStat, byLogin, byEmail map[string]int64) (int64, bool) {
	kind, value, _ := strings.Cut(user.ContributorKey, ":")
	switch kind {
	case "login":
		if userID, ok := byLogin[value]; ok {
			return userID, true
		}
	case "email":
		if userID, ok := byEmail[value]; ok {
			return userID, true
		}
	}
	if email := strings.ToLower(strings.TrimSpace(user.Email)); email != "" {
		if userID, ok := byEmail[email]; ok {
			return userID, true
		}
	}
	return 0, false
}
