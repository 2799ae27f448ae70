//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	fixtureOwner     = "acme"
	fixtureRepo      = "widgets"
	fixtureUserToken = "user-token"
)

// fakeGitHub serves the OAuth token endpoint and the REST endpoints read by
// the account, snapshot and live services for one repository.
type fakeGitHub struct {
	mu sync.Mutex

	server *httptest.Server

	login     string
	userID    int64
	email     string
	createdAt time.Time
	branches  []fixtureBranch
	commits   []fixtureCommit
	callCount map[string]int
}

type fixtureBranch struct {
	Name     string
	SHA      string
	AheadBy  int
	BehindBy int
}

type fixtureCommit struct {
	SHA         string
	Login       string
	AuthorName  string
	AuthorEmail string
	Message     string
	AuthoredAt  time.Time
	Additions   int
	Deletions   int
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()

	fake := &fakeGitHub{
		login:     "alice",
		userID:    7,
		email:     "alice@example.com",
		createdAt: time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC),
		branches: []fixtureBranch{
			{Name: "main", SHA: "c3"},
			{Name: "feature/login", SHA: "f1", AheadBy: 2, BehindBy: 1},
		},
		commits: []fixtureCommit{
			{
				SHA:         "c3",
				AuthorName:  "Bob",
				AuthorEmail: "bob@example.com",
				Message:     "Fix typo",
				AuthoredAt:  time.Date(2025, time.February, 14, 9, 0, 0, 0, time.UTC),
				Additions:   3,
				Deletions:   3,
			},
			{
				SHA:         "c2",
				Login:       "alice",
				AuthorName:  "Alice",
				AuthorEmail: "alice@example.com",
				Message:     "Add widget listing",
				AuthoredAt:  time.Date(2025, time.February, 12, 9, 0, 0, 0, time.UTC),
				Additions:   5,
				Deletions:   1,
			},
			{
				SHA:         "c1",
				Login:       "alice",
				AuthorName:  "Alice",
				AuthorEmail: "alice@example.com",
				Message:     "Initial widgets",
				AuthoredAt:  time.Date(2025, time.February, 10, 9, 0, 0, 0, time.UTC),
				Additions:   10,
				Deletions:   2,
			},
		},
		callCount: map[string]int{},
	}

	repoPath := "/repos/" + fixtureOwner + "/" + fixtureRepo

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", fake.handleAccessToken)
	mux.HandleFunc("GET /user", fake.authorized("user", fake.handleUser))
	mux.HandleFunc("GET /user/emails", fake.authorized("user_emails", fake.handleUserEmails))
	mux.HandleFunc("GET "+repoPath, fake.authorized("repository", fake.handleRepository))
	mux.HandleFunc("GET "+repoPath+"/commits", fake.authorized("commits", fake.handleCommits))
	mux.HandleFunc("GET "+repoPath+"/commits/{sha}", fake.authorized("commit", fake.handleCommit))
	mux.HandleFunc("GET "+repoPath+"/branches", fake.authorized("branches", fake.handleBranches))
	mux.HandleFunc("GET "+repoPath+"/compare/{basehead}", fake.authorized("compare", fake.handleCompare))

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeGitHub) URL() string {
	return f.server.URL
}

func (f *fakeGitHub) calls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[endpoint]
}

func (f *fakeGitHub) authorized(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.callCount[endpoint]++
		f.mu.Unlock()

		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+fixtureUserToken && auth != "token "+fixtureUserToken {
			writeFixtureJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
			return
		}
		next(w, r)
	}
}

func (f *fakeGitHub) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.callCount["access_token"]++
	f.mu.Unlock()

	if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
		writeFixtureJSON(w, http.StatusOK, map[string]string{"error": "bad_verification_code"})
		return
	}
	writeFixtureJSON(w, http.StatusOK, map[string]string{
		"access_token": fixtureUserToken,
		"token_type":   "bearer",
		"scope":        "read:user,user:email,repo",
	})
}

func (f *fakeGitHub) handleUser(w http.ResponseWriter, _ *http.Request) {
	writeFixtureJSON(w, http.StatusOK, map[string]any{
		"id":    f.userID,
		"login": f.login,
		"name":  "Alice",
		"email": f.email,
	})
}

func (f *fakeGitHub) handleUserEmails(w http.ResponseWriter, _ *http.Request) {
	writeFixtureJSON(w, http.StatusOK, []map[string]any{
		{"email": f.email, "verified": true, "primary": true},
	})
}

func (f *fakeGitHub) handleRepository(w http.ResponseWriter, _ *http.Request) {
	writeFixtureJSON(w, http.StatusOK, map[string]any{
		"id":             4242,
		"name":           fixtureRepo,
		"full_name":      fixtureOwner + "/" + fixtureRepo,
		"html_url":       "https://github.com/" + fixtureOwner + "/" + fixtureRepo,
		"default_branch": "main",
		"private":        true,
		"created_at":     f.createdAt.Format(time.RFC3339),
		"owner":          map[string]string{"login": fixtureOwner},
	})
}

func (f *fakeGitHub) handleCommits(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("page") != "" && query.Get("page") != "1" {
		writeFixtureJSON(w, http.StatusOK, []any{})
		return
	}

	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeFixtureJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid since"})
			return
		}
		since = parsed
	}
	author := query.Get("author")
	branch := query.Get("sha")

	payload := make([]map[string]any, 0, len(f.commits))
	for _, commit := range f.commits {
		if branch != "" && branch != "main" {
			continue
		}
		if !since.IsZero() && commit.AuthoredAt.Before(since) {
			continue
		}
		if author != "" && !strings.EqualFold(author, commit.Login) {
			continue
		}
		payload = append(payload, commitListItem(commit))
	}
	writeFixtureJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHub) handleCommit(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")
	for _, commit := range f.commits {
		if commit.SHA != sha {
			continue
		}
		writeFixtureJSON(w, http.StatusOK, map[string]any{
			"sha": commit.SHA,
			"stats": map[string]int{
				"additions": commit.Additions,
				"deletions": commit.Deletions,
				"total":     commit.Additions + commit.Deletions,
			},
		})
		return
	}
	writeFixtureJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeGitHub) handleBranches(w http.ResponseWriter, _ *http.Request) {
	payload := make([]map[string]any, 0, len(f.branches))
	for _, branch := range f.branches {
		payload = append(payload, map[string]any{
			"name":      branch.Name,
			"protected": branch.Name == "main",
			"commit":    map[string]string{"sha": branch.SHA},
		})
	}
	writeFixtureJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHub) handleCompare(w http.ResponseWriter, r *http.Request) {
	base, head, ok := strings.Cut(r.PathValue("basehead"), "...")
	if !ok || base != "main" {
		writeFixtureJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	for _, branch := range f.branches {
		if branch.Name != head {
			continue
		}
		writeFixtureJSON(w, http.StatusOK, map[string]any{
			"status":    "diverged",
			"ahead_by":  branch.AheadBy,
			"behind_by": branch.BehindBy,
		})
		return
	}
	writeFixtureJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func commitListItem(commit fixtureCommit) map[string]any {
	item := map[string]any{
		"sha":      commit.SHA,
		"html_url": fmt.Sprintf("https://github.com/%s/%s/commit/%s", fixtureOwner, fixtureRepo, commit.SHA),
		"commit": map[string]any{
			"message": commit.Message,
			"author": map[string]string{
				"name":  commit.AuthorName,
				"email": commit.AuthorEmail,
				"date":  commit.AuthoredAt.Format(time.RFC3339),
			},
			"committer": map[string]string{
				"name":  "GitHub",
				"email": "noreply@github.com",
				"date":  commit.AuthoredAt.Format(time.RFC3339),
			},
		},
	}
	if commit.Login != "" {
		item["author"] = map[string]string{"login": commit.Login}
	}
	return item
}

func writeFixtureJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
