package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
)

const (
	// DefaultMaxInstallationPages bounds installation listing.
	DefaultMaxInstallationPages = 5
	// DefaultMaxRepoPages bounds repository listing per installation.
	DefaultMaxRepoPages = 10
)

// AccountClientConfig configures the user-token client.
type AccountClientConfig struct {
	APIBaseURL           string
	HTTPClient           *http.Client
	MaxInstallationPages int
	MaxRepoPages         int
}

// AccountClient reads user-scoped GitHub resources with an OAuth user token.
type AccountClient struct {
	base                 *github.Client
	maxInstallationPages int
	maxRepoPages         int
}

// Profile is the authenticated GitHub user.
type Profile struct {
	ID    int64
	Login string
	Name  string
	// Email is the primary verified email when visible, otherwise the public profile email.
	Email string
}

// InstallationRepo is a repository reachable through one of the user's app installations.
type InstallationRepo struct {
	ID             int64     `json:"githubRepoId"`
	Name           string    `json:"name"`
	FullName       string    `json:"fullName"`
	OwnerLogin     string    `json:"ownerLogin"`
	HTMLURL        string    `json:"htmlUrl"`
	DefaultBranch  string    `json:"defaultBranch"`
	IsPrivate      bool      `json:"isPrivate"`
	InstallationID int64     `json:"installationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewAccountClient creates a user-token client.
func NewAccountClient(cfg AccountClientConfig) (*AccountClient, error) {
	apiBase, err := parseAPIBaseURL(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	base, err := NewGitHubRESTClient(cfg.HTTPClient, apiBase.String())
	if err != nil {
		return nil, err
	}
	if cfg.MaxInstallationPages <= 0 {
		cfg.MaxInstallationPages = DefaultMaxInstallationPages
	}
	if cfg.MaxRepoPages <= 0 {
		cfg.MaxRepoPages = DefaultMaxRepoPages
	}
	return &AccountClient{
		base:                 base,
		maxInstallationPages: cfg.MaxInstallationPages,
		maxRepoPages:         cfg.MaxRepoPages,
	}, nil
}

// Profile reads the authenticated user's profile and primary verified email.
func (c *AccountClient) Profile(ctx context.Context, token string) (Profile, error) {
	client := c.base.WithAuthToken(token)

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		return Profile{}, translateError("get user", resp, err)
	}
	profile := Profile{
		ID:    user.GetID(),
		Login: user.GetLogin(),
		Name:  user.GetName(),
		Email: user.GetEmail(),
	}

	emails, err := c.VerifiedEmails(ctx, token)
	if err != nil {
		// The email scope may be missing; the public email is still usable.
		if IsStatus(err, http.StatusForbidden, http.StatusNotFound) {
			return profile, nil
		}
		return Profile{}, err
	}
	if len(emails) > 0 {
		profile.Email = emails[0]
	}
	return profile, nil
}

// VerifiedEmails lists the user's verified emails, primary first.
func (c *AccountClient) VerifiedEmails(ctx context.Context, token string) ([]string, error) {
	client := c.base.WithAuthToken(token)

	emails, resp, err := client.Users.ListEmails(ctx, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, translateError("list user emails", resp, err)
	}

	var primary, others []string
	for _, email := range emails {
		if !email.GetVerified() || strings.TrimSpace(email.GetEmail()) == "" {
			continue
		}
		if email.GetPrimary() {
			primary = append(primary, email.GetEmail())
			continue
		}
		others = append(others, email.GetEmail())
	}
	return append(primary, others...), nil
}

// ListInstallationRepos lists repositories visible through the user's app
// installations. Listing stops silently at the configured page caps, and an
// installation whose repository page is forbidden or missing is skipped.
func (c *AccountClient) ListInstallationRepos(ctx context.Context, token string) ([]InstallationRepo, error) {
	client := c.base.WithAuthToken(token)

	var installationIDs []int64
	opts := &github.ListOptions{PerPage: 100, Page: 1}
	for page := 0; page < c.maxInstallationPages; page++ {
		installations, resp, err := client.Apps.ListUserInstallations(ctx, opts)
		if err != nil {
			return nil, translateError("list user installations", resp, err)
		}
		for _, installation := range installations {
			installationIDs = append(installationIDs, installation.GetID())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	seen := make(map[int64]struct{})
	var repos []InstallationRepo
	for _, installationID := range installationIDs {
		listed, err := c.listReposForInstallation(ctx, client, installationID)
		if err != nil {
			return nil, err
		}
		for _, repo := range listed {
			if _, ok := seen[repo.ID]; ok {
				continue
			}
			seen[repo.ID] = struct{}{}
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

func (c *AccountClient) listReposForInstallation(ctx context.Context, client *github.Client, installationID int64) ([]InstallationRepo, error) {
	var repos []InstallationRepo
	opts := &github.ListOptions{PerPage: 100, Page: 1}
	for page := 0; page < c.maxRepoPages; page++ {
		listed, resp, err := client.Apps.ListUserRepos(ctx, installationID, opts)
		if err != nil {
			switch responseStatus(resp, err) {
			case http.StatusForbidden, http.StatusNotFound:
				return repos, nil
			}
			return nil, translateError(fmt.Sprintf("list installation %d repositories", installationID), resp, err)
		}
		for _, repo := range listed.Repositories {
			repos = append(repos, InstallationRepo{
				ID:             repo.GetID(),
				Name:           repo.GetName(),
				FullName:       repo.GetFullName(),
				OwnerLogin:     repo.GetOwner().GetLogin(),
				HTMLURL:        repo.GetHTMLURL(),
				DefaultBranch:  repo.GetDefaultBranch(),
				IsPrivate:      repo.GetPrivate(),
				InstallationID: installationID,
				CreatedAt:      repo.GetCreatedAt().Time.UTC(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}
