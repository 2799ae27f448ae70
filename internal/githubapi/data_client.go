package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/repo-insights/internal/statscache"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	maxPerPage              = 100
	apiVersion              = "2022-11-28"
)

// RepoRef identifies a repository and the token used to read it.
type RepoRef struct {
	Owner string
	Name  string
	Token string
}

// FullName returns owner/name.
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoRef splits an owner/name full name.
func ParseRepoRef(fullName, token string) (RepoRef, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepoRef{}, fmt.Errorf("invalid repository full name %q, expected owner/name", fullName)
	}
	return RepoRef{Owner: owner, Name: name, Token: token}, nil
}

// Branch is one repository branch.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// Comparison is the ahead/behind relation of head against base.
type Comparison struct {
	Status   string `json:"status"`
	AheadBy  int    `json:"aheadBy"`
	BehindBy int    `json:"behindBy"`
}

// Commit is one commit summary from a commit list endpoint.
type Commit struct {
	SHA         string
	AuthorLogin string
	AuthorName  string
	AuthorEmail string
	Message     string
	HTMLURL     string
	// AuthoredAt is zero when GitHub returned no parseable author date.
	AuthoredAt time.Time
	// CommittedAt is the committer date, which the since filter matches on.
	CommittedAt time.Time
}

// CommitPage is one page of a paginated commit listing.
type CommitPage struct {
	Commits     []Commit
	Page        int
	PerPage     int
	HasNextPage bool
}

// RepositoryInfo is repository metadata from GET /repos/{owner}/{repo}.
type RepositoryInfo struct {
	ID            int64
	Name          string
	FullName      string
	OwnerLogin    string
	HTMLURL       string
	DefaultBranch string
	Private       bool
	CreatedAt     time.Time
}

// DataClient is a typed GitHub REST client for repository history endpoints.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
	cache         statscache.Cache
	userAgent     string
}

// NewDataClient creates a typed data client over the generic retry/rate-limit
// request client. A nil cache disables commit stats caching.
func NewDataClient(baseURL string, requestClient *Client, cache statscache.Cache) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = noCache{}
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
		cache:         cache,
		userAgent:     "repo-insights",
	}, nil
}

// ListBranches lists every branch of a repository.
func (c *DataClient) ListBranches(ctx context.Context, ref RepoRef) ([]Branch, error) {
	var branches []Branch
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(maxPerPage))
		query.Set("page", strconv.Itoa(page))

		resp, err := c.getOK(ctx, ref, "list branches", query, seg("branches"))
		if err != nil {
			return nil, err
		}

		var payload []branchPayload
		if err := decodeJSONAndClose(resp, &payload); err != nil {
			return nil, fmt.Errorf("decode list branches response: %w", err)
		}
		for _, branch := range payload {
			branches = append(branches, Branch{
				Name:      branch.Name,
				SHA:       branch.Commit.SHA,
				Protected: branch.Protected,
			})
		}

		if len(payload) == 0 || !hasNextPage(resp.Header.Get("Link")) {
			return branches, nil
		}
	}
}

// CompareBranches reports how far head is ahead of and behind base.
func (c *DataClient) CompareBranches(ctx context.Context, ref RepoRef, base, head string) (Comparison, error) {
	if strings.TrimSpace(base) == "" || strings.TrimSpace(head) == "" {
		return Comparison{}, fmt.Errorf("base and head are required")
	}

	query := url.Values{}
	query.Set("per_page", "1")
	resp, err := c.getOK(ctx, ref, "compare branches", query, seg("compare"), compareSegment(base, head))
	if err != nil {
		return Comparison{}, err
	}

	var payload comparePayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return Comparison{}, fmt.Errorf("decode compare response: %w", err)
	}
	return Comparison{
		Status:   payload.Status,
		AheadBy:  payload.AheadBy,
		BehindBy: payload.BehindBy,
	}, nil
}

// ListBranchCommits lists the most recent commits on a branch, up to limit.
func (c *DataClient) ListBranchCommits(ctx context.Context, ref RepoRef, branch string, limit int) ([]Commit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	query := url.Values{}
	if branch != "" {
		query.Set("sha", branch)
	}
	return c.listCommits(ctx, ref, "list branch commits", query, limit)
}

// ListCommitsSince lists every commit on branch committed at or after since.
// A zero since lists the full history.
func (c *DataClient) ListCommitsSince(ctx context.Context, ref RepoRef, branch string, since time.Time) ([]Commit, error) {
	query := url.Values{}
	if branch != "" {
		query.Set("sha", branch)
	}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	return c.listCommits(ctx, ref, "list commits", query, 0)
}

// ListAuthorCommits lists every commit by author, walking pages to exhaustion.
func (c *DataClient) ListAuthorCommits(ctx context.Context, ref RepoRef, author string) ([]Commit, error) {
	if strings.TrimSpace(author) == "" {
		return nil, fmt.Errorf("author is required")
	}
	query := url.Values{}
	query.Set("author", author)
	return c.listCommits(ctx, ref, "list author commits", query, 0)
}

// ListAuthorCommitsPage reads a single page of commits by author.
func (c *DataClient) ListAuthorCommitsPage(ctx context.Context, ref RepoRef, author string, page, perPage int) (CommitPage, error) {
	if strings.TrimSpace(author) == "" {
		return CommitPage{}, fmt.Errorf("author is required")
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > maxPerPage {
		perPage = maxPerPage
	}

	query := url.Values{}
	query.Set("author", author)
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("page", strconv.Itoa(page))

	resp, err := c.getOK(ctx, ref, "list author commits page", query, seg("commits"))
	if err != nil {
		return CommitPage{}, err
	}
	var payload []commitListPayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return CommitPage{}, fmt.Errorf("decode list commits response: %w", err)
	}

	result := CommitPage{
		Commits:     make([]Commit, 0, len(payload)),
		Page:        page,
		PerPage:     perPage,
		HasNextPage: hasNextPage(resp.Header.Get("Link")),
	}
	for _, item := range payload {
		result.Commits = append(result.Commits, item.toCommit())
	}
	return result, nil
}

// GetCommitStats returns additions and deletions for one commit, consulting
// the cache first. ok is false when GitHub has no stats for the commit.
func (c *DataClient) GetCommitStats(ctx context.Context, ref RepoRef, sha string) (statscache.Stats, bool, error) {
	trimmedSHA := strings.TrimSpace(sha)
	if trimmedSHA == "" {
		return statscache.Stats{}, false, fmt.Errorf("sha is required")
	}

	fullName := ref.FullName()
	if cached, ok := c.cache.Get(fullName, trimmedSHA); ok {
		c.requestClient.recorder.ObserveCacheLookup(true)
		return cached, true, nil
	}
	c.requestClient.recorder.ObserveCacheLookup(false)

	resp, err := c.get(ctx, ref, "get commit", nil, seg("commits"), seg(trimmedSHA))
	if err != nil {
		return statscache.Stats{}, false, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		closeBody(resp)
		return statscache.Stats{}, false, nil
	}
	if !isSuccess(resp.StatusCode) {
		return statscache.Stats{}, false, errorFromResponse("get commit", resp)
	}

	var payload commitDetailPayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return statscache.Stats{}, false, fmt.Errorf("decode commit detail response: %w", err)
	}
	if payload.Stats == nil {
		return statscache.Stats{}, false, nil
	}

	stats := statscache.Stats{
		Additions: payload.Stats.Additions,
		Deletions: payload.Stats.Deletions,
	}
	c.cache.Set(fullName, trimmedSHA, stats)
	return stats, true, nil
}

// CommitStats fetches stats for many commits with bounded concurrency.
// Commits without stats are absent from the result.
func (c *DataClient) CommitStats(ctx context.Context, ref RepoRef, shas []string, concurrency int) (map[string]statscache.Stats, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	result := make(map[string]statscache.Stats, len(shas))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, sha := range shas {
		group.Go(func() error {
			stats, ok, err := c.GetCommitStats(groupCtx, ref, sha)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			result[sha] = stats
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRepository reads repository metadata.
func (c *DataClient) GetRepository(ctx context.Context, ref RepoRef) (RepositoryInfo, error) {
	resp, err := c.getOK(ctx, ref, "get repository", nil)
	if err != nil {
		return RepositoryInfo{}, err
	}

	var payload repositoryPayload
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return RepositoryInfo{}, fmt.Errorf("decode repository response: %w", err)
	}
	info := RepositoryInfo{
		ID:            payload.ID,
		Name:          payload.Name,
		FullName:      payload.FullName,
		HTMLURL:       payload.HTMLURL,
		DefaultBranch: payload.DefaultBranch,
		Private:       payload.Private,
		CreatedAt:     parseRFC3339(payload.CreatedAt),
	}
	if payload.Owner != nil {
		info.OwnerLogin = payload.Owner.Login
	}
	return info, nil
}

func (c *DataClient) listCommits(ctx context.Context, ref RepoRef, operation string, base url.Values, limit int) ([]Commit, error) {
	perPage := maxPerPage
	if limit > 0 && limit < perPage {
		perPage = limit
	}

	var commits []Commit
	for page := 1; ; page++ {
		query := url.Values{}
		for key, values := range base {
			query[key] = values
		}
		query.Set("per_page", strconv.Itoa(perPage))
		query.Set("page", strconv.Itoa(page))

		resp, err := c.getOK(ctx, ref, operation, query, seg("commits"))
		if err != nil {
			return nil, err
		}
		var payload []commitListPayload
		if err := decodeJSONAndClose(resp, &payload); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", operation, err)
		}

		for _, item := range payload {
			commits = append(commits, item.toCommit())
			if limit > 0 && len(commits) >= limit {
				return commits, nil
			}
		}
		if len(payload) == 0 || !hasNextPage(resp.Header.Get("Link")) {
			return commits, nil
		}
	}
}

// getOK performs a GET and converts non-2xx responses into errors.
func (c *DataClient) getOK(ctx context.Context, ref RepoRef, operation string, query url.Values, segments ...pathSegment) (*http.Response, error) {
	resp, err := c.get(ctx, ref, operation, query, segments...)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, errorFromResponse(operation, resp)
	}
	return resp, nil
}

func (c *DataClient) get(ctx context.Context, ref RepoRef, operation string, query url.Values, segments ...pathSegment) (*http.Response, error) {
	if strings.TrimSpace(ref.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(ref.Name) == "" {
		return nil, fmt.Errorf("repo is required")
	}

	reqURL := c.repoURL(ref, segments...)
	if len(query) > 0 {
		reqURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if ref.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ref.Token)
	}

	resp, _, err := c.requestClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", operation, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%s request failed: nil response", operation)
	}
	return resp, nil
}

// pathSegment is one URL path segment in raw and escaped form.
type pathSegment struct {
	raw     string
	escaped string
}

func seg(value string) pathSegment {
	return pathSegment{raw: value, escaped: url.PathEscape(value)}
}

func compareSegment(base, head string) pathSegment {
	return pathSegment{
		raw:     base + "..." + head,
		escaped: url.PathEscape(base) + "..." + url.PathEscape(head),
	}
}

// repoURL builds /repos/{owner}/{repo}/{segments...} with the escaped form
// carried in RawPath so branch names containing slashes survive.
func (c *DataClient) repoURL(ref RepoRef, segments ...pathSegment) *url.URL {
	cloned := *c.baseURL
	all := append([]pathSegment{seg("repos"), seg(ref.Owner), seg(ref.Name)}, segments...)
	raw := make([]string, len(all))
	escaped := make([]string, len(all))
	for i, segment := range all {
		raw[i] = segment.raw
		escaped[i] = segment.escaped
	}
	basePath := cloned.EscapedPath()
	cloned.Path = joinURLPath(cloned.Path, raw...)
	cloned.RawPath = joinURLPath(basePath, escaped...)
	if cloned.RawPath == cloned.Path {
		cloned.RawPath = ""
	}
	return &cloned
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

func hasNextPage(linkHeader string) bool {
	if strings.TrimSpace(linkHeader) == "" {
		return false
	}
	for _, part := range strings.Split(linkHeader, ",") {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}

func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

type noCache struct{}

func (noCache) Get(string, string) (statscache.Stats, bool) { return statscache.Stats{}, false }
func (noCache) Set(string, string, statscache.Stats)        {}

type branchPayload struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Commit    struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type comparePayload struct {
	Status   string `json:"status"`
	AheadBy  int    `json:"ahead_by"`
	BehindBy int    `json:"behind_by"`
}

type commitListPayload struct {
	SHA     string       `json:"sha"`
	HTMLURL string       `json:"html_url"`
	Author  *userPayload `json:"author"`
	Commit  struct {
		Message   string            `json:"message"`
		Author    commitAuthorBlock `json:"author"`
		Committer commitAuthorBlock `json:"committer"`
	} `json:"commit"`
}

func (p commitListPayload) toCommit() Commit {
	commit := Commit{
		SHA:         p.SHA,
		AuthorName:  p.Commit.Author.Name,
		AuthorEmail: p.Commit.Author.Email,
		Message:     p.Commit.Message,
		HTMLURL:     p.HTMLURL,
		AuthoredAt:  parseRFC3339(p.Commit.Author.Date),
		CommittedAt: parseRFC3339(p.Commit.Committer.Date),
	}
	if p.Author != nil {
		commit.AuthorLogin = p.Author.Login
	}
	return commit
}

type commitAuthorBlock struct {
	Date  string `json:"date"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type commitDetailPayload struct {
	SHA   string `json:"sha"`
	Stats *struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
		Total     int `json:"total"`
	} `json:"stats"`
}

type repositoryPayload struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	FullName      string       `json:"full_name"`
	HTMLURL       string       `json:"html_url"`
	DefaultBranch string       `json:"default_branch"`
	Private       bool         `json:"private"`
	CreatedAt     string       `json:"created_at"`
	Owner         *userPayload `json:"owner"`
}

type userPayload struct {
	Login string `json:"login"`
}
