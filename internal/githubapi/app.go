package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
)

// ErrAppNotInstalled indicates the GitHub App has no installation covering a repository.
var ErrAppNotInstalled = errors.New("github app is not installed on this repository")

// AppAuthConfig configures GitHub App authentication.
type AppAuthConfig struct {
	AppID          int64
	PrivateKeyPath string
	// PrivateKey takes precedence over PrivateKeyPath when set.
	PrivateKey    []byte
	APIBaseURL    string
	Timeout       time.Duration
	BaseTransport http.RoundTripper
}

// AppAuth resolves installations and mints installation tokens for a GitHub App.
type AppAuth struct {
	appsTransport *ghinstallation.AppsTransport
	client        *github.Client
	baseURL       string

	mu            sync.Mutex
	installations map[int64]*ghinstallation.Transport
}

// NewAppAuth creates GitHub App authentication from a private key.
func NewAppAuth(cfg AppAuthConfig) (*AppAuth, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	key := cfg.PrivateKey
	if len(key) == 0 {
		if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
			return nil, fmt.Errorf("private key path is required")
		}
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read github app private key: %w", err)
		}
		key = raw
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	appsTransport, err := ghinstallation.NewAppsTransport(baseTransport, cfg.AppID, key)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	apiBase, err := parseAPIBaseURL(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSuffix(apiBase.String(), "/")
	appsTransport.BaseURL = baseURL

	client, err := NewGitHubRESTClient(&http.Client{Transport: appsTransport, Timeout: cfg.Timeout}, apiBase.String())
	if err != nil {
		return nil, err
	}

	return &AppAuth{
		appsTransport: appsTransport,
		client:        client,
		baseURL:       baseURL,
		installations: make(map[int64]*ghinstallation.Transport),
	}, nil
}

// InstallationForRepo returns the installation id covering owner/repo.
func (a *AppAuth) InstallationForRepo(ctx context.Context, owner, repo string) (int64, error) {
	installation, resp, err := a.client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		if responseStatus(resp, err) == http.StatusNotFound {
			return 0, ErrAppNotInstalled
		}
		return 0, translateError("find repository installation", resp, err)
	}
	return installation.GetID(), nil
}

// InstallationToken returns a valid installation access token, refreshing it
// when it is close to expiry.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if installationID <= 0 {
		return "", fmt.Errorf("installation id must be > 0")
	}

	a.mu.Lock()
	transport, ok := a.installations[installationID]
	if !ok {
		transport = ghinstallation.NewFromAppsTransport(a.appsTransport, installationID)
		transport.BaseURL = a.baseURL
		a.installations[installationID] = transport
	}
	a.mu.Unlock()

	token, err := transport.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}
	return token, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return client, nil
}

func responseStatus(resp *github.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// translateError maps go-github failures onto ErrInvalidToken and *APIError.
func translateError(operation string, resp *github.Response, err error) error {
	status := responseStatus(resp, err)
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", operation, ErrInvalidToken)
	}
	if status == 0 {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	apiErr := &APIError{Operation: operation, StatusCode: status}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		apiErr.Message = errResp.Message
	}
	return apiErr
}
