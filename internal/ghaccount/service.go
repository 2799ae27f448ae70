// Package ghaccount connects users' GitHub accounts through the GitHub App
// OAuth flow and hands out usable tokens for GitHub calls.
package ghaccount

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/githubapi"
	"github.com/cam3ron2/repo-insights/internal/secretbox"
	"github.com/cam3ron2/repo-insights/internal/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultStateTTL = 10 * time.Minute
	expiryLeeway    = 30 * time.Second
)

// Callback failure reasons reported to the browser.
const (
	ReasonAccessDenied   = "access_denied"
	ReasonMissingCode    = "missing_code"
	ReasonInvalidState   = "invalid_state"
	ReasonExchangeFailed = "exchange_failed"
	ReasonProfileFailed  = "profile_failed"
	ReasonStoreFailed    = "store_failed"
)

// ProfileReader reads the GitHub profile behind a user token.
type ProfileReader interface {
	Profile(ctx context.Context, token string) (githubapi.Profile, error)
}

// InstallationTokens mints GitHub App installation tokens.
type InstallationTokens interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Config configures the account service.
type Config struct {
	OAuth             *oauth2.Config
	StateSecret       string
	StateTTL          time.Duration
	FallbackReturnURL string
	// HTTPClient is used for token exchange and refresh.
	HTTPClient *http.Client
	Accounts   store.Accounts
	Box        *secretbox.Box
	Profiles   ProfileReader
	// Installations is optional; without it every token is a user token.
	Installations InstallationTokens
	Logger        *zap.Logger
	Now           func() time.Time
}

// Service manages connected GitHub accounts.
type Service struct {
	oauth         *oauth2.Config
	state         stateSigner
	fallback      *url.URL
	httpClient    *http.Client
	accounts      store.Accounts
	box           *secretbox.Box
	profiles      ProfileReader
	installations InstallationTokens
	logger        *zap.Logger
	now           func() time.Time

	// refreshes collapses concurrent refreshes of one user's token; GitHub
	// refresh tokens are single use.
	refreshes singleflight.Group
}

// Status describes a user's GitHub connection.
type Status struct {
	Connected    bool       `json:"connected"`
	Login        string     `json:"login,omitempty"`
	Email        string     `json:"email,omitempty"`
	GithubUserID int64      `json:"githubUserId,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"accessTokenExpiresAt,omitempty"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
}

// CallbackInput carries the query parameters GitHub sends to the callback.
type CallbackInput struct {
	Code  string
	State string
	Error string
}

// New creates an account service.
func New(cfg Config) (*Service, error) {
	var errs []error
	if cfg.OAuth == nil {
		errs = append(errs, fmt.Errorf("oauth config is required"))
	}
	if strings.TrimSpace(cfg.StateSecret) == "" {
		errs = append(errs, fmt.Errorf("state secret is required"))
	}
	if cfg.Accounts == nil {
		errs = append(errs, fmt.Errorf("account store is required"))
	}
	if cfg.Box == nil {
		errs = append(errs, fmt.Errorf("token box is required"))
	}
	if cfg.Profiles == nil {
		errs = append(errs, fmt.Errorf("profile reader is required"))
	}
	fallback, err := url.Parse(strings.TrimSpace(cfg.FallbackReturnURL))
	if err != nil || fallback.Scheme == "" || fallback.Host == "" {
		errs = append(errs, fmt.Errorf("fallback return url must be an absolute url"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Service{
		oauth:         cfg.OAuth,
		state:         stateSigner{secret: []byte(cfg.StateSecret), ttl: ttl},
		fallback:      fallback,
		httpClient:    httpClient,
		accounts:      cfg.Accounts,
		box:           cfg.Box,
		profiles:      cfg.Profiles,
		installations: cfg.Installations,
		logger:        logger,
		now:           now,
	}, nil
}

// ConnectURL returns the GitHub authorize URL for userID. returnTo must be a
// path on the frontend; anything else falls back to the configured URL.
func (s *Service) ConnectURL(_ context.Context, userID int64, returnTo string) (string, error) {
	if userID <= 0 {
		return "", apperr.InvalidToken("missing user", nil)
	}
	state, err := s.state.sign(userID, sanitizeReturnTo(returnTo), s.now())
	if err != nil {
		return "", err
	}
	return s.oauth.AuthCodeURL(state), nil
}

// Callback completes the OAuth flow and returns the URL to redirect the
// browser to. Failures are reported through the redirect query.
func (s *Service) Callback(ctx context.Context, in CallbackInput) string {
	claims, err := s.state.verify(in.State, s.now())
	if err != nil {
		s.logger.Warn("github callback rejected", zap.Error(err))
		return s.redirect("", ReasonInvalidState)
	}
	logger := s.logger.With(zap.Int64("user_id", claims.UserID))

	if in.Error != "" {
		logger.Info("github authorization declined", zap.String("error", in.Error))
		return s.redirect(claims.ReturnTo, ReasonAccessDenied)
	}
	if strings.TrimSpace(in.Code) == "" {
		return s.redirect(claims.ReturnTo, ReasonMissingCode)
	}

	token, err := s.oauth.Exchange(s.oauthContext(ctx), in.Code)
	if err != nil {
		logger.Warn("github code exchange failed", zap.Error(err))
		return s.redirect(claims.ReturnTo, ReasonExchangeFailed)
	}
	profile, err := s.profiles.Profile(ctx, token.AccessToken)
	if err != nil {
		logger.Warn("github profile lookup failed", zap.Error(err))
		return s.redirect(claims.ReturnTo, ReasonProfileFailed)
	}

	account := store.Account{
		UserID:       claims.UserID,
		GithubUserID: profile.ID,
		Login:        profile.Login,
		Email:        profile.Email,
		Scope:        scopeOf(token),
	}
	if err := s.sealToken(&account, token); err != nil {
		logger.Error("seal github tokens", zap.Error(err))
		return s.redirect(claims.ReturnTo, ReasonStoreFailed)
	}
	if _, err := s.accounts.UpsertAccount(ctx, account); err != nil {
		logger.Error("store github account", zap.Error(err))
		return s.redirect(claims.ReturnTo, ReasonStoreFailed)
	}

	logger.Info("github account connected", zap.String("login", profile.Login))
	return s.redirect(claims.ReturnTo, "")
}

// Status reports whether userID has a connected account.
func (s *Service) Status(ctx context.Context, userID int64) (Status, error) {
	account, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{Connected: false}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load github account: %w", err)
	}
	connectedAt := account.CreatedAt
	return Status{
		Connected:    true,
		Login:        account.Login,
		Email:        account.Email,
		GithubUserID: account.GithubUserID,
		Scope:        account.Scope,
		ExpiresAt:    account.AccessTokenExpiresAt,
		ConnectedAt:  &connectedAt,
	}, nil
}

// Disconnect removes the stored account. Disconnecting twice is not an error.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	err := s.accounts.DeleteAccount(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete github account: %w", err)
	}
	return nil
}

// Login returns the connected GitHub login of userID.
func (s *Service) Login(ctx context.Context, userID int64) (string, error) {
	account, err := s.loadAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	return account.Login, nil
}

// AccessToken returns a usable user token for userID, refreshing and
// persisting it when it has expired.
func (s *Service) AccessToken(ctx context.Context, userID int64) (string, error) {
	account, err := s.loadAccount(ctx, userID)
	if err != nil {
		return "", err
	}

	current, err := s.openToken(account)
	if err != nil {
		return "", err
	}
	if !s.expired(current) {
		return current.AccessToken, nil
	}
	token, err, _ := s.refreshes.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		return s.refreshAccessToken(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refreshAccessToken reloads the account first so a refresh that finished
// while the caller waited is reused.
func (s *Service) refreshAccessToken(ctx context.Context, userID int64) (string, error) {
	account, err := s.loadAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	current, err := s.openToken(account)
	if err != nil {
		return "", err
	}
	if !s.expired(current) {
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		return "", apperr.InvalidToken("github token expired; reconnect your GitHub account", githubapi.ErrInvalidToken)
	}

	// Without an access token the token source always refreshes.
	stale := &oauth2.Token{RefreshToken: current.RefreshToken}
	refreshed, err := s.oauth.TokenSource(s.oauthContext(ctx), stale).Token()
	if err != nil {
		s.logger.Warn("github token refresh failed", zap.Int64("user_id", userID), zap.Error(err))
		return "", apperr.InvalidToken("github token refresh failed; reconnect your GitHub account", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	if err := s.sealToken(&account, refreshed); err != nil {
		return "", err
	}
	if scope := scopeOf(refreshed); scope != "" {
		account.Scope = scope
	}
	if _, err := s.accounts.UpsertAccount(ctx, account); err != nil {
		return "", fmt.Errorf("store refreshed github token: %w", err)
	}
	s.logger.Debug("github token refreshed", zap.Int64("user_id", userID))
	return refreshed.AccessToken, nil
}

// RepoToken returns the token used to read a linked repository. The app
// installation token is preferred; the user token of userID is the fallback.
func (s *Service) RepoToken(ctx context.Context, userID int64, repo store.Repository) (string, error) {
	if s.installations != nil && repo.InstallationID != nil && *repo.InstallationID > 0 {
		token, err := s.installations.InstallationToken(ctx, *repo.InstallationID)
		if err == nil {
			return token, nil
		}
		s.logger.Warn("installation token unavailable, using user token",
			zap.String("repository", repo.FullName),
			zap.Int64("installation_id", *repo.InstallationID),
			zap.Error(err),
		)
	}
	return s.AccessToken(ctx, userID)
}

func (s *Service) loadAccount(ctx context.Context, userID int64) (store.Account, error) {
	account, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, apperr.InvalidToken("github account is not connected", githubapi.ErrInvalidToken)
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("load github account: %w", err)
	}
	return account, nil
}

func (s *Service) openToken(account store.Account) (*oauth2.Token, error) {
	access, err := s.box.Open(account.AccessTokenEnc)
	if err != nil {
		return nil, apperr.InvalidToken("stored github token is unreadable; reconnect your GitHub account", err)
	}
	refresh, err := s.box.Open(account.RefreshTokenEnc)
	if err != nil {
		return nil, apperr.InvalidToken("stored github token is unreadable; reconnect your GitHub account", err)
	}
	if access == "" {
		return nil, apperr.InvalidToken("github account has no token", githubapi.ErrInvalidToken)
	}
	token := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}
	if account.AccessTokenExpiresAt != nil {
		token.Expiry = *account.AccessTokenExpiresAt
	}
	return token, nil
}

func (s *Service) expired(token *oauth2.Token) bool {
	if token.Expiry.IsZero() {
		return false
	}
	return !token.Expiry.After(s.now().Add(expiryLeeway))
}

func (s *Service) sealToken(account *store.Account, token *oauth2.Token) error {
	access, err := s.box.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.box.Seal(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	account.AccessTokenEnc = access
	account.RefreshTokenEnc = refresh
	account.AccessTokenExpiresAt = nil
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		account.AccessTokenExpiresAt = &expiry
	}
	if seconds := extraSeconds(token, "refresh_token_expires_in"); seconds > 0 {
		expiry := s.now().UTC().Add(time.Duration(seconds) * time.Second)
		account.RefreshTokenExpiresAt = &expiry
	}
	return nil
}

func (s *Service) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func (s *Service) redirect(returnTo, reason string) string {
	target := *s.fallback
	if returnTo != "" {
		if ref, err := url.Parse(returnTo); err == nil {
			target = *s.fallback.ResolveReference(ref)
		}
	}
	query := target.Query()
	if reason == "" {
		query.Set("github", "connected")
	} else {
		query.Set("github", "error")
		query.Set("reason", reason)
	}
	target.RawQuery = query.Encode()
	return target.String()
}

// sanitizeReturnTo keeps only same-origin absolute paths.
func sanitizeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return ""
	}
	return raw
}

func scopeOf(token *oauth2.Token) string {
	if scope, ok := token.Extra("scope").(string); ok {
		return scope
	}
	return ""
}

func extraSeconds(token *oauth2.Token, key string) int64 {
	switch value := token.Extra(key).(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
