package githubapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writePrivateKeyPEM(t *testing.T, dir string) string {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() unexpected error: %v", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	path := filepath.Join(dir, "app.pem")
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		t.Fatalf("WriteFile() unexpected error: %v", err)
	}
	return path
}

func TestNewAppAuth(t *testing.T) {
	t.Parallel()

	keyPath := writePrivateKeyPEM(t, t.TempDir())

	testCases := []struct {
		name        string
		cfg         AppAuthConfig
		wantErr     bool
		errContains string
	}{
		{
			name: "valid_config",
			cfg:  AppAuthConfig{AppID: 12345, PrivateKeyPath: keyPath},
		},
		{
			name:        "missing_app_id",
			cfg:         AppAuthConfig{PrivateKeyPath: keyPath},
			wantErr:     true,
			errContains: "app id must be > 0",
		},
		{
			name:        "missing_key",
			cfg:         AppAuthConfig{AppID: 12345},
			wantErr:     true,
			errContains: "private key path is required",
		},
		{
			name:        "unreadable_key",
			cfg:         AppAuthConfig{AppID: 12345, PrivateKeyPath: filepath.Join(t.TempDir(), "missing.pem")},
			wantErr:     true,
			errContains: "read github app private key",
		},
		{
			name:        "malformed_key",
			cfg:         AppAuthConfig{AppID: 12345, PrivateKey: []byte("not a key")},
			wantErr:     true,
			errContains: "create github app transport",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			auth, err := NewAppAuth(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewAppAuth() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, missing %q", err.Error(), tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAppAuth() unexpected error: %v", err)
			}
			if auth == nil {
				t.Fatalf("NewAppAuth() returned nil")
			}
		})
	}
}

func TestAppAuthInstallationFlow(t *testing.T) {
	t.Parallel()

	var tokenRequests atomic.Int32
	expiresAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/octo/widgets/installation":
			_, _ = w.Write([]byte(`{"id":987}`))
		case r.Method == http.MethodPost && r.URL.Path == "/app/installations/987/access_tokens":
			tokenRequests.Add(1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token":"ghs_installation","expires_at":"` + expiresAt + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	t.Cleanup(server.Close)

	auth, err := NewAppAuth(AppAuthConfig{
		AppID:          12345,
		PrivateKeyPath: writePrivateKeyPEM(t, t.TempDir()),
		APIBaseURL:     server.URL,
		Timeout:        5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewAppAuth() unexpected error: %v", err)
	}

	installationID, err := auth.InstallationForRepo(context.Background(), "octo", "widgets")
	if err != nil {
		t.Fatalf("InstallationForRepo() unexpected error: %v", err)
	}
	if installationID != 987 {
		t.Fatalf("InstallationForRepo() = %d, want 987", installationID)
	}

	_, err = auth.InstallationForRepo(context.Background(), "octo", "elsewhere")
	if !errors.Is(err, ErrAppNotInstalled) {
		t.Fatalf("InstallationForRepo() error = %v, want ErrAppNotInstalled", err)
	}

	for i := 0; i < 2; i++ {
		token, err := auth.InstallationToken(context.Background(), installationID)
		if err != nil {
			t.Fatalf("InstallationToken() unexpected error: %v", err)
		}
		if token != "ghs_installation" {
			t.Fatalf("InstallationToken() = %q, want ghs_installation", token)
		}
	}
	if got := tokenRequests.Load(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}

	if _, err := auth.InstallationToken(context.Background(), 0); err == nil {
		t.Fatalf("InstallationToken(0) expected error, got nil")
	}
}

func TestNewGitHubRESTClient(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		apiBaseURL  string
		wantBaseURL string
		wantErr     bool
	}{
		{name: "default_base_url", apiBaseURL: "", wantBaseURL: "https://api.github.com/"},
		{name: "adds_trailing_slash", apiBaseURL: "https://ghe.example.com/api/v3", wantBaseURL: "https://ghe.example.com/api/v3/"},
		{name: "rejects_missing_host", apiBaseURL: "/api/v3", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewGitHubRESTClient(nil, tc.apiBaseURL)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewGitHubRESTClient() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewGitHubRESTClient() unexpected error: %v", err)
			}
			if got := client.BaseURL.String(); got != tc.wantBaseURL {
				t.Fatalf("BaseURL = %q, want %q", got, tc.wantBaseURL)
			}
		})
	}
}
