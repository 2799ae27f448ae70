package githubapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newAccountServer(t *testing.T, routes map[string]http.HandlerFunc) *AccountClient {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		handler, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewAccountClient(AccountClientConfig{APIBaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAccountClient() unexpected error: %v", err)
	}
	return client
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestAccountClientProfile(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		emails    http.HandlerFunc
		wantEmail string
		wantErr   bool
	}{
		{
			name: "prefers_primary_verified_email",
			emails: jsonHandler(http.StatusOK, `[
				{"email":"old@example.com","verified":true,"primary":false},
				{"email":"unverified@example.com","verified":false,"primary":false},
				{"email":"alice@example.com","verified":true,"primary":true}
			]`),
			wantEmail: "alice@example.com",
		},
		{
			name:      "falls_back_to_public_email_when_scope_missing",
			emails:    jsonHandler(http.StatusForbidden, `{"message":"Resource not accessible"}`),
			wantEmail: "public@example.com",
		},
		{
			name:    "propagates_server_errors",
			emails:  jsonHandler(http.StatusInternalServerError, `{"message":"boom"}`),
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newAccountServer(t, map[string]http.HandlerFunc{
				"/user":        jsonHandler(http.StatusOK, `{"id":7,"login":"alice","name":"Alice","email":"public@example.com"}`),
				"/user/emails": tc.emails,
			})

			got, err := client.Profile(context.Background(), "user-token")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Profile() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Profile() unexpected error: %v", err)
			}
			want := Profile{ID: 7, Login: "alice", Name: "Alice", Email: tc.wantEmail}
			if got != want {
				t.Fatalf("Profile() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestAccountClientProfileInvalidToken(t *testing.T) {
	t.Parallel()

	client := newAccountServer(t, map[string]http.HandlerFunc{})
	_, err := client.Profile(context.Background(), "revoked")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Profile() error = %v, want ErrInvalidToken", err)
	}
}

func TestAccountClientListInstallationRepos(t *testing.T) {
	t.Parallel()

	client := newAccountServer(t, map[string]http.HandlerFunc{
		"/user/installations": jsonHandler(http.StatusOK,
			`{"total_count":3,"installations":[{"id":1},{"id":2},{"id":3}]}`),
		"/user/installations/1/repositories": jsonHandler(http.StatusOK, `{"total_count":2,"repositories":[
			{"id":10,"name":"widgets","full_name":"octo/widgets","owner":{"login":"octo"},
			 "html_url":"https://github.com/octo/widgets","default_branch":"main","private":true,
			 "created_at":"2020-01-01T00:00:00Z"},
			{"id":11,"name":"gadgets","full_name":"octo/gadgets","owner":{"login":"octo"},"default_branch":"trunk"}
		]}`),
		"/user/installations/2/repositories": jsonHandler(http.StatusForbidden, `{"message":"suspended"}`),
		"/user/installations/3/repositories": jsonHandler(http.StatusOK, `{"total_count":1,"repositories":[
			{"id":10,"name":"widgets","full_name":"octo/widgets","owner":{"login":"octo"}}
		]}`),
	})

	got, err := client.ListInstallationRepos(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("ListInstallationRepos() unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(repos) = %d, want 2: %+v", len(got), got)
	}
	first := got[0]
	if first.FullName != "octo/widgets" || first.InstallationID != 1 || !first.IsPrivate || first.OwnerLogin != "octo" {
		t.Fatalf("repos[0] = %+v", first)
	}
	if first.CreatedAt.Year() != 2020 {
		t.Fatalf("repos[0].CreatedAt = %v, want 2020", first.CreatedAt)
	}
	if got[1].DefaultBranch != "trunk" {
		t.Fatalf("repos[1].DefaultBranch = %q, want trunk", got[1].DefaultBranch)
	}
}

func TestAccountClientListInstallationReposStopsAtPageCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/installations":
			calls.Add(1)
			w.Header().Set("Link", `<`+"http://"+r.Host+`/user/installations?page=99>; rel="next"`)
			_, _ = w.Write([]byte(`{"total_count":1,"installations":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewAccountClient(AccountClientConfig{APIBaseURL: server.URL, MaxInstallationPages: 2})
	if err != nil {
		t.Fatalf("NewAccountClient() unexpected error: %v", err)
	}
	got, err := client.ListInstallationRepos(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("ListInstallationRepos() unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(repos) = %d, want 0", len(got))
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("installation page calls = %d, want 2", got)
	}
}
