package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/scm"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv(apiBaseEnv, server.URL+"/2.0")
	return New(auth.ProviderConfig{BaseURL: server.URL + "/2.0"}, server.Client())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func profile(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":     "octo",
		"display_name": "Octo Cat",
		"uuid":         "{1}",
	})
}

func TestIdentity(t *testing.T) {
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSuffix(r.URL.Path, "/") != "/2.0/user" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		profile(w)
	}))

	identity, err := provider.Identity(context.Background(), "tok")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if identity.Username != "octo" || identity.Name != "Octo Cat" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestCreateRepository(t *testing.T) {
	created := false
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSuffix(r.URL.Path, "/")
		switch {
		case path == "/2.0/user":
			profile(w)
		case path == "/2.0/repositories/octo/my-app" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"type": "error"})
		case path == "/2.0/repositories/octo/my-app" && r.Method == http.MethodPost:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["scm"] != "git" {
				t.Errorf("expected git repository, got %v", body)
			}
			created = true
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"slug":      "my-app",
				"full_name": "octo/my-app",
				"scm":       "git",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))

	repo, err := provider.CreateRepository(context.Background(), "tok", scm.CreateRepoRequest{Name: "my-app", Private: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected the repository to be created")
	}
	if repo.Owner != "octo" || repo.Name != "my-app" {
		t.Fatalf("unexpected repo %+v", repo)
	}
	if repo.HTMLURL != "https://bitbucket.org/octo/my-app" || repo.CloneURL != "https://bitbucket.org/octo/my-app.git" {
		t.Fatalf("unexpected urls %s %s", repo.HTMLURL, repo.CloneURL)
	}
	if repo.DefaultBranch != "" {
		t.Fatalf("new repository should have no branch yet, got %q", repo.DefaultBranch)
	}
}

func TestCreateRepositoryNameTaken(t *testing.T) {
	provider := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSuffix(r.URL.Path, "/")
		switch {
		case path == "/2.0/user":
			profile(w)
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]interface{}{"slug": "my-app", "full_name": "octo/my-app"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))

	_, err := provider.CreateRepository(context.Background(), "tok", scm.CreateRepoRequest{Name: "my-app"})
	if !errors.Is(err, scm.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestCloneAuth(t *testing.T) {
	provider := New(auth.ProviderConfig{}, nil)
	basic, ok := provider.CloneAuth("tok").(*githttp.BasicAuth)
	if !ok || basic.Username != "x-token-auth" || basic.Password != "tok" {
		t.Fatalf("unexpected clone auth %#v", provider.CloneAuth("tok"))
	}
}

func TestParseRepoURL(t *testing.T) {
	provider := New(auth.ProviderConfig{}, nil)
	owner, name, err := provider.ParseRepoURL("https://bitbucket.org/octo/my-app.git")
	if err != nil || owner != "octo" || name != "my-app" {
		t.Fatalf("unexpected parse %s/%s %v", owner, name, err)
	}
	if _, _, err := provider.ParseRepoURL("https://github.com/octo/my-app"); !errors.Is(err, scm.ErrUnrecognizedRepoURL) {
		t.Fatalf("expected foreign host to fail, got %v", err)
	}
}

func TestOAuthEndpoint(t *testing.T) {
	provider := New(auth.ProviderConfig{OAuthClientID: "id"}, nil)
	if provider.OAuth().Provider() != "bitbucket" {
		t.Fatalf("unexpected oauth provider %s", provider.OAuth().Provider())
	}
	url, err := provider.OAuth().AuthCodeURL("state", "https://market.example/oauth/bitbucket/callback")
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	if !strings.HasPrefix(url, "https://bitbucket.org/site/oauth2/authorize") {
		t.Fatalf("unexpected auth url %s", url)
	}
}
