package netlify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/hosting"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(auth.ProviderConfig{BaseURL: server.URL, OAuthClientID: "client"}, server.Client())
}

func TestAccount(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/user" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"u1","full_name":"Ada Lovelace","email":"ada@example.com","slug":"ada-l"}`))
	})

	account, err := provider.Account(context.Background(), "tok")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.Slug != "ada-l" || account.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected account %+v", account)
	}
	if base := hosting.SiteNameBase(account); base != "ada-l" {
		t.Fatalf("unexpected base %q", base)
	}
}

func TestCreateSite(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/sites" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["name"] != "ada-1234abcd" {
			t.Fatalf("unexpected name %q", body["name"])
		}
		_, _ = w.Write([]byte(`{"id":"site-1","name":"ada-1234abcd","url":"http://ada-1234abcd.netlify.app","ssl_url":"https://ada-1234abcd.netlify.app"}`))
	})

	site, err := provider.CreateSite(context.Background(), "tok", "ada-1234abcd")
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if site.ID != "site-1" || site.URL != "https://ada-1234abcd.netlify.app" {
		t.Fatalf("unexpected site %+v", site)
	}
}

func TestCreateSiteNameTaken(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":{"subdomain":["must be unique"]}}`))
	})

	_, err := provider.CreateSite(context.Background(), "tok", "taken")
	if !errors.Is(err, hosting.ErrSiteNameTaken) {
		t.Fatalf("expected ErrSiteNameTaken, got %v", err)
	}
}

func TestLinkRepositoryAndTriggerBuild(t *testing.T) {
	var linked map[string]map[string]interface{}
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v1/sites/site-1":
			if err := json.NewDecoder(r.Body).Decode(&linked); err != nil {
				t.Fatalf("decode: %v", err)
			}
			_, _ = w.Write([]byte(`{"id":"site-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sites/site-1/builds":
			_, _ = w.Write([]byte(`{"id":"build-9","deploy_id":"deploy-9"}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	err := provider.LinkRepository(ctx, "tok", "site-1", hosting.RepoLink{
		Provider:   "github",
		Repo:       "ada/shop",
		Command:    "npm run build",
		PublishDir: "dist",
		Private:    true,
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	repo := linked["repo"]
	if repo["repo"] != "ada/shop" || repo["branch"] != "main" || repo["dir"] != "dist" || repo["private"] != true {
		t.Fatalf("unexpected link payload %+v", repo)
	}

	buildID, err := provider.TriggerBuild(ctx, "tok", "site-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if buildID != "build-9" {
		t.Fatalf("unexpected build id %q", buildID)
	}
}

func TestLinkRepositoryFailure(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"installation missing"}`))
	})

	err := provider.LinkRepository(context.Background(), "tok", "site-1", hosting.RepoLink{Provider: "github", Repo: "a/b"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 api error, got %v", err)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                                defaultBaseURL,
		"https://api.netlify.com":         defaultBaseURL,
		"https://api.netlify.com/api/v1/": defaultBaseURL,
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
