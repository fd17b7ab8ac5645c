package netlify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/hosting"
	"mvpdeploy/pkg/oauth"

	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.netlify.com/api/v1"

// Provider is a small Netlify REST client covering site creation and
// repository linking.
type Provider struct {
	baseURL    string
	oauth      *oauth.Client
	httpClient *http.Client
}

// APIError is a non-2xx Netlify response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("netlify api error: status %d: %s", e.StatusCode, e.Body)
}

// New builds the Netlify provider. httpClient may be nil.
func New(cfg auth.ProviderConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		oauth:      oauth.NewClient("netlify", cfg, oauth.NetlifyEndpoint(cfg), httpClient),
		httpClient: httpClient,
	}
}

func (p *Provider) Name() string { return "netlify" }

func (p *Provider) OAuth() *oauth.Client { return p.oauth }

type user struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Slug     string `json:"slug"`
}

type site struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	SSLURL string `json:"ssl_url"`
}

type build struct {
	ID       string `json:"id"`
	DeployID string `json:"deploy_id"`
}

func (p *Provider) Account(ctx context.Context, token string) (hosting.Account, error) {
	var out user
	if err := p.do(ctx, token, http.MethodGet, "/user", nil, &out); err != nil {
		return hosting.Account{}, fmt.Errorf("netlify get user: %w", err)
	}
	return hosting.Account{ID: out.ID, FullName: out.FullName, Email: out.Email, Slug: out.Slug}, nil
}

// CreateSite creates an empty site with the given subdomain.
func (p *Provider) CreateSite(ctx context.Context, token, name string) (*hosting.Site, error) {
	var out site
	err := p.do(ctx, token, http.MethodPost, "/sites", map[string]interface{}{"name": name}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("%w: %s", hosting.ErrSiteNameTaken, name)
		}
		return nil, fmt.Errorf("netlify create site: %w", err)
	}
	id := out.ID
	if id == "" {
		id = out.SiteID
	}
	siteURL := out.SSLURL
	if siteURL == "" {
		siteURL = out.URL
	}
	if id == "" || siteURL == "" {
		return nil, errors.New("netlify create site: response missing id or url")
	}
	return &hosting.Site{ID: id, Name: out.Name, URL: siteURL}, nil
}

// LinkRepository attaches the repository and build settings to the site.
func (p *Provider) LinkRepository(ctx context.Context, token, siteID string, link hosting.RepoLink) error {
	branch := link.Branch
	if branch == "" {
		branch = "main"
	}
	payload := map[string]interface{}{
		"repo": map[string]interface{}{
			"provider":         link.Provider,
			"repo":             link.Repo,
			"repo_path":        link.Repo,
			"repo_branch":      branch,
			"branch":           branch,
			"private":          link.Private,
			"cmd":              link.Command,
			"dir":              link.PublishDir,
			"allowed_branches": []string{branch},
		},
	}
	path := "/sites/" + url.PathEscape(siteID)
	if err := p.do(ctx, token, http.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("netlify link repository: %w", err)
	}
	return nil
}

// TriggerBuild starts a build and returns its id.
func (p *Provider) TriggerBuild(ctx context.Context, token, siteID string) (string, error) {
	var out build
	path := "/sites/" + url.PathEscape(siteID) + "/builds"
	if err := p.do(ctx, token, http.MethodPost, path, nil, &out); err != nil {
		return "", fmt.Errorf("netlify trigger build: %w", err)
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return out.DeployID, nil
}

func (p *Provider) do(ctx context.Context, token, method, path string, payload interface{}, out interface{}) error {
	if token == "" {
		return errors.New("netlify token is required")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return defaultBaseURL
	}
	if !strings.HasSuffix(base, "/api/v1") {
		base += "/api/v1"
	}
	return base
}
