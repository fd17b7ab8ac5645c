package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/scm"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.github.com"

// Provider talks to GitHub with a buyer's OAuth token.
type Provider struct {
	cfg        auth.ProviderConfig
	oauth      *oauth.Client
	httpClient *http.Client
}

// New builds the GitHub provider. httpClient may be nil.
func New(cfg auth.ProviderConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		cfg:        cfg,
		oauth:      oauth.NewClient("github", cfg, oauth.GitHubEndpoint(cfg), httpClient),
		httpClient: httpClient,
	}
}

func (p *Provider) Name() string { return "github" }

func (p *Provider) OAuth() *oauth.Client { return p.oauth }

// Identity returns the login of the token owner.
func (p *Provider) Identity(ctx context.Context, token string) (scm.Identity, error) {
	client, err := p.client(ctx, token)
	if err != nil {
		return scm.Identity{}, err
	}
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return scm.Identity{}, fmt.Errorf("github get user: %w", err)
	}
	if user.GetLogin() == "" {
		return scm.Identity{}, errors.New("github user login missing")
	}
	return scm.Identity{
		Username: user.GetLogin(),
		Name:     user.GetName(),
		Email:    user.GetEmail(),
	}, nil
}

// CreateRepository creates a repository owned by the authenticated user.
func (p *Provider) CreateRepository(ctx context.Context, token string, req scm.CreateRepoRequest) (*scm.Repository, error) {
	client, err := p.client(ctx, token)
	if err != nil {
		return nil, err
	}
	repo, _, err := client.Repositories.Create(ctx, "", &gh.Repository{
		Name:        gh.String(req.Name),
		Description: gh.String(req.Description),
		Private:     gh.Bool(req.Private),
		AutoInit:    gh.Bool(req.AutoInit),
	})
	if err != nil {
		if nameTaken(err) {
			return nil, fmt.Errorf("%w: %s", scm.ErrNameTaken, req.Name)
		}
		return nil, fmt.Errorf("github create repository: %w", err)
	}
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return &scm.Repository{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		HTMLURL:       repo.GetHTMLURL(),
		CloneURL:      repo.GetCloneURL(),
		DefaultBranch: branch,
	}, nil
}

// CloneAuth sends the token as the basic-auth user.
func (p *Provider) CloneAuth(token string) transport.AuthMethod {
	return &githttp.BasicAuth{Username: token}
}

func (p *Provider) ParseRepoURL(repoURL string) (string, string, error) {
	owner, name, err := scm.SplitRepoURL(repoURL, oauth.GitHubWebBase(p.cfg))
	if err != nil {
		return "", "", err
	}
	if strings.Contains(owner, "/") {
		return "", "", fmt.Errorf("%w: %q", scm.ErrUnrecognizedRepoURL, repoURL)
	}
	return owner, name, nil
}

func (p *Provider) client(ctx context.Context, token string) (*gh.Client, error) {
	if token == "" {
		return nil, errors.New("github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), ts)
	client := gh.NewClient(httpClient)

	baseURL := strings.TrimRight(p.cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		parsed, err := url.Parse(baseURL + "/")
		if err != nil {
			return nil, fmt.Errorf("github base_url: %w", err)
		}
		client.BaseURL = parsed
	}
	return client, nil
}

func nameTaken(err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	if ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(strings.ToLower(ghErr.Message), "already exists") {
		return true
	}
	for _, e := range ghErr.Errors {
		if e.Field == "name" && strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return false
}
