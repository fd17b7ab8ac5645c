package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/scm"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gl "github.com/xanzy/go-gitlab"
)

// Provider talks to GitLab with a buyer's OAuth token.
type Provider struct {
	cfg        auth.ProviderConfig
	oauth      *oauth.Client
	httpClient *http.Client
}

// New builds the GitLab provider. httpClient may be nil.
func New(cfg auth.ProviderConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		cfg:        cfg,
		oauth:      oauth.NewClient("gitlab", cfg, oauth.GitLabEndpoint(cfg), httpClient),
		httpClient: httpClient,
	}
}

func (p *Provider) Name() string { return "gitlab" }

func (p *Provider) OAuth() *oauth.Client { return p.oauth }

func (p *Provider) Identity(ctx context.Context, token string) (scm.Identity, error) {
	client, err := p.client(token)
	if err != nil {
		return scm.Identity{}, err
	}
	user, _, err := client.Users.CurrentUser(gl.WithContext(ctx))
	if err != nil {
		return scm.Identity{}, fmt.Errorf("gitlab current user: %w", err)
	}
	if user.Username == "" {
		return scm.Identity{}, errors.New("gitlab username missing")
	}
	return scm.Identity{Username: user.Username, Name: user.Name, Email: user.Email}, nil
}

// CreateRepository creates a project in the token owner's namespace.
func (p *Provider) CreateRepository(ctx context.Context, token string, req scm.CreateRepoRequest) (*scm.Repository, error) {
	client, err := p.client(token)
	if err != nil {
		return nil, err
	}
	visibility := gl.PublicVisibility
	if req.Private {
		visibility = gl.PrivateVisibility
	}
	project, _, err := client.Projects.CreateProject(&gl.CreateProjectOptions{
		Name:                 gl.Ptr(req.Name),
		Path:                 gl.Ptr(req.Name),
		Description:          gl.Ptr(req.Description),
		Visibility:           gl.Ptr(visibility),
		InitializeWithReadme: gl.Ptr(req.AutoInit),
	}, gl.WithContext(ctx))
	if err != nil {
		if nameTaken(err) {
			return nil, fmt.Errorf("%w: %s", scm.ErrNameTaken, req.Name)
		}
		return nil, fmt.Errorf("gitlab create project: %w", err)
	}
	owner := ""
	if project.Namespace != nil {
		owner = project.Namespace.FullPath
	}
	branch := project.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return &scm.Repository{
		Owner:         owner,
		Name:          project.Path,
		HTMLURL:       project.WebURL,
		CloneURL:      project.HTTPURLToRepo,
		DefaultBranch: branch,
	}, nil
}

// CloneAuth uses GitLab's oauth2 user convention for token auth over HTTPS.
func (p *Provider) CloneAuth(token string) transport.AuthMethod {
	return &githttp.BasicAuth{Username: "oauth2", Password: token}
}

func (p *Provider) ParseRepoURL(repoURL string) (string, string, error) {
	return scm.SplitRepoURL(repoURL, oauth.GitLabWebBase(p.cfg))
}

func (p *Provider) client(token string) (*gl.Client, error) {
	if token == "" {
		return nil, errors.New("gitlab token is required")
	}
	opts := []gl.ClientOptionFunc{gl.WithHTTPClient(p.httpClient)}
	if base := strings.TrimRight(p.cfg.BaseURL, "/"); base != "" {
		opts = append(opts, gl.WithBaseURL(base))
	}
	return gl.NewOAuthClient(token, opts...)
}

func nameTaken(err error) bool {
	var glErr *gl.ErrorResponse
	if !errors.As(err, &glErr) || glErr.Response == nil {
		return false
	}
	if glErr.Response.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(glErr.Message), "has already been taken")
}
