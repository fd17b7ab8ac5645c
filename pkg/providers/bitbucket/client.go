package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/scm"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	bb "github.com/ktrysmt/go-bitbucket"
)

// apiBaseEnv is read by the SDK when a client is built.
const apiBaseEnv = "BITBUCKET_API_BASE_URL"

// Provider talks to Bitbucket Cloud with a buyer's OAuth token. Repositories
// are created in the buyer's personal workspace.
type Provider struct {
	cfg   auth.ProviderConfig
	oauth *oauth.Client
}

// New builds the Bitbucket provider. httpClient may be nil and is only used
// for the OAuth exchange; the SDK manages its own transport.
func New(cfg auth.ProviderConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		cfg:   cfg,
		oauth: oauth.NewClient("bitbucket", cfg, oauth.BitbucketEndpoint(cfg), httpClient),
	}
}

func (p *Provider) Name() string { return "bitbucket" }

func (p *Provider) OAuth() *oauth.Client { return p.oauth }

// Identity returns the workspace slug of the token owner as the username.
func (p *Provider) Identity(ctx context.Context, token string) (scm.Identity, error) {
	client, err := p.client(token)
	if err != nil {
		return scm.Identity{}, err
	}
	return p.identity(ctx, client)
}

func (p *Provider) identity(ctx context.Context, client *bb.Client) (scm.Identity, error) {
	if err := ctx.Err(); err != nil {
		return scm.Identity{}, err
	}
	user, err := client.User.Profile()
	if err != nil {
		return scm.Identity{}, fmt.Errorf("bitbucket user profile: %w", err)
	}
	username := user.Username
	if username == "" {
		username = user.Nickname
	}
	if username == "" {
		return scm.Identity{}, errors.New("bitbucket username missing")
	}
	return scm.Identity{Username: username, Name: user.DisplayName}, nil
}

// CreateRepository creates a repository in the token owner's workspace.
// Bitbucket cannot initialise a repository on creation, so the repository
// starts empty and the worker creates its first branch.
func (p *Provider) CreateRepository(ctx context.Context, token string, req scm.CreateRepoRequest) (*scm.Repository, error) {
	client, err := p.client(token)
	if err != nil {
		return nil, err
	}
	identity, err := p.identity(ctx, client)
	if err != nil {
		return nil, err
	}
	opts := &bb.RepositoryOptions{
		Owner:       identity.Username,
		RepoSlug:    req.Name,
		Scm:         "git",
		Description: req.Description,
		IsPrivate:   fmt.Sprintf("%t", req.Private),
	}
	if existing, err := client.Repositories.Repository.Get(opts); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", scm.ErrNameTaken, req.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo, err := client.Repositories.Repository.Create(opts)
	if err != nil {
		return nil, fmt.Errorf("bitbucket create repository: %w", err)
	}
	fullName := repo.Full_name
	if fullName == "" {
		fullName = identity.Username + "/" + req.Name
	}
	htmlURL := oauth.BitbucketWebBase(p.cfg) + "/" + fullName
	return &scm.Repository{
		Owner:         identity.Username,
		Name:          firstNonEmpty(repo.Slug, req.Name),
		HTMLURL:       htmlURL,
		CloneURL:      htmlURL + ".git",
		DefaultBranch: repo.Mainbranch.Name,
	}, nil
}

// CloneAuth uses Bitbucket's x-token-auth user for OAuth access tokens.
func (p *Provider) CloneAuth(token string) transport.AuthMethod {
	return &githttp.BasicAuth{Username: "x-token-auth", Password: token}
}

func (p *Provider) ParseRepoURL(repoURL string) (string, string, error) {
	return scm.SplitRepoURL(repoURL, oauth.BitbucketWebBase(p.cfg))
}

func (p *Provider) client(token string) (*bb.Client, error) {
	if token == "" {
		return nil, errors.New("bitbucket token is required")
	}
	if base := strings.TrimRight(strings.TrimSpace(p.cfg.BaseURL), "/"); base != "" {
		_ = os.Setenv(apiBaseEnv, base)
	}
	return bb.NewOAuthbearerToken(token)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
