package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mvpdeploy/pkg/auth"

	"golang.org/x/oauth2"
	oauthbitbucket "golang.org/x/oauth2/bitbucket"
	oauthgithub "golang.org/x/oauth2/github"
	oauthgitlab "golang.org/x/oauth2/gitlab"
)

// Client performs the authorization-code flow for one provider.
type Client struct {
	provider   string
	config     oauth2.Config
	httpClient *http.Client
}

// NewClient builds a client from provider settings and its OAuth endpoint.
func NewClient(provider string, cfg auth.ProviderConfig, endpoint oauth2.Endpoint, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &Client{
		provider: provider,
		config: oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
	}
}

// Provider returns the provider name the client was built for.
func (c *Client) Provider() string {
	return c.provider
}

// AuthCodeURL returns the authorize URL embedding state and the callback.
func (c *Client) AuthCodeURL(state, redirectURL string) (string, error) {
	if c.config.ClientID == "" {
		return "", fmt.Errorf("%s oauth_client_id is required", c.provider)
	}
	cfg := c.config
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state), nil
}

// Exchange trades an authorization code for a token. redirectURL must match
// the one sent to the authorize endpoint.
func (c *Client) Exchange(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("authorization code is required")
	}
	cfg := c.config
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(c.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", c.provider, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%s access token missing", c.provider)
	}
	return token, nil
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%s refresh token missing", c.provider)
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := c.config.TokenSource(c.context(ctx), expired).Token()
	if err != nil {
		return nil, fmt.Errorf("%s token refresh: %w", c.provider, err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// GitHubEndpoint returns github.com's endpoint unless a GitHub Enterprise web
// base is configured.
func GitHubEndpoint(cfg auth.ProviderConfig) oauth2.Endpoint {
	web := GitHubWebBase(cfg)
	if web == "https://github.com" {
		return oauthgithub.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  web + "/login/oauth/authorize",
		TokenURL: web + "/login/oauth/access_token",
	}
}

// GitLabEndpoint returns gitlab.com's endpoint unless self-managed.
func GitLabEndpoint(cfg auth.ProviderConfig) oauth2.Endpoint {
	web := GitLabWebBase(cfg)
	if web == "https://gitlab.com" {
		return oauthgitlab.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  web + "/oauth/authorize",
		TokenURL: web + "/oauth/token",
	}
}

// BitbucketEndpoint returns bitbucket.org's endpoint unless a different web
// host is configured.
func BitbucketEndpoint(cfg auth.ProviderConfig) oauth2.Endpoint {
	web := BitbucketWebBase(cfg)
	if web == "https://bitbucket.org" {
		return oauthbitbucket.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  web + "/site/oauth2/authorize",
		TokenURL: web + "/site/oauth2/access_token",
	}
}

// NetlifyEndpoint authorizes on the app host and exchanges on the API host.
func NetlifyEndpoint(cfg auth.ProviderConfig) oauth2.Endpoint {
	web := strings.TrimRight(cfg.WebBaseURL, "/")
	if web == "" {
		web = "https://app.netlify.com"
	}
	api := strings.TrimRight(cfg.BaseURL, "/")
	api = strings.TrimSuffix(api, "/api/v1")
	if api == "" {
		api = "https://api.netlify.com"
	}
	return oauth2.Endpoint{
		AuthURL:  web + "/authorize",
		TokenURL: api + "/oauth/token",
	}
}

func GitHubWebBase(cfg auth.ProviderConfig) string {
	webBase := strings.TrimRight(cfg.WebBaseURL, "/")
	if webBase != "" {
		return webBase
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" || base == "https://api.github.com" {
		return "https://github.com"
	}
	webBase = strings.TrimSuffix(base, "/api/v3")
	webBase = strings.TrimSuffix(webBase, "/api")
	if webBase == "" {
		return "https://github.com"
	}
	return webBase
}

func GitLabWebBase(cfg auth.ProviderConfig) string {
	webBase := strings.TrimRight(cfg.WebBaseURL, "/")
	if webBase != "" {
		return webBase
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return "https://gitlab.com"
	}
	webBase = strings.TrimSuffix(base, "/api/v4")
	if webBase == "" {
		return "https://gitlab.com"
	}
	return webBase
}

// BitbucketWebBase never derives from BaseURL: the API lives on its own host.
func BitbucketWebBase(cfg auth.ProviderConfig) string {
	if webBase := strings.TrimRight(cfg.WebBaseURL, "/"); webBase != "" {
		return webBase
	}
	return "https://bitbucket.org"
}

// ExpiresAt converts a token expiry into the stored form.
func ExpiresAt(token *oauth2.Token) *time.Time {
	if token == nil || token.Expiry.IsZero() {
		return nil
	}
	expiry := token.Expiry.UTC()
	return &expiry
}
