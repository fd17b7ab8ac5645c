package providers

import (
	"fmt"
	"net/http"
	"strings"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/hosting"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/providers/bitbucket"
	"mvpdeploy/pkg/providers/github"
	"mvpdeploy/pkg/providers/gitlab"
	"mvpdeploy/pkg/providers/netlify"
	"mvpdeploy/pkg/scm"
)

// Set holds the provider clients built from configuration.
type Set struct {
	// SCM is the active source-control provider for new deployments.
	SCM     scm.Provider
	Hosting hosting.Provider

	byName map[string]scm.Provider
}

// NewSCM builds a source-control provider by name.
func NewSCM(name string, cfg auth.Config, httpClient *http.Client) (scm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "github":
		return github.New(cfg.GitHub, httpClient), nil
	case "gitlab":
		return gitlab.New(cfg.GitLab, httpClient), nil
	case "bitbucket":
		return bitbucket.New(cfg.Bitbucket, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported source control provider: %s", name)
	}
}

// New builds the active source-control provider, every other enabled one
// (so older records keep working after a switch) and the hosting provider.
func New(active string, cfg auth.Config, httpClient *http.Client) (*Set, error) {
	primary, err := NewSCM(active, cfg, httpClient)
	if err != nil {
		return nil, err
	}
	set := &Set{
		SCM:     primary,
		Hosting: netlify.New(cfg.Netlify, httpClient),
		byName:  map[string]scm.Provider{primary.Name(): primary},
	}
	for _, name := range []string{"github", "gitlab", "bitbucket"} {
		if name == primary.Name() {
			continue
		}
		pc, ok := cfg.Get(name)
		if !ok || !pc.Enabled {
			continue
		}
		provider, err := NewSCM(name, cfg, httpClient)
		if err != nil {
			return nil, err
		}
		set.byName[name] = provider
	}
	return set, nil
}

// SCMFor returns the provider a record was created with. An empty name
// resolves to the active provider.
func (s *Set) SCMFor(name string) (scm.Provider, error) {
	if name == "" {
		return s.SCM, nil
	}
	provider, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("source control provider %s is not enabled", name)
	}
	return provider, nil
}

// OAuthClients lists every client able to refresh tokens.
func (s *Set) OAuthClients() []*oauth.Client {
	clients := make([]*oauth.Client, 0, len(s.byName)+1)
	for _, provider := range s.byName {
		clients = append(clients, provider.OAuth())
	}
	if s.Hosting != nil {
		clients = append(clients, s.Hosting.OAuth())
	}
	return clients
}
