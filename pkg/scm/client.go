package scm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mvpdeploy/pkg/oauth"

	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrNameTaken is returned when the provider already has a repository with
// the requested name under the buyer's account.
var ErrNameTaken = errors.New("repository name already taken")

// ErrUnrecognizedRepoURL is returned when a repository URL does not belong to
// the provider's host.
var ErrUnrecognizedRepoURL = errors.New("unrecognized repository url")

// Identity is the authenticated provider account.
type Identity struct {
	Username string
	Name     string
	Email    string
}

// CreateRepoRequest describes a new repository.
type CreateRepoRequest struct {
	Name        string
	Description string
	Private     bool
	AutoInit    bool
}

// Repository holds the facts recorded after creation.
type Repository struct {
	Owner         string
	Name          string
	HTMLURL       string
	CloneURL      string
	DefaultBranch string
}

// Provider is the narrow source-control surface the pipeline needs.
type Provider interface {
	Name() string
	OAuth() *oauth.Client
	Identity(ctx context.Context, token string) (Identity, error)
	CreateRepository(ctx context.Context, token string, req CreateRepoRequest) (*Repository, error)
	// CloneAuth returns git transport credentials for the access token.
	CloneAuth(token string) transport.AuthMethod
	// ParseRepoURL extracts owner and name from a repository web URL.
	ParseRepoURL(repoURL string) (owner, name string, err error)
}

// SplitRepoURL checks repoURL against webBase's host and splits the path into
// owner (which may contain subgroups) and repository name.
func SplitRepoURL(repoURL, webBase string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnrecognizedRepoURL, repoURL)
	}
	base, err := url.Parse(webBase)
	if err != nil || base.Host == "" {
		return "", "", fmt.Errorf("invalid provider base url %q", webBase)
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return "", "", fmt.Errorf("%w: host %s is not %s", ErrUnrecognizedRepoURL, u.Host, base.Host)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %q", ErrUnrecognizedRepoURL, repoURL)
	}
	for _, part := range parts {
		if part == "" {
			return "", "", fmt.Errorf("%w: %q", ErrUnrecognizedRepoURL, repoURL)
		}
	}
	name := parts[len(parts)-1]
	owner := strings.Join(parts[:len(parts)-1], "/")
	return owner, name, nil
}
