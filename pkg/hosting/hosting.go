package hosting

import (
	"context"
	"errors"
	"strings"

	"mvpdeploy/pkg/oauth"
)

// ErrSiteNameTaken is returned when the site subdomain is already in use.
var ErrSiteNameTaken = errors.New("site name already taken")

// Account is the authenticated hosting account.
type Account struct {
	ID       string
	FullName string
	Email    string
	Slug     string
}

// Site is a created hosting site.
type Site struct {
	ID   string
	Name string
	URL  string
}

// RepoLink connects a site to a source repository for continuous builds.
type RepoLink struct {
	Provider   string
	Repo       string
	Branch     string
	Command    string
	PublishDir string
	Private    bool
}

// Provider is the narrow hosting surface the pipeline needs.
type Provider interface {
	Name() string
	OAuth() *oauth.Client
	Account(ctx context.Context, token string) (Account, error)
	CreateSite(ctx context.Context, token, name string) (*Site, error)
	LinkRepository(ctx context.Context, token, siteID string, link RepoLink) error
	TriggerBuild(ctx context.Context, token, siteID string) (string, error)
}

// SiteNameBase derives a subdomain-safe base from the account, preferring
// the provider slug, then the full name, then the email local part.
func SiteNameBase(account Account) string {
	for _, candidate := range []string{account.Slug, account.FullName, localPart(account.Email)} {
		if slug := Slugify(candidate); slug != "" {
			return slug
		}
	}
	return "site"
}

// Slugify lowercases and keeps [a-z0-9], collapsing everything else to
// single hyphens.
func Slugify(value string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

// SiteName suffixes base with the first eight characters of the deployment
// id (hyphens removed).
func SiteName(base, deploymentID string) string {
	suffix := strings.ReplaceAll(strings.ToLower(deploymentID), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if base == "" {
		base = "site"
	}
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func localPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return ""
}
