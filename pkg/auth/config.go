package auth

// Config contains OAuth application settings per provider.
type Config struct {
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
	Netlify   ProviderConfig `yaml:"netlify"`
}

// ProviderConfig contains the OAuth client and API endpoints for a provider.
type ProviderConfig struct {
	Enabled bool `yaml:"enabled"`

	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`
	Scopes            []string `yaml:"scopes"`

	// BaseURL is the REST API root. WebBaseURL hosts the authorize and token
	// endpoints when they differ from the API host.
	BaseURL    string `yaml:"base_url"`
	WebBaseURL string `yaml:"web_base_url"`
}

// Get returns the provider settings by name.
func (c Config) Get(provider string) (ProviderConfig, bool) {
	switch provider {
	case "github":
		return c.GitHub, true
	case "gitlab":
		return c.GitLab, true
	case "bitbucket":
		return c.Bitbucket, true
	case "netlify":
		return c.Netlify, true
	default:
		return ProviderConfig{}, false
	}
}
