package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Credential stores a buyer's OAuth token for one provider.
type Credential struct {
	BuyerID      string
	Provider     string
	AccountName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OAuthState is the CSRF state row for one pending OAuth round trip.
type OAuthState struct {
	State        string
	Provider     string
	BuyerID      string
	ItemID       string
	DeploymentID string
	RepoURL      string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether the state is past its expiry at now.
func (s OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DeploymentRecord is the persisted state of one deployment attempt.
type DeploymentRecord struct {
	ID            string
	BuyerID       string
	ItemID        string
	Provider      string
	RequestedName string

	RepoName  string
	RepoOwner string
	RepoURL   string
	CloneURL  string

	// DefaultBranch is the branch the provider created the repository with.
	// Empty means the provider did not report one.
	DefaultBranch string

	StoragePath  string
	BuildCommand string
	PublishDir   string
	// CodePushedAt is set once the worker has pushed the purchased code.
	CodePushedAt *time.Time

	SiteURL string
	SiteID  string
	BuildID string

	Status       string
	ErrorMessage string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RepoFacts are the source-control facts written once a repository exists.
type RepoFacts struct {
	Provider      string
	RepoName      string
	RepoOwner     string
	RepoURL       string
	CloneURL      string
	DefaultBranch string
	StoragePath   string
	BuildCommand  string
	PublishDir    string
}

// SiteFacts are the hosting facts written as the site is created and linked.
type SiteFacts struct {
	SiteURL string
	SiteID  string
	BuildID string
}

// Item is the catalog view of a purchasable codebase.
type Item struct {
	ID           string
	Title        string
	StoragePath  string
	BuildCommand string
	PublishDir   string
}

// Profile caches provider identities for a buyer.
type Profile struct {
	BuyerID      string
	SCMUsername  string
	SiteNameBase string
	UpdatedAt    time.Time
}

// CredentialStore persists OAuth credentials and pending OAuth states.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, buyerID, provider string) (*Credential, error)
	SaveState(ctx context.Context, state OAuthState) error
	// ConsumeState deletes and returns the state row. Only one caller can
	// consume a given state.
	ConsumeState(ctx context.Context, provider, state string) (*OAuthState, error)
	DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// DeploymentStore persists deployment records.
type DeploymentStore interface {
	Create(ctx context.Context, record DeploymentRecord) error
	Get(ctx context.Context, id string) (*DeploymentRecord, error)
	SetStatus(ctx context.Context, id, status, errorMessage string) error
	// SetStatusUnlessFailed applies the status only when the record is not
	// already failed. It reports whether a row was updated.
	SetStatusUnlessFailed(ctx context.Context, id, status, errorMessage string) (bool, error)
	SetRepoFacts(ctx context.Context, id string, facts RepoFacts) error
	MarkCodePushed(ctx context.Context, id string, at time.Time) error
	SetSiteFacts(ctx context.Context, id string, facts SiteFacts) error
	Ping(ctx context.Context) error
	Close() error
}

// Catalog reads purchased items, the purchase ledger and buyer profiles.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	HasPurchased(ctx context.Context, buyerID, itemID string) (bool, error)
	GetProfile(ctx context.Context, buyerID string) (*Profile, error)
	SetSCMUsername(ctx context.Context, buyerID, username string) error
	SetSiteNameBase(ctx context.Context, buyerID, base string) error
	Close() error
}
