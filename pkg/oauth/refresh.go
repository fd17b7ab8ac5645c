package oauth

import (
	"context"
	"fmt"
	"time"

	"mvpdeploy/pkg/storage"

	"go.uber.org/zap"
)

// refreshSkew refreshes tokens slightly before they actually expire.
const refreshSkew = time.Minute

// Credentials loads stored credentials and refreshes expired ones when the
// provider issued a refresh token.
type Credentials struct {
	store   storage.CredentialStore
	clients map[string]*Client
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewCredentials wires the store with the OAuth clients able to refresh.
func NewCredentials(store storage.CredentialStore, logger *zap.SugaredLogger, clients ...*Client) *Credentials {
	byName := make(map[string]*Client, len(clients))
	for _, client := range clients {
		if client != nil {
			byName[client.Provider()] = client
		}
	}
	return &Credentials{store: store, clients: byName, logger: logger, now: time.Now}
}

// Get returns a usable credential. storage.ErrNotFound is passed through so
// callers can ask the buyer to connect the account.
func (c *Credentials) Get(ctx context.Context, buyerID, provider string) (*storage.Credential, error) {
	cred, err := c.store.GetCredential(ctx, buyerID, provider)
	if err != nil {
		return nil, err
	}
	if cred.ExpiresAt == nil || cred.RefreshToken == "" {
		return cred, nil
	}
	if c.now().Add(refreshSkew).Before(*cred.ExpiresAt) {
		return cred, nil
	}
	client, ok := c.clients[provider]
	if !ok {
		return cred, nil
	}
	token, err := client.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh %s credential: %w", provider, err)
	}
	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.ExpiresAt = ExpiresAt(token)
	LogUpsertAttempt(c.logger, provider, buyerID, cred.AccountName, cred.AccessToken)
	if err := c.store.UpsertCredential(ctx, *cred); err != nil {
		return nil, fmt.Errorf("store refreshed %s credential: %w", provider, err)
	}
	return cred, nil
}

// Save stores a freshly exchanged credential.
func (c *Credentials) Save(ctx context.Context, cred storage.Credential) error {
	LogUpsertAttempt(c.logger, cred.Provider, cred.BuyerID, cred.AccountName, cred.AccessToken)
	return c.store.UpsertCredential(ctx, cred)
}
