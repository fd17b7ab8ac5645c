package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mvpdeploy/pkg/storage"
)

// DefaultStateTTL bounds how long a buyer may sit on a provider consent page.
const DefaultStateTTL = 5 * time.Minute

var (
	// ErrInvalidState covers unknown, already consumed and expired states.
	ErrInvalidState = errors.New("invalid or expired oauth state")
)

// StateRequest is the pipeline context carried across a redirect.
type StateRequest struct {
	Provider     string
	BuyerID      string
	ItemID       string
	DeploymentID string
	RepoURL      string
}

// States issues and consumes single-use OAuth state tokens.
type States struct {
	store storage.CredentialStore
	ttl   time.Duration
	now   func() time.Time
}

// NewStates returns a state issuer. ttl <= 0 uses DefaultStateTTL.
func NewStates(store storage.CredentialStore, ttl time.Duration) *States {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &States{store: store, ttl: ttl, now: time.Now}
}

// Issue persists a new state row and returns its token.
func (s *States) Issue(ctx context.Context, req StateRequest) (string, error) {
	if req.Provider == "" || req.BuyerID == "" {
		return "", errors.New("provider and buyer are required")
	}
	token, err := RandomState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	now := s.now().UTC()
	err = s.store.SaveState(ctx, storage.OAuthState{
		State:        token,
		Provider:     req.Provider,
		BuyerID:      req.BuyerID,
		ItemID:       req.ItemID,
		DeploymentID: req.DeploymentID,
		RepoURL:      req.RepoURL,
		ExpiresAt:    now.Add(s.ttl),
		CreatedAt:    now,
	})
	if err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	return token, nil
}

// Consume deletes the state and returns it if it was still valid. Expired
// rows are deleted too so they cannot be retried.
func (s *States) Consume(ctx context.Context, provider, token string) (*storage.OAuthState, error) {
	state, err := s.store.ConsumeState(ctx, provider, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if state.Expired(s.now()) {
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidState, state.ExpiresAt.Format(time.RFC3339))
	}
	return state, nil
}

// Sweep removes abandoned states.
func (s *States) Sweep(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredStates(ctx, s.now())
}
