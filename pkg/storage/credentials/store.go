package credentials

import (
	"context"
	"errors"
	"time"

	"mvpdeploy/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config names the tables used by the store.
type Config struct {
	CredentialsTable string
	StatesTable      string
	AutoMigrate      bool
}

// Store implements storage.CredentialStore on top of GORM.
type Store struct {
	db          *gorm.DB
	credentials string
	states      string
}

type credentialRow struct {
	BuyerID      string     `gorm:"column:buyer_id;size:128;not null;uniqueIndex:idx_credential_owner,priority:1"`
	Provider     string     `gorm:"column:provider;size:32;not null;uniqueIndex:idx_credential_owner,priority:2"`
	AccountName  string     `gorm:"column:account_name;size:255"`
	AccessToken  string     `gorm:"column:access_token;type:text"`
	RefreshToken string     `gorm:"column:refresh_token;type:text"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

type stateRow struct {
	State        string    `gorm:"column:state;size:64;primaryKey"`
	Provider     string    `gorm:"column:provider;size:32;not null;index"`
	BuyerID      string    `gorm:"column:buyer_id;size:128;not null"`
	ItemID       string    `gorm:"column:item_id;size:128"`
	DeploymentID string    `gorm:"column:deployment_id;size:64"`
	RepoURL      string    `gorm:"column:repo_url;size:512"`
	ExpiresAt    time.Time `gorm:"column:expires_at;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// New wraps an open gorm handle.
func New(db *gorm.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("credentials store requires a database")
	}
	store := &Store{
		db:          db,
		credentials: cfg.CredentialsTable,
		states:      cfg.StatesTable,
	}
	if store.credentials == "" {
		store.credentials = "oauth_credentials"
	}
	if store.states == "" {
		store.states = "oauth_states"
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Migrate creates or updates both tables.
func (s *Store) Migrate() error {
	if err := s.db.Table(s.credentials).AutoMigrate(&credentialRow{}); err != nil {
		return err
	}
	return s.db.Table(s.states).AutoMigrate(&stateRow{})
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseDB(s.db)
}

// UpsertCredential inserts or replaces the credential for (buyer, provider).
func (s *Store) UpsertCredential(ctx context.Context, cred storage.Credential) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if cred.BuyerID == "" || cred.Provider == "" {
		return errors.New("buyer_id and provider are required")
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	data := credentialRow{
		BuyerID:      cred.BuyerID,
		Provider:     cred.Provider,
		AccountName:  cred.AccountName,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		CreatedAt:    cred.CreatedAt,
		UpdatedAt:    cred.UpdatedAt,
	}
	return s.db.Table(s.credentials).
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_name", "access_token", "refresh_token", "expires_at", "updated_at"}),
		}).
		Create(&data).Error
}

// GetCredential returns storage.ErrNotFound when the buyer never connected the provider.
func (s *Store) GetCredential(ctx context.Context, buyerID, provider string) (*storage.Credential, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data credentialRow
	err := s.db.Table(s.credentials).
		WithContext(ctx).
		Where("buyer_id = ? AND provider = ?", buyerID, provider).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Credential{
		BuyerID:      data.BuyerID,
		Provider:     data.Provider,
		AccountName:  data.AccountName,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    data.ExpiresAt,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}, nil
}

// SaveState persists a new pending OAuth state.
func (s *Store) SaveState(ctx context.Context, state storage.OAuthState) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if state.State == "" || state.Provider == "" || state.BuyerID == "" {
		return errors.New("state, provider and buyer_id are required")
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	data := stateRow{
		State:        state.State,
		Provider:     state.Provider,
		BuyerID:      state.BuyerID,
		ItemID:       state.ItemID,
		DeploymentID: state.DeploymentID,
		RepoURL:      state.RepoURL,
		ExpiresAt:    state.ExpiresAt.UTC(),
		CreatedAt:    state.CreatedAt,
	}
	return s.db.Table(s.states).WithContext(ctx).Create(&data).Error
}

// ConsumeState looks the state up and deletes it in one transaction. When two
// callers race, only the one whose delete removes the row gets it back.
func (s *Store) ConsumeState(ctx context.Context, provider, state string) (*storage.OAuthState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if state == "" {
		return nil, storage.ErrNotFound
	}
	var data stateRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(s.states).
			Where("state = ? AND provider = ?", state, provider).
			Take(&data).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		res := tx.Table(s.states).Where("state = ?", state).Delete(&stateRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &storage.OAuthState{
		State:        data.State,
		Provider:     data.Provider,
		BuyerID:      data.BuyerID,
		ItemID:       data.ItemID,
		DeploymentID: data.DeploymentID,
		RepoURL:      data.RepoURL,
		ExpiresAt:    data.ExpiresAt,
		CreatedAt:    data.CreatedAt,
	}, nil
}

// DeleteExpiredStates removes abandoned OAuth states.
func (s *Store) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	res := s.db.Table(s.states).
		WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&stateRow{})
	return res.RowsAffected, res.Error
}
