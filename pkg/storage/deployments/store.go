package deployments

import (
	"context"
	"errors"
	"time"

	"mvpdeploy/pkg/storage"

	"gorm.io/gorm"
)

// failedStatus mirrors deployment.StatusFailed; storage does not import the
// domain package.
const failedStatus = "failed"

// Store implements storage.DeploymentStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID            string `gorm:"column:id;size:64;primaryKey"`
	BuyerID       string `gorm:"column:buyer_id;size:128;not null;index"`
	ItemID        string `gorm:"column:item_id;size:128"`
	Provider      string `gorm:"column:provider;size:32"`
	RequestedName string `gorm:"column:requested_name;size:255"`

	RepoName  string `gorm:"column:repo_name;size:255"`
	RepoOwner string `gorm:"column:repo_owner;size:255"`
	RepoURL   string `gorm:"column:repo_url;size:512"`
	CloneURL  string `gorm:"column:clone_url;size:512"`

	DefaultBranch string `gorm:"column:default_branch;size:255"`

	StoragePath  string `gorm:"column:storage_path;size:1024"`
	BuildCommand string `gorm:"column:build_command;size:512"`
	PublishDir   string `gorm:"column:publish_dir;size:255"`

	CodePushedAt *time.Time `gorm:"column:code_pushed_at"`

	SiteURL string `gorm:"column:site_url;size:512"`
	SiteID  string `gorm:"column:site_id;size:128"`
	BuildID string `gorm:"column:build_id;size:128"`

	Status       string    `gorm:"column:status;size:32;not null;index"`
	ErrorMessage *string   `gorm:"column:error_message;type:text"`
	Version      int64     `gorm:"column:version;not null;default:1"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// New wraps an open gorm handle.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("deployments store requires a database")
	}
	if table == "" {
		table = "deployments"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Migrate creates or updates the deployments table.
func (s *Store) Migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseDB(s.db)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts a new record. CreatedAt and UpdatedAt default to now.
func (s *Store) Create(ctx context.Context, record storage.DeploymentRecord) error {
	if record.ID == "" || record.BuyerID == "" {
		return errors.New("id and buyer_id are required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1
	data := toRow(record)
	return s.tableDB().WithContext(ctx).Create(&data).Error
}

// Get returns storage.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*storage.DeploymentRecord, error) {
	var data row
	err := s.tableDB().WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// SetStatus writes status and error message unconditionally (last write wins).
// An empty errorMessage clears the column.
func (s *Store) SetStatus(ctx context.Context, id, status, errorMessage string) error {
	res := s.tableDB().WithContext(ctx).
		Where("id = ?", id).
		Updates(statusUpdates(status, errorMessage))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetStatusUnlessFailed writes the status only when the row is not already failed.
func (s *Store) SetStatusUnlessFailed(ctx context.Context, id, status, errorMessage string) (bool, error) {
	res := s.tableDB().WithContext(ctx).
		Where("id = ? AND status <> ?", id, failedStatus).
		Updates(statusUpdates(status, errorMessage))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetRepoFacts records every source-control fact in a single update.
func (s *Store) SetRepoFacts(ctx context.Context, id string, facts storage.RepoFacts) error {
	updates := map[string]interface{}{
		"provider":       facts.Provider,
		"repo_name":      facts.RepoName,
		"repo_owner":     facts.RepoOwner,
		"repo_url":       facts.RepoURL,
		"clone_url":      facts.CloneURL,
		"default_branch": facts.DefaultBranch,
		"storage_path":   facts.StoragePath,
		"build_command":  facts.BuildCommand,
		"publish_dir":    facts.PublishDir,
	}
	return s.update(ctx, id, dropEmpty(updates))
}

// SetSiteFacts records the hosting facts known so far. Empty fields are left
// untouched so earlier facts are never retracted.
func (s *Store) SetSiteFacts(ctx context.Context, id string, facts storage.SiteFacts) error {
	updates := map[string]interface{}{
		"site_url": facts.SiteURL,
		"site_id":  facts.SiteID,
		"build_id": facts.BuildID,
	}
	return s.update(ctx, id, dropEmpty(updates))
}

// MarkCodePushed records when the purchased code reached the repository.
func (s *Store) MarkCodePushed(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]interface{}{"code_pushed_at": at.UTC()})
}

func (s *Store) update(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	updates["version"] = gorm.Expr("version + 1")
	res := s.tableDB().WithContext(ctx).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func statusUpdates(status, errorMessage string) map[string]interface{} {
	var message interface{}
	if errorMessage != "" {
		message = errorMessage
	}
	return map[string]interface{}{
		"status":        status,
		"error_message": message,
		"updated_at":    time.Now().UTC(),
		"version":       gorm.Expr("version + 1"),
	}
}

func dropEmpty(values map[string]interface{}) map[string]interface{} {
	for key, value := range values {
		if str, ok := value.(string); ok && str == "" {
			delete(values, key)
		}
	}
	return values
}

func toRow(record storage.DeploymentRecord) row {
	var message *string
	if record.ErrorMessage != "" {
		msg := record.ErrorMessage
		message = &msg
	}
	return row{
		ID:            record.ID,
		BuyerID:       record.BuyerID,
		ItemID:        record.ItemID,
		Provider:      record.Provider,
		RequestedName: record.RequestedName,
		RepoName:      record.RepoName,
		RepoOwner:     record.RepoOwner,
		RepoURL:       record.RepoURL,
		CloneURL:      record.CloneURL,
		DefaultBranch: record.DefaultBranch,
		StoragePath:   record.StoragePath,
		BuildCommand:  record.BuildCommand,
		PublishDir:    record.PublishDir,
		CodePushedAt:  record.CodePushedAt,
		SiteURL:       record.SiteURL,
		SiteID:        record.SiteID,
		BuildID:       record.BuildID,
		Status:        record.Status,
		ErrorMessage:  message,
		Version:       record.Version,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func fromRow(data row) storage.DeploymentRecord {
	record := storage.DeploymentRecord{
		ID:            data.ID,
		BuyerID:       data.BuyerID,
		ItemID:        data.ItemID,
		Provider:      data.Provider,
		RequestedName: data.RequestedName,
		RepoName:      data.RepoName,
		RepoOwner:     data.RepoOwner,
		RepoURL:       data.RepoURL,
		CloneURL:      data.CloneURL,
		DefaultBranch: data.DefaultBranch,
		StoragePath:   data.StoragePath,
		BuildCommand:  data.BuildCommand,
		PublishDir:    data.PublishDir,
		CodePushedAt:  data.CodePushedAt,
		SiteURL:       data.SiteURL,
		SiteID:        data.SiteID,
		BuildID:       data.BuildID,
		Status:        data.Status,
		Version:       data.Version,
		CreatedAt:     data.CreatedAt,
		UpdatedAt:     data.UpdatedAt,
	}
	if data.ErrorMessage != nil && data.Status == failedStatus {
		record.ErrorMessage = *data.ErrorMessage
	}
	return record
}
