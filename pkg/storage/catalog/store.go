package catalog

import (
	"context"
	"errors"
	"time"

	"mvpdeploy/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config names the tables read by the catalog. The storefront owns the item
// and purchase tables; AutoMigrate exists for local setups and tests.
type Config struct {
	ItemsTable     string
	PurchasesTable string
	ProfilesTable  string
	AutoMigrate    bool
}

// Store implements storage.Catalog on top of GORM.
type Store struct {
	db        *gorm.DB
	items     string
	purchases string
	profiles  string
}

// ItemRow is exported so tests and the migrate command can seed items.
type ItemRow struct {
	ID           string    `gorm:"column:id;size:128;primaryKey"`
	Title        string    `gorm:"column:title;size:255"`
	StoragePath  string    `gorm:"column:storage_path;size:1024"`
	BuildCommand string    `gorm:"column:build_command;size:512"`
	PublishDir   string    `gorm:"column:publish_dir;size:255"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// PurchaseRow records that a buyer obtained an item.
type PurchaseRow struct {
	BuyerID   string    `gorm:"column:buyer_id;size:128;primaryKey"`
	ItemID    string    `gorm:"column:item_id;size:128;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

type profileRow struct {
	BuyerID      string    `gorm:"column:buyer_id;size:128;primaryKey"`
	SCMUsername  string    `gorm:"column:scm_username;size:255"`
	SiteNameBase string    `gorm:"column:site_name_base;size:255"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// New wraps an open gorm handle.
func New(db *gorm.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("catalog store requires a database")
	}
	store := &Store{
		db:        db,
		items:     cfg.ItemsTable,
		purchases: cfg.PurchasesTable,
		profiles:  cfg.ProfilesTable,
	}
	if store.items == "" {
		store.items = "purchased_items"
	}
	if store.purchases == "" {
		store.purchases = "purchases"
	}
	if store.profiles == "" {
		store.profiles = "profiles"
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Migrate creates the catalog tables.
func (s *Store) Migrate() error {
	if err := s.db.Table(s.items).AutoMigrate(&ItemRow{}); err != nil {
		return err
	}
	if err := s.db.Table(s.purchases).AutoMigrate(&PurchaseRow{}); err != nil {
		return err
	}
	return s.db.Table(s.profiles).AutoMigrate(&profileRow{})
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseDB(s.db)
}

// PutItem inserts or replaces a catalog item.
func (s *Store) PutItem(ctx context.Context, item storage.Item) error {
	data := ItemRow{
		ID:           item.ID,
		Title:        item.Title,
		StoragePath:  item.StoragePath,
		BuildCommand: item.BuildCommand,
		PublishDir:   item.PublishDir,
		CreatedAt:    time.Now().UTC(),
	}
	return s.db.Table(s.items).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "storage_path", "build_command", "publish_dir"}),
		}).
		Create(&data).Error
}

// RecordPurchase marks itemID as obtained by buyerID.
func (s *Store) RecordPurchase(ctx context.Context, buyerID, itemID string) error {
	data := PurchaseRow{BuyerID: buyerID, ItemID: itemID, CreatedAt: time.Now().UTC()}
	return s.db.Table(s.purchases).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&data).Error
}

// GetItem returns storage.ErrNotFound for unknown items.
func (s *Store) GetItem(ctx context.Context, itemID string) (*storage.Item, error) {
	var data ItemRow
	err := s.db.Table(s.items).WithContext(ctx).Where("id = ?", itemID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Item{
		ID:           data.ID,
		Title:        data.Title,
		StoragePath:  data.StoragePath,
		BuildCommand: data.BuildCommand,
		PublishDir:   data.PublishDir,
	}, nil
}

// HasPurchased reports whether the purchase ledger has a row for the pair.
func (s *Store) HasPurchased(ctx context.Context, buyerID, itemID string) (bool, error) {
	if buyerID == "" || itemID == "" {
		return false, nil
	}
	var count int64
	err := s.db.Table(s.purchases).WithContext(ctx).
		Where("buyer_id = ? AND item_id = ?", buyerID, itemID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetProfile returns an empty profile when the buyer has none yet.
func (s *Store) GetProfile(ctx context.Context, buyerID string) (*storage.Profile, error) {
	var data profileRow
	err := s.db.Table(s.profiles).WithContext(ctx).Where("buyer_id = ?", buyerID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &storage.Profile{BuyerID: buyerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.Profile{
		BuyerID:      data.BuyerID,
		SCMUsername:  data.SCMUsername,
		SiteNameBase: data.SiteNameBase,
		UpdatedAt:    data.UpdatedAt,
	}, nil
}

// SetSCMUsername caches the buyer's source-control username.
func (s *Store) SetSCMUsername(ctx context.Context, buyerID, username string) error {
	return s.upsertProfile(ctx, profileRow{BuyerID: buyerID, SCMUsername: username}, "scm_username")
}

// SetSiteNameBase caches the buyer's hosting site-name base.
func (s *Store) SetSiteNameBase(ctx context.Context, buyerID, base string) error {
	return s.upsertProfile(ctx, profileRow{BuyerID: buyerID, SiteNameBase: base}, "site_name_base")
}

func (s *Store) upsertProfile(ctx context.Context, data profileRow, column string) error {
	if data.BuyerID == "" {
		return errors.New("buyer_id is required")
	}
	data.UpdatedAt = time.Now().UTC()
	return s.db.Table(s.profiles).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{column, "updated_at"}),
		}).
		Create(&data).Error
}
