package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config mirrors the storage section of the application config.
type Config struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Dialect     string `yaml:"dialect"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// Log receives gorm's warnings and SQL errors. Nil discards them.
	Log *zap.SugaredLogger `yaml:"-"`
}

// OpenDB opens a GORM connection for the configured driver.
func OpenDB(cfg Config) (*gorm.DB, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := NormalizeDriver(cfg.Driver)
	if driver == "" {
		driver = NormalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, errors.New("unsupported storage driver")
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg.Log)}
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// newGormLogger routes gorm output through zap. Lookups that find nothing are
// normal control flow for the stores and are not logged.
func newGormLogger(log *zap.SugaredLogger) logger.Interface {
	if log == nil {
		return logger.Discard
	}
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type gormWriter struct {
	log *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
}

// NormalizeDriver maps driver aliases onto the gorm dialect names.
func NormalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

// CloseDB closes the connection pool behind a gorm handle.
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
