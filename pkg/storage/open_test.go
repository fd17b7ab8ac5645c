package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type note struct {
	ID   uint `gorm:"primaryKey"`
	Body string
}

func TestGormLogsGoThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := OpenDB(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Log:    zap.New(core).Sugar(),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })
	if err := db.AutoMigrate(&note{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var found note
	if err := db.First(&found, 42).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("missing rows should not be logged, got %v", logs.All())
	}

	if err := db.Exec("SELECT * FROM no_such_table").Error; err == nil {
		t.Fatalf("expected query error")
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning, got %v", entries)
	}
	if !strings.Contains(entries[0].Message, "no_such_table") {
		t.Fatalf("expected the failing statement in the log, got %q", entries[0].Message)
	}
}

func TestOpenDBWithoutLogger(t *testing.T) {
	db, err := OpenDB(Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })
	if err := db.Exec("SELECT * FROM no_such_table").Error; err == nil {
		t.Fatalf("expected query error")
	}
}
