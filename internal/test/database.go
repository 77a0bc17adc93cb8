// Package test holds helpers shared by package tests.
package test

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/signflow/signflow/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewTestDatabase returns a migrated sqlite database private to t. A single
// connection serialises writers the way row locks do on postgres.
func NewTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "signflow.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	database, err := db.Open(sqlite.Open(dsn), zap.NewNop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return database
}
