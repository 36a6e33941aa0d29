// Package databasetest opens migrated in-memory stores for tests.
package databasetest

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"projectfinder/internal/platform/database"
)

func New(t testing.TB) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(ctx, db, zap.NewNop()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
