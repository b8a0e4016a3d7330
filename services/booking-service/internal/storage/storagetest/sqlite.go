// Package storagetest opens throwaway sqlite stores for tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/storage"
)

// NewSQLite returns a migrated in-memory store private to t.
func NewSQLite(t testing.TB) *storage.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := storage.OpenGorm("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps the in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := storage.NewGormStore(gdb)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func SeedCar(t testing.TB, store *storage.GormStore, id string, hourlyRateCents int64) {
	t.Helper()
	err := store.UpsertCar(context.Background(), model.Car{
		ID:              id,
		Status:          model.CarAvailable,
		HourlyRateCents: hourlyRateCents,
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed car %s: %v", id, err)
	}
}
