package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/sqlitestore"
	"github.com/taskdriver/taskdriver/internal/storage/storagetest"
)

func TestSqliteStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Provider, func()) {
		dbPath := filepath.Join(t.TempDir(), "taskdriver.db")
		store, err := sqlitestore.New(dbPath)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("init sqlite store: %v", err)
		}
		return store, func() { store.Close(context.Background()) }
	})
}
