package filestore_test

import (
	"context"
	"testing"

	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/storage/storagetest"
)

func TestFileStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Provider, func()) {
		dataDir := t.TempDir()
		store := filestore.New(dataDir)
		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("init file store: %v", err)
		}
		return store, func() {}
	})
}
