package natskvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/natskvstore"
	"github.com/taskdriver/taskdriver/internal/storage/storagetest"
)

var nextTestPort = 14222

func TestNatsKVStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Provider, func()) {
		port := nextTestPort
		nextTestPort++

		srv, err := natskvstore.NewEmbeddedServer(natskvstore.EmbeddedServerConfig{
			Port:      port,
			JetStream: true,
			DataDir:   t.TempDir(),
		})
		if err != nil {
			t.Fatalf("new embedded nats server: %v", err)
		}
		if err := srv.Start(); err != nil {
			t.Fatalf("start embedded nats server: %v", err)
		}

		store, err := natskvstore.New(srv.URL())
		if err != nil {
			srv.Shutdown()
			t.Fatalf("connect to embedded nats server: %v", err)
		}
		if err := store.Init(context.Background()); err != nil {
			srv.Shutdown()
			t.Fatalf("init nats kv store: %v", err)
		}

		return store, func() {
			store.Close(context.Background())
			srv.Shutdown()
			time.Sleep(10 * time.Millisecond)
		}
	})
}
