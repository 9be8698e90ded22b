// Command taskdriverctl is the cobra CLI adapter over the Command
// Layer, talking to an in-process storage backend directly (no network
// hop to taskdriverd) the same way the command surface is meant to be
// embeddable in any shell.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskdriver/taskdriver/internal/agentview"
	"github.com/taskdriver/taskdriver/internal/cli"
	"github.com/taskdriver/taskdriver/internal/command"
	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/storage/natskvstore"
	"github.com/taskdriver/taskdriver/internal/storage/sqlitestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
)

func main() {
	storageKind := os.Getenv("TASKDRIVER_STORAGE")
	if storageKind == "" {
		storageKind = "sqlite"
	}
	dataDir := os.Getenv("TASKDRIVER_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	natsURL := os.Getenv("TASKDRIVER_NATS_URL")
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}

	store, err := openStorage(storageKind, dataDir, natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage backend %q: %v\n", storageKind, err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "init storage backend: %v\n", err)
		os.Exit(1)
	}
	defer store.Close(ctx)

	projSvc := projects.New(store)
	ttSvc := tasktypes.New(store, projSvc)
	taskSvc := tasks.New(store, projSvc)
	leaseEngine := lease.New(store)
	agentViewSvc := agentview.New(store)

	registry := command.NewRegistry()
	command.RegisterAll(registry, command.Services{
		Store:     store,
		Projects:  projSvc,
		TaskTypes: ttSvc,
		Tasks:     taskSvc,
		Lease:     leaseEngine,
		AgentView: agentViewSvc,
	})

	root := cli.NewRootCommand(registry)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStorage(kind, dataDir, natsURL string) (storage.Provider, error) {
	switch kind {
	case "sqlite":
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, err
		}
		return sqlitestore.New(filepath.Join(dataDir, "taskdriver.db"))
	case "file":
		return filestore.New(dataDir), nil
	case "natskv":
		return natskvstore.New(natsURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
