// Command taskdriverd is the daemon process: it selects a storage
// backend, wires the Command Layer against it, starts the reaper for
// every active project, and serves the HTTP and MCP adapters until a
// shutdown signal arrives. Graceful-shutdown shape (signal channel,
// context cancellation, server goroutine + error channel) is adapted
// from the teacher's cmd/cliaimonitor/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taskdriver/taskdriver/internal/agentview"
	"github.com/taskdriver/taskdriver/internal/command"
	"github.com/taskdriver/taskdriver/internal/daemonconfig"
	"github.com/taskdriver/taskdriver/internal/daemoninstance"
	"github.com/taskdriver/taskdriver/internal/httpapi"
	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/mcpserver"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/reaper"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/storage/natskvstore"
	"github.com/taskdriver/taskdriver/internal/storage/sqlitestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file (see internal/daemonconfig)")
	storageKind := flag.String("storage", "sqlite", "Storage backend: sqlite|file|natskv")
	dataDir := flag.String("data-dir", "./data", "Directory for sqlite/file backend data")
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL for the natskv backend")
	httpPort := flag.Int("http-port", 8089, "HTTP API port")
	mcpPort := flag.Int("mcp-port", 8090, "MCP tool server port")
	pidFile := flag.String("pid-file", "./data/taskdriverd.pid", "PID file path for single-instance locking")
	flag.Parse()

	if *configPath != "" {
		cfg, err := daemonconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		applyConfigDefaults(cfg, storageKind, dataDir, natsURL, httpPort, mcpPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceMgr := daemoninstance.NewManager(*pidFile)
	if err := os.MkdirAll(filepath.Dir(*pidFile), 0755); err != nil {
		log.Fatalf("create pid file directory: %v", err)
	}
	if err := instanceMgr.Acquire(*httpPort, *dataDir, *storageKind); err != nil {
		log.Fatalf("%v", err)
	}
	defer instanceMgr.RemovePIDFile()

	store, err := openStorage(*storageKind, *dataDir, *natsURL)
	if err != nil {
		log.Fatalf("open storage backend %q: %v", *storageKind, err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init storage backend: %v", err)
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

	r := reaper.New(leaseEngine, projSvc)
	if err := r.StartAllReapers(ctx); err != nil {
		log.Printf("[TASKDRIVERD] warning: failed to start reapers: %v", err)
	}
	defer r.StopAllReapers()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: httpapi.NewServer(registry).Router(),
	}
	mcpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *mcpPort),
		Handler: mcpserver.New(registry),
	}

	serverErr := make(chan error, 2)
	go func() { serverErr <- httpSrv.ListenAndServe() }()
	go func() { serverErr <- mcpSrv.ListenAndServe() }()

	log.Printf("[TASKDRIVERD] storage=%s http=:%d mcp=:%d", *storageKind, *httpPort, *mcpPort)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Printf("[TASKDRIVERD] server error: %v", err)
	case sig := <-shutdown:
		log.Printf("[TASKDRIVERD] received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = mcpSrv.Shutdown(shutdownCtx)
}

// applyConfigDefaults fills in any flag still at its default value from
// the loaded config file. A flag counts as unset while it holds its
// default, so a flag given explicitly with its default value is still
// overridden by the config file.
func applyConfigDefaults(cfg *daemonconfig.Config, storageKind, dataDir, natsURL *string, httpPort, mcpPort *int) {
	if cfg.Storage != "" && *storageKind == "sqlite" {
		*storageKind = cfg.Storage
	}
	if cfg.DataDir != "" && *dataDir == "./data" {
		*dataDir = cfg.DataDir
	}
	if cfg.NATSURL != "" && *natsURL == "nats://127.0.0.1:4222" {
		*natsURL = cfg.NATSURL
	}
	if cfg.HTTPPort != 0 && *httpPort == 8089 {
		*httpPort = cfg.HTTPPort
	}
	if cfg.MCPPort != 0 && *mcpPort == 8090 {
		*mcpPort = cfg.MCPPort
	}
}

func openStorage(kind, dataDir, natsURL string) (storage.Provider, error) {
	switch kind {
	case "sqlite":
		return sqlitestore.New(filepath.Join(dataDir, "taskdriver.db"))
	case "file":
		return filestore.New(dataDir), nil
	case "natskv":
		return natskvstore.New(natsURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
