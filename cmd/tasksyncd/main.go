package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loopmeet/tasksync/internal/tasksync"
	"github.com/loopmeet/tasksync/internal/transport"
)

func main() {
	workspaceID := os.Getenv("TASKSYNC_WORKSPACE_ID")
	if workspaceID == "" {
		log.Fatal("TASKSYNC_WORKSPACE_ID is required")
	}
	backendDSN := os.Getenv("TASKSYNC_BACKEND_DSN")
	if backendDSN == "" {
		backendDSN = "tasksync-state.json"
	}

	backend, err := tasksync.BuildBackendFromDSN(backendDSN, workspaceID)
	if err != nil {
		log.Fatalf("failed to build store backend: %v", err)
	}

	store, err := tasksync.NewTaskStore(tasksync.TaskStoreOptions{
		WorkspaceID: workspaceID,
		Backend:     backend,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build task store: %v", err)
	}
	report, err := store.Init()
	if err != nil {
		log.Fatalf("failed to load task cache: %v", err)
	}
	log.Printf("cache loaded: %d tasks in %s", report.TaskCount, report.CacheLoadTime)

	server := transport.NewClient(
		os.Getenv("TASKSYNC_SERVER_URL"),
		os.Getenv("TASKSYNC_TOKEN"),
		nil,
	)

	dedup := tasksync.NewDeduplicator(tasksync.DedupOptions{
		MaxEntries: intEnv("TASKSYNC_DEDUP_MAX_ENTRIES", 0),
		TTL:        durationEnv("TASKSYNC_DEDUP_TTL", 0),
		Logger:     log.Default(),
	})
	defer dedup.Close()

	engine, err := tasksync.NewRecoveryEngine(tasksync.RecoveryOptions{
		WorkspaceID: workspaceID,
		GapTimeout:  durationEnv("TASKSYNC_GAP_TIMEOUT", 0),
		MaxBuffered: intEnv("TASKSYNC_MAX_BUFFERED", 0),
		Apply:       store.ApplyEvent,
		Server:      server,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build recovery engine: %v", err)
	}
	defer engine.Close()

	syncer, err := tasksync.NewSyncer(tasksync.SyncerOptions{
		Store:    store,
		Server:   server,
		Engine:   engine,
		Interval: durationEnv("TASKSYNC_SYNC_INTERVAL", 0),
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build syncer: %v", err)
	}
	engine.SetResyncFunc(syncer.FullResync)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx, store.Metadata().LastEventID); err != nil {
		log.Printf("could not seed sequence from last event, starting fresh: %v", err)
	}

	// Both transports funnel through dedup into the recovery engine.
	handle := func(ev tasksync.SyncEvent) {
		isNew, fingerprint := dedup.CheckAndMark(ev)
		if !isNew {
			log.Printf("dropping duplicate event %s (fp=%s, source=%s)", ev.EventID, fingerprint, ev.SourceTag)
			return
		}
		if err := engine.Offer(ctx, ev); err != nil {
			log.Printf("event %s rejected: %v", ev.EventID, err)
		}
	}

	if pushURL := os.Getenv("TASKSYNC_PUSH_URL"); pushURL != "" {
		push, err := transport.NewPushChannel(transport.PushOptions{
			URL:     pushURL,
			Token:   os.Getenv("TASKSYNC_TOKEN"),
			Handler: handle,
			Logger:  log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to build push channel: %v", err)
		}
		go func() {
			if err := push.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("push channel stopped: %v", err)
			}
		}()
	}

	if spoolDir := os.Getenv("TASKSYNC_BROADCAST_DIR"); spoolDir != "" {
		broadcast, err := transport.NewBroadcastChannel(transport.BroadcastOptions{
			Dir:     spoolDir,
			Handler: handle,
			Logger:  log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to build broadcast channel: %v", err)
		}
		go func() {
			if err := broadcast.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("broadcast channel stopped: %v", err)
			}
		}()
	}

	log.Printf("tasksyncd running for workspace %s", workspaceID)
	syncer.Run(ctx)

	if err := store.Close(); err != nil {
		log.Printf("error closing store: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
