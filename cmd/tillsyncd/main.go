package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tillworks/tillsync/internal/authority"
	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/httpapi"
	"github.com/tillworks/tillsync/internal/metrics"
	"github.com/tillworks/tillsync/internal/repo"
	"github.com/tillworks/tillsync/internal/syncengine"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("TILLSYNC_CONFIG", "tillsync.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	queue, deadLetters, corrupted, credentials, err := buildStores(cfg)
	if err != nil {
		log.Fatalf("failed to initialize stores: %v", err)
	}

	client, err := authority.NewClient(authority.ClientOptions{
		BaseURL:   cfg.AuthorityURL,
		UserAgent: "tillsyncd",
		TokenProvider: func(ctx context.Context) (string, error) {
			creds, err := credentials.Load()
			if err != nil {
				return "", err
			}
			return creds.AccessToken, nil
		},
	})
	if err != nil {
		log.Fatalf("failed to build authority client: %v", err)
	}

	monitor := authority.NewMonitor(authority.MonitorOptions{
		BaseURL: cfg.AuthorityURL,
		Pinger:  client,
	})
	monitor.Start()
	defer monitor.Close()

	cacheClient, err := buildCacheClient(cfg)
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}
	entityCache := cache.NewEntityCache(cacheClient, cfg.CacheTTL)
	reconciler := repo.NewCacheReconciler(entityCache, nil)

	engine, err := syncengine.NewEngine(syncengine.EngineOptions{
		Queue:        queue,
		DeadLetters:  deadLetters,
		Corrupted:    corrupted,
		Credentials:  credentials,
		Authority:    client,
		Refresher:    client,
		Connectivity: monitor,
		Reconcile:    reconciler.Reconcile,
		AuditMode:    cfg.AuditMode,
		RetryCeiling: cfg.RetryCeiling,
		ApplyTimeout: cfg.ApplyTimeout,
		Events: func(event syncengine.Event) {
			log.Printf("event %s item=%s kind=%s detail=%s", event.Type, event.ItemID, event.Kind, event.Detail)
		},
	})
	if err != nil {
		log.Fatalf("failed to build sync engine: %v", err)
	}
	defer engine.Close()

	if err := metrics.Register(nil); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	watcher, err := config.NewWatcher(*configPath, func(fresh config.Config) {
		engine.SetRetryCeiling(fresh.RetryCeiling)
		engine.SetApplyTimeout(fresh.ApplyTimeout)
	}, nil)
	if err != nil {
		log.Printf("config watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	api := httpapi.NewServer(engine, httpapi.ServerConfig{AdminToken: cfg.AdminToken})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("tillsyncd listening on %s (backend=%s cache=%s)", cfg.Addr, cfg.BackendProfile, cfg.CacheDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func buildStores(cfg config.Config) (syncengine.MutationQueue, syncengine.DeadLetterStore, syncengine.CorruptedStore, syncengine.CredentialStore, error) {
	credentials, err := syncengine.NewFileCredentialStore(filepath.Join(cfg.DataDir, "session.json"))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	switch cfg.BackendProfile {
	case config.BackendPostgres:
		queue, err := syncengine.NewPostgresMutationQueue(cfg.PostgresDSN, cfg.MaxQueueSize)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		deadLetters, err := syncengine.NewPostgresDeadLetterStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		corrupted, err := syncengine.NewPostgresCorruptedStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return queue, deadLetters, corrupted, credentials, nil
	default:
		queue, err := syncengine.NewFileMutationQueue(filepath.Join(cfg.DataDir, "queue.json"), cfg.MaxQueueSize)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		deadLetters, err := syncengine.NewFileDeadLetterStore(filepath.Join(cfg.DataDir, "deadletters.json"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		corrupted, err := syncengine.NewFileCorruptedStore(filepath.Join(cfg.DataDir, "corrupted.json"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return queue, deadLetters, corrupted, credentials, nil
	}
}

func buildCacheClient(cfg config.Config) (cache.Client, error) {
	switch cfg.CacheDriver {
	case config.CacheRedis:
		return cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "tillsync:")
	case config.CacheFile:
		return cache.NewFileClient(filepath.Join(cfg.DataDir, "cache.json"))
	default:
		return cache.NewMemoryClient(cfg.CacheTTL), nil
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
