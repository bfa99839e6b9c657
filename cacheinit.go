package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/cachestats"
	"imuslab.com/offlinecache/mod/cacheworker"
	"imuslab.com/offlinecache/mod/info/logger"
	"imuslab.com/offlinecache/mod/offline"
)

// Global cache variables
var (
	SystemWideLogger    *logger.Logger
	cacheStore          cache.Storage
	cacheWorker         *cacheworker.Worker
	cacheStatsDB        *bolt.DB
	cacheStatsCollector *cachestats.Collector
	cacheRegistration   *offline.Registration
	cacheAdminHandler   *offline.AdminHandler
	cacheConfiguration  *CacheConfiguration
)

// initCacheSystem initializes the offline cache during startup
func initCacheSystem(config *CacheConfiguration) error {
	if SystemWideLogger == nil {
		l, err := logger.NewLogger("offlinecache", config.LogFolder)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		SystemWideLogger = l
	}
	SystemWideLogger.Println("Initializing offline cache")
	cacheConfiguration = config

	// Build cache store
	store, err := BuildCacheStore(config)
	if err != nil {
		SystemWideLogger.PrintAndLog("cache", "Failed to create cache store", err)
		return err
	}
	cacheStore = store
	SystemWideLogger.Println("Cache backend:", config.Backend)

	// Statistics survive restarts in their own bolt file
	if config.Stats.Enabled {
		option := cachestats.CollectorOption{
			SampleInterval: time.Duration(config.Stats.SampleInterval) * time.Second,
			Logger:         SystemWideLogger,
		}
		if config.Stats.DBPath != "" {
			if err := os.MkdirAll(filepath.Dir(config.Stats.DBPath), 0775); err != nil {
				return err
			}
			db, err := bolt.Open(config.Stats.DBPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
			if err != nil {
				SystemWideLogger.PrintAndLog("cache", "Failed to open statistics database", err)
				return err
			}
			cacheStatsDB = db
			option.DB = db
		}
		collector, err := cachestats.NewCollector(option)
		if err != nil {
			SystemWideLogger.PrintAndLog("cache", "Failed to create statistics collector", err)
			return err
		}
		cacheStatsCollector = collector
	}

	// Initialize worker if pooled refreshes are enabled
	if config.Worker.Enabled {
		workerConfig := BuildWorkerConfig(config, SystemWideLogger)
		cacheWorker = cacheworker.NewWorker(workerConfig)
		cacheWorker.Start()
	}

	regConfig, err := BuildRegistrationConfig(config, cacheStore, cacheWorker, cacheStatsCollector, SystemWideLogger)
	if err != nil {
		SystemWideLogger.PrintAndLog("cache", "Invalid offline cache configuration", err)
		return err
	}
	cacheRegistration = offline.NewRegistration(regConfig)
	cacheAdminHandler = offline.NewAdminHandler(cacheRegistration, cacheStatsCollector, config.AdminSecret)

	SystemWideLogger.Println("Offline cache initialized (origin:", config.Origin, ", version:", config.Version, ")")
	return nil
}

// installCacheVersion installs the configured version, or checks for a newer one once installed
func installCacheVersion(ctx context.Context) error {
	if cacheRegistration.Active() == nil {
		_, err := cacheRegistration.Register(ctx, cacheConfiguration.Version)
		return err
	}
	updated, err := cacheRegistration.Update(ctx)
	if err != nil {
		return err
	}
	if updated {
		SystemWideLogger.Println("Offline cache updated")
	}
	return nil
}

// runLifecycle retries failed installs and polls for updates until ctx is done
func runLifecycle(ctx context.Context) {
	interval := time.Duration(cacheConfiguration.UpdateInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := installCacheVersion(ctx); err != nil {
				SystemWideLogger.PrintAndLog("cache", "Install or update check failed", err)
			}
		}
	}
}

// registerCacheAPIs registers cache management API endpoints
func registerCacheAPIs(mux *http.ServeMux) {
	if cacheAdminHandler == nil {
		return
	}

	SystemWideLogger.Println("Registering cache management API endpoints")
	cacheAdminHandler.RegisterHandlers(mux, "/_offline")
	mux.HandleFunc("/_offline/settings", cacheAdminHandler.RequireAuth(HandleGetCacheSettings))
	mux.HandleFunc("/_offline/install", cacheAdminHandler.RequireAuth(HandleInstallVersion))
	mux.HandleFunc("/_offline/update", cacheAdminHandler.RequireAuth(HandleCheckUpdate))
}

// shutdownCacheSystem cleanly shuts down the cache system
func shutdownCacheSystem() {
	SystemWideLogger.Println("Shutting down offline cache")

	if cacheWorker != nil {
		cacheWorker.Stop()
	}

	if cacheRegistration != nil {
		cacheRegistration.Close()
	}

	if cacheStatsCollector != nil {
		if err := cacheStatsCollector.Close(); err != nil {
			SystemWideLogger.PrintAndLog("cache", "Failed to save statistics", err)
		}
	}

	if cacheStatsDB != nil {
		cacheStatsDB.Close()
	}

	if cacheStore != nil {
		cacheStore.Close()
	}

	SystemWideLogger.Println("Offline cache shut down")
	SystemWideLogger.Close()
}
