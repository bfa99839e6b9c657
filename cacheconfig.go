package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/cachestats"
	"imuslab.com/offlinecache/mod/cacheworker"
	"imuslab.com/offlinecache/mod/info/logger"
	"imuslab.com/offlinecache/mod/offline"
	"imuslab.com/offlinecache/mod/optimizer"
)

const (
	CONF_CACHE_CONFIG = "offlinecache.json"
	CONF_CACHE_STORE  = "cache"
	CONF_STATS_DB     = "stats.db"
	CONF_LOG_FOLDER   = "log"

	// Environment variables override the config file, e.g. OFFLINECACHE_BACKEND=redis
	envPrefix = "OFFLINECACHE_"
)

// CacheConfiguration holds the configuration for the offline cache
type CacheConfiguration struct {
	Listen  string `json:"listen" env:"LISTEN"`
	Origin  string `json:"origin" env:"ORIGIN"`
	Version string `json:"version" env:"VERSION"`

	// VersionURL is polled for new deployments, empty disables update checks
	VersionURL     string `json:"version_url" env:"VERSION_URL"`
	UpdateInterval int    `json:"update_interval" env:"UPDATE_INTERVAL"` // Seconds between update checks

	Backend string `json:"backend" env:"BACKEND"` // "memory", "fs", "bolt", "leveldb", "redis"

	// Filesystem backend settings
	FS struct {
		Root       string `json:"root" env:"ROOT"`
		ShardDepth int    `json:"shard_depth" env:"SHARD_DEPTH"`
	} `json:"fs" envPrefix:"FS_"`

	// Bolt backend settings
	Bolt struct {
		Path string `json:"path" env:"PATH"`
	} `json:"bolt" envPrefix:"BOLT_"`

	// LevelDB backend settings
	LevelDB struct {
		Dir string `json:"dir" env:"DIR"`
	} `json:"leveldb" envPrefix:"LEVELDB_"`

	// Redis backend settings
	Redis struct {
		Addr     string `json:"addr" env:"ADDR"`
		Password string `json:"password" env:"PASSWORD"`
		DB       int    `json:"db" env:"DB"`
		Prefix   string `json:"prefix" env:"PREFIX"`
	} `json:"redis" envPrefix:"REDIS_"`

	// Controller settings
	Manifest           []string `json:"manifest" env:"MANIFEST" envSeparator:","`
	OfflinePage        string   `json:"offline_page" env:"OFFLINE_PAGE"`
	WaitForClients     bool     `json:"wait_for_clients" env:"WAIT_FOR_CLIENTS"`
	MaxBodySize        int64    `json:"max_body_size" env:"MAX_BODY_SIZE"` // Largest stored body in bytes
	PreloadConcurrency int      `json:"preload_concurrency" env:"PRELOAD_CONCURRENCY"`

	// Optimization of static partition entries
	Optimize struct {
		Enabled    bool `json:"enabled" env:"ENABLED"`
		MinifyCSS  bool `json:"minify_css" env:"MINIFY_CSS"`
		MinifyJS   bool `json:"minify_js" env:"MINIFY_JS"`
		MinifyHTML bool `json:"minify_html" env:"MINIFY_HTML"`
		CompressBr bool `json:"compress_brotli" env:"COMPRESS_BROTLI"`
		CompressGz bool `json:"compress_gzip" env:"COMPRESS_GZIP"`
	} `json:"optimize" envPrefix:"OPTIMIZE_"`

	// Background refresh worker pool, disabled means one goroutine per refresh
	Worker struct {
		Enabled     bool `json:"enabled" env:"ENABLED"`
		QueueSize   int  `json:"queue_size" env:"QUEUE_SIZE"`
		WorkerCount int  `json:"worker_count" env:"WORKER_COUNT"`
		JobTimeout  int  `json:"job_timeout" env:"JOB_TIMEOUT"` // Seconds
	} `json:"worker" envPrefix:"WORKER_"`

	// Statistics collection
	Stats struct {
		Enabled        bool   `json:"enabled" env:"ENABLED"`
		DBPath         string `json:"db_path" env:"DB_PATH"`
		SampleInterval int    `json:"sample_interval" env:"SAMPLE_INTERVAL"` // Seconds, 0 disables throughput sampling
	} `json:"stats" envPrefix:"STATS_"`

	LogFolder string `json:"log_folder" env:"LOG_FOLDER"`

	// Admin secret for cache management endpoints
	AdminSecret string `json:"admin_secret" env:"ADMIN_SECRET"`
}

// DefaultCacheConfiguration returns the default configuration rooted at confFolder
func DefaultCacheConfiguration(confFolder string) *CacheConfiguration {
	config := &CacheConfiguration{
		Listen:             ":8080",
		Origin:             "http://localhost:3000",
		Version:            "v1",
		UpdateInterval:     300,
		Backend:            "fs",
		Manifest:           append([]string(nil), offline.DefaultManifest...),
		OfflinePage:        offline.DefaultOfflinePage,
		MaxBodySize:        10485760, // 10MB
		PreloadConcurrency: 4,
		LogFolder:          filepath.Join(confFolder, CONF_LOG_FOLDER),
	}

	config.FS.Root = filepath.Join(confFolder, CONF_CACHE_STORE)
	config.FS.ShardDepth = 2
	config.Bolt.Path = filepath.Join(confFolder, "cache.db")
	config.LevelDB.Dir = filepath.Join(confFolder, "cache.ldb")
	config.Redis.Addr = "localhost:6379"
	config.Redis.Prefix = "offlinecache:"

	config.Optimize.Enabled = false
	config.Optimize.MinifyCSS = true
	config.Optimize.MinifyJS = true
	config.Optimize.MinifyHTML = true
	config.Optimize.CompressBr = true
	config.Optimize.CompressGz = false // Prefer brotli over gzip

	workerDefaults := cacheworker.DefaultConfig()
	config.Worker.QueueSize = workerDefaults.QueueSize
	config.Worker.WorkerCount = workerDefaults.WorkerCount
	config.Worker.JobTimeout = int(workerDefaults.JobTimeout / time.Second)

	config.Stats.Enabled = true
	config.Stats.DBPath = filepath.Join(confFolder, CONF_STATS_DB)
	config.Stats.SampleInterval = 10

	return config
}

// LoadCacheConfiguration loads the configuration file from confFolder, creating it
// with defaults if missing, then applies environment overrides
func LoadCacheConfiguration(confFolder string) (*CacheConfiguration, error) {
	configPath := filepath.Join(confFolder, CONF_CACHE_CONFIG)
	config := DefaultCacheConfiguration(confFolder)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create default
		if err := SaveCacheConfiguration(confFolder, config); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// SaveCacheConfiguration saves the configuration file into confFolder
func SaveCacheConfiguration(confFolder string, config *CacheConfiguration) error {
	if err := os.MkdirAll(confFolder, 0775); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(confFolder, CONF_CACHE_CONFIG), data, 0644)
}

// Redacted returns a copy safe to expose over the API
func (config *CacheConfiguration) Redacted() *CacheConfiguration {
	c := *config
	c.Manifest = append([]string(nil), config.Manifest...)
	if c.AdminSecret != "" {
		c.AdminSecret = "********"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "********"
	}
	return &c
}

// BuildCacheStore creates a cache store from configuration
func BuildCacheStore(config *CacheConfiguration) (cache.Storage, error) {
	switch config.Backend {
	case "memory":
		return cache.NewMemoryStore(), nil

	case "fs", "":
		return cache.NewFSStore(config.FS.Root, config.FS.ShardDepth)

	case "bolt":
		if err := os.MkdirAll(filepath.Dir(config.Bolt.Path), 0775); err != nil {
			return nil, err
		}
		return cache.NewBoltStore(config.Bolt.Path)

	case "leveldb":
		return cache.NewLevelDBStore(config.LevelDB.Dir)

	case "redis":
		return cache.NewRedisStore(cache.RedisStoreConfig{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			Prefix:   config.Redis.Prefix,
			MaxSize:  config.MaxBodySize,
		})

	default:
		return nil, fmt.Errorf("unknown cache backend %q", config.Backend)
	}
}

// BuildOptimizationPipeline creates an optimization pipeline from configuration
func BuildOptimizationPipeline(config *CacheConfiguration) *optimizer.Pipeline {
	if !config.Optimize.Enabled {
		return nil
	}

	pipeline := optimizer.NewPipeline()

	// Add minification transforms
	if config.Optimize.MinifyCSS || config.Optimize.MinifyJS || config.Optimize.MinifyHTML {
		minifyConfig := optimizer.MinifyConfig{
			HTML: config.Optimize.MinifyHTML,
			CSS:  config.Optimize.MinifyCSS,
			JS:   config.Optimize.MinifyJS,
			JSON: true,
			SVG:  true,
			XML:  false,
		}
		pipeline.AddTransform(optimizer.MinifyTransform(minifyConfig))
	}

	// Add compression transforms
	if config.Optimize.CompressBr {
		pipeline.AddTransform(optimizer.BrotliTransform(6))
	} else if config.Optimize.CompressGz {
		pipeline.AddTransform(optimizer.GzipTransform(-1)) // Default compression
	}

	return pipeline
}

// BuildWorkerConfig creates the refresh worker configuration
func BuildWorkerConfig(config *CacheConfiguration, log *logger.Logger) cacheworker.Config {
	return cacheworker.Config{
		QueueSize:   config.Worker.QueueSize,
		WorkerCount: config.Worker.WorkerCount,
		JobTimeout:  time.Duration(config.Worker.JobTimeout) * time.Second,
		Logger:      log,
	}
}

// BuildRegistrationConfig creates the registration configuration from cache configuration
func BuildRegistrationConfig(config *CacheConfiguration, store cache.Storage, worker *cacheworker.Worker, stats *cachestats.Collector, log *logger.Logger) (offline.RegistrationConfig, error) {
	if config.Origin == "" {
		return offline.RegistrationConfig{}, errors.New("origin is required")
	}
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return offline.RegistrationConfig{}, fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return offline.RegistrationConfig{}, fmt.Errorf("origin %q must be http or https", config.Origin)
	}

	controllerConfig := offline.Config{
		Origin:             origin,
		Storage:            store,
		KeyGenerator:       cache.NewKeyGenerator(),
		Manifest:           config.Manifest,
		OfflinePage:        config.OfflinePage,
		WaitForClients:     config.WaitForClients,
		MaxBodySize:        config.MaxBodySize,
		Optimizer:          BuildOptimizationPipeline(config),
		PreloadConcurrency: config.PreloadConcurrency,
		Logger:             log,
	}
	if worker != nil {
		controllerConfig.WorkerQueue = worker
	}
	if stats != nil {
		controllerConfig.OnCacheEvent = stats.Record
	}

	versionURL := config.VersionURL
	if versionURL != "" {
		ref, err := url.Parse(versionURL)
		if err != nil {
			return offline.RegistrationConfig{}, fmt.Errorf("invalid version url: %w", err)
		}
		versionURL = origin.ResolveReference(ref).String()
	}

	return offline.RegistrationConfig{
		Controller:     controllerConfig,
		VersionURL:     versionURL,
		UpdateInterval: time.Duration(config.UpdateInterval) * time.Second,
	}, nil
}
