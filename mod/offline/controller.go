package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/info/logger"
	"imuslab.com/offlinecache/mod/optimizer"
	"imuslab.com/offlinecache/mod/policy"
)

var (
	// ErrNotCached is returned by the cache-only strategy when nothing is stored
	ErrNotCached = errors.New("no cached response")

	// ErrBodyTooLarge is returned when a response cannot be cached because its
	// body exceeds MaxBodySize
	ErrBodyTooLarge = errors.New("response body exceeds the cache size limit")

	// ErrInstallFailed wraps every install error
	ErrInstallFailed = errors.New("install failed")

	// ErrQueueFull is returned by a JobQueue that dropped a job
	ErrQueueFull = errors.New("refresh queue is full")

	// ErrQueueClosed is returned by a JobQueue that no longer accepts jobs
	ErrQueueClosed = errors.New("refresh queue is closed")
)

// DefaultManifest is the set of shell assets precached on install
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/offline.html",
}

// DefaultOfflinePage is served to navigations that cannot be answered
const DefaultOfflinePage = "/offline.html"

// Config holds configuration for an offline cache controller
type Config struct {
	// Version suffixes the partition names, e.g. static-<Version>
	Version string

	// Origin is the site the controller fronts. Manifest and preload paths resolve against it.
	Origin *url.URL

	// Storage is the partitioned cache backend
	Storage cache.Storage

	// Transport is the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// KeyGenerator generates cache keys from requests
	KeyGenerator *cache.KeyGenerator

	// Manifest lists the assets precached on install
	Manifest []string

	// OfflinePage is the manifest path served to failed navigations
	OfflinePage string

	// WaitForClients keeps a freshly installed controller waiting instead of taking over
	WaitForClients bool

	// MaxBodySize is the largest response body that is stored
	MaxBodySize int64

	// Optimizer is applied to entries written to the static partition
	Optimizer *optimizer.Pipeline

	// WorkerQueue runs stale-while-revalidate refreshes. Nil spawns a goroutine per refresh.
	WorkerQueue JobQueue

	// PreloadConcurrency bounds parallel preload fetches
	PreloadConcurrency int

	// Logger receives lifecycle and warning logs
	Logger *logger.Logger

	// OnCacheEvent is called for hits, network responses, fallbacks, puts and traffic
	OnCacheEvent func(resourceType string, event string, size int64)

	// Now returns the current time
	Now func() time.Time
}

// JobQueue accepts background refresh jobs
type JobQueue interface {
	Enqueue(job RefreshJob) error
}

// RefreshJob re-fetches one cached resource
type RefreshJob struct {
	Key       string
	Partition string
	Run       func(ctx context.Context) error
}

// Controller is one installed version of the offline cache layer
type Controller struct {
	config     Config
	partitions policy.PartitionNames
	proxy      *httputil.ReverseProxy

	installed   atomic.Bool
	activated   atomic.Bool
	skipWaiting atomic.Bool

	// background tracks detached refreshes spawned without a worker queue
	background sync.WaitGroup
}

// NewController creates a controller for one version
func NewController(config Config) (*Controller, error) {
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.Version == "" {
		config.Version = "v1"
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = cache.NewKeyGenerator()
	}
	if config.Manifest == nil {
		config.Manifest = DefaultManifest
	}
	if config.OfflinePage == "" {
		config.OfflinePage = DefaultOfflinePage
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	if config.PreloadConcurrency <= 0 {
		config.PreloadConcurrency = 4
	}
	if config.Logger == nil {
		config.Logger = logger.NewNopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Controller{
		config:     config,
		partitions: policy.NewPartitionNames(config.Version),
	}
	if config.Origin != nil {
		c.proxy = c.newReverseProxy(config.Origin)
	}
	return c, nil
}

// Version returns the controller version
func (c *Controller) Version() string {
	return c.config.Version
}

// Storage returns the cache backend
func (c *Controller) Storage() cache.Storage {
	return c.config.Storage
}

// PartitionNames returns the store names of this version's partitions
func (c *Controller) PartitionNames() policy.PartitionNames {
	return c.partitions
}

// IsInstalled reports whether Install completed
func (c *Controller) IsInstalled() bool {
	return c.installed.Load()
}

// IsActive reports whether Activate completed
func (c *Controller) IsActive() bool {
	return c.activated.Load()
}

// SkipWaitingRequested reports whether the controller asked to take over immediately
func (c *Controller) SkipWaitingRequested() bool {
	return c.skipWaiting.Load()
}

// Wait blocks until detached background refreshes have finished
func (c *Controller) Wait() {
	c.background.Wait()
}

// resolve turns a manifest or preload entry into an absolute URL
func (c *Controller) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if c.config.Origin == nil {
			return nil, fmt.Errorf("relative url %q without an origin", raw)
		}
		u = c.config.Origin.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	return u, nil
}

func (c *Controller) event(rt policy.ResourceType, event string, size int64) {
	if c.config.OnCacheEvent != nil {
		c.config.OnCacheEvent(string(rt), event, size)
	}
}

func (c *Controller) openPartition(ctx context.Context, kind policy.PartitionKind) (cache.Partition, error) {
	p, err := c.config.Storage.Open(ctx, c.partitions.Name(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s partition: %w", kind, err)
	}
	return p, nil
}
