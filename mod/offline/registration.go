package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"imuslab.com/offlinecache/mod/info/logger"
)

// ErrNotRegistered is returned when no controller is active
var ErrNotRegistered = errors.New("no active controller")

const latestVersionKey = "latest"

// RegistrationConfig holds configuration for a registration
type RegistrationConfig struct {
	// Controller is the template for every installed version. Version is set per install.
	Controller Config

	// VersionURL returns the deployed version, as plain text or {"version": "..."}
	VersionURL string

	// UpdateInterval is how long a fetched version is trusted before checking again
	UpdateInterval time.Duration
}

// Registration holds the active controller and at most one waiting controller
type Registration struct {
	config   RegistrationConfig
	active   atomic.Pointer[Controller]
	waiting  atomic.Pointer[Controller]
	versions *ttlcache.Cache[string, string]
	logger   *logger.Logger

	// lifecycle serializes install and activation, never request handling
	lifecycle sync.Mutex
}

// NewRegistration creates an empty registration
func NewRegistration(config RegistrationConfig) *Registration {
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = time.Minute
	}
	if config.Controller.Logger == nil {
		config.Controller.Logger = logger.NewNopLogger()
	}
	if config.Controller.Transport == nil {
		config.Controller.Transport = http.DefaultTransport
	}

	return &Registration{
		config: config,
		versions: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](config.UpdateInterval),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		logger: config.Controller.Logger,
	}
}

// Active returns the controller serving requests, or nil
func (r *Registration) Active() *Controller {
	return r.active.Load()
}

// Waiting returns the installed controller waiting to take over, or nil
func (r *Registration) Waiting() *Controller {
	return r.waiting.Load()
}

// Register installs a controller for version. The first controller, or one that
// asked to skip waiting, is activated right away.
func (r *Registration) Register(ctx context.Context, version string) (*Controller, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	return r.installVersion(ctx, version)
}

// Update checks the origin for a new version and installs it
func (r *Registration) Update(ctx context.Context) (bool, error) {
	if r.config.VersionURL == "" {
		return false, nil
	}

	version, err := r.latestVersion(ctx)
	if err != nil {
		return false, err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if a := r.active.Load(); a != nil && a.Version() == version {
		return false, nil
	}
	if w := r.waiting.Load(); w != nil && w.Version() == version {
		return false, nil
	}

	if _, err := r.installVersion(ctx, version); err != nil {
		return false, err
	}
	return true, nil
}

// SkipWaiting activates the waiting controller, if any
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w := r.waiting.Load()
	if w == nil {
		return nil
	}
	return r.promote(ctx, w)
}

func (r *Registration) installVersion(ctx context.Context, version string) (*Controller, error) {
	cfg := r.config.Controller
	cfg.Version = version

	c, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Install(ctx); err != nil {
		return nil, err
	}

	if r.active.Load() == nil || c.SkipWaitingRequested() {
		if err := r.promote(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	r.waiting.Store(c)
	r.logger.PrintAndLog("offline", "Version "+version+" installed and waiting", nil)
	return c, nil
}

// promote activates c and makes it the controller for every request
func (r *Registration) promote(ctx context.Context, c *Controller) error {
	if err := c.Activate(ctx); err != nil {
		return err
	}
	r.active.Store(c)
	// A newer active controller supersedes anything still waiting
	r.waiting.Store(nil)
	return nil
}

// latestVersion returns the deployed version, fetching at most once per UpdateInterval
func (r *Registration) latestVersion(ctx context.Context) (string, error) {
	if item := r.versions.Get(latestVersionKey); item != nil {
		return item.Value(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.VersionURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build version request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.config.Controller.Transport.RoundTrip(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version endpoint responded with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read version: %w", err)
	}

	version := parseVersion(body)
	if version == "" {
		return "", errors.New("version endpoint returned an empty version")
	}
	r.versions.Set(latestVersionKey, version, ttlcache.DefaultTTL)
	return version, nil
}

func parseVersion(body []byte) string {
	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Version != "" {
		return strings.TrimSpace(doc.Version)
	}
	return strings.TrimSpace(string(body))
}

// RoundTrip routes requests through the active controller
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if c := r.active.Load(); c != nil {
		return c.RoundTrip(req)
	}
	return r.config.Controller.Transport.RoundTrip(req)
}

// ServeHTTP reverse proxies through the active controller
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	c := r.active.Load()
	if c == nil {
		http.Error(w, "offline cache is not installed", http.StatusServiceUnavailable)
		return
	}
	c.ServeHTTP(w, req)
}

// Close waits for background refreshes of the installed controllers
func (r *Registration) Close() {
	if c := r.active.Load(); c != nil {
		c.Wait()
	}
	if c := r.waiting.Load(); c != nil {
		c.Wait()
	}
}
