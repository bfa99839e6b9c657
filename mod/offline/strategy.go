package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/cachestats"
	"imuslab.com/offlinecache/mod/policy"
)

type source int

const (
	fromNetwork source = iota
	fromCache
)

// outcome is the response a strategy settled on.
// rest is set when a network body outgrew MaxBodySize: entry holds the first
// bytes and rest the unread remainder. Such outcomes are never stored.
type outcome struct {
	entry  *cache.Entry
	source source
	rest   io.ReadCloser
}

// validatorHeaders make an origin answer with an empty or partial body, which
// cannot fill a cache entry
var validatorHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// serve dispatches a request to the strategy of its policy
func (c *Controller) serve(ctx context.Context, req *http.Request, rt policy.ResourceType, pol policy.Policy) (*outcome, error) {
	key := c.config.KeyGenerator.GenerateKey(req)

	switch pol.Strategy {
	case policy.CacheFirst:
		return c.cacheFirst(ctx, req, rt, pol, key)
	case policy.StaleWhileRevalidate:
		return c.staleWhileRevalidate(ctx, req, rt, pol, key)
	case policy.NetworkOnly:
		return c.networkOnly(ctx, req)
	case policy.CacheOnly:
		return c.cacheOnly(ctx, pol, key)
	default:
		return c.networkFirst(ctx, req, rt, pol, key)
	}
}

func (c *Controller) cacheFirst(ctx context.Context, req *http.Request, rt policy.ResourceType, pol policy.Policy, key string) (*outcome, error) {
	p, err := c.openPartition(ctx, pol.Partition)
	if err != nil {
		return nil, err
	}

	cached := c.lookup(ctx, p, key)
	if cached != nil && !cached.Meta.IsExpired(pol.MaxAge, c.config.Now()) {
		return &outcome{entry: cached, source: fromCache}, nil
	}

	out, err := c.fetch(ctx, req)
	if err != nil {
		// Expired entries still beat no response
		if cached != nil {
			return &outcome{entry: cached, source: fromCache}, nil
		}
		return nil, err
	}
	c.storeQuietly(ctx, p, rt, pol, key, out)
	return out, nil
}

func (c *Controller) networkFirst(ctx context.Context, req *http.Request, rt policy.ResourceType, pol policy.Policy, key string) (*outcome, error) {
	p, err := c.openPartition(ctx, pol.Partition)
	if err != nil {
		return nil, err
	}

	out, err := c.fetch(ctx, req)
	if err == nil {
		c.storeQuietly(ctx, p, rt, pol, key, out)
		return out, nil
	}

	// Any cached copy, expired or not, beats no response
	if cached := c.lookup(ctx, p, key); cached != nil {
		return &outcome{entry: cached, source: fromCache}, nil
	}
	return nil, err
}

func (c *Controller) staleWhileRevalidate(ctx context.Context, req *http.Request, rt policy.ResourceType, pol policy.Policy, key string) (*outcome, error) {
	p, err := c.openPartition(ctx, pol.Partition)
	if err != nil {
		return nil, err
	}

	cached := c.lookup(ctx, p, key)
	if cached != nil && !cached.Meta.IsExpired(pol.MaxAge, c.config.Now()) {
		c.revalidate(req, p, rt, pol, key)
		return &outcome{entry: cached, source: fromCache}, nil
	}

	out, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	c.storeQuietly(ctx, p, rt, pol, key, out)
	return out, nil
}

// networkOnly forwards the request as sent, validators included, since
// nothing is stored
func (c *Controller) networkOnly(ctx context.Context, req *http.Request) (*outcome, error) {
	return c.capture(req.Clone(ctx))
}

func (c *Controller) cacheOnly(ctx context.Context, pol policy.Policy, key string) (*outcome, error) {
	p, err := c.openPartition(ctx, pol.Partition)
	if err != nil {
		return nil, err
	}
	cached := c.lookup(ctx, p, key)
	if cached == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	return &outcome{entry: cached, source: fromCache}, nil
}

// revalidate refreshes an entry in the background, detached from the request.
// Errors are discarded.
func (c *Controller) revalidate(req *http.Request, p cache.Partition, rt policy.ResourceType, pol policy.Policy, key string) {
	detached := req.Clone(context.WithoutCancel(req.Context()))

	job := RefreshJob{
		Key:       key,
		Partition: p.Name(),
		Run: func(ctx context.Context) error {
			entry, err := c.fetchEntry(ctx, detached)
			if err != nil {
				return err
			}
			_, err = c.store(ctx, p, rt, pol, key, entry)
			return err
		},
	}

	if c.config.WorkerQueue != nil {
		_ = c.config.WorkerQueue.Enqueue(job)
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		_ = job.Run(detached.Context())
	}()
}

// fetch requests a full response for filling the cache. Client validators
// are dropped so the origin answers with the whole body.
// Only transport errors are failures; any HTTP status is a response.
func (c *Controller) fetch(ctx context.Context, req *http.Request) (*outcome, error) {
	out := req.Clone(ctx)
	for _, h := range validatorHeaders {
		out.Header.Del(h)
	}
	return c.capture(out)
}

// fetchEntry is fetch for callers that need the whole body in memory
func (c *Controller) fetchEntry(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	out, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if out.rest != nil {
		out.rest.Close()
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, req.URL)
	}
	return out.entry, nil
}

// capture sends req to the network and reads at most MaxBodySize bytes of the
// body. A longer body is left unread in the outcome's rest.
func (c *Controller) capture(req *http.Request) (*outcome, error) {
	req.RequestURI = ""

	resp, err := c.config.Transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to read response of %s: %w", req.URL, err)
	}
	out := &outcome{
		entry:  cache.NewEntry(req.URL.String(), resp.StatusCode, resp.Header, body, c.config.Now()),
		source: fromNetwork,
	}
	if int64(len(body)) > c.config.MaxBodySize {
		out.rest = resp.Body
		return out, nil
	}
	resp.Body.Close()
	return out, nil
}

// lookup reads a partition, treating storage errors as a miss
func (c *Controller) lookup(ctx context.Context, p cache.Partition, key string) *cache.Entry {
	entry, found, err := p.Match(ctx, key)
	if err != nil {
		c.config.Logger.Debug("offline", "cache read failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return entry
}

// storeQuietly stores a network response, logging storage failures
func (c *Controller) storeQuietly(ctx context.Context, p cache.Partition, rt policy.ResourceType, pol policy.Policy, key string, out *outcome) {
	if out.rest != nil {
		return
	}
	if _, err := c.store(ctx, p, rt, pol, key, out.entry); err != nil {
		c.config.Logger.Warn("offline", "cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// store trims the partition and writes entry when the response may be cached.
// Returns whether the entry was written.
func (c *Controller) store(ctx context.Context, p cache.Partition, rt policy.ResourceType, pol policy.Policy, key string, entry *cache.Entry) (bool, error) {
	if !cache.IsResponseCacheable(entry.Meta.StatusCode, entry.Meta.Headers) {
		return false, nil
	}
	if int64(len(entry.Body)) > c.config.MaxBodySize {
		return false, nil
	}

	if pol.Partition == policy.PartitionStatic && c.config.Optimizer.Len() > 0 {
		optimized, err := c.config.Optimizer.Apply(ctx, entry)
		if err != nil {
			c.config.Logger.Debug("offline", "optimizer failed, storing original", zap.String("key", key), zap.Error(err))
		} else {
			entry = optimized
		}
	}

	if err := trimPartition(ctx, p, key, pol.MaxEntries); err != nil {
		return false, err
	}
	if err := p.Put(ctx, key, entry); err != nil {
		return false, fmt.Errorf("failed to store %s: %w", key, err)
	}
	c.event(rt, cachestats.EventPut, int64(len(entry.Body)))
	return true, nil
}

// trimPartition makes room for one more entry by deleting the oldest keys.
// The key about to be written is not counted, so the partition holds at most
// maxEntries once the write completes.
func trimPartition(ctx context.Context, p cache.Partition, incoming string, maxEntries int) error {
	if maxEntries <= 0 {
		return nil
	}

	keys, err := p.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys of %s: %w", p.Name(), err)
	}

	others := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != incoming {
			others = append(others, k)
		}
	}
	if len(others) < maxEntries {
		return nil
	}

	// Oldest first
	for _, k := range others[:len(others)-maxEntries+1] {
		if _, err := p.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to evict %s: %w", k, err)
		}
	}
	return nil
}
