package offline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"imuslab.com/offlinecache/mod/cache"
	"imuslab.com/offlinecache/mod/policy"
)

type precached struct {
	key   string
	entry *cache.Entry
}

// Install precaches the manifest into the static partition.
// Every asset must fetch successfully or nothing is written.
func (c *Controller) Install(ctx context.Context) error {
	err := c.install(ctx)
	if err != nil {
		c.config.Logger.PrintAndLog("offline", "Install of "+c.config.Version+" failed", err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	c.installed.Store(true)
	if !c.config.WaitForClients {
		c.skipWaiting.Store(true)
	}
	c.config.Logger.PrintAndLog("offline", fmt.Sprintf("Installed %s with %d precached assets", c.config.Version, len(c.config.Manifest)), nil)
	return nil
}

func (c *Controller) install(ctx context.Context) error {
	assets := make([]precached, len(c.config.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range c.config.Manifest {
		g.Go(func() error {
			u, err := c.resolve(raw)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("failed to build request for %s: %w", raw, err)
			}
			entry, err := c.fetchEntry(gctx, req)
			if err != nil {
				return err
			}
			if !cache.IsResponseCacheable(entry.Meta.StatusCode, entry.Meta.Headers) {
				return fmt.Errorf("%s responded with status %d", u, entry.Meta.StatusCode)
			}
			if c.config.Optimizer.Len() > 0 {
				if optimized, err := c.config.Optimizer.Apply(gctx, entry); err == nil {
					entry = optimized
				}
			}
			assets[i] = precached{key: c.config.KeyGenerator.GenerateKey(req), entry: entry}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p, err := c.openPartition(ctx, policy.PartitionStatic)
	if err != nil {
		return err
	}

	written := make([]string, 0, len(assets))
	for _, a := range assets {
		if err := p.Put(ctx, a.key, a.entry); err != nil {
			// Roll back so the partition is untouched
			for _, k := range written {
				p.Delete(ctx, k)
			}
			return fmt.Errorf("failed to store %s: %w", a.key, err)
		}
		written = append(written, a.key)
	}
	return nil
}

// Activate removes partitions of other versions and marks the controller active
func (c *Controller) Activate(ctx context.Context) error {
	names, err := c.config.Storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	for _, name := range names {
		if c.partitions.Contains(name) {
			continue
		}
		if _, err := c.config.Storage.Drop(ctx, name); err != nil {
			return fmt.Errorf("failed to drop stale partition %s: %w", name, err)
		}
		c.config.Logger.PrintAndLog("offline", "Deleted stale partition "+name, nil)
	}

	c.activated.Store(true)
	c.config.Logger.PrintAndLog("offline", "Activated "+c.config.Version, nil)
	return nil
}

// CacheSize counts the entries of every partition
func (c *Controller) CacheSize(ctx context.Context) (int, error) {
	return cache.CountEntries(ctx, c.config.Storage)
}

// ClearCache drops every partition
func (c *Controller) ClearCache(ctx context.Context) error {
	names, err := c.config.Storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}
	for _, name := range names {
		if _, err := c.config.Storage.Drop(ctx, name); err != nil {
			return fmt.Errorf("failed to drop partition %s: %w", name, err)
		}
	}
	return nil
}

// Preload fetches urls into the dynamic partition.
// Each URL is handled on its own; failures are logged and skipped.
// Returns the number of entries stored.
func (c *Controller) Preload(ctx context.Context, urls []string) int {
	p, err := c.openPartition(ctx, policy.PartitionDynamic)
	if err != nil {
		c.config.Logger.Warn("offline", "preload aborted", zap.Error(err))
		return 0
	}
	pol := policy.Policy{
		Strategy:   policy.NetworkFirst,
		Partition:  policy.PartitionDynamic,
		MaxEntries: policy.CeilingFor(policy.PartitionDynamic),
	}

	stored := make([]bool, len(urls))
	g := new(errgroup.Group)
	g.SetLimit(c.config.PreloadConcurrency)
	for i, raw := range urls {
		g.Go(func() error {
			ok, err := c.preloadOne(ctx, p, pol, raw)
			if err != nil {
				c.config.Logger.Warn("offline", "preload failed", zap.String("url", raw), zap.Error(err))
			}
			stored[i] = ok
			return nil
		})
	}
	g.Wait()

	count := 0
	for _, ok := range stored {
		if ok {
			count++
		}
	}
	return count
}

func (c *Controller) preloadOne(ctx context.Context, p cache.Partition, pol policy.Policy, raw string) (bool, error) {
	u, err := c.resolve(raw)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}

	entry, err := c.fetchEntry(ctx, req)
	if err != nil {
		return false, err
	}
	stored, err := c.store(ctx, p, policy.ClassifyURL("", u), pol, c.config.KeyGenerator.GenerateKey(req), entry)
	if err != nil {
		return false, err
	}
	if !stored {
		return false, fmt.Errorf("%s responded with status %d", u, entry.Meta.StatusCode)
	}
	return true, nil
}

// Purge deletes key from every partition
func (c *Controller) Purge(ctx context.Context, key string) (int, error) {
	return c.purgeMatching(ctx, func(k string) bool { return k == key })
}

// PurgePrefix deletes every key starting with prefix from every partition
func (c *Controller) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	return c.purgeMatching(ctx, func(k string) bool { return strings.HasPrefix(k, prefix) })
}

func (c *Controller) purgeMatching(ctx context.Context, match func(string) bool) (int, error) {
	names, err := c.config.Storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions: %w", err)
	}

	deleted := 0
	for _, name := range names {
		p, err := c.config.Storage.Open(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("failed to open partition %s: %w", name, err)
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list keys of %s: %w", name, err)
		}
		for _, k := range keys {
			if !match(k) {
				continue
			}
			ok, err := p.Delete(ctx, k)
			if err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", k, err)
			}
			if ok {
				deleted++
			}
		}
	}
	return deleted, nil
}

// PartitionSizes reports the entry count of every partition
func (c *Controller) PartitionSizes(ctx context.Context) (map[string]int, error) {
	names, err := c.config.Storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		p, err := c.config.Storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list keys of %s: %w", name, err)
		}
		sizes[name] = len(keys)
	}
	return sizes, nil
}
