package cachestats

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

/*
	Cache Statistics Package

	This package tracks per-resource-type statistics including:
	- Request counts split by where the response came from
	- Entries written to the cache
	- Traffic (bytes served)
	- Throughput (current, max) sampled over time
*/

const (
	THROUGHPUT_SAMPLE_INTERVAL = 5 * time.Second // Sample throughput every 5 seconds
	MAX_THROUGHPUT_SAMPLES     = 17280           // Keep 24 hours of samples

	statsBucket = "cachestats"
)

// Event names reported by the offline controller
const (
	EventHit      = "hit"
	EventNetwork  = "network"
	EventFallback = "fallback"
	EventPut      = "put"
	EventTraffic  = "traffic"
)

// TypeStatistics holds statistics for a single resource type
type TypeStatistics struct {
	ResourceType string `json:"resource_type"`

	// Request counters
	TotalRequests    int64   `json:"total_requests"`
	CacheHits        int64   `json:"cache_hits"`
	NetworkResponses int64   `json:"network_responses"`
	Fallbacks        int64   `json:"fallbacks"`
	CacheHitRate     float64 `json:"cache_hit_rate"` // Percentage

	// Cache writes
	EntriesWritten int64 `json:"entries_written"`
	BytesWritten   int64 `json:"bytes_written"`

	// Traffic statistics
	BytesServed int64 `json:"bytes_served"`

	// Throughput statistics (bytes per second)
	CurrentThroughput int64              `json:"current_throughput"`
	MaxThroughput     int64              `json:"max_throughput"`
	Samples           []ThroughputSample `json:"samples"`

	// Last update timestamp
	LastUpdated time.Time `json:"last_updated"`

	mu sync.RWMutex `json:"-"`
}

// ThroughputSample represents a throughput measurement at a specific time
type ThroughputSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

// Collector manages statistics for all resource types
type Collector struct {
	stats    map[string]*TypeStatistics
	mu       sync.RWMutex
	db       *bolt.DB
	stopChan chan bool
	stopOnce sync.Once
	logger   Logger
}

// Logger receives persistence failures
type Logger interface {
	PrintAndLog(title string, message string, originalError error)
}

// CollectorOption holds configuration for the collector
type CollectorOption struct {
	// DB persists statistics across restarts when set
	DB *bolt.DB

	// SampleInterval is the throughput sampling period, 0 disables sampling
	SampleInterval time.Duration

	// Logger reports background save failures, may be nil
	Logger Logger
}

// NewCollector creates a new cache statistics collector
func NewCollector(option CollectorOption) (*Collector, error) {
	collector := &Collector{
		stats:    make(map[string]*TypeStatistics),
		db:       option.DB,
		stopChan: make(chan bool),
		logger:   option.Logger,
	}

	if collector.db != nil {
		err := collector.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(statsBucket))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stats bucket: %w", err)
		}

		// Load existing statistics from database
		if err := collector.loadFromDatabase(); err != nil {
			return nil, err
		}
		collector.scheduleDailyPersistence()
	}

	if option.SampleInterval > 0 {
		collector.startThroughputSampling(option.SampleInterval)
	}

	return collector, nil
}

// Record is the event hook wired into the offline controller
func (c *Collector) Record(resourceType string, event string, size int64) {
	stats := c.getOrCreate(resourceType)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	switch event {
	case EventHit:
		stats.TotalRequests++
		stats.CacheHits++
	case EventNetwork:
		stats.TotalRequests++
		stats.NetworkResponses++
	case EventFallback:
		stats.TotalRequests++
		stats.Fallbacks++
	case EventPut:
		stats.EntriesWritten++
		stats.BytesWritten += size
	case EventTraffic:
		stats.BytesServed += size
	default:
		return
	}

	// Calculate cache hit rate
	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalRequests) * 100.0
	}
	stats.LastUpdated = time.Now()
}

func (c *Collector) getOrCreate(resourceType string) *TypeStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.stats[resourceType]
	if !exists {
		stats = &TypeStatistics{
			ResourceType: resourceType,
			LastUpdated:  time.Now(),
		}
		c.stats[resourceType] = stats
	}
	return stats
}

// GetTypeStats returns a copy of the statistics of one resource type
func (c *Collector) GetTypeStats(resourceType string) *TypeStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, exists := c.stats[resourceType]
	if !exists {
		return nil
	}
	return stats.snapshot()
}

// GetAllStats returns a copy of the statistics of every resource type
func (c *Collector) GetAllStats() map[string]*TypeStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*TypeStatistics, len(c.stats))
	for rt, stats := range c.stats {
		result[rt] = stats.snapshot()
	}
	return result
}

// Totals sums the counters of every resource type
func (c *Collector) Totals() *TypeStatistics {
	all := c.GetAllStats()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := &TypeStatistics{ResourceType: "all"}
	for _, k := range keys {
		s := all[k]
		total.TotalRequests += s.TotalRequests
		total.CacheHits += s.CacheHits
		total.NetworkResponses += s.NetworkResponses
		total.Fallbacks += s.Fallbacks
		total.EntriesWritten += s.EntriesWritten
		total.BytesWritten += s.BytesWritten
		total.BytesServed += s.BytesServed
		total.CurrentThroughput += s.CurrentThroughput
		if s.LastUpdated.After(total.LastUpdated) {
			total.LastUpdated = s.LastUpdated
		}
	}
	if total.TotalRequests > 0 {
		total.CacheHitRate = float64(total.CacheHits) / float64(total.TotalRequests) * 100.0
	}
	return total
}

func (s *TypeStatistics) snapshot() *TypeStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &TypeStatistics{
		ResourceType:      s.ResourceType,
		TotalRequests:     s.TotalRequests,
		CacheHits:         s.CacheHits,
		NetworkResponses:  s.NetworkResponses,
		Fallbacks:         s.Fallbacks,
		CacheHitRate:      s.CacheHitRate,
		EntriesWritten:    s.EntriesWritten,
		BytesWritten:      s.BytesWritten,
		BytesServed:       s.BytesServed,
		CurrentThroughput: s.CurrentThroughput,
		MaxThroughput:     s.MaxThroughput,
		Samples:           append([]ThroughputSample(nil), s.Samples...),
		LastUpdated:       s.LastUpdated,
	}
}

// startThroughputSampling starts periodic throughput sampling
func (c *Collector) startThroughputSampling(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		lastSampleTime := time.Now()
		lastBytes := make(map[string]int64)

		for {
			select {
			case <-ticker.C:
				now := time.Now()
				c.sample(now, now.Sub(lastSampleTime).Seconds(), lastBytes)
				lastSampleTime = now

			case <-c.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) sample(now time.Time, elapsed float64, lastBytes map[string]int64) {
	if elapsed <= 0 {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for rt, stats := range c.stats {
		stats.mu.Lock()

		served := stats.BytesServed
		throughput := int64(float64(served-lastBytes[rt]) / elapsed)

		stats.CurrentThroughput = throughput
		if throughput > stats.MaxThroughput {
			stats.MaxThroughput = throughput
		}

		stats.Samples = append(stats.Samples, ThroughputSample{
			Timestamp:      now,
			BytesPerSecond: throughput,
		})

		// Keep only recent samples
		if len(stats.Samples) > MAX_THROUGHPUT_SAMPLES {
			stats.Samples = stats.Samples[len(stats.Samples)-MAX_THROUGHPUT_SAMPLES:]
		}

		lastBytes[rt] = served
		stats.mu.Unlock()
	}
}

// scheduleDailyPersistence saves statistics to database daily at midnight
func (c *Collector) scheduleDailyPersistence() {
	go func() {
		for {
			// Calculate duration until next midnight
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

			select {
			case <-time.After(midnight.Sub(now)):
				c.persist()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// persist saves statistics, reporting failures to the logger
func (c *Collector) persist() {
	if err := c.saveToDatabase(); err != nil && c.logger != nil {
		c.logger.PrintAndLog("cachestats", "Failed to save statistics", err)
	}
}

// saveToDatabase saves all statistics to the database
func (c *Collector) saveToDatabase() error {
	if c.db == nil {
		return nil
	}

	all := c.GetAllStats()
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(statsBucket))
		if bucket == nil {
			return nil
		}
		for rt, stats := range all {
			// Samples are runtime only
			stats.Samples = nil
			data, err := json.Marshal(stats)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(rt), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadFromDatabase loads all statistics from the database
func (c *Collector) loadFromDatabase() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(statsBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var stats TypeStatistics
			if err := json.Unmarshal(v, &stats); err != nil {
				return nil
			}
			c.stats[string(k)] = &stats
			return nil
		})
	})
}

// ResetStats resets statistics for a specific resource type
func (c *Collector) ResetStats(resourceType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.stats[resourceType]; !exists {
		return
	}
	c.stats[resourceType] = &TypeStatistics{
		ResourceType: resourceType,
		LastUpdated:  time.Now(),
	}
}

// Close stops the collector and saves all data
func (c *Collector) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	return c.saveToDatabase()
}
