package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fsIndexFile = "index.json"

// FSStore implements Storage using the filesystem.
// Each partition is a directory holding sharded data/meta files and an index
// file that records insertion order.
type FSStore struct {
	rootDir    string
	shardDepth int
	mu         sync.Mutex
	partitions map[string]*fsPartition
}

// NewFSStore creates a new filesystem-based cache store
func NewFSStore(rootDir string, shardDepth int) (*FSStore, error) {
	if shardDepth < 0 || shardDepth > 4 {
		shardDepth = 2 // Default to 2-level sharding
	}

	// Create root directory if it doesn't exist
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FSStore{
		rootDir:    rootDir,
		shardDepth: shardDepth,
		partitions: make(map[string]*fsPartition),
	}, nil
}

// Open returns the named partition, creating its directory on first use
func (fs *FSStore) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrPartitionName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid partition name %q", name)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, ok := fs.partitions[name]
	if !ok {
		p = &fsPartition{
			name:       name,
			dir:        filepath.Join(fs.rootDir, name),
			shardDepth: fs.shardDepth,
		}
	}
	if err := p.ensure(); err != nil {
		return nil, err
	}
	fs.partitions[name] = p
	return p, nil
}

// Names lists partition directories under the root
func (fs *FSStore) Names(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(fs.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var names []string
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.rootDir, item.Name(), fsIndexFile)); err != nil {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Drop removes a partition directory and everything inside it
func (fs *FSStore) Drop(ctx context.Context, name string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.rootDir, name)
	if _, err := os.Stat(filepath.Join(dir, fsIndexFile)); os.IsNotExist(err) {
		return false, nil
	}

	// Handles stay registered after a drop: every handle for a name shares one
	// index lock, including old handles that write the directory back.
	if p, ok := fs.partitions[name]; ok {
		p.mu.Lock()
		defer p.mu.Unlock()
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove partition %s: %w", name, err)
	}
	return true, nil
}

// Close cleanly shuts down the filesystem store
func (fs *FSStore) Close() error {
	// No resources to clean up for filesystem store
	return nil
}

type fsPartition struct {
	name       string
	dir        string
	shardDepth int
	mu         sync.RWMutex
}

func (p *fsPartition) Name() string {
	return p.name
}

func (p *fsPartition) Keys(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readIndex()
}

// Match retrieves a cached response from the filesystem
func (p *fsPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dataPath := p.getDataPath(key)
	metaPath := p.getMetaPath(key)

	// Check if files exist
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}

	body, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	return &Entry{Meta: *meta, Body: body}, true, nil
}

// Put stores a response in the filesystem cache
func (p *fsPartition) Put(ctx context.Context, key string, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dataPath := p.getDataPath(key)
	metaPath := p.getMetaPath(key)

	// Create directory structure
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	meta := entry.Meta
	meta.Size = int64(len(entry.Body))

	// Write data to temporary file first (atomic write)
	if err := writeAtomic(dataPath, entry.Body); err != nil {
		return fmt.Errorf("failed to write cache data: %w", err)
	}
	if err := writeMeta(metaPath, key, &meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	keys, err := p.readIndex()
	if err != nil {
		return fmt.Errorf("failed to read partition index: %w", err)
	}
	keys = append(removeKey(keys, key), key)
	if err := p.writeIndex(keys); err != nil {
		return fmt.Errorf("failed to write partition index: %w", err)
	}
	return nil
}

// Delete removes a cached entry from the filesystem
func (p *fsPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.readIndex()
	if err != nil {
		return false, fmt.Errorf("failed to read partition index: %w", err)
	}
	remaining := removeKey(keys, key)
	if len(remaining) == len(keys) {
		return false, nil
	}

	// Remove both files, ignore errors if files don't exist
	os.Remove(p.getDataPath(key))
	os.Remove(p.getMetaPath(key))

	if err := p.writeIndex(remaining); err != nil {
		return false, fmt.Errorf("failed to write partition index: %w", err)
	}
	return true, nil
}

// ensure creates the partition directory and an empty index when missing
func (p *fsPartition) ensure() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}
	if _, err := os.Stat(p.indexPath()); os.IsNotExist(err) {
		if err := p.writeIndex(nil); err != nil {
			return fmt.Errorf("failed to create partition index: %w", err)
		}
	}
	return nil
}

func (p *fsPartition) indexPath() string {
	return filepath.Join(p.dir, fsIndexFile)
}

func (p *fsPartition) readIndex() ([]string, error) {
	data, err := os.ReadFile(p.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *fsPartition) writeIndex(keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return writeAtomic(p.indexPath(), data)
}

// getDataPath returns the filesystem path for cached data
func (p *fsPartition) getDataPath(key string) string {
	return p.getShardedPath(hashKey(key), ".data")
}

// getMetaPath returns the filesystem path for metadata
func (p *fsPartition) getMetaPath(key string) string {
	return p.getShardedPath(hashKey(key), ".meta")
}

// getShardedPath creates a sharded directory path from a hashed key
func (p *fsPartition) getShardedPath(hashed string, suffix string) string {
	if p.shardDepth == 0 {
		return filepath.Join(p.dir, hashed+suffix)
	}

	// Create shard directories based on key prefix
	var shardParts []string
	for i := 0; i < p.shardDepth && i*2+2 <= len(hashed); i++ {
		shardParts = append(shardParts, hashed[i*2:i*2+2])
	}

	path := filepath.Join(p.dir, filepath.Join(shardParts...))
	return filepath.Join(path, hashed+suffix)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type fsMetaFile struct {
	Key  string `json:"key"`
	Meta *Meta  `json:"meta"`
}

// readMeta reads metadata from a file
func readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file fsMetaFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Meta == nil {
		return nil, fmt.Errorf("metadata file %s is empty", path)
	}
	return file.Meta, nil
}

// writeMeta writes metadata to a file
func writeMeta(path string, key string, meta *Meta) error {
	data, err := json.MarshalIndent(fsMetaFile{Key: key, Meta: meta}, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// writeAtomic writes to a temp file first and renames it into place
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func removeKey(keys []string, key string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
