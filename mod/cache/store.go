package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrPartitionName is returned when a partition is opened with an empty name
var ErrPartitionName = errors.New("partition name must not be empty")

// Storage defines the interface for partitioned cache storage backends
type Storage interface {
	// Open returns the named partition, creating it if it does not exist
	Open(ctx context.Context, name string) (Partition, error)

	// Names lists every existing partition
	Names(ctx context.Context) ([]string, error)

	// Drop deletes a partition and all of its entries
	// Returns false if the partition did not exist
	Drop(ctx context.Context, name string) (bool, error)

	// Close cleanly shuts down the storage backend
	Close() error
}

// Partition is a named key-value store of captured responses.
// Individual operations are atomic; sequences of operations are not.
type Partition interface {
	// Name returns the partition name
	Name() string

	// Keys returns the stored keys in insertion order, oldest first
	Keys(ctx context.Context) ([]string, error)

	// Match retrieves a stored response by key
	Match(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores a response. An existing key is replaced and becomes the newest entry.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes a stored response. Returns false if the key was absent.
	Delete(ctx context.Context, key string) (bool, error)
}

// Entry is a captured response held in a partition
type Entry struct {
	Meta Meta
	Body []byte
}

// Meta contains metadata about a cached response
type Meta struct {
	// URL is the request URL the response was captured for
	URL string `json:"url"`

	// ContentType is the MIME type of the response
	ContentType string `json:"content_type"`

	// Encoding specifies the content encoding (e.g., "gzip", "br")
	Encoding string `json:"encoding,omitempty"`

	// Size is the size of the cached content in bytes
	Size int64 `json:"size"`

	// ETag is the entity tag for cache validation
	ETag string `json:"etag,omitempty"`

	// CachedAt is when this entry was written
	CachedAt time.Time `json:"cached_at"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers as captured
	Headers http.Header `json:"headers"`
}

// NewEntry captures a response body and headers into an entry
func NewEntry(url string, statusCode int, header http.Header, body []byte, now time.Time) *Entry {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return &Entry{
		Meta: Meta{
			URL:         url,
			ContentType: h.Get("Content-Type"),
			Encoding:    h.Get("Content-Encoding"),
			Size:        int64(len(body)),
			ETag:        h.Get("ETag"),
			CachedAt:    now,
			StatusCode:  statusCode,
			Headers:     h,
		},
		Body: body,
	}
}

// Date returns the value of the response's Date header
func (m *Meta) Date() (time.Time, bool) {
	raw := m.Headers.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsExpired reports whether the entry is older than maxAge according to its Date header.
// Entries without a Date header never expire. Expiry never deletes the entry.
func (m *Meta) IsExpired(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false // No expiration
	}
	date, ok := m.Date()
	if !ok {
		return false
	}
	return now.Sub(date) > maxAge
}

// Age returns the age of the cache entry in seconds
func (m *Meta) Age(now time.Time) int64 {
	age := int64(now.Sub(m.CachedAt).Seconds())
	if age < 0 {
		return 0
	}
	return age
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	c := &Entry{Meta: e.Meta}
	c.Meta.Headers = e.Meta.Headers.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return c
}

// MatchAny searches every partition for key and returns the first match
func MatchAny(ctx context.Context, s Storage, key string) (*Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list partitions: %w", err)
	}
	for _, name := range names {
		p, err := s.Open(ctx, name)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open partition %s: %w", name, err)
		}
		entry, found, err := p.Match(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return entry, true, nil
		}
	}
	return nil, false, nil
}

// CountEntries returns the total number of entries across every partition
func CountEntries(ctx context.Context, s Storage) (int, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions: %w", err)
	}
	total := 0
	for _, name := range names {
		p, err := s.Open(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("failed to open partition %s: %w", name, err)
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list keys of %s: %w", name, err)
		}
		total += len(keys)
	}
	return total, nil
}
