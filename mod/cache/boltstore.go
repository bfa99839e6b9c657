package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

var (
	boltEntriesBucket = []byte("entries")
	boltOrderBucket   = []byte("order")
)

// BoltStore implements Storage on a single bolt database file.
// Every partition is a top-level bucket with an "entries" sub-bucket (key -> record)
// and an "order" sub-bucket (sequence -> key) that preserves insertion order.
type BoltStore struct {
	db *bolt.DB
}

// storedRecord is the serialized form of an entry in the key-value backends
type storedRecord struct {
	Seq  uint64 `json:"seq"`
	Meta Meta   `json:"meta"`
	Body []byte `json:"body"`
}

// NewBoltStore opens (or creates) a bolt database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Open returns the named partition, creating its buckets on first use
func (bs *BoltStore) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrPartitionName
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(boltEntriesBucket); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(boltOrderBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return &boltPartition{db: bs.db, name: name}, nil
}

// Names lists every partition bucket
func (bs *BoltStore) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes a partition bucket
func (bs *BoltStore) Drop(ctx context.Context, name string) (bool, error) {
	dropped := false
	err := bs.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		dropped = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return dropped, nil
}

// Close closes the underlying database
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

type boltPartition struct {
	db   *bolt.DB
	name string
}

func (p *boltPartition) Name() string {
	return p.name
}

// buckets returns the entries and order buckets, or nil if the partition was dropped
func (p *boltPartition) buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket) {
	root := tx.Bucket([]byte(p.name))
	if root == nil {
		return nil, nil
	}
	return root.Bucket(boltEntriesBucket), root.Bucket(boltOrderBucket)
}

func (p *boltPartition) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := p.db.View(func(tx *bolt.Tx) error {
		_, order := p.buckets(tx)
		if order == nil {
			return nil
		}
		// Big-endian sequence keys iterate in insertion order
		return order.ForEach(func(_, key []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (p *boltPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	var record *storedRecord
	err := p.db.View(func(tx *bolt.Tx) error {
		entries, _ := p.buckets(tx)
		if entries == nil {
			return nil
		}
		raw := entries.Get([]byte(key))
		if raw == nil {
			return nil
		}
		record = &storedRecord{}
		return json.Unmarshal(raw, record)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry: %w", err)
	}
	if record == nil {
		return nil, false, nil
	}
	return &Entry{Meta: record.Meta, Body: record.Body}, true, nil
}

func (p *boltPartition) Put(ctx context.Context, key string, entry *Entry) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(p.name))
		if err != nil {
			return err
		}
		entries, err := root.CreateBucketIfNotExists(boltEntriesBucket)
		if err != nil {
			return err
		}
		order, err := root.CreateBucketIfNotExists(boltOrderBucket)
		if err != nil {
			return err
		}

		if err := removeBoltOrder(entries, order, key); err != nil {
			return err
		}

		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		meta := entry.Meta
		meta.Size = int64(len(entry.Body))
		raw, err := json.Marshal(storedRecord{Seq: seq, Meta: meta, Body: entry.Body})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if err := entries.Put([]byte(key), raw); err != nil {
			return err
		}
		return order.Put(seqKey(seq), []byte(key))
	})
}

func (p *boltPartition) Delete(ctx context.Context, key string) (bool, error) {
	deleted := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		entries, order := p.buckets(tx)
		if entries == nil || entries.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		if err := removeBoltOrder(entries, order, key); err != nil {
			return err
		}
		return entries.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}
	return deleted, nil
}

// removeBoltOrder drops the order record of an existing key
func removeBoltOrder(entries, order *bolt.Bucket, key string) error {
	raw := entries.Get([]byte(key))
	if raw == nil {
		return nil
	}
	var existing storedRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return err
	}
	return order.Delete(seqKey(existing.Seq))
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
