package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the leveldb keyspace:
//
//	n/<partition>                  partition registry
//	e/<partition>\x00<key>         entry record
//	o/<partition>\x00<seq>         insertion order (big-endian sequence -> key)
//	s/<partition>                  last issued sequence
const (
	ldbNamePrefix  = "n/"
	ldbEntryPrefix = "e/"
	ldbOrderPrefix = "o/"
	ldbSeqPrefix   = "s/"
)

// LevelDBStore implements Storage on a leveldb database
type LevelDBStore struct {
	db *leveldb.DB

	// leveldb has no read-modify-write transactions; writers of one
	// partition are serialized here so sequences stay unique
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLevelDBStore opens (or creates) a leveldb database in dir
func NewLevelDBStore(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return newLevelDBStore(db), nil
}

// NewMemLevelDBStore opens a leveldb database backed by memory
func NewMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return newLevelDBStore(db), nil
}

func newLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (ls *LevelDBStore) partitionLock(name string) *sync.Mutex {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.locks[name]
	if !ok {
		l = &sync.Mutex{}
		ls.locks[name] = l
	}
	return l
}

// Open returns the named partition, registering it on first use
func (ls *LevelDBStore) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrPartitionName
	}
	if err := ls.db.Put([]byte(ldbNamePrefix+name), []byte{1}, nil); err != nil {
		return nil, fmt.Errorf("failed to register partition %s: %w", name, err)
	}
	return &levelDBPartition{store: ls, name: name}, nil
}

// Names lists registered partitions
func (ls *LevelDBStore) Names(ctx context.Context) ([]string, error) {
	iter := ls.db.NewIterator(util.BytesPrefix([]byte(ldbNamePrefix)), nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()[len(ldbNamePrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes every key belonging to a partition in one batch
func (ls *LevelDBStore) Drop(ctx context.Context, name string) (bool, error) {
	lock := ls.partitionLock(name)
	lock.Lock()
	defer lock.Unlock()

	exists, err := ls.db.Has([]byte(ldbNamePrefix+name), nil)
	if err != nil {
		return false, fmt.Errorf("failed to look up partition %s: %w", name, err)
	}
	if !exists {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(ldbNamePrefix + name))
	batch.Delete([]byte(ldbSeqPrefix + name))
	for _, prefix := range []string{ldbEntryPrefix, ldbOrderPrefix} {
		iter := ls.db.NewIterator(util.BytesPrefix([]byte(prefix+name+"\x00")), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return false, fmt.Errorf("failed to scan partition %s: %w", name, err)
		}
	}
	if err := ls.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return true, nil
}

// Close closes the database
func (ls *LevelDBStore) Close() error {
	return ls.db.Close()
}

type levelDBPartition struct {
	store *LevelDBStore
	name  string
}

func (p *levelDBPartition) Name() string {
	return p.name
}

func (p *levelDBPartition) entryKey(key string) []byte {
	return []byte(ldbEntryPrefix + p.name + "\x00" + key)
}

func (p *levelDBPartition) orderKey(seq uint64) []byte {
	k := []byte(ldbOrderPrefix + p.name + "\x00")
	return binary.BigEndian.AppendUint64(k, seq)
}

func (p *levelDBPartition) Keys(ctx context.Context) ([]string, error) {
	iter := p.store.db.NewIterator(util.BytesPrefix([]byte(ldbOrderPrefix+p.name+"\x00")), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (p *levelDBPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := p.store.db.Get(p.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry: %w", err)
	}
	var record storedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &Entry{Meta: record.Meta, Body: record.Body}, true, nil
}

func (p *levelDBPartition) Put(ctx context.Context, key string, entry *Entry) error {
	lock := p.store.partitionLock(p.name)
	lock.Lock()
	defer lock.Unlock()

	db := p.store.db
	batch := new(leveldb.Batch)

	if err := p.removeOrder(batch, key); err != nil {
		return err
	}

	seq, err := p.nextSequence()
	if err != nil {
		return err
	}
	meta := entry.Meta
	meta.Size = int64(len(entry.Body))
	raw, err := json.Marshal(storedRecord{Seq: seq, Meta: meta, Body: entry.Body})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	batch.Put([]byte(ldbNamePrefix+p.name), []byte{1})
	batch.Put([]byte(ldbSeqPrefix+p.name), binary.BigEndian.AppendUint64(nil, seq))
	batch.Put(p.entryKey(key), raw)
	batch.Put(p.orderKey(seq), []byte(key))
	if err := db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func (p *levelDBPartition) Delete(ctx context.Context, key string) (bool, error) {
	lock := p.store.partitionLock(p.name)
	lock.Lock()
	defer lock.Unlock()

	exists, err := p.store.db.Has(p.entryKey(key), nil)
	if err != nil {
		return false, fmt.Errorf("failed to look up entry: %w", err)
	}
	if !exists {
		return false, nil
	}

	batch := new(leveldb.Batch)
	if err := p.removeOrder(batch, key); err != nil {
		return false, err
	}
	batch.Delete(p.entryKey(key))
	if err := p.store.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}
	return true, nil
}

// removeOrder queues deletion of the order record of an existing key
func (p *levelDBPartition) removeOrder(batch *leveldb.Batch, key string) error {
	raw, err := p.store.db.Get(p.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read entry: %w", err)
	}
	var existing storedRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	batch.Delete(p.orderKey(existing.Seq))
	return nil
}

func (p *levelDBPartition) nextSequence() (uint64, error) {
	raw, err := p.store.db.Get([]byte(ldbSeqPrefix+p.name), nil)
	if err == leveldb.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt sequence for partition %s", p.name)
	}
	return binary.BigEndian.Uint64(raw) + 1, nil
}
