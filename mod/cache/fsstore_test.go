package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFSStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}
	p, err := store.Open(ctx, "static-v1")
	if err != nil {
		t.Fatalf("Failed to open partition: %v", err)
	}
	if err := p.Put(ctx, "first", testEntry("first", "1")); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}
	if err := p.Put(ctx, "second", testEntry("second", "2")); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}

	// A fresh store over the same directory sees the same partition and order
	reopened, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to reopen FSStore: %v", err)
	}
	names, err := reopened.Names(ctx)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(names) != 1 || names[0] != "static-v1" {
		t.Fatalf("Expected [static-v1], got %v", names)
	}

	rp, err := reopened.Open(ctx, "static-v1")
	if err != nil {
		t.Fatalf("Failed to open partition: %v", err)
	}
	keys, err := rp.Keys(ctx)
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if strings.Join(keys, ",") != "first,second" {
		t.Errorf("Expected order first,second, got %v", keys)
	}

	entry, found, err := rp.Match(ctx, "second")
	if err != nil || !found {
		t.Fatalf("Expected entry to be found, err=%v", err)
	}
	if string(entry.Body) != "2" {
		t.Errorf("Expected body 2, got %s", entry.Body)
	}
}

func TestFSStore_Sharding(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}
	p, err := store.Open(ctx, "images-v1")
	if err != nil {
		t.Fatalf("Failed to open partition: %v", err)
	}

	key := "http://example.com/logo.png"
	if err := p.Put(ctx, key, testEntry(key, "png")); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}

	hashed := hashKey(key)
	dataPath := filepath.Join(tmpDir, "images-v1", hashed[0:2], hashed[2:4], hashed+".data")
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		t.Errorf("Expected data file at %s", dataPath)
	}
	metaPath := filepath.Join(tmpDir, "images-v1", hashed[0:2], hashed[2:4], hashed+".meta")
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		t.Errorf("Expected meta file at %s", metaPath)
	}
}

func TestFSStore_RejectsPathNames(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}

	for _, name := range []string{"../escape", "a/b", ".."} {
		if _, err := store.Open(context.Background(), name); err == nil {
			t.Errorf("Expected error for partition name %q", name)
		}
	}
}

func TestFSStore_IgnoresStrayDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "not-a-partition"), 0755); err != nil {
		t.Fatal(err)
	}

	store, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}
	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected no partitions, got %v", names)
	}
}

func TestFSStore_HandleSurvivesDrop(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}

	stale, err := store.Open(ctx, "dynamic-v1")
	if err != nil {
		t.Fatalf("Failed to open partition: %v", err)
	}
	if err := stale.Put(ctx, "old", testEntry("old", "0")); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}
	if dropped, err := store.Drop(ctx, "dynamic-v1"); err != nil || !dropped {
		t.Fatalf("Expected partition to be dropped, dropped=%v err=%v", dropped, err)
	}

	// The old handle writes the directory back
	if err := stale.Put(ctx, "revived", testEntry("revived", "r")); err != nil {
		t.Fatalf("Failed to put through old handle: %v", err)
	}

	fresh, err := store.Open(ctx, "dynamic-v1")
	if err != nil {
		t.Fatalf("Failed to reopen partition: %v", err)
	}
	if fresh != stale {
		t.Fatalf("Expected reopen to return the existing handle")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		handle := stale
		if i%2 == 1 {
			handle = fresh
		}
		key := "k" + strings.Repeat("x", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handle.Put(ctx, key, testEntry(key, "v")); err != nil {
				t.Errorf("Failed to put %s: %v", key, err)
			}
		}()
	}
	wg.Wait()

	keys, err := fresh.Keys(ctx)
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(keys) != 21 {
		t.Errorf("Expected 21 keys after concurrent writes, got %d", len(keys))
	}
	if keys[0] != "revived" {
		t.Errorf("Expected revived to be oldest, got %v", keys[0])
	}
}
