package optimizer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"imuslab.com/offlinecache/mod/cache"
)

func newEntry(contentType string, body string) *cache.Entry {
	return &cache.Entry{
		Meta: cache.Meta{
			ContentType: contentType,
			Size:        int64(len(body)),
		},
		Body: []byte(body),
	}
}

func TestPipeline_Apply(t *testing.T) {
	// Create a simple transform that prefixes content
	prefixTransform := func(prefix string) Transform {
		return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
			return withBody(entry, append([]byte(prefix), entry.Body...)), nil
		}
	}

	pipeline := NewPipeline(
		prefixTransform("A:"),
		prefixTransform("B:"),
	)

	input := newEntry("text/plain", "test")
	result, err := pipeline.Apply(context.Background(), input)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	expected := "B:A:test"
	if string(result.Body) != expected {
		t.Errorf("Expected %s, got %s", expected, string(result.Body))
	}
	if result.Meta.Size != int64(len(expected)) {
		t.Errorf("Expected size %d, got %d", len(expected), result.Meta.Size)
	}

	// Input entry must be left alone
	if string(input.Body) != "test" {
		t.Errorf("Expected input body to be unchanged, got %s", input.Body)
	}
}

func TestPipeline_EmptyPipeline(t *testing.T) {
	pipeline := NewPipeline()

	input := newEntry("text/plain", "test")
	result, err := pipeline.Apply(context.Background(), input)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if string(result.Body) != "test" {
		t.Errorf("Expected test, got %s", string(result.Body))
	}
	if pipeline.Len() != 0 {
		t.Errorf("Expected empty pipeline, got %d transforms", pipeline.Len())
	}
}

func TestPipeline_ContextCancellation(t *testing.T) {
	// Create a slow transform
	slowTransform := func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return entry, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pipeline := NewPipeline(slowTransform)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := pipeline.Apply(ctx, newEntry("text/plain", "test"))
	if err == nil {
		t.Fatal("Expected context cancellation error")
	}

	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestPipeline_AddTransform(t *testing.T) {
	uppercaseTransform := func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		return withBody(entry, bytes.ToUpper(entry.Body)), nil
	}

	pipeline := NewPipeline()
	pipeline.AddTransform(uppercaseTransform)

	result, err := pipeline.Apply(context.Background(), newEntry("text/plain", "hello world"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	expected := "HELLO WORLD"
	if string(result.Body) != expected {
		t.Errorf("Expected %s, got %s", expected, string(result.Body))
	}
}

func TestPipeline_NilLen(t *testing.T) {
	var pipeline *Pipeline
	if pipeline.Len() != 0 {
		t.Error("Expected nil pipeline to have no transforms")
	}
}
