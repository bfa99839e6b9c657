package optimizer

import (
	"context"

	"imuslab.com/offlinecache/mod/cache"
)

// Transform rewrites a cache entry, returning a new entry.
// The input entry must not be modified.
type Transform func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error)

// Pipeline represents a series of transforms to apply to content
type Pipeline struct {
	transforms []Transform
}

// NewPipeline creates a new optimization pipeline
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{
		transforms: transforms,
	}
}

// AddTransform adds a transform to the pipeline
func (p *Pipeline) AddTransform(t Transform) {
	p.transforms = append(p.transforms, t)
}

// Len returns the number of transforms in the pipeline
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.transforms)
}

// Apply applies all transforms in the pipeline sequentially
func (p *Pipeline) Apply(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
	current := entry
	for _, transform := range p.transforms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := transform(ctx, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// withBody returns a copy of entry carrying a new body
func withBody(entry *cache.Entry, body []byte) *cache.Entry {
	out := &cache.Entry{Meta: entry.Meta, Body: body}
	out.Meta.Headers = entry.Meta.Headers.Clone()
	out.Meta.Size = int64(len(body))
	if out.Meta.Headers != nil {
		// The stored length no longer matches the body
		out.Meta.Headers.Del("Content-Length")
	}
	return out
}
