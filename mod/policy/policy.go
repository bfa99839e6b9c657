package policy

import (
	"fmt"
	"time"
)

// Strategy selects how a request is served from the cache and the network
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
	CacheOnly            Strategy = "cache-only"
)

// PartitionKind identifies one of the fixed cache partitions
type PartitionKind string

const (
	PartitionStatic  PartitionKind = "static"
	PartitionDynamic PartitionKind = "dynamic"
	PartitionImages  PartitionKind = "images"
)

// PartitionKinds lists every partition kind
var PartitionKinds = []PartitionKind{PartitionStatic, PartitionDynamic, PartitionImages}

// Policy is the caching rule applied to one resource type
type Policy struct {
	Strategy   Strategy      `json:"strategy"`
	Partition  PartitionKind `json:"partition"`
	MaxAge     time.Duration `json:"max_age"`
	MaxEntries int           `json:"max_entries"`
}

const day = 24 * time.Hour

// DefaultPolicy applies to resource types without an explicit mapping
var DefaultPolicy = Policy{
	Strategy:   NetworkFirst,
	Partition:  PartitionDynamic,
	MaxAge:     day,
	MaxEntries: 50,
}

var table = map[ResourceType]Policy{
	ResourceHTML: {
		Strategy:   NetworkFirst,
		Partition:  PartitionDynamic,
		MaxAge:     day,
		MaxEntries: 50,
	},
	ResourceCSS: {
		Strategy:   StaleWhileRevalidate,
		Partition:  PartitionStatic,
		MaxAge:     7 * day,
		MaxEntries: 100,
	},
	ResourceJS: {
		Strategy:   StaleWhileRevalidate,
		Partition:  PartitionStatic,
		MaxAge:     7 * day,
		MaxEntries: 100,
	},
	ResourceImages: {
		Strategy:   CacheFirst,
		Partition:  PartitionImages,
		MaxAge:     30 * day,
		MaxEntries: 200,
	},
	ResourceAPI: {
		Strategy:   NetworkFirst,
		Partition:  PartitionDynamic,
		MaxAge:     5 * time.Minute,
		MaxEntries: 100,
	},
}

// For returns the policy of a resource type
func For(rt ResourceType) Policy {
	if p, ok := table[rt]; ok {
		return p
	}
	return DefaultPolicy
}

// Table returns a copy of the policy table
func Table() map[ResourceType]Policy {
	out := make(map[ResourceType]Policy, len(table))
	for rt, p := range table {
		out[rt] = p
	}
	return out
}

// CeilingFor returns the largest MaxEntries among policies writing to a partition kind
func CeilingFor(kind PartitionKind) int {
	ceiling := 0
	if DefaultPolicy.Partition == kind {
		ceiling = DefaultPolicy.MaxEntries
	}
	for _, p := range table {
		if p.Partition == kind && p.MaxEntries > ceiling {
			ceiling = p.MaxEntries
		}
	}
	return ceiling
}

// PartitionNames maps partition kinds to their versioned store names
type PartitionNames map[PartitionKind]string

// NewPartitionNames derives the store names for a controller version
func NewPartitionNames(version string) PartitionNames {
	names := make(PartitionNames, len(PartitionKinds))
	for _, kind := range PartitionKinds {
		names[kind] = fmt.Sprintf("%s-%s", kind, version)
	}
	return names
}

// Name returns the store name of a partition kind
func (pn PartitionNames) Name(kind PartitionKind) string {
	return pn[kind]
}

// Contains reports whether name is one of the current store names
func (pn PartitionNames) Contains(name string) bool {
	for _, n := range pn {
		if n == name {
			return true
		}
	}
	return false
}
