package offline

import "imuslab.com/offlinecache/mod/cache"

// getBackendType returns a string representation of the cache backend type
func getBackendType(store cache.Storage) string {
	switch store.(type) {
	case *cache.MemoryStore:
		return "memory"
	case *cache.FSStore:
		return "filesystem"
	case *cache.BoltStore:
		return "bolt"
	case *cache.LevelDBStore:
		return "leveldb"
	case *cache.RedisStore:
		return "redis"
	default:
		return "unknown"
	}
}
