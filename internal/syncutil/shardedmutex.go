// Package syncutil provides per-key serialization primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by NewShardedMutex when n <= 0.
const DefaultShards = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a mutex pool with n shards.
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[Shard(key, len(s.shards))]
	mu.Lock()
	return mu.Unlock
}

// Shard maps key onto [0, n) with FNV-1a. The same key always lands on the
// same shard, which callers use to pin a key to a single worker.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
