package sip

import (
	"hash/fnv"
	"sync"
)

// ShardedMap is a string keyed map split into independently locked shards
// to reduce lock contention between SIP transactions.
type ShardedMap[V any] struct {
	shards    []*mapShard[V]
	shardMask uint32
}

type mapShard[V any] struct {
	items map[string]V
	mu    sync.RWMutex
}

// NewShardedMap creates a map with shardCount shards. shardCount must be a
// power of two; anything else falls back to 16.
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}

	sm := &ShardedMap[V]{
		shards:    make([]*mapShard[V], shardCount),
		shardMask: uint32(shardCount - 1),
	}
	for i := range sm.shards {
		sm.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return sm
}

func (sm *ShardedMap[V]) getShard(key string) *mapShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sm.shards[h.Sum32()&sm.shardMask]
}

// Store adds or replaces key.
func (sm *ShardedMap[V]) Store(key string, value V) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.items[key] = value
}

// Load returns the value stored under key.
func (sm *ShardedMap[V]) Load(key string) (V, bool) {
	shard := sm.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	value, ok := shard.items[key]
	return value, ok
}

// Delete removes key.
func (sm *ShardedMap[V]) Delete(key string) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

// Update runs fn under the shard write lock with the current value of key.
// fn returns the new value and whether to keep it; returning false deletes
// the key.
func (sm *ShardedMap[V]) Update(key string, fn func(current V, exists bool) (V, bool)) V {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.items[key]
	next, keep := fn(current, exists)
	if keep {
		shard.items[key] = next
	} else {
		delete(shard.items, key)
	}
	return next
}

// Range calls f for every entry until f returns false. f must not modify
// the map.
func (sm *ShardedMap[V]) Range(f func(key string, value V) bool) {
	for _, shard := range sm.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !f(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// DeleteIf removes every entry matching pred and returns how many went.
func (sm *ShardedMap[V]) DeleteIf(pred func(key string, value V) bool) int {
	removed := 0
	for _, shard := range sm.shards {
		shard.mu.Lock()
		for k, v := range shard.items {
			if pred(k, v) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Count returns the total number of entries.
func (sm *ShardedMap[V]) Count() int {
	count := 0
	for _, shard := range sm.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
