// Package scratch implements the process-wide scratch-storage KV
// store the module ABI's get/set/delete/upsert imports are backed by
//. Sharded by key hash into independently
// locked buckets so sandboxes on different workers touching different
// keys don't contend on one mutex, mirroring the sharded
// map style in kernel/threads/pattern/storage.go.
package scratch

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// Store is a sharded, concurrency-safe key-value store.
type Store struct {
	shards [shardCount]*shard
}

// New builds an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string][]byte)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.data[key]
	return v, ok
}

// Set stores value under key, overwriting any existing entry.
func (s *Store) Set(key string, value []byte) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = value
}

// Delete removes key, a no-op if absent.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.data, key)
}

// Upsert atomically applies fn to the current value for key (nil if
// absent) and stores the result, returning it.
func (s *Store) Upsert(key string, initial []byte, fn func(old []byte) []byte) []byte {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	old, ok := sh.data[key]
	if !ok {
		old = initial
	}
	next := fn(old)
	sh.data[key] = next
	return next
}
