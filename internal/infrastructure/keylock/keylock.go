// Package keylock serializes work per key using a fixed set of sharded mutexes.
// Keys hashing to different shards never contend; keys sharing a shard are
// serialized, which is harmless for correctness.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 128

// Set is a fixed-size collection of mutexes addressed by string key
type Set struct {
	shards []sync.Mutex
}

// New creates a Set with n shards (128 when n <= 0)
func New(n int) *Set {
	if n <= 0 {
		n = defaultShards
	}
	return &Set{shards: make([]sync.Mutex, n)}
}

// Lock acquires the mutex for key and returns its unlock function
func (s *Set) Lock(key string) func() {
	m := &s.shards[s.shard(key)]
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding the mutex for key
func (s *Set) Do(key string, fn func() error) error {
	unlock := s.Lock(key)
	defer unlock()
	return fn()
}

func (s *Set) shard(key string) int {
	return int(Hash(key) % uint32(len(s.shards)))
}

// Hash is the 32-bit FNV-1a hash of key, used to pick a shard
func Hash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
