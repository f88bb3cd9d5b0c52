// Package kv provides a sharded, string-keyed concurrent map. Updates to the
// same key are atomic with respect to each other; keys on different shards
// never contend. It stands in for a distributed cache behind the same
// operations.
package kv

import "sync"

const shardCount = 16

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

type Store[V any] struct {
	shards [shardCount]shard[V]
}

func New[V any]() *Store[V] {
	s := &Store[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

// fnv-1a
func (s *Store[V]) shardFor(key string) *shard[V] {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.shards[h%shardCount]
}

func (s *Store[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *Store[V]) Put(key string, v V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[key] = v
}

// Update applies fn to the current value under the shard lock and stores the
// result. ok is false when the key is absent; fn's return value is always
// written back.
func (s *Store[V]) Update(key string, fn func(v V, ok bool) V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	sh.m[key] = fn(v, ok)
}

func (s *Store[V]) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// Range calls fn for every entry until it returns false. Each shard is locked
// only while its entries are visited.
func (s *Store[V]) Range(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

func (s *Store[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
