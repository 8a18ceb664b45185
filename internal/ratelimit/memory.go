package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneEvery is the number of hits between sweeps of expired entries.
const pruneEvery = 1024

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	hits    int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits++
	if s.hits%pruneEvery == 0 {
		s.prune(now)
	}

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(window)}
		s.buckets[key] = b
		return b.count, b.resetAt, nil
	}
	b.count++
	return b.count, b.resetAt, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// prune drops expired buckets. Caller holds s.mu.
func (s *MemoryStore) prune(now time.Time) {
	for k, b := range s.buckets {
		if !now.Before(b.resetAt) {
			delete(s.buckets, k)
		}
	}
}
