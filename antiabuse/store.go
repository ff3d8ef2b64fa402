package antiabuse

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store holds the validator's short-lived counters. Every key expires, so
// state never grows without bound. Implementations must be safe for
// concurrent use.
type Store interface {
	// Hit records an occurrence at `at` and returns how many occurrences
	// fall inside (at-window, at], including this one.
	Hit(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	// AddMember adds member to the set at key and returns the set size.
	// Members older than ttl are dropped.
	AddMember(ctx context.Context, key, member string, at time.Time, ttl time.Duration) (int, error)
	SetFlag(ctx context.Context, key, value string, at time.Time, ttl time.Duration) error
	GetFlag(ctx context.Context, key string, at time.Time) (string, bool, error)
	DeleteFlag(ctx context.Context, key string) error
	Reset(ctx context.Context) error
}

const (
	defaultMemoryEntries = 100_000
	defaultMemoryTTL     = 25 * time.Hour
)

type memEntry struct {
	hits    []time.Time
	members map[string]time.Time
	value   string
	expires time.Time
}

// MemoryStore is a Store on an expirable LRU. The LRU bounds the number of
// keys and drops idle ones; per-entry expiry is checked on every read.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *memEntry]
}

func NewMemoryStore(size int, idleTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	if idleTTL <= 0 {
		idleTTL = defaultMemoryTTL
	}
	return &MemoryStore{cache: expirable.NewLRU[string, *memEntry](size, nil, idleTTL)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.cache.Get(key)
	if e == nil {
		e = &memEntry{}
	}
	cutoff := at.Add(-window)
	kept := e.hits[:0]
	for _, h := range e.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	e.hits = append(kept, at)
	s.cache.Add(key, e)
	return len(e.hits), nil
}

func (s *MemoryStore) AddMember(_ context.Context, key, member string, at time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.cache.Get(key)
	if e == nil {
		e = &memEntry{}
	}
	if e.members == nil {
		e.members = make(map[string]time.Time)
	}
	cutoff := at.Add(-ttl)
	for m, seen := range e.members {
		if !seen.After(cutoff) {
			delete(e.members, m)
		}
	}
	e.members[member] = at
	s.cache.Add(key, e)
	return len(e.members), nil
}

func (s *MemoryStore) SetFlag(_ context.Context, key, value string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, &memEntry{value: value, expires: at.Add(ttl)})
	return nil
}

func (s *MemoryStore) GetFlag(_ context.Context, key string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(key)
	if !ok || e.expires.IsZero() {
		return "", false, nil
	}
	if !at.Before(e.expires) {
		s.cache.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) DeleteFlag(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return nil
}

// Len reports the number of live keys.
func (s *MemoryStore) Len() int { return s.cache.Len() }

var _ Store = (*MemoryStore)(nil)
