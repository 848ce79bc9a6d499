package auth

import (
	"hash/maphash"
	"sync"
	"time"
)

// defaultShardCount spreads keys over independently locked maps so unrelated
// logins do not contend on one mutex.
const defaultShardCount = 32

// PendingStore maps CSRF tokens to in-flight AuthenticationContexts.
//
// Every method is in-memory and never blocks on I/O. Take is linearizable per
// key: of any number of concurrent Take or Sweep calls that could remove the
// same entry, exactly one does.
type PendingStore struct {
	seed   maphash.Seed
	shards []pendingShard
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[string]*AuthenticationContext
}

// NewPendingStore returns an empty store.
func NewPendingStore() *PendingStore {
	return newPendingStore(defaultShardCount)
}

func newPendingStore(n int) *PendingStore {
	if n < 1 {
		n = 1
	}
	s := &PendingStore{
		seed:   maphash.MakeSeed(),
		shards: make([]pendingShard, n),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*AuthenticationContext)
	}
	return s
}

func (s *PendingStore) shard(key string) *pendingShard {
	return &s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
}

// Insert adds c keyed by its CSRF token. An existing entry under the same key
// is left in place and ErrStateCollision is returned.
func (s *PendingStore) Insert(c *AuthenticationContext) error {
	sh := s.shard(c.CSRFToken)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[c.CSRFToken]; exists {
		return ErrStateCollision
	}
	sh.entries[c.CSRFToken] = c
	return nil
}

// Take removes and returns the context stored under state.
func (s *PendingStore) Take(state string) (*AuthenticationContext, bool) {
	sh := s.shard(state)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.entries[state]
	if ok {
		delete(sh.entries, state)
	}
	return c, ok
}

// Sweep removes every context whose age at now is at least ttl and returns
// how many were removed. Shards are locked one at a time.
func (s *PendingStore) Sweep(now time.Time, ttl time.Duration) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, c := range sh.entries {
			if now.Sub(c.CreatedAt) >= ttl {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of pending contexts.
func (s *PendingStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
