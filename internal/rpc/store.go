package rpc

import (
	"context"
	"sync"
	"time"
)

// Record is one remembered response keyed by correlation id.
type Record struct {
	Response *ResponseEnvelope `json:"response"`
	StoredAt time.Time         `json:"stored_at"`
}

// Store persists dedup records. Implementations must tolerate concurrent use.
type Store interface {
	// Get returns the record for key, or nil when absent.
	Get(ctx context.Context, key string) (*Record, error)
	// Set stores a record with the given TTL.
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	// Sweep drops expired entries and reports how many went.
	Sweep(ctx context.Context) int
	// Close releases store resources.
	Close()
}

// MemoryStore keeps records in a map with expiry timestamps. Expired entries
// vanish lazily on read; the scheduler's dedup sweep is the backstop.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	rec    *Record
	expiry time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
}

// SetClock overrides the time source for tests.
func (ms *MemoryStore) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

func (ms *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok {
		return nil, nil
	}
	if ms.now().After(e.expiry) {
		delete(ms.entries, key)
		return nil, nil
	}
	return e.rec, nil
}

func (ms *MemoryStore) Set(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[key] = &memEntry{rec: rec, expiry: ms.now().Add(ttl)}
	return nil
}

func (ms *MemoryStore) Sweep(_ context.Context) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	now := ms.now()
	for key, e := range ms.entries {
		if now.After(e.expiry) {
			delete(ms.entries, key)
			removed++
		}
	}
	return removed
}

func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

func (ms *MemoryStore) Close() {}
