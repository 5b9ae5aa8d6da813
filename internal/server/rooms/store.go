package rooms

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Store is a TTL-indexed key-value store. Entries become unreadable once
// their expiry passes, whether or not a sweep has removed them yet.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	// Sweep evicts expired entries and reports how many it removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// expiryItem may be stale: the entry it points at can have been
// re-set with a later expiry or deleted.
type expiryItem struct {
	key       string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryStore is a map plus an expiry min-heap.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	expiry  expiryHeap
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memEntry), now: now}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, val []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{val: append([]byte(nil), val...), expiresAt: expiresAt}
	heap.Push(&m.expiry, expiryItem{key: key, expiresAt: expiresAt})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for m.expiry.Len() > 0 && !now.Before(m.expiry[0].expiresAt) {
		item := heap.Pop(&m.expiry).(expiryItem)
		e, ok := m.entries[item.key]
		if !ok || !e.expiresAt.Equal(item.expiresAt) {
			continue
		}
		delete(m.entries, item.key)
		removed++
	}
	return removed, nil
}

// Len reports live and not-yet-swept entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error {
	return nil
}
