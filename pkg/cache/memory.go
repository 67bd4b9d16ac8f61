package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is the internal structure stored in the recency list.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryConfig configures a MemoryBackend.
type MemoryConfig struct {
	// MaxEntries bounds the number of entries with least-recently-used
	// eviction. Zero means unbounded.
	MaxEntries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// MemoryBackend is a thread-safe, process-local Backend with lazy expiry and
// an optional LRU size bound. It is not shared across worker processes.
type MemoryBackend struct {
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	ll      *list.List               // recency order, most recent at the front
	entries map[string]*list.Element // fast key lookups
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{
		maxEntries: cfg.MaxEntries,
		now:        now,
		ll:         list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

// Get returns a copy of the stored value. An expired entry is removed and
// reported as ErrMiss.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	entry := elem.Value.(*memoryEntry)
	if !m.now().Before(entry.expiresAt) {
		m.remove(elem)
		return nil, ErrMiss
	}
	m.ll.MoveToFront(elem)
	return append([]byte(nil), entry.value...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := append([]byte(nil), value...)
	expiresAt := m.now().Add(ttl)
	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		m.ll.MoveToFront(elem)
		return nil
	}

	m.entries[key] = m.ll.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	if m.maxEntries > 0 && m.ll.Len() > m.maxEntries {
		m.evict()
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.remove(elem)
	}
	return nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}

// Len drops expired entries and returns the number that remain.
func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for elem := m.ll.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*memoryEntry).expiresAt) {
			m.remove(elem)
		}
		elem = next
	}
	return m.ll.Len(), nil
}

func (m *MemoryBackend) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (m *MemoryBackend) Close() error { return nil }

// evict removes the least recently used entry. Must be called with mu held.
func (m *MemoryBackend) evict() {
	if back := m.ll.Back(); back != nil {
		m.remove(back)
	}
}

// remove must be called with mu held.
func (m *MemoryBackend) remove(elem *list.Element) {
	entry := m.ll.Remove(elem).(*memoryEntry)
	delete(m.entries, entry.key)
}
