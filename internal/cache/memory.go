package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1024
)

type Options struct {
	TTL time.Duration
	// MaxEntries bounds the store; 0 disables the bound.
	MaxEntries int
	Now        func() time.Time
}

type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries < 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

func (m *MemoryStore) TTL() time.Duration {
	if m == nil {
		return 0
	}
	return m.ttl
}

// Get returns the entry only while now-StoredAt < TTL. Expired entries are
// dropped here rather than by a background timer.
func (m *MemoryStore) Get(fingerprint string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	entry := elem.Value.(Entry)
	if !m.fresh(entry, now) {
		m.removeLocked(elem)
		return Entry{}, false
	}
	m.order.MoveToFront(elem)
	return entry, true
}

func (m *MemoryStore) Put(fingerprint string, payload json.RawMessage) Entry {
	if m == nil {
		return Entry{}
	}
	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)
	entry := Entry{Fingerprint: fingerprint, Payload: stored, StoredAt: m.now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[fingerprint]; ok {
		elem.Value = entry
		m.order.MoveToFront(elem)
		return entry
	}
	m.entries[fingerprint] = m.order.PushFront(entry)
	for m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		m.removeLocked(m.order.Back())
	}
	return entry
}

func (m *MemoryStore) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Sweep removes every expired entry and reports how many were dropped.
func (m *MemoryStore) Sweep() int {
	if m == nil {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for elem := m.order.Back(); elem != nil; {
		prev := elem.Prev()
		if !m.fresh(elem.Value.(Entry), now) {
			m.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. onSweep may be nil.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int, remaining int)) {
	if m == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := m.Sweep()
			if onSweep != nil {
				onSweep(removed, m.Len())
			}
		}
	}
}

func (m *MemoryStore) fresh(entry Entry, now time.Time) bool {
	return now.Sub(entry.StoredAt) < m.ttl
}

func (m *MemoryStore) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := m.order.Remove(elem).(Entry)
	delete(m.entries, entry.Fingerprint)
}
