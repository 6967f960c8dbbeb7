package book

import (
	"sync"
	"time"
)

// Watch is a live view on one cache key. Its channel carries committed
// snapshots; a slow consumer may miss intermediate versions but always ends
// up observing a version at least as new as the latest committed one.
type Watch struct {
	C <-chan Book

	key   Key
	id    uint64
	cache *Cache
}

// Cancel detaches the watch from the cache. Idempotent.
func (w *Watch) Cancel() {
	if w.cache != nil {
		w.cache.unwatch(w.key, w.id)
		w.cache = nil
	}
}

type entry struct {
	book     Book
	version  uint64
	watchers map[uint64]chan Book
}

// Cache is the process-wide order-book store keyed by (exchange, native
// symbol). It is safe for concurrent use; writes to a single key are totally
// ordered and version-monotonic.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	nextID  uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]*entry)}
}

// Put atomically replaces the snapshot for key, stamps the ingestion time if
// unset, bumps the per-key version and notifies all watchers. The committed
// version is returned.
func (c *Cache) Put(key Key, b Book) uint64 {
	b.truncate()
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{watchers: make(map[uint64]chan Book)}
		c.entries[key] = e
	}
	e.version++
	b.Version = e.version
	e.book = b

	watchers := make([]chan Book, 0, len(e.watchers))
	for _, ch := range e.watchers {
		watchers = append(watchers, ch)
	}
	c.mu.Unlock()

	for _, ch := range watchers {
		publish(ch, b)
	}
	return b.Version
}

// Get returns the latest snapshot for key, or false when nothing has been
// written yet. Staleness is deliberately not masked; the timestamp tells the
// caller how old the data is.
func (c *Cache) Get(key Key) (Book, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.version == 0 {
		return Book{}, false
	}
	return e.book, true
}

// Version returns the current committed version for key, zero if none.
func (c *Cache) Version(key Key) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.version
	}
	return 0
}

// Drop removes the entry for key along with its version counter. Watches on
// the key stay registered and resume when a fresh write re-creates the entry;
// callers that no longer care should cancel them.
func (c *Cache) Drop(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && len(e.watchers) == 0 {
		delete(c.entries, key)
	}
}

// Watch registers a change notification channel for key. The channel has a
// one-snapshot buffer: every committed Put lands in it, older pending
// snapshots being displaced by newer ones.
func (c *Cache) Watch(key Key) *Watch {
	ch := make(chan Book, 1)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{watchers: make(map[uint64]chan Book)}
		c.entries[key] = e
	}
	c.nextID++
	id := c.nextID
	e.watchers[id] = ch
	c.mu.Unlock()

	return &Watch{C: ch, key: key, id: id, cache: c}
}

func (c *Cache) unwatch(key Key, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		delete(e.watchers, id)
		if len(e.watchers) == 0 && e.version == 0 {
			delete(c.entries, key)
		}
	}
}

// publish delivers b without ever blocking the writer: a full buffer is
// drained so the newest snapshot always wins.
func publish(ch chan Book, b Book) {
	for {
		select {
		case ch <- b:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
