package async

import "sync"

// Cache is a concurrent keyed cache of lazily computed values. The factory
// for a key runs at most once no matter how many goroutines ask for it;
// callers that arrive while it runs block until it finishes and share its
// result. A failed computation is forgotten so a later call may retry.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

type entry[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// NewCache returns an empty cache.
func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: make(map[K]*entry[V])}
}

// GetOrAdd returns the cached value for key, computing it with factory when
// absent. Only one concurrent factory runs per key.
func (c *Cache[K, V]) GetOrAdd(key K, factory func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.value, e.err
	}
	e := &entry[V]{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.value, e.err = factory()
	if e.err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}
	close(e.done)
	return e.value, e.err
}

// Peek returns the completed value for key without computing anything.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return *new(V), false
	}
	select {
	case <-e.done:
	default:
		return *new(V), false
	}
	if e.err != nil {
		return *new(V), false
	}
	return e.value, true
}

// Delete removes key from the cache. A computation already in flight still
// completes for its waiters.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
