package cache

import "sync"

// lnode is a doubly linked list node holding a key-value pair.
type lnode[K comparable, V any] struct {
	key  K
	val  V
	prev *lnode[K, V]
	next *lnode[K, V]
}

// lru is a generic, thread-safe LRU map. A hash map gives O(1) key
// lookup; a doubly linked sentinel list gives O(1) eviction ordering.
type lru[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*lnode[K, V]
	head     *lnode[K, V] // most recently used (sentinel)
	tail     *lnode[K, V] // least recently used (sentinel)
}

// newLRU creates an LRU with the given capacity. Panics if capacity < 1.
func newLRU[K comparable, V any](capacity int) *lru[K, V] {
	if capacity < 1 {
		panic("cache: capacity must be >= 1")
	}

	head := &lnode[K, V]{}
	tail := &lnode[K, V]{}
	head.next = tail
	tail.prev = head

	return &lru[K, V]{
		capacity: capacity,
		items:    make(map[K]*lnode[K, V], capacity),
		head:     head,
		tail:     tail,
	}
}

// get retrieves a value by key and marks it most recently used.
func (c *lru[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.moveToFront(n)
	return n.val, true
}

// put inserts or updates a key-value pair, evicting the least recently
// used entry when at capacity. Returns the evicted key if any.
func (c *lru[K, V]) put(key K, val V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		n.val = val
		c.moveToFront(n)
		var zero K
		return zero, false
	}

	var evictedKey K
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.detach(victim)
		delete(c.items, victim.key)
		evictedKey = victim.key
		evicted = true
	}

	n := &lnode[K, V]{key: key, val: val}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evicted
}

// remove deletes a key. Returns true if the key existed.
func (c *lru[K, V]) remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}

	c.detach(n)
	delete(c.items, key)
	return true
}

// reset removes all entries.
func (c *lru[K, V]) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*lnode[K, V], c.capacity)
}

// --- linked list operations (caller must hold lock) ---

func (c *lru[K, V]) detach(n *lnode[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *lru[K, V]) pushFront(n *lnode[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *lru[K, V]) moveToFront(n *lnode[K, V]) {
	c.detach(n)
	c.pushFront(n)
}
