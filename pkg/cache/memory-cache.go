package cache

import (
	"container/list"
	"sync"
	"waterfeed/pkg/imaging"
)

type entry struct {
	key     string
	value   *imaging.Bitmap
	weight  uint64
	element *list.Element
}

// MemoryCache is a size-weighted LRU of decoded bitmaps. Total weight never
// exceeds budget.
type MemoryCache struct {
	budget  uint64
	weight  uint64
	mu      sync.Mutex
	items   map[string]*entry
	order   *list.List
	onEvict func(key string, weight uint64)
}

// NewMemoryCache builds a cache holding at most budget bytes of decoded
// image data. onEvict, if set, runs under the cache lock for every entry
// pushed out by Put and must not call back into the cache.
func NewMemoryCache(budget uint64, onEvict func(key string, weight uint64)) *MemoryCache {
	if budget == 0 {
		panic("budget must be > 0")
	}
	return &MemoryCache{
		budget:  budget,
		items:   make(map[string]*entry),
		order:   list.New(),
		onEvict: onEvict,
	}
}

// Put inserts value under key unless key is already present, then evicts
// least recently used entries until the budget holds. A value heavier than
// the whole budget is not stored. It reports whether value was inserted.
func (c *MemoryCache) Put(key string, value *imaging.Bitmap) bool {
	w := value.ByteSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return false
	}
	if w > c.budget {
		return false
	}

	elem := c.order.PushFront(key)
	c.items[key] = &entry{
		key:     key,
		value:   value,
		weight:  w,
		element: elem,
	}
	c.weight += w

	for c.weight > c.budget {
		c.evict()
	}
	return true
}

func (c *MemoryCache) Get(key string) (*imaging.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(e.element)
	return e.value, true
}

// Contains reports presence without touching recency.
func (c *MemoryCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) remove(key string) *entry {
	e := c.items[key]
	c.order.Remove(e.element)
	delete(c.items, key)
	c.weight -= e.weight
	return e
}

func (c *MemoryCache) evict() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := c.remove(back.Value.(string))
	if c.onEvict != nil {
		c.onEvict(e.key, e.weight)
	}
}

func (c *MemoryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		c.remove(key)
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) Weight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *MemoryCache) Budget() uint64 {
	return c.budget
}
