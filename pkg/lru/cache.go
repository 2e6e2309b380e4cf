/*
Copyright 2026 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lru implements a cost-bounded LRU cache.
package lru

import (
	"container/list"
	"reflect"
	"sync"
)

// Cache is an LRU cache bounded by the total cost of its values,
// safe for concurrent access.
type Cache struct {
	maxCost   int64
	onEvicted func(key string, value any)

	lk    sync.Mutex
	ll    *list.List
	cache map[string]*list.Element
	cost  int64
}

type entry struct {
	key   string
	value any
	cost  int64
}

// New returns a new cache holding values whose costs sum to at most
// maxCost. A maxCost of zero or less caches nothing.
func New(maxCost int64) *Cache {
	return NewWithEvict(maxCost, nil)
}

// NewWithEvict is like New but calls onEvicted, outside of the cache's
// lock, exactly once for every value the cache drops on its own:
// eviction under cost pressure, replacement of a key, and Clear.
// Values handed back by Remove and RemoveOldest are not passed to it.
func NewWithEvict(maxCost int64, onEvicted func(key string, value any)) *Cache {
	return &Cache{
		maxCost:   maxCost,
		onEvicted: onEvicted,
		ll:        list.New(),
		cache:     make(map[string]*list.Element),
	}
}

// Add adds the provided key and value with the given cost, evicting
// the least recently used values until the total cost fits.
// It returns false, leaving the cache untouched, if cost alone exceeds
// the maximum; the value then still belongs to the caller. Re-adding
// the value already stored under key does not run the eviction hook.
func (c *Cache) Add(key string, value any, cost int64) bool {
	if cost < 0 {
		cost = 0
	}
	if cost > c.maxCost || c.maxCost <= 0 {
		return false
	}
	var evicted []*entry

	c.lk.Lock()
	if ee, ok := c.cache[key]; ok {
		e := ee.Value.(*entry)
		if !sameValue(e.value, value) {
			evicted = append(evicted, &entry{key: e.key, value: e.value, cost: e.cost})
		}
		c.cost += cost - e.cost
		e.value, e.cost = value, cost
		c.ll.MoveToFront(ee)
	} else {
		c.cache[key] = c.ll.PushFront(&entry{key, value, cost})
		c.cost += cost
	}
	for c.cost > c.maxCost {
		e := c.removeOldest()
		if e == nil {
			break
		}
		evicted = append(evicted, e)
	}
	c.lk.Unlock()

	c.evict(evicted)
	return true
}

// Get fetches the key's value from the cache and marks it as most
// recently used. The ok result will be true if the item was found.
func (c *Cache) Get(key string) (value any, ok bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry).value, true
	}
	return
}

// Contains reports whether key is cached, without touching its recency.
func (c *Cache) Contains(key string) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	_, ok := c.cache[key]
	return ok
}

// Remove removes key from the cache and returns its value, which now
// belongs to the caller.
func (c *Cache) Remove(key string) (value any, ok bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	ele, hit := c.cache[key]
	if !hit {
		return nil, false
	}
	e := ele.Value.(*entry)
	c.removeElement(ele)
	return e.value, true
}

// RemoveOldest removes the oldest item in the cache and returns its key and value.
// If the cache is empty, the empty string and nil are returned.
func (c *Cache) RemoveOldest() (key string, value any) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if e := c.removeOldest(); e != nil {
		return e.key, e.value
	}
	return "", nil
}

// Clear drops every entry, passing each to the eviction hook.
func (c *Cache) Clear() {
	c.lk.Lock()
	evicted := make([]*entry, 0, c.ll.Len())
	for ele := c.ll.Back(); ele != nil; ele = ele.Prev() {
		evicted = append(evicted, ele.Value.(*entry))
	}
	c.ll.Init()
	c.cache = make(map[string]*list.Element)
	c.cost = 0
	c.lk.Unlock()

	c.evict(evicted)
}

// note: must hold c.lk
func (c *Cache) removeOldest() *entry {
	ele := c.ll.Back()
	if ele == nil {
		return nil
	}
	c.removeElement(ele)
	return ele.Value.(*entry)
}

// note: must hold c.lk
func (c *Cache) removeElement(ele *list.Element) {
	e := ele.Value.(*entry)
	c.ll.Remove(ele)
	delete(c.cache, e.key)
	c.cost -= e.cost
}

// sameValue reports whether a and b are the same comparable value,
// such as the same pointer added twice.
func sameValue(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func (c *Cache) evict(es []*entry) {
	if c.onEvicted == nil {
		return
	}
	for _, e := range es {
		c.onEvicted(e.key, e.value)
	}
}

// Len returns the number of items in the cache.
func (c *Cache) Len() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.ll.Len()
}

// Cost returns the total cost of the cached values.
func (c *Cache) Cost() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.cost
}

// MaxCost returns the cost budget the cache was created with.
func (c *Cache) MaxCost() int64 { return c.maxCost }
