package store

import (
	"container/list"
)

// tailCache is a bounded LRU of per-key tail state. It is not safe for
// concurrent use; the Writer serializes access under its own mutex.
// Eviction returns the displaced tail so the caller can flush a pending
// batch before the state is dropped (state is otherwise derivable from
// storage, so eviction writes back nothing).
type tailCache struct {
	maxKeys int
	order   *list.List // front = most recently used, values are *tail
	entries map[cacheKey]*list.Element
}

type cacheKey struct {
	keyspace string
	key      string
}

func newTailCache(maxKeys int) *tailCache {
	if maxKeys < 1 {
		maxKeys = 1
	}
	return &tailCache{
		maxKeys: maxKeys,
		order:   list.New(),
		entries: make(map[cacheKey]*list.Element),
	}
}

// get returns the cached tail and marks it recently used.
func (c *tailCache) get(keyspace, key string) (*tail, bool) {
	el, ok := c.entries[cacheKey{keyspace, key}]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*tail), true
}

// put inserts a tail, returning an evicted one when the bound is hit.
func (c *tailCache) put(t *tail) *tail {
	ck := cacheKey{t.keyspace, t.key}
	if el, ok := c.entries[ck]; ok {
		el.Value = t
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[ck] = c.order.PushFront(t)
	if c.order.Len() <= c.maxKeys {
		return nil
	}
	oldest := c.order.Back()
	c.order.Remove(oldest)
	evicted := oldest.Value.(*tail)
	delete(c.entries, cacheKey{evicted.keyspace, evicted.key})
	return evicted
}

// remove drops a key's state without flushing.
func (c *tailCache) remove(keyspace, key string) {
	ck := cacheKey{keyspace, key}
	if el, ok := c.entries[ck]; ok {
		c.order.Remove(el)
		delete(c.entries, ck)
	}
}

// tails snapshots all cached tails, most recently used first.
func (c *tailCache) tails() []*tail {
	out := make([]*tail, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*tail))
	}
	return out
}

func (c *tailCache) len() int { return c.order.Len() }
