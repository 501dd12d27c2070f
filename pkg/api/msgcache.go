package api

import (
	"container/list"
	"sync"

	"socialmesh/pkg/models"
)

// messageCache is a small LRU in front of the store for single-message
// reads; hot threads hit the same hashes repeatedly.
type messageCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	byKey map[string]*list.Element
}

type cacheEntry struct {
	hash string
	msg  models.Message
}

func newMessageCache(capacity int) *messageCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &messageCache{
		cap:   capacity,
		order: list.New(),
		byKey: make(map[string]*list.Element, capacity),
	}
}

func (c *messageCache) get(hash string) (*models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[hash]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	m := el.Value.(*cacheEntry).msg
	return &m, true
}

func (c *messageCache) put(m *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[m.Hash]; ok {
		el.Value.(*cacheEntry).msg = *m
		c.order.MoveToFront(el)
		return
	}
	c.byKey[m.Hash] = c.order.PushFront(&cacheEntry{hash: m.Hash, msg: *m})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.byKey, oldest.Value.(*cacheEntry).hash)
	}
}

func (c *messageCache) drop(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[hash]; ok {
		c.order.Remove(el)
		delete(c.byKey, hash)
	}
}
