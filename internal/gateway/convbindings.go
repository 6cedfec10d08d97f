package gateway

import (
	"container/list"
	"sync"
)

// ConversationBindings maps conversation key -> nodeId with bounded
// capacity and oldest-first eviction. An optional warning handler fires
// once a configurable soft threshold of capacity is crossed.
type ConversationBindings struct {
	mu        sync.Mutex
	capacity  int
	softLimit int
	entries   map[string]*list.Element
	order     *list.List // front = oldest
	onSoftLimit func(size, capacity int)
}

type convEntry struct {
	key    string
	nodeID string
}

// NewConversationBindings builds a cache with the given capacity. softLimit
// is the size at which onSoftLimit (if set) first fires; 0 disables it.
func NewConversationBindings(capacity, softLimit int) *ConversationBindings {
	return &ConversationBindings{
		capacity:  capacity,
		softLimit: softLimit,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
	}
}

// OnSoftLimit sets the callback fired when size first crosses softLimit.
func (c *ConversationBindings) OnSoftLimit(fn func(size, capacity int)) { c.onSoftLimit = fn }

// Bind records key -> nodeID, evicting the oldest entry if at capacity.
func (c *ConversationBindings) Bind(key, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*convEntry).nodeID = nodeID
		c.order.MoveToBack(el)
		return
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		front := c.order.Front()
		if front != nil {
			old := front.Value.(*convEntry)
			delete(c.entries, old.key)
			c.order.Remove(front)
		}
	}

	el := c.order.PushBack(&convEntry{key: key, nodeID: nodeID})
	c.entries[key] = el

	if c.onSoftLimit != nil && c.softLimit > 0 && len(c.entries) == c.softLimit {
		c.onSoftLimit(len(c.entries), c.capacity)
	}
}

// Get returns the node bound to key, re-homing on the next Bind call.
func (c *ConversationBindings) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return el.Value.(*convEntry).nodeID, true
}

// Len reports the current number of bindings.
func (c *ConversationBindings) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
