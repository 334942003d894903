// Package memory implements the buffer pool: a bounded cache of page frames
// between the engine and the page file.
package memory

import (
	"recstore/pkg/primitives"
)

// node represents a single node in the doubly linked list
type node struct {
	frame *Frame
	prev  *node
	next  *node
}

// lruCache keeps frames in least-recently-used order. A doubly linked list
// combined with a map gives O(1) lookup, touch and removal.
//
// lruCache is not synchronized; BufferPool guards it with its mutex.
type lruCache struct {
	maxSize int
	cache   map[primitives.PageNumber]*node
	head    *node // dummy head (most recently used end)
	tail    *node // dummy tail (least recently used end)
}

func newLRUCache(maxSize int) *lruCache {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &lruCache{
		maxSize: maxSize,
		cache:   make(map[primitives.PageNumber]*node),
		head:    head,
		tail:    tail,
	}
}

// addToFront adds a node right after the head (marks as most recently used) - O(1)
func (c *lruCache) addToFront(n *node) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
}

// removeNode removes a node from the linked list - O(1)
func (c *lruCache) removeNode(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (c *lruCache) moveToFront(n *node) {
	c.removeNode(n)
	c.addToFront(n)
}

// get returns the frame for pageNo and marks it recently used.
func (c *lruCache) get(pageNo primitives.PageNumber) (*Frame, bool) {
	if n, exists := c.cache[pageNo]; exists {
		c.moveToFront(n)
		return n.frame, true
	}
	return nil, false
}

// peek returns the frame for pageNo without touching the LRU order.
func (c *lruCache) peek(pageNo primitives.PageNumber) (*Frame, bool) {
	n, exists := c.cache[pageNo]
	if !exists {
		return nil, false
	}
	return n.frame, true
}

// put inserts f as most recently used. The caller makes room first.
func (c *lruCache) put(f *Frame) {
	n := &node{frame: f}
	c.cache[f.pageNo] = n
	c.addToFront(n)
}

func (c *lruCache) remove(pageNo primitives.PageNumber) {
	if n, exists := c.cache[pageNo]; exists {
		delete(c.cache, pageNo)
		c.removeNode(n)
	}
}

func (c *lruCache) size() int {
	return len(c.cache)
}

func (c *lruCache) full() bool {
	return len(c.cache) >= c.maxSize
}

// victim returns the least recently used frame that is not pinned.
func (c *lruCache) victim() (*Frame, bool) {
	for n := c.tail.prev; n != c.head; n = n.prev {
		if n.frame.pinCount == 0 {
			return n.frame, true
		}
	}
	return nil, false
}

// frames returns every cached frame, least recently used first.
func (c *lruCache) frames() []*Frame {
	out := make([]*Frame, 0, len(c.cache))
	for n := c.tail.prev; n != c.head; n = n.prev {
		out = append(out, n.frame)
	}
	return out
}

func (c *lruCache) clear() {
	c.cache = make(map[primitives.PageNumber]*node)
	c.head.next = c.tail
	c.tail.prev = c.head
}
