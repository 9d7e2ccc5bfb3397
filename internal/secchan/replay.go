// ABOUTME: TTL-bounded cache of consumed (sender, nonce) pairs used to reject replayed envelopes.
// ABOUTME: Size-limited with oldest-first eviction so a flood cannot grow it unbounded.

package secchan

import (
	"container/list"
	"sync"
	"time"
)

// nonceKey scopes a consumed nonce to the sender that used it. Nonces are
// wall-clock derived, so independent senders can legitimately produce the
// same value; keying on the pair keeps one sender's nonce from shadowing
// another's.
type nonceKey struct {
	source string
	nonce  uint64
}

// nonceEntry stores the consume time and list element for a nonce.
type nonceEntry struct {
	consumedAt time.Time
	element    *list.Element
}

// nonceCache tracks nonces the verifier has already accepted per sender.
// Decoding the same envelope twice therefore cannot yield an authenticated
// result twice. A doubly-linked list keeps insertion order for O(1) eviction.
type nonceCache struct {
	mu      sync.Mutex
	seen    map[nonceKey]*nonceEntry
	order   *list.List // keys in consume order, oldest at front
	ttl     time.Duration
	maxSize int
}

// newNonceCache returns a cache holding at most maxSize nonces for ttl each.
func newNonceCache(ttl time.Duration, maxSize int) *nonceCache {
	return &nonceCache{
		seen:    make(map[nonceKey]*nonceEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// consume atomically checks whether source has already used nonce and
// records the pair if not. It returns true when the nonce is a replay.
func (c *nonceCache) consume(source string, nonce uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := nonceKey{source: source, nonce: nonce}
	if e, ok := c.seen[key]; ok && time.Since(e.consumedAt) < c.ttl {
		return true
	}

	c.expireLocked()
	if c.order.Len() >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			old := front.Value.(nonceKey)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	e := &nonceEntry{consumedAt: time.Now()}
	e.element = c.order.PushBack(key)
	c.seen[key] = e
	return false
}

// expireLocked drops entries older than the TTL. Must be called with mu held.
func (c *nonceCache) expireLocked() {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key := front.Value.(nonceKey)
		e := c.seen[key]
		if time.Since(e.consumedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}
