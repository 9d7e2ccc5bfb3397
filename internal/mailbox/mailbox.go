// ABOUTME: Byte-bounded priority mailbox with blocking Put and budgeted Drain.
// ABOUTME: Blocking callers heartbeat once per second so a watchdog sees them as live.

package mailbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/2389/fleetlink/internal/wire"
)

// ErrFull is returned when the mailbox is over its byte bound and the
// caller chose not to block, or blocked through all its polls.
var ErrFull = errors.New("mailbox full")

// pollInterval is how often a blocking Put rechecks capacity. Each poll
// also fires the heartbeat callback.
const pollInterval = time.Second

// entry tags a message with its arrival sequence so Drain can break
// priority ties in enqueue order.
type entry struct {
	msg *wire.Message
	seq uint64
}

// Mailbox is a thread-safe queue bounded by total payload byte size, not
// entry count. Messages at wire.PriorityHigh bypass the bound entirely.
type Mailbox struct {
	mu       sync.Mutex
	items    []entry
	seq      uint64
	size     int64
	maxBytes int64
	maxPolls int

	// heartbeat is invoked on every capacity poll of a blocking Put.
	heartbeat func()
	// gauge, if set, receives the current byte size after every mutation.
	gauge func(float64)
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithHeartbeat sets the liveness callback fired on every blocking poll.
func WithHeartbeat(fn func()) Option {
	return func(m *Mailbox) { m.heartbeat = fn }
}

// WithGauge wires a metrics gauge that tracks queued bytes.
func WithGauge(fn func(float64)) Option {
	return func(m *Mailbox) { m.gauge = fn }
}

// New returns a mailbox bounded at maxBytes. A blocking Put gives up with
// ErrFull after maxPolls one-second capacity checks.
func New(maxBytes int64, maxPolls int, opts ...Option) *Mailbox {
	m := &Mailbox{
		maxBytes:  maxBytes,
		maxPolls:  maxPolls,
		heartbeat: func() {},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Put enqueues msg. High-priority messages are always accepted. For other
// priorities, if the mailbox is over its bound: a non-blocking Put fails
// immediately with ErrFull; a blocking Put polls once per second, firing
// the heartbeat each time, and fails with ErrFull after maxPolls polls.
func (m *Mailbox) Put(ctx context.Context, msg *wire.Message, blocking bool) error {
	if m.tryPut(msg) {
		return nil
	}
	if !blocking {
		return ErrFull
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for polls := 0; polls < m.maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.heartbeat()
			if m.tryPut(msg) {
				return nil
			}
		}
	}
	return ErrFull
}

// tryPut appends msg unless the bound forbids it.
func (m *Mailbox) tryPut(msg *wire.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sz := int64(msg.ByteSize())
	if msg.Priority < wire.PriorityHigh && m.size+sz > m.maxBytes {
		return false
	}
	m.seq++
	m.items = append(m.items, entry{msg: msg, seq: m.seq})
	m.size += sz
	m.report()
	return true
}

// Drain removes and returns the highest-priority messages first, ties
// broken by enqueue order, until adding the next message would exceed
// maxBytes. At least one message is returned if any is queued. Remaining
// messages keep their original relative order.
func (m *Mailbox) Drain(maxBytes int64) []*wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil
	}

	ranked := make([]entry, len(m.items))
	copy(ranked, m.items)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].msg.Priority != ranked[j].msg.Priority {
			return ranked[i].msg.Priority > ranked[j].msg.Priority
		}
		return ranked[i].seq < ranked[j].seq
	})

	taken := make(map[uint64]bool)
	var out []*wire.Message
	var used int64
	for _, e := range ranked {
		sz := int64(e.msg.ByteSize())
		if len(out) > 0 && used+sz > maxBytes {
			break
		}
		out = append(out, e.msg)
		taken[e.seq] = true
		used += sz
		if used >= maxBytes {
			break
		}
	}

	rest := m.items[:0]
	for _, e := range m.items {
		if taken[e.seq] {
			m.size -= int64(e.msg.ByteSize())
		} else {
			rest = append(rest, e)
		}
	}
	m.items = rest
	m.report()
	return out
}

// Size returns the total payload bytes currently queued.
func (m *Mailbox) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Full reports whether the byte bound is met or exceeded.
func (m *Mailbox) Full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size >= m.maxBytes
}

// report pushes the current size to the gauge. Must hold mu.
func (m *Mailbox) report() {
	if m.gauge != nil {
		m.gauge(float64(m.size))
	}
}
