// ABOUTME: Sharded notification fan-out with supersede-on-newer and expiry.
// ABOUTME: Shard choice rotates per queue; the counter may race, only spread suffers.

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/store"
	"github.com/2389/fleetlink/internal/wire"
)

// ShardCounter hands out rotating shard indexes per logical queue. It is
// explicit, injected state rather than a module global so independent
// fan-outs can run in one process. The counter is approximate: a race
// only skews load distribution, never correctness.
type ShardCounter struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewShardCounter returns an empty counter.
func NewShardCounter() *ShardCounter {
	return &ShardCounter{counters: make(map[string]int)}
}

// next returns the next rotation value for queue.
func (c *ShardCounter) next(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counters[queue]
	c.counters[queue] = n + 1
	return n
}

// Fanout posts and sweeps notifications across a fixed set of shards.
type Fanout struct {
	store   store.Store
	shards  int
	expiry  time.Duration
	counter *ShardCounter
	rng     *rand.Rand
	rngMu   sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFanout returns a fan-out over shards storage partitions. Notifications
// older than expiry are discarded unprocessed: the producer is assumed to
// retry through the normal task-retransmission path.
func NewFanout(st store.Store, shards int, expiry time.Duration, counter *ShardCounter, m *metrics.Metrics) *Fanout {
	return &Fanout{
		store:   st,
		shards:  shards,
		expiry:  expiry,
		counter: counter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  slog.Default().With("component", "notify"),
		metrics: m,
	}
}

// Shards returns the number of storage partitions.
func (f *Fanout) Shards() int { return f.shards }

// Notify records that flow on queue has new data at the given priority.
// The shard index rotates per queue so writes for one queue spread across
// independent storage keys. A newer notification for the same flow
// silently supersedes an older one.
func (f *Fanout) Notify(ctx context.Context, queue, flow string, priority wire.Priority) error {
	shard := f.counter.next(queue) % f.shards
	now := time.Now()
	err := f.store.PutNotification(ctx, shard, store.Notification{
		Flow:        flow,
		Priority:    priority,
		FirstQueued: now,
		EnqueuedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("posting notification for %s: %w", flow, err)
	}
	return nil
}

// Sweep scans one shard and returns the surviving flows, grouped by
// priority tier with higher tiers first and shuffled within each tier.
// Expired notifications are deleted and never returned.
func (f *Fanout) Sweep(ctx context.Context, shard int) ([]store.Notification, error) {
	notes, err := f.store.Notifications(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("scanning shard %d: %w", shard, err)
	}
	return f.filterAndOrder(ctx, shard, notes)
}

// SweepAll performs an exhaustive sweep across every shard.
func (f *Fanout) SweepAll(ctx context.Context) ([]store.Notification, error) {
	var all []store.Notification
	for shard := 0; shard < f.shards; shard++ {
		notes, err := f.store.Notifications(ctx, shard)
		if err != nil {
			return nil, fmt.Errorf("scanning shard %d: %w", shard, err)
		}
		live, err := f.filterAndOrder(ctx, shard, notes)
		if err != nil {
			return nil, err
		}
		all = append(all, live...)
	}
	// Re-rank across shards: tiers first, shuffle already applied per shard.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority > all[j].Priority
	})
	return all, nil
}

// Ack removes a consumed notification from its shard.
func (f *Fanout) Ack(ctx context.Context, shard int, flow string) error {
	return f.store.DeleteNotification(ctx, shard, flow)
}

// filterAndOrder drops expired notifications and orders the rest by
// priority tier, shuffling within a tier.
func (f *Fanout) filterAndOrder(ctx context.Context, shard int, notes []store.Notification) ([]store.Notification, error) {
	now := time.Now()
	live := notes[:0]
	for _, n := range notes {
		if now.Sub(n.EnqueuedAt) > f.expiry {
			if err := f.store.DeleteNotification(ctx, shard, n.Flow); err != nil {
				return nil, fmt.Errorf("dropping expired notification for %s: %w", n.Flow, err)
			}
			f.metrics.NotificationsExpired.Inc()
			f.logger.Debug("notification expired unprocessed", "flow", n.Flow, "shard", shard)
			continue
		}
		live = append(live, n)
	}

	f.rngMu.Lock()
	f.rng.Shuffle(len(live), func(i, j int) {
		live[i], live[j] = live[j], live[i]
	})
	f.rngMu.Unlock()

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Priority > live[j].Priority
	})
	return live, nil
}
