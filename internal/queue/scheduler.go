// ABOUTME: Lease scheduler over the durable store: QueryAndOwn, Schedule, Complete.
// ABOUTME: Conflicts surface as empty results; TTL exhaustion is a counted, silent drop.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/store"
	"github.com/2389/fleetlink/internal/wire"
)

// ErrMoreData signals that a paged fetch hit its size budget before the
// flow was exhausted. The caller must re-page with a narrower range.
var ErrMoreData = errors.New("result budget exceeded, narrow the query")

// Scheduler hands out time-bounded leases over tasks in the durable store.
// It is safe for many independent consumer processes to run schedulers
// against the same store: exclusivity comes entirely from the store's
// per-queue transaction, not from in-process locks.
type Scheduler struct {
	store   store.Store
	lease   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewScheduler returns a scheduler granting leases of the given duration.
func NewScheduler(st store.Store, lease time.Duration, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:   st,
		lease:   lease,
		logger:  slog.Default().With("component", "queue"),
		metrics: m,
	}
}

// QueryAndOwn leases up to limit visible tasks from queue, highest
// priority first. Each returned task has had its TTL decremented and its
// visibility pushed to now+lease. Tasks whose TTL reached zero are
// deleted and counted, never returned. On a transaction conflict the
// result is empty and the error nil: retry policy belongs to the caller.
func (s *Scheduler) QueryAndOwn(ctx context.Context, queue string, limit int) ([]store.Task, error) {
	owned, expired, err := s.store.QueryAndOwnTasks(ctx, queue, s.lease, limit)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Debug("lease transaction conflict", "queue", queue)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue %s: %w", queue, err)
	}

	if expired > 0 {
		s.metrics.TasksExpired.WithLabelValues(queue).Add(float64(expired))
		s.logger.Warn("tasks dropped on ttl exhaustion", "queue", queue, "count", expired)
	}
	if len(owned) > 0 {
		s.metrics.TasksLeased.WithLabelValues(queue).Add(float64(len(owned)))
	}
	return owned, nil
}

// Schedule writes messages as new visible tasks on their destination
// queues in a single multi-queue write. A message without a task ID gets
// a fresh one; task IDs are unique per queue for the life of the task.
func (s *Scheduler) Schedule(ctx context.Context, queued map[string][]*wire.Message) error {
	var tasks []store.Task
	now := time.Now()
	for queue, msgs := range queued {
		for _, m := range msgs {
			if m.TaskID == "" {
				m.TaskID = uuid.NewString()
			}
			payload, err := wire.Marshal(m)
			if err != nil {
				return fmt.Errorf("serializing task message: %w", err)
			}
			ttl := m.TTL
			if ttl <= 0 {
				ttl = wire.DefaultTTL
			}
			tasks = append(tasks, store.Task{
				Queue:     queue,
				TaskID:    m.TaskID,
				Payload:   payload,
				Priority:  m.Priority,
				TTL:       ttl,
				VisibleAt: now,
			})
		}
	}
	if err := s.store.ScheduleTasks(ctx, tasks); err != nil {
		return fmt.Errorf("scheduling tasks: %w", err)
	}
	for queue, msgs := range queued {
		s.metrics.TasksScheduled.WithLabelValues(queue).Add(float64(len(msgs)))
	}
	return nil
}

// ScheduleRequest files one flow request against an agent's queue: the
// request record used for completion tracking, then the task carrying the
// work. The request is complete once a status with the same request ID
// arrives.
func (s *Scheduler) ScheduleRequest(ctx context.Context, agentQueue, flow string, m *wire.Message) error {
	if m.RequestID == 0 {
		return fmt.Errorf("flow request needs a request id")
	}
	m.SessionID = flow
	err := s.store.WriteRequest(ctx, store.Request{
		Flow:      flow,
		RequestID: m.RequestID,
		Payload:   m.Payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("writing request record: %w", err)
	}
	return s.Schedule(ctx, map[string][]*wire.Message{agentQueue: {m}})
}

// Complete removes a task once its work finished. Promptness only;
// correctness never depends on an explicit release, the lease expires on
// its own.
func (s *Scheduler) Complete(ctx context.Context, queue, taskID string) error {
	if err := s.store.DeleteTask(ctx, queue, taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("completing task %s/%s: %w", queue, taskID, err)
	}
	return nil
}

// DecodeTask unpacks the message carried by a leased task.
func DecodeTask(t store.Task) (*wire.Message, error) {
	var m wire.Message
	if err := wire.Unmarshal(t.Payload, &m); err != nil {
		return nil, fmt.Errorf("parsing task payload: %w", err)
	}
	m.TTL = t.TTL
	return &m, nil
}
