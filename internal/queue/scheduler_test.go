// ABOUTME: Tests for the lease scheduler and flow correlation over SQLite.
// ABOUTME: Covers leasing, TTL drops, request completion and budgeted paging.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetlink/internal/metrics"
	"github.com/2389/fleetlink/internal/store"
	"github.com/2389/fleetlink/internal/wire"
)

func newTestScheduler(t *testing.T, lease time.Duration) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewScheduler(st, lease, metrics.New()), st
}

func TestSchedule_AssignsTaskIDs(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	m1 := &wire.Message{SessionID: "f", Payload: []byte("a")}
	m2 := &wire.Message{SessionID: "f", Payload: []byte("b"), TaskID: "fixed"}
	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{"agent-1": {m1, m2}}))

	assert.NotEmpty(t, m1.TaskID)
	assert.Equal(t, "fixed", m2.TaskID)

	owned, err := sched.QueryAndOwn(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestQueryAndOwn_LeaseExclusivity(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{
		"agent-1": {{SessionID: "f", Payload: []byte("work")}},
	}))

	first, err := sched.QueryAndOwn(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The same task is never handed out twice inside the lease window.
	second, err := sched.QueryAndOwn(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestQueryAndOwn_TTLMonotone(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{
		"agent-1": {{SessionID: "f", Payload: []byte("work"), TTL: 3}},
	}))

	last := 3
	for i := 0; i < 2; i++ {
		time.Sleep(5 * time.Millisecond)
		owned, err := sched.QueryAndOwn(ctx, "agent-1", 10)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Less(t, owned[0].TTL, last)
		last = owned[0].TTL
	}

	// Third lease exhausts the TTL: the task is dropped, never returned.
	time.Sleep(5 * time.Millisecond)
	owned, err := sched.QueryAndOwn(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestQueryAndOwn_PriorityWithLimitOne(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{"agent-1": {
		{SessionID: "f", Payload: []byte("bg"), Priority: wire.PriorityLow},
		{SessionID: "f", Payload: []byte("urgent"), Priority: wire.PriorityHigh},
	}}))

	owned, err := sched.QueryAndOwn(ctx, "agent-1", 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	msg, err := DecodeTask(owned[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("urgent"), msg.Payload)
	assert.Equal(t, wire.PriorityHigh, msg.Priority)
}

func TestDecodeTask_CarriesCurrentTTL(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{
		"agent-1": {{SessionID: "f", Payload: []byte("x"), TTL: 4}},
	}))

	owned, err := sched.QueryAndOwn(ctx, "agent-1", 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	msg, err := DecodeTask(owned[0])
	require.NoError(t, err)
	// The decoded TTL reflects the decrement, not the scheduled value.
	assert.Equal(t, 3, msg.TTL)
}

func TestComplete(t *testing.T) {
	sched, _ := newTestScheduler(t, 5*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, sched.Schedule(ctx, map[string][]*wire.Message{
		"agent-1": {{SessionID: "f", Payload: []byte("x")}},
	}))

	owned, err := sched.QueryAndOwn(ctx, "agent-1", 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	require.NoError(t, sched.Complete(ctx, "agent-1", owned[0].TaskID))

	// Completed work never reappears, even after the lease expires.
	time.Sleep(10 * time.Millisecond)
	again, err := sched.QueryAndOwn(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Completing twice is harmless.
	require.NoError(t, sched.Complete(ctx, "agent-1", owned[0].TaskID))
}

func TestScheduleRequest_CompletionTracking(t *testing.T) {
	sched, st := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, sched.ScheduleRequest(ctx, "agent-1", "flow-1",
		&wire.Message{RequestID: 1, Payload: []byte("do it")}))

	// Request without a status is not complete.
	ids, err := sched.FetchCompletedRequests(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, st.WriteStatus(ctx, store.Status{
		Flow: "flow-1", RequestID: 1, Payload: []byte("ok"), CreatedAt: time.Now(),
	}))

	ids, err = sched.FetchCompletedRequests(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestScheduleRequest_RequiresRequestID(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Minute)
	err := sched.ScheduleRequest(context.Background(), "agent-1", "flow-1", &wire.Message{})
	assert.Error(t, err)
}

func TestFetchCompletedResponses_Paging(t *testing.T) {
	sched, st := newTestScheduler(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, st.WriteRequest(ctx, store.Request{Flow: "f", RequestID: id, CreatedAt: now}))
		require.NoError(t, st.WriteResponse(ctx, store.Response{
			Flow: "f", RequestID: id, ResponseID: 1, Payload: make([]byte, 100),
		}))
		require.NoError(t, st.WriteStatus(ctx, store.Status{Flow: "f", RequestID: id, CreatedAt: now}))
	}

	// Budget covers only the first request's responses.
	page, err := sched.FetchCompletedResponses(ctx, "f", 0, 150)
	assert.ErrorIs(t, err, ErrMoreData)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].RequestID)
	assert.Equal(t, uint64(2), page[1].RequestID)

	// Re-page after the last returned request.
	rest, err := sched.FetchCompletedResponses(ctx, "f", page[len(page)-1].RequestID, 1<<20)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(3), rest[0].RequestID)
	require.Len(t, rest[0].Responses, 1)
	assert.Len(t, rest[0].Responses[0].Payload, 100)
}

func TestFetchCompletedResponses_WithinBudget(t *testing.T) {
	sched, st := newTestScheduler(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.WriteRequest(ctx, store.Request{Flow: "f", RequestID: 1, CreatedAt: now}))
	require.NoError(t, st.WriteResponse(ctx, store.Response{Flow: "f", RequestID: 1, ResponseID: 1, Payload: []byte("small")}))
	require.NoError(t, st.WriteStatus(ctx, store.Status{Flow: "f", RequestID: 1, CreatedAt: now}))

	page, err := sched.FetchCompletedResponses(ctx, "f", 0, 1<<20)
	require.NoError(t, err)
	require.Len(t, page, 1)
}
