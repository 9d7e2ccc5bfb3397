// ABOUTME: Tests for the byte-bounded priority mailbox.
// ABOUTME: Covers the bound, the high-priority bypass, and drain ordering.

package mailbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetlink/internal/wire"
)

func msg(session string, priority wire.Priority, payloadLen int) *wire.Message {
	return &wire.Message{
		SessionID: session,
		Priority:  priority,
		Payload:   make([]byte, payloadLen),
	}
}

func TestPut_ByteBound(t *testing.T) {
	m := New(100, 1)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("a", wire.PriorityLow, 60), false))
	assert.Equal(t, int64(61), m.Size())

	// Second message would push past 100 bytes.
	err := m.Put(ctx, msg("b", wire.PriorityLow, 60), false)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 1, m.Len())
}

func TestPut_HighPriorityBypassesBound(t *testing.T) {
	m := New(10, 1)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("a", wire.PriorityLow, 9), false))
	assert.True(t, m.Full())

	// High priority ignores the bound entirely.
	require.NoError(t, m.Put(ctx, msg("b", wire.PriorityHigh, 1000), false))
	assert.Equal(t, 2, m.Len())

	// Medium does not.
	assert.ErrorIs(t, m.Put(ctx, msg("c", wire.PriorityMedium, 1), false), ErrFull)
}

func TestPut_BlockingUnblocksOnDrain(t *testing.T) {
	var beats atomic.Int64
	m := New(10, 30, WithHeartbeat(func() { beats.Add(1) }))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("a", wire.PriorityLow, 9), false))

	done := make(chan error, 1)
	go func() {
		done <- m.Put(ctx, msg("b", wire.PriorityLow, 5), true)
	}()

	// Free capacity; the blocked Put should land on its next poll.
	m.Drain(1 << 20)
	err := <-done
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.Greater(t, beats.Load(), int64(0))
}

func TestPut_BlockingRespectsContext(t *testing.T) {
	m := New(10, 1000)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, m.Put(ctx, msg("a", wire.PriorityLow, 9), false))

	done := make(chan error, 1)
	go func() {
		done <- m.Put(ctx, msg("b", wire.PriorityLow, 5), true)
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDrain_PriorityThenFIFO(t *testing.T) {
	m := New(1<<20, 1)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("low-1", wire.PriorityLow, 1), false))
	require.NoError(t, m.Put(ctx, msg("high-1", wire.PriorityHigh, 1), false))
	require.NoError(t, m.Put(ctx, msg("med-1", wire.PriorityMedium, 1), false))
	require.NoError(t, m.Put(ctx, msg("high-2", wire.PriorityHigh, 1), false))
	require.NoError(t, m.Put(ctx, msg("low-2", wire.PriorityLow, 1), false))

	out := m.Drain(1 << 20)
	var order []string
	for _, o := range out {
		order = append(order, o.SessionID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "med-1", "low-1", "low-2"}, order)
	assert.Zero(t, m.Len())
	assert.Zero(t, m.Size())
}

func TestDrain_BudgetLeavesRemainderInOrder(t *testing.T) {
	m := New(1<<20, 1)
	ctx := context.Background()

	// Each message is 10 bytes of accounting size (payload + session id).
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, msg(fmt.Sprintf("m%d", i), wire.PriorityLow, 8), false))
	}

	out := m.Drain(25)
	require.Len(t, out, 2)
	assert.Equal(t, "m0", out[0].SessionID)
	assert.Equal(t, "m1", out[1].SessionID)

	rest := m.Drain(1 << 20)
	require.Len(t, rest, 3)
	assert.Equal(t, "m2", rest[0].SessionID)
	assert.Equal(t, "m4", rest[2].SessionID)
}

func TestDrain_AlwaysReturnsAtLeastOne(t *testing.T) {
	m := New(1<<20, 1)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("big", wire.PriorityLow, 5000), false))

	// Budget too small for the message, but one still comes out.
	out := m.Drain(10)
	require.Len(t, out, 1)
	assert.Equal(t, "big", out[0].SessionID)
}

func TestDrain_Empty(t *testing.T) {
	m := New(100, 1)
	assert.Nil(t, m.Drain(100))
}

func TestGauge_TracksSize(t *testing.T) {
	var last atomic.Int64
	m := New(1<<20, 1, WithGauge(func(v float64) { last.Store(int64(v)) }))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, msg("a", wire.PriorityLow, 9), false))
	assert.Equal(t, int64(10), last.Load())

	m.Drain(1 << 20)
	assert.Zero(t, last.Load())
}
