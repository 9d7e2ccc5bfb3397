// ABOUTME: Tests for wire types: CBOR round-trips and enum names.
// ABOUTME: Validates that local-only fields stay off the wire.

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	msg := &Message{
		SessionID:       "flow-42",
		RequestID:       7,
		ResponseID:      3,
		TaskID:          "task-abc",
		Priority:        PriorityHigh,
		TTL:             5,
		Payload:         []byte("hello"),
		Kind:            KindData,
		RequireFastPoll: true,
	}

	data, err := Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, Unmarshal(data, &back))

	assert.Equal(t, msg.SessionID, back.SessionID)
	assert.Equal(t, msg.RequestID, back.RequestID)
	assert.Equal(t, msg.ResponseID, back.ResponseID)
	assert.Equal(t, msg.TaskID, back.TaskID)
	assert.Equal(t, msg.Priority, back.Priority)
	assert.Equal(t, msg.TTL, back.TTL)
	assert.Equal(t, msg.Payload, back.Payload)
	assert.True(t, back.RequireFastPoll)
}

func TestMessage_AuthStateStaysLocal(t *testing.T) {
	msg := &Message{SessionID: "s", AuthState: AuthAuthenticated}

	data, err := Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, Unmarshal(data, &back))
	assert.Equal(t, AuthUnset, back.AuthState)
}

func TestMessageList_QueueDepth(t *testing.T) {
	list := &MessageList{
		Items:      []*Message{{SessionID: "a"}, {SessionID: "b"}},
		QueueDepth: 12345,
	}

	data, err := Marshal(list)
	require.NoError(t, err)

	var back MessageList
	require.NoError(t, Unmarshal(data, &back))
	assert.Len(t, back.Items, 2)
	assert.Equal(t, uint64(12345), back.QueueDepth)
}

func TestMarshal_Deterministic(t *testing.T) {
	msg := &Message{SessionID: "same", RequestID: 1, Payload: []byte("x")}

	a, err := Marshal(msg)
	require.NoError(t, err)
	b, err := Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEnums_String(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "status", KindStatus.String())
	assert.Equal(t, "sentinel", KindSentinel.String())
}

func TestMessage_ByteSize(t *testing.T) {
	msg := &Message{SessionID: "ab", TaskID: "cd", Payload: []byte("1234")}
	assert.Equal(t, 8, msg.ByteSize())
}
