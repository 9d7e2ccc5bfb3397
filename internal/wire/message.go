// ABOUTME: Message, MessageList and related enums for agent/coordinator traffic.
// ABOUTME: Messages are immutable once serialized and carry priority, TTL and auth state.

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Priority orders messages within a mailbox or a task queue.
// Higher values are more urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Kind distinguishes the role of a message within a flow.
type Kind int

const (
	// KindData carries a regular request or response payload.
	KindData Kind = 0
	// KindStatus marks a request as complete. Exactly one status message
	// exists for every completed request.
	KindStatus Kind = 1
	// KindIterator carries pagination state for long-running collections.
	KindIterator Kind = 2
	// KindSentinel is a local control value pushed onto the inbound mailbox
	// to stop the processing loop. It never crosses the wire.
	KindSentinel Kind = 3
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindStatus:
		return "status"
	case KindIterator:
		return "iterator"
	case KindSentinel:
		return "sentinel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// AuthState records how a decoded message was authenticated. It is set by
// the secure channel codec and is never serialized onto the wire.
type AuthState int

const (
	// AuthUnset means the message has not passed through the codec yet.
	AuthUnset AuthState = 0
	// AuthUnauthenticated means the message was decoded but its signature
	// could not be verified. Privileged actions must not trust it.
	AuthUnauthenticated AuthState = 1
	// AuthAuthenticated means digest, signer and nonce all checked out.
	AuthAuthenticated AuthState = 2
)

// DefaultTTL is the retransmission budget assigned to new messages.
const DefaultTTL = 5

// Message is the unit of traffic between an agent and the coordinator.
// It is created by a sender, immutable once serialized, and destroyed
// once acknowledged or consumed.
type Message struct {
	SessionID  string   `cbor:"1,keyasint"`
	RequestID  uint64   `cbor:"2,keyasint"`
	ResponseID uint64   `cbor:"3,keyasint"`
	TaskID     string   `cbor:"4,keyasint"`
	Priority   Priority `cbor:"5,keyasint"`
	TTL        int      `cbor:"6,keyasint"`
	Payload    []byte   `cbor:"7,keyasint"`
	Kind       Kind     `cbor:"8,keyasint"`
	// RequireFastPoll asks the peer to shorten its polling interval.
	RequireFastPoll bool `cbor:"9,keyasint,omitempty"`

	// AuthState is local bookkeeping, not part of the wire format.
	AuthState AuthState `cbor:"-"`
}

// ByteSize is the accounting size of the message for byte-bounded queues.
func (m *Message) ByteSize() int {
	return len(m.Payload) + len(m.SessionID) + len(m.TaskID)
}

// MessageList is the batch container serialized into a signed payload.
// QueueDepth declares how many inbound bytes the sender is willing to
// accept in return, letting the receiver throttle what it sends back.
type MessageList struct {
	Items      []*Message `cbor:"1,keyasint"`
	QueueDepth uint64     `cbor:"2,keyasint,omitempty"`
}

// encMode is the deterministic CBOR encoder shared by all marshal helpers.
// Core deterministic encoding keeps signatures stable across encoders.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
