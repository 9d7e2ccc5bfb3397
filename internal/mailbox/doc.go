// Package mailbox provides the byte-size-bounded, priority-ordered queue
// used on both the send and receive side of the agent. High-priority
// control traffic bypasses the size bound so it can never be starved by
// data-plane backpressure.
package mailbox
