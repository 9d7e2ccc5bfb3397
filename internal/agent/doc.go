// Package agent implements the agent-side delivery engine: a network
// polling loop that drives one HTTP round trip at a time, and a separate
// processing loop that executes inbound work.
//
// The two loops communicate only through the bounded priority mailboxes,
// which are the sole shared mutable state. The polling loop drains the
// outbound mailbox, builds an encrypted envelope, posts it, interprets
// the result, re-queues on failure with boosted priority and decremented
// TTL, and adapts its cadence between a floor and a ceiling. The
// processing loop consumes the inbound mailbox strictly in priority
// order, journals each unit of work before executing it, and replays the
// journal on startup so interrupted work is reported as failed instead of
// silently dropped.
package agent
