// Package coordinator implements the HTTP ingestion side of the channel:
// it decodes agent envelopes, routes responses and statuses into the
// durable queue, posts notifications, handles enrollment, and drains
// pending tasks back to the agent in the same round trip, throttled by
// the agent's declared inbound queue depth.
package coordinator
