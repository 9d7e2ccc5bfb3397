// Package metrics defines the Prometheus collectors shared by the queue,
// the notification fan-out and the agent delivery engine. Collectors hang
// off an injected registry so tests can run isolated instances.
package metrics
