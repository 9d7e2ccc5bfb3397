// ABOUTME: Prometheus counters and gauges for transport, queue and mailbox health.
// ABOUTME: All collectors live on an injected registry, never the global default.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the core emits.
type Metrics struct {
	registry *prometheus.Registry

	// TasksScheduled counts tasks written per queue.
	TasksScheduled *prometheus.CounterVec
	// TasksLeased counts tasks handed out per queue.
	TasksLeased *prometheus.CounterVec
	// TasksExpired counts tasks silently dropped on TTL exhaustion.
	TasksExpired *prometheus.CounterVec

	// TransportErrors counts failed agent round trips.
	TransportErrors prometheus.Counter
	// PollCycles counts completed agent polling cycles.
	PollCycles prometheus.Counter
	// EnrollmentAttempts counts CSR messages actually sent.
	EnrollmentAttempts prometheus.Counter

	// MailboxBytes tracks queued bytes per mailbox direction.
	MailboxBytes *prometheus.GaugeVec

	// NotificationsExpired counts notifications discarded unprocessed.
	NotificationsExpired prometheus.Counter
}

// New creates a metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_tasks_scheduled_total",
			Help: "Tasks written to the durable queue.",
		}, []string{"queue"}),
		TasksLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_tasks_leased_total",
			Help: "Tasks handed out under a lease.",
		}, []string{"queue"}),
		TasksExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_tasks_expired_total",
			Help: "Tasks dropped after exhausting their TTL.",
		}, []string{"queue"}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_transport_errors_total",
			Help: "Failed HTTP round trips between agent and coordinator.",
		}),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_poll_cycles_total",
			Help: "Completed agent polling cycles.",
		}),
		EnrollmentAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_enrollment_attempts_total",
			Help: "Certificate signing requests sent by the agent.",
		}),
		MailboxBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetlink_mailbox_bytes",
			Help: "Bytes currently queued per mailbox.",
		}, []string{"direction"}),
		NotificationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_notifications_expired_total",
			Help: "Notifications discarded unprocessed after their expiry.",
		}),
	}

	reg.MustRegister(
		m.TasksScheduled, m.TasksLeased, m.TasksExpired,
		m.TransportErrors, m.PollCycles, m.EnrollmentAttempts,
		m.MailboxBytes, m.NotificationsExpired,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
