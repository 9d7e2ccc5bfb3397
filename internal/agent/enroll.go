// ABOUTME: Enrollment trigger: builds a CSR control message when the coordinator
// ABOUTME: rejects our identity, throttled to one attempt per cooldown window.

package agent

import (
	"context"

	"github.com/2389/fleetlink/internal/secchan"
	"github.com/2389/fleetlink/internal/wire"
)

// triggerEnrollment queues a certificate signing request as a dedicated
// high-priority control message. At most one CSR goes out per cooldown
// window no matter how many 406 responses arrive. The return value is
// true for the very first attempt after process start, which forces
// fast-poll mode.
func (e *Engine) triggerEnrollment(ctx context.Context) bool {
	e.enrolling = true

	if e.now().Sub(e.lastEnroll) < e.cfg.Limits.EnrollCooldown {
		return false
	}
	e.lastEnroll = e.now()

	csr, err := secchan.CreateCSR(e.codec.Identity(), e.priv)
	if err != nil {
		e.logger.Error("building csr failed", "error", err)
		return false
	}

	msg := &wire.Message{
		SessionID:       wire.EnrollmentSessionID,
		TaskID:          "enroll-" + e.codec.Identity(),
		Priority:        wire.PriorityHigh,
		TTL:             wire.DefaultTTL,
		Payload:         csr,
		Kind:            wire.KindData,
		RequireFastPoll: true,
	}
	// High priority bypasses the byte bound, so this cannot fail on a
	// full mailbox.
	if err := e.outbox.Put(ctx, msg, false); err != nil {
		e.logger.Error("queueing csr failed", "error", err)
		return false
	}
	e.metrics.EnrollmentAttempts.Inc()
	e.logger.Info("enrollment requested", "identity", e.codec.Identity())

	first := !e.everEnrolled
	e.everEnrolled = true
	return first
}
