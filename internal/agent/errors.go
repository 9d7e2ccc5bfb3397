// ABOUTME: Error values for the delivery engine and processing loop.
// ABOUTME: Distinguishes retryable transport trouble from fatal probe exhaustion.

package agent

import (
	"errors"
	"fmt"
)

// ErrProbeExhausted is fatal: every server/proxy combination failed more
// consecutive times than the configured limit. The process is expected to
// exit and be restarted by its watchdog.
var ErrProbeExhausted = errors.New("no working server found after repeated probes")

// errInterrupted marks work units found in the journal at startup.
var errInterrupted = errors.New("work unit interrupted by process restart")

// errUnknownAction reports a task naming an unregistered action.
func errUnknownAction(name string) error {
	return fmt.Errorf("unknown action %q", name)
}
