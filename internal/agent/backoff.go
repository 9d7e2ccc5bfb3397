// ABOUTME: Adaptive polling cadence: floor on fast-poll, multiplicative growth when idle.
// ABOUTME: Server errors never shorten the interval and respect a separate minimum.

package agent

import "time"

// pollState computes the sleep interval between polling cycles.
type pollState struct {
	floor      time.Duration
	ceiling    time.Duration
	errorFloor time.Duration
	slew       float64
	cur        time.Duration
}

// newPollState starts at the floor.
func newPollState(floor, ceiling, errorFloor time.Duration, slew float64) *pollState {
	return &pollState{
		floor:      floor,
		ceiling:    ceiling,
		errorFloor: errorFloor,
		slew:       slew,
		cur:        floor,
	}
}

// onSuccess returns the next interval after a clean round trip. Fast-poll
// resets to the floor; otherwise the interval grows multiplicatively
// toward the ceiling.
func (p *pollState) onSuccess(fastPoll bool) time.Duration {
	if fastPoll {
		p.cur = p.floor
		return p.cur
	}
	p.cur = time.Duration(float64(p.cur) * p.slew)
	if p.cur > p.ceiling {
		p.cur = p.ceiling
	}
	return p.cur
}

// onError returns the next interval after a server or transport error.
// The result is never below the error minimum and never decreases across
// a run of consecutive errors.
func (p *pollState) onError() time.Duration {
	p.cur = time.Duration(float64(p.cur) * p.slew)
	if p.cur < p.errorFloor {
		p.cur = p.errorFloor
	}
	if p.cur > p.ceiling {
		p.cur = p.ceiling
	}
	return p.cur
}

// interval returns the current interval without adjusting it.
func (p *pollState) interval() time.Duration {
	return p.cur
}
