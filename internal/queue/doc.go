// Package queue implements the durable task queue and lease scheduler.
//
// Tasks move Visible -> Leased -> back to Visible on lease expiry,
// Deleted on explicit completion, or Deleted-and-counted on TTL
// exhaustion. QueryAndOwn takes ownership by pushing the visibility
// timestamp into the future inside one transaction per queue; two
// consumers racing on the same queue can never both see the same task
// visible within a committed transaction. A conflict comes back as an
// empty result so the caller retries on its own schedule.
//
// The package also correlates asynchronous request/response pairs within
// a flow and pages completed responses under a byte budget.
package queue
