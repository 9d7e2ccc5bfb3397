// ABOUTME: Store interface and record types for coordinator persistence.
// ABOUTME: Defines Task, Request, Status, Response, Notification, Client and sentinels.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleetlink/internal/wire"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when another writer held the queue's transaction.
// Callers retry on their own schedule; the store never retries internally.
var ErrConflict = errors.New("transaction conflict")

// Task is one unit of work parked in a queue. Ownership is taken by
// pushing VisibleAt into the future; the record itself is never copied.
type Task struct {
	Queue     string
	TaskID    string
	Payload   []byte
	Priority  wire.Priority
	TTL       int
	VisibleAt time.Time
}

// Request records one outstanding request within a flow.
type Request struct {
	Flow      string
	RequestID uint64
	Payload   []byte
	CreatedAt time.Time
}

// Status marks a request as complete. Exactly one exists per completed request.
type Status struct {
	Flow      string
	RequestID uint64
	Payload   []byte
	CreatedAt time.Time
}

// Response is one ordered response record for a request.
type Response struct {
	Flow       string
	RequestID  uint64
	ResponseID uint64
	Payload    []byte
}

// Notification wakes idle consumers for a flow with new data.
type Notification struct {
	Flow        string
	Priority    wire.Priority
	FirstQueued time.Time
	EnqueuedAt  time.Time
}

// Client is an enrolled agent identity.
type Client struct {
	Identity string
	CertPEM  []byte
	Serial   int64
}

// Store is the durable store consumed by the lease scheduler, the
// notification fan-out and enrollment.
type Store interface {
	// QueryAndOwnTasks scans queue for tasks visible at or before now,
	// takes them in descending priority order up to limit, decrements
	// each TTL, deletes (and counts) the exhausted ones, and pushes the
	// survivors' visibility to now+lease. It runs in one transaction per
	// queue; a concurrent writer yields ErrConflict.
	QueryAndOwnTasks(ctx context.Context, queue string, lease time.Duration, limit int) (owned []Task, expired int, err error)

	// ScheduleTasks writes new visible tasks, grouped by queue, in a
	// single multi-row write.
	ScheduleTasks(ctx context.Context, tasks []Task) error

	// DeleteTask removes a task on explicit completion.
	DeleteTask(ctx context.Context, queue, taskID string) error

	WriteRequest(ctx context.Context, r Request) error
	WriteStatus(ctx context.Context, s Status) error
	WriteResponse(ctx context.Context, r Response) error

	// CompletedRequestIDs intersects the request and status key spaces
	// for a flow without reading any response bodies.
	CompletedRequestIDs(ctx context.Context, flow string) ([]uint64, error)

	// ResponsesForRequest returns the responses for one request in
	// ResponseID order.
	ResponsesForRequest(ctx context.Context, flow string, requestID uint64) ([]Response, error)

	// PutNotification writes n into shard, silently replacing an older
	// notification for the same flow only if n's enqueue time is newer.
	PutNotification(ctx context.Context, shard int, n Notification) error

	// Notifications lists surviving notifications in one shard.
	Notifications(ctx context.Context, shard int) ([]Notification, error)

	// DeleteNotification removes a consumed or expired notification.
	DeleteNotification(ctx context.Context, shard int, flow string) error

	GetClient(ctx context.Context, identity string) (*Client, error)
	PutClient(ctx context.Context, c Client) error

	// NextSerial returns the next certificate serial. Serials only ever
	// count upward, across restarts.
	NextSerial(ctx context.Context) (int64, error)

	Close() error
}
