// Package store provides the durable store behind the coordinator using SQLite.
//
// The Store interface covers four record families:
//
//   - Task: per-queue units of work keyed by task_id, with TTL and a
//     visibility timestamp that implements leasing
//   - Request/Status/Response: per-flow correlation records keyed by
//     request_id and response_id
//   - Notification: per-shard wakeup records keyed by flow
//   - Client: enrolled agent identities with certificate and serial
//
// SQLiteStore implements the interface with WAL mode and schema creation
// on open. Queue mutations run inside a single transaction per queue;
// a conflicting writer surfaces as ErrConflict, which callers treat as
// "return empty, retry on your own schedule".
//
// Use NewSQLiteStore(":memory:") for tests.
package store
