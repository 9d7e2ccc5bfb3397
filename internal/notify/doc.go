// Package notify implements the sharded notification fan-out that tells
// idle consumers which flows have new work without scanning the whole
// task space. Writes for one logical queue rotate across N shards to
// avoid a single hot row; readers shuffle within a priority tier so one
// high-volume flow cannot starve its peers.
package notify
