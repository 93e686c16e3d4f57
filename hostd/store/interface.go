package store

import (
	"context"
	"time"
)

// Store defines the methods required for the durable queue store.
// It abstracts over Redis (networked), Badger (embedded) and an in-memory map.
// Every list and schedule operation is atomic; callers rely on that and hold no
// locks of their own around queued state.
type Store interface {
	// Ping is the lightweight liveness check run before storage work.
	Ping(ctx context.Context) error
	Close() error

	// Key-Value Operations
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error

	// List Operations (FIFO: push to tail, pop from head)
	Push(ctx context.Context, key string, values ...[]byte) error
	// Pop returns ErrEmpty when the list has no items.
	Pop(ctx context.Context, key string) ([]byte, error)
	// PopBlocking waits up to timeout for an item and returns ErrEmpty if none arrived.
	PopBlocking(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context, key string) (int64, error)
	// Range returns list items between start and stop inclusive; stop -1 means the tail.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Schedule Operations (time-priority set scored by due time)
	ScheduleAt(ctx context.Context, key string, value []byte, dueAt time.Time) error
	// PopDue removes every member of schedKey due at or before now, asks planner what
	// to do with them and applies removal plus the returned Batch as one atomic unit.
	// A member is handed to at most one PopDue caller.
	PopDue(ctx context.Context, schedKey, queueKey string, now time.Time, planner DuePlanner) (int, error)
	// ScheduledCount returns the number of members in a schedule set.
	ScheduledCount(ctx context.Context, key string) (int64, error)

	Coordinator
}

// Coordinator provides leases used to keep singleton loops (the scheduler) to one
// active instance across processes sharing a store.
type Coordinator interface {
	// AcquireLease sets key to value if it is free. Returns false if held by another.
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RenewLease extends the TTL if the key still holds value.
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes the key if it still holds value.
	ReleaseLease(ctx context.Context, key, value string) error
}

// Reconnector is implemented by backends that can re-establish a lost connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ScheduledItem is a payload re-added to a schedule set.
type ScheduledItem struct {
	Value []byte
	DueAt time.Time
}

// Batch is what a scheduler tick writes back after popping due members.
type Batch struct {
	Enqueue  [][]byte
	Schedule []ScheduledItem
}

// DuePlanner maps the popped due members to the batch applied with their removal.
// Returning an error aborts the whole pop; nothing is removed.
type DuePlanner func(due [][]byte) (Batch, error)
