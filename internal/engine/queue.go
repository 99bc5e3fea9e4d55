package engine

import (
	"sync"
	"sync/atomic"
)

// MatchOutcome classifies the result of a MatchOrEnqueue call.
type MatchOutcome int

const (
	// Waiting means no live candidate was available; the connection was enqueued.
	Waiting MatchOutcome = iota
	// Matched means a live candidate was found and a room was created.
	Matched
	// QueueFull means the queue is at capacity and the connection was not enqueued.
	QueueFull
	// AlreadyQueued means the connection is already waiting; the call was a no-op.
	AlreadyQueued
	// AlreadyInRoom means the connection is already paired; callers treat this as an error.
	AlreadyInRoom
)

// MatchResult carries the outcome of a MatchOrEnqueue call. Partner and
// Room are non-nil only for Matched. Notifying the partner is the
// caller's responsibility, outside any engine lock.
type MatchResult struct {
	Outcome MatchOutcome
	Partner Conn
	Room    *Room
}

// RoomBinder commits a matched pair to shared room storage and answers
// room-membership queries. Implemented by Registry.
type RoomBinder interface {
	Bind(a, b Conn) *Room
	Contains(connID string) bool
}

// Queue is the FIFO waiting pool of unmatched connections.
//
// The MatchOrEnqueue critical section is the single mutex in the engine;
// all other bookkeeping (the queued-ID set, the size counter) uses
// lock-free structures so that high-frequency operations such as the
// disconnect path never block on matching.
//
// Dead entries are cleaned up lazily: a connection that closes while
// queued stays in the FIFO until it reaches the head, where it is
// discarded instead of matched. Removing it eagerly from the middle
// would cost O(n). The size counter may therefore transiently
// overestimate by the number of closed-but-unpurged entries; that is an
// intentional tradeoff, not a bug.
type Queue struct {
	mu       sync.Mutex
	waiting  []Conn
	queued   sync.Map // connID → struct{}
	size     atomic.Int32
	capacity int
}

// DefaultQueueCapacity bounds the waiting pool when no explicit capacity is configured.
const DefaultQueueCapacity = 5000

// NewQueue creates an empty Queue with the given capacity bound.
// A capacity below 1 falls back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// MatchOrEnqueue pairs the connection with the oldest live waiter, or
// enqueues it if none is available.
//
// Candidates are served in strict FIFO arrival order; closed candidates
// are discarded permanently without disturbing the order of the rest.
// The call never suspends waiting for a partner: it matches, enqueues,
// or rejects within the critical section and returns.
//
// A queue at capacity rejects the caller before any candidate is
// popped. In normal operation the pool holds at most one live waiter,
// so the bound only bites when configured artificially small.
//
// Precondition: conn must be non-nil and rooms must be the registry that
// owns room storage for this engine instance.
func (q *Queue) MatchOrEnqueue(conn Conn, rooms RoomBinder) MatchResult {
	id := conn.ID()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued.Load(id); ok {
		return MatchResult{Outcome: AlreadyQueued}
	}
	if rooms.Contains(id) {
		return MatchResult{Outcome: AlreadyInRoom}
	}
	if q.size.Load() >= int32(q.capacity) {
		return MatchResult{Outcome: QueueFull}
	}

	for len(q.waiting) > 0 {
		candidate := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		q.size.Add(-1)
		q.queued.Delete(candidate.ID())

		if !candidate.IsOpen() {
			continue // lazy cleanup: dead while waiting
		}

		room := rooms.Bind(candidate, conn)
		return MatchResult{Outcome: Matched, Partner: candidate, Room: room}
	}

	q.waiting = append(q.waiting, conn)
	q.size.Add(1)
	q.queued.Store(id, struct{}{})
	return MatchResult{Outcome: Waiting}
}

// Forget drops the connection's queue bookkeeping on disconnect.
//
// Only the queued-ID set is touched; the FIFO entry itself is left for
// lazy cleanup so the disconnect path stays O(1) and lock-free.
//
// Postcondition: Returns true if the connection was queued. Repeated
// calls return false.
func (q *Queue) Forget(connID string) bool {
	_, was := q.queued.LoadAndDelete(connID)
	return was
}

// Len returns the current occupancy estimate. It may transiently exceed
// the number of live waiters by the number of dead entries not yet
// purged at the head.
func (q *Queue) Len() int {
	return int(q.size.Load())
}
