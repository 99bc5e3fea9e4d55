package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Departure classifies what RemoveAndGetPartner found for a departing
// connection.
type Departure int

const (
	// DepartureNone means the connection was in neither the queue nor a room.
	DepartureNone Departure = iota
	// DepartureQueued means the connection was only a waiting-queue member.
	DepartureQueued
	// DepartureRoomed means the connection was a room member; the room is dissolved.
	DepartureRoomed
)

// Options configures a new Engine. Zero values fall back to the package
// defaults.
type Options struct {
	// QueueCapacity bounds the matchmaking waiting pool.
	QueueCapacity int
	// RateLimitTokens is the per-connection burst capacity.
	RateLimitTokens int
	// RateLimitInterval is the bucket hard-reset interval.
	RateLimitInterval time.Duration
}

// Engine is the pairing-and-relay core. One Engine is instantiated per
// process and owns all shared tables as explicit fields: the waiting
// queue, the room registry, the rate-limiter table, and the display-name
// table. There is no package-level state, so tests get clean instances.
//
// Each table is independently synchronized and no Engine operation holds
// more than one of them locked at a time, which rules out lock-ordering
// deadlocks by construction.
type Engine struct {
	queue   *Queue
	rooms   *Registry
	limiter *Limiter
	names   sync.Map // connID → display name
	logger  *zap.Logger
}

// New creates an Engine with the given options.
//
// Precondition: logger must be non-nil.
func New(opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		queue:   NewQueue(opts.QueueCapacity),
		rooms:   NewRegistry(),
		limiter: NewLimiter(opts.RateLimitTokens, opts.RateLimitInterval),
		logger:  logger,
	}
}

// Allow passes the connection's inbound frame through the rate limiter.
// A false return means the frame should be silently dropped.
func (e *Engine) Allow(connID string) bool {
	return e.limiter.TryConsume(connID)
}

// BindName associates a display name with the connection, once.
//
// Postcondition: Returns true if the name was bound by this call, false
// if a name was already bound (repeated JOIN). The first binding wins
// deterministically; later attempts are no-ops.
func (e *Engine) BindName(connID, name string) bool {
	_, loaded := e.names.LoadOrStore(connID, name)
	return !loaded
}

// Name returns the display name bound to the connection, if any. A bound
// name is also what marks the connection as authenticated.
func (e *Engine) Name(connID string) (string, bool) {
	v, ok := e.names.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// NameOrDefault returns the bound display name, or "Anonymous" when none
// is bound (a partner may disconnect between match and lookup).
func (e *Engine) NameOrDefault(connID string) string {
	if name, ok := e.Name(connID); ok {
		return name
	}
	return "Anonymous"
}

// MatchOrEnqueue pairs the connection with the oldest live waiter or
// enqueues it. Partner notification is the caller's job, after this call
// returns and outside any lock.
func (e *Engine) MatchOrEnqueue(conn Conn) MatchResult {
	result := e.queue.MatchOrEnqueue(conn, e.rooms)
	if result.Outcome == Matched {
		e.logger.Info("room created",
			zap.String("room_id", result.Room.ID()),
			zap.Int("queue_len", e.queue.Len()),
		)
	}
	return result
}

// PartnerOf returns the connection's current partner, if it is paired.
func (e *Engine) PartnerOf(conn Conn) (Conn, bool) {
	return e.rooms.PartnerOf(conn.ID())
}

// QueueLen returns the waiting-pool occupancy estimate.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// RemoveAndGetPartner purges all engine state for a departing
// connection: its rate-limiter bucket, its display name, its queue
// bookkeeping if it was still waiting, and its room if it was paired.
//
// Postcondition: If the connection was a room member, the room is
// dissolved and the surviving partner is returned so the caller can
// notify it. Idempotent: a second call finds nothing, returns
// (nil, DepartureNone), and notifies nobody.
func (e *Engine) RemoveAndGetPartner(conn Conn) (Conn, Departure) {
	id := conn.ID()
	e.limiter.Remove(id)
	e.names.Delete(id)

	if e.queue.Forget(id) {
		// Still only a waiter. The FIFO entry is left for lazy cleanup;
		// the size counter may overestimate until it is purged.
		return nil, DepartureQueued
	}

	if partner, ok := e.rooms.Remove(id); ok {
		e.logger.Info("room dissolved",
			zap.String("conn_id", id),
			zap.String("partner_id", partner.ID()),
		)
		return partner, DepartureRoomed
	}
	return nil, DepartureNone
}
