package chat

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/anonchat/internal/engine"
)

// DefaultJoinTimeout is the grace period a connection gets to complete
// JOIN before the watchdog closes it.
const DefaultJoinTimeout = 5 * time.Second

// Peer is the duplex channel a session drives. The transport layer
// implements it; Send and Close must tolerate concurrent use and Close
// must be idempotent.
type Peer interface {
	engine.Conn
	// Send writes one text frame to the client.
	Send(frame []byte) error
	// Close ends the connection with the given reason.
	Close(reason CloseReason) error
}

// Handler builds sessions for accepted connections. One Handler serves
// the whole process; it is safe for concurrent use.
type Handler struct {
	eng         *engine.Engine
	logger      *zap.Logger
	joinTimeout time.Duration
}

// NewHandler creates a Handler over the given engine.
//
// Precondition: eng and logger must be non-nil.
func NewHandler(eng *engine.Engine, logger *zap.Logger, joinTimeout time.Duration) *Handler {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Handler{eng: eng, logger: logger, joinTimeout: joinTimeout}
}

// Session is the per-connection protocol state machine. The transport
// feeds it inbound frames sequentially via HandleFrame and reports the
// end of the connection via HandleClose.
//
// The lifecycle is unauthenticated → waiting or matched → closed.
// Authentication state lives in the engine's name table: a connection is
// authenticated exactly when a display name is bound to it.
type Session struct {
	peer     Peer
	eng      *engine.Engine
	logger   *zap.Logger
	watchdog *time.Timer
}

// Attach creates a session for a newly accepted connection and arms the
// join watchdog: if the connection has not authenticated when the grace
// period ends, it is closed with a policy violation.
//
// Postcondition: Returns a Session ready to receive frames. The watchdog
// fires at most once and checks live state first, so it can never kill a
// connection that managed to JOIN in time.
func (h *Handler) Attach(peer Peer) *Session {
	s := &Session{
		peer:   peer,
		eng:    h.eng,
		logger: h.logger.With(zap.String("conn_id", peer.ID())),
	}
	s.logger.Info("connection established")

	s.watchdog = time.AfterFunc(h.joinTimeout, func() {
		if _, authed := s.eng.Name(peer.ID()); authed || !peer.IsOpen() {
			return
		}
		s.logger.Warn("kicking zombie connection")
		s.close(ReasonPolicyViolation)
	})
	return s
}

// HandleFrame processes one inbound text frame. Frames that exhaust the
// rate limiter are dropped silently; unparseable frames close the
// connection with a bad-data reason.
func (s *Session) HandleFrame(raw []byte) {
	if !s.eng.Allow(s.peer.ID()) {
		return
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("unparseable frame", zap.Error(err))
		s.close(ReasonBadData)
		return
	}

	switch frame.Type {
	case TypePing:
		s.send(PongFrame())
	case TypeJoin:
		s.handleJoin(frame)
	default:
		// MESSAGE and any unrecognized type ride the relay path.
		s.relay(raw)
	}
}

// HandleClose tears down the session after the transport reports the
// connection gone. If a partner existed, it is notified and closed too;
// the pairing model has no single-sided waiting state.
//
// Postcondition: Idempotent. A second call finds no engine state and
// sends nothing.
func (s *Session) HandleClose() {
	s.watchdog.Stop()

	partner, departure := s.eng.RemoveAndGetPartner(s.peer)
	s.logger.Info("connection closed",
		zap.Bool("was_paired", departure == engine.DepartureRoomed),
	)

	if departure != engine.DepartureRoomed || partner == nil || !partner.IsOpen() {
		return
	}
	if p, ok := partner.(Peer); ok {
		s.deliver(p, PartnerDisconnectedFrame())
		if err := p.Close(ReasonNormal); err != nil {
			s.logger.Debug("closing partner", zap.Error(err))
		}
	}
}

func (s *Session) handleJoin(frame ClientFrame) {
	name := DefaultName
	if frame.Name != nil {
		name = *frame.Name
	}

	if !ValidName(name) {
		s.logger.Warn("rejected display name", zap.Int("length", len(name)))
		s.send(ErrorFrame("invalid name: 1-50 characters, no markup characters"))
		return
	}

	// First valid JOIN wins; later JOIN frames are no-ops.
	if !s.eng.BindName(s.peer.ID(), name) {
		return
	}
	s.watchdog.Stop()

	result := s.eng.MatchOrEnqueue(s.peer)
	switch result.Outcome {
	case engine.Matched:
		// Notify both parties outside any engine lock. The earlier
		// waiter is the INITIATOR, this session the PEER.
		if partner, ok := result.Partner.(Peer); ok {
			s.deliver(partner, MatchedFrame(RoleInitiator, name))
		}
		s.send(MatchedFrame(RolePeer, s.eng.NameOrDefault(result.Partner.ID())))
	case engine.Waiting, engine.AlreadyQueued:
		s.send(WaitingFrame())
	case engine.QueueFull:
		s.logger.Warn("matchmaking queue full")
		s.send(ErrorFrame("queue full"))
		s.close(ReasonServerError)
	case engine.AlreadyInRoom:
		s.logger.Error("join from paired connection")
		s.send(ErrorFrame("system error"))
		s.close(ReasonServerError)
	}
}

// relay forwards the raw frame verbatim to the partner. Chat before
// authentication is a policy violation; a missing or closed partner is a
// soft error because the sender may simply have lost its match to a
// race.
func (s *Session) relay(raw []byte) {
	if _, authed := s.eng.Name(s.peer.ID()); !authed {
		s.close(ReasonPolicyViolation)
		return
	}

	partner, ok := s.eng.PartnerOf(s.peer)
	if !ok || !partner.IsOpen() {
		s.send(ErrorFrame("no partner connected"))
		return
	}
	if p, ok := partner.(Peer); ok {
		if err := p.Send(raw); err != nil {
			s.logger.Debug("forwarding to partner", zap.Error(err))
		}
	}
}

// send marshals and writes a frame to this session's own peer. Transport
// faults are logged and suppressed; they never propagate to the partner.
func (s *Session) send(frame ServerFrame) {
	s.deliver(s.peer, frame)
}

func (s *Session) deliver(p Peer, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("encoding frame", zap.Error(err))
		return
	}
	if err := p.Send(data); err != nil {
		s.logger.Debug("sending frame",
			zap.String("to", p.ID()),
			zap.String("frame_type", frame.Type),
			zap.Error(err),
		)
	}
}

func (s *Session) close(reason CloseReason) {
	if err := s.peer.Close(reason); err != nil {
		s.logger.Debug("closing connection",
			zap.String("reason", reason.String()),
			zap.Error(err),
		)
	}
}
