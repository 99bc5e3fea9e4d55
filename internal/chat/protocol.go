// Package chat implements the per-connection protocol state machine for
// the anonymous pairing chat: frame parsing, display-name validation,
// the join watchdog, and relay of messages between matched partners.
package chat

import "regexp"

// Inbound frame types.
const (
	TypeJoin    = "JOIN"
	TypeMessage = "MESSAGE"
	TypePing    = "PING"
)

// Outbound frame types.
const (
	TypePong                = "PONG"
	TypeWaiting             = "WAITING"
	TypeMatched             = "MATCHED"
	TypePartnerDisconnected = "PARTNER_DISCONNECTED"
	TypeError               = "ERROR"
)

// Match roles, informational for the client: the earlier waiter is the
// INITIATOR, the joiner that completed the match is the PEER.
const (
	RoleInitiator = "INITIATOR"
	RolePeer      = "PEER"
)

// ClientFrame is an inbound JSON frame. Name is a pointer so a JOIN with
// no name field (defaults to "Stranger") can be told apart from a JOIN
// with an empty name (rejected by validation).
type ClientFrame struct {
	Type    string  `json:"type"`
	Name    *string `json:"name,omitempty"`
	Content string  `json:"content,omitempty"`
}

// ServerFrame is an outbound JSON frame; Type discriminates and unset
// fields are omitted.
type ServerFrame struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	PartnerName string `json:"partnerName,omitempty"`
	Content     string `json:"content,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PongFrame is the liveness reply.
func PongFrame() ServerFrame {
	return ServerFrame{Type: TypePong}
}

// WaitingFrame tells the client it is enqueued with no partner yet.
func WaitingFrame() ServerFrame {
	return ServerFrame{Type: TypeWaiting}
}

// MatchedFrame announces a completed pairing.
func MatchedFrame(role, partnerName string) ServerFrame {
	return ServerFrame{Type: TypeMatched, Role: role, PartnerName: partnerName}
}

// PartnerDisconnectedFrame tells the survivor its room was dissolved.
func PartnerDisconnectedFrame() ServerFrame {
	return ServerFrame{Type: TypePartnerDisconnected}
}

// ErrorFrame reports a validation failure or transient error.
func ErrorFrame(message string) ServerFrame {
	return ServerFrame{Type: TypeError, Message: message}
}

// DefaultName is bound when a JOIN frame carries no name field at all.
const DefaultName = "Stranger"

// Display names may not contain structural or markup characters, since
// they are echoed verbatim to the partner. 1-50 runes.
var namePattern = regexp.MustCompile(`^[^<>{}\[\]\\/]{1,50}$`)

// ValidName reports whether the proposed display name passes the
// conservative allow-list.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// CloseReason classifies why the engine closes a connection. The
// transport maps it to a wire-level close code.
type CloseReason int

const (
	// ReasonNormal ends a paired partner's connection after room teardown.
	ReasonNormal CloseReason = iota
	// ReasonPolicyViolation covers the zombie timeout and chat before pairing.
	ReasonPolicyViolation
	// ReasonBadData covers unparseable frames.
	ReasonBadData
	// ReasonServerError covers queue-full and internal faults.
	ReasonServerError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonPolicyViolation:
		return "policy-violation"
	case ReasonBadData:
		return "bad-data"
	case ReasonServerError:
		return "server-error"
	}
	return "unknown"
}
