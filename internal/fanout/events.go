// Package fanout delivers room events to every subscribed connection
// across server processes. Redis pub/sub is the only cross-process
// channel; each process dispatches received events to its local
// connections. Arrival order across processes is not seq order.
package fanout

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
)

// Broadcast event names. The admin-changed pair and the message pair are
// deliberate duplicates for older clients; keep each pair in sync.
const (
	EventMembers         = "room:members"
	EventNotice          = "room:notice"
	EventMemberJoined    = "member:joined"
	EventMemberLeft      = "member:left"
	EventMemberKicked    = "member:kicked"
	EventMemberPromoted  = "member:promoted"
	EventAdminChanged    = "room:admin-changed"
	EventAdminChangedAlt = "admin:changed"
	EventRoomStarted     = "room:started"
	EventRoomClosed      = "room:closed"
	EventMessageNew      = "message:new"
	EventMessageDisplay  = "message:received"
	EventTypingUpdate    = "typing:update"

	// Control events consumed by the transport layer, never forwarded to
	// clients: detach one member's connection, or every connection in the
	// room.
	EventDetachMember = "ctl:detach-member"
	EventDetachRoom   = "ctl:detach-room"
)

// Envelope is the wire shape published on a room's event channel. Target
// narrows delivery to one member's connection; empty means the whole
// room.
type Envelope struct {
	Event   string          `json:"event"`
	Room    domain.RoomID   `json:"room"`
	Target  domain.MemberID `json:"target,omitempty"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notice is the room:notice payload.
type Notice struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
}
