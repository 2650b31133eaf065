package domain

import "errors"

// Operation failures surfaced to clients. Handlers map these onto ack
// payloads; anything not in this list is reported as a generic failure.
var (
	ErrNotInRoom       = errors.New("not in a room")
	ErrRoomNotFound    = errors.New("room not found or expired")
	ErrRoomClosed      = errors.New("room is closed")
	ErrRoomNotStarted  = errors.New("chat has not started yet")
	ErrNotAdmin        = errors.New("admin role required")
	ErrCannotKickAdmin = errors.New("cannot kick an admin")
	ErrPromoteSelf     = errors.New("cannot promote yourself")
	ErrMemberNotFound  = errors.New("member not found")
	ErrMissingTarget   = errors.New("no target specified")
	ErrNameEmpty       = errors.New("name is empty")
	ErrNameTooLong     = errors.New("name too long")
	ErrTextEmpty       = errors.New("empty message")
	ErrTextTooLong     = errors.New("message too long")
	ErrNeedTwoMembers  = errors.New("need at least 2 members to start")
	ErrInvalidData     = errors.New("invalid stored data")
)
