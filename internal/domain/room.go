// Package domain contains entities shared by every layer. No transport
// or storage logic lives here.
package domain

type RoomID string

// RoomStatus is the room lifecycle: waiting -> chatting -> closed.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomChatting RoomStatus = "chatting"
	RoomClosed   RoomStatus = "closed"
)

const (
	MaxRoomNameLen  = 100
	DefaultRoomName = "Chat Room"
)

// Room is the persisted room record. AdminID is empty before the creator
// joins and after an eviction that found no eligible candidate.
type Room struct {
	ID         RoomID     `json:"id"`
	Passphrase string     `json:"passphrase"`
	ShortCode  string     `json:"shortCode"`
	Name       string     `json:"name"`
	Avatar     string     `json:"avatar"`
	CreatedAt  int64      `json:"createdAt"`
	CreatedBy  MemberID   `json:"createdBy,omitempty"`
	AdminID    MemberID   `json:"adminId,omitempty"`
	Status     RoomStatus `json:"status"`
}

func (r *Room) Closed() bool { return r.Status == RoomClosed }
