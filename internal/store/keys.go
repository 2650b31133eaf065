package store

import (
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

// Key schema. Everything a room owns hangs off its id so TTL refresh can
// walk the siblings; the two lookup keys and the active-room index are
// the only state outside that namespace.
const activeRoomsKey = "rooms:active"

func roomKey(id domain.RoomID) string     { return fmt.Sprintf("room:%s", id) }
func membersKey(id domain.RoomID) string  { return fmt.Sprintf("room:%s:members", id) }
func seqKey(id domain.RoomID) string      { return fmt.Sprintf("room:%s:seq", id) }
func recentKey(id domain.RoomID) string   { return fmt.Sprintf("room:%s:recent", id) }
func typingKey(id domain.RoomID) string   { return fmt.Sprintf("room:%s:typing", id) }
func presenceKey(id domain.RoomID) string { return fmt.Sprintf("room:%s:presence", id) }
func pendingKey(id domain.RoomID) string  { return fmt.Sprintf("room:%s:pending", id) }

func msgIDKey(id domain.RoomID, clientMsgID string) string {
	return fmt.Sprintf("room:%s:msgid:%s", id, clientMsgID)
}

func passphraseKey(p string) string { return fmt.Sprintf("room:passphrase:%s", p) }
func shortCodeKey(c string) string  { return fmt.Sprintf("room:shortcode:%s", c) }

// EventChannel is the pub/sub channel fan-out uses for a room. Declared
// here so channel naming stays next to the key schema.
func EventChannel(id domain.RoomID) string { return fmt.Sprintf("room:%s:events", id) }
