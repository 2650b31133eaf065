// Package hub is the per-process registry of live websocket
// connections. It holds the rebindable session context for each
// connection (which room/member it currently represents) and the cancel
// func that stops the connection's periodic work. Nothing here is
// authoritative room state; that lives in the store.
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// Conn is the transport handle the hub fans out to. Owned by the
// adapter; the adapter must Close it.
type Conn interface {
	TrySend(data []byte) error
	Close()
}

// Binding is a snapshot of a connection's session context.
type Binding struct {
	ConnID   domain.ConnID
	RoomID   domain.RoomID
	MemberID domain.MemberID
	Name     string
}

type entry struct {
	conn     Conn
	binding  Binding
	cancel   context.CancelFunc
	hbCancel context.CancelFunc
}

// Watcher is notified when a room gains its first local connection or
// loses its last one. The fanout broadcaster uses this to manage
// per-room subscriptions.
type Watcher interface {
	Subscribe(ctx context.Context, roomID domain.RoomID)
	Unsubscribe(ctx context.Context, roomID domain.RoomID)
}

type Hub struct {
	mu      sync.RWMutex
	conns   map[domain.ConnID]*entry
	byRoom  map[domain.RoomID]map[domain.ConnID]struct{}
	watcher Watcher
}

func New(watcher Watcher) *Hub {
	return &Hub{
		conns:   make(map[domain.ConnID]*entry),
		byRoom:  make(map[domain.RoomID]map[domain.ConnID]struct{}),
		watcher: watcher,
	}
}

// Register binds a fresh connection with no room context yet.
func (h *Hub) Register(connID domain.ConnID, conn Conn, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = &entry{conn: conn, binding: Binding{ConnID: connID}, cancel: cancel}
	log.Info().Str("module", "hub").Str("conn", string(connID)).Msg("connection registered")
}

// BindRoom attaches room/member context to a connection. Rebinding to a
// different room moves the subscription reference.
func (h *Hub) BindRoom(ctx context.Context, connID domain.ConnID, roomID domain.RoomID, memberID domain.MemberID, name string) {
	h.mu.Lock()
	e, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	prev := e.binding.RoomID
	e.binding.RoomID = roomID
	e.binding.MemberID = memberID
	e.binding.Name = name
	if prev != roomID {
		h.detachRoomLocked(ctx, connID, prev)
		if h.byRoom[roomID] == nil {
			h.byRoom[roomID] = make(map[domain.ConnID]struct{})
		}
		first := len(h.byRoom[roomID]) == 0
		h.byRoom[roomID][connID] = struct{}{}
		h.mu.Unlock()
		if first && h.watcher != nil {
			h.watcher.Subscribe(ctx, roomID)
		}
	} else {
		h.mu.Unlock()
	}
	log.Info().Str("module", "hub").Str("conn", string(connID)).Str("room", string(roomID)).Str("member", string(memberID)).Msg("session bound")
}

// ClearRoom drops the room context but keeps the connection alive. Also
// cancels any heartbeat attached to the binding.
func (h *Hub) ClearRoom(ctx context.Context, connID domain.ConnID) {
	h.mu.Lock()
	e, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	roomID := e.binding.RoomID
	e.binding.RoomID = ""
	e.binding.MemberID = ""
	e.binding.Name = ""
	if e.hbCancel != nil {
		e.hbCancel()
		e.hbCancel = nil
	}
	h.detachRoomLocked(ctx, connID, roomID)
	h.mu.Unlock()
}

// detachRoomLocked removes connID from a room's local set and
// unsubscribes on last-out. Caller holds the lock; the watcher call is
// made after unlock by the callers when needed, so this defers it.
func (h *Hub) detachRoomLocked(ctx context.Context, connID domain.ConnID, roomID domain.RoomID) {
	if roomID == "" {
		return
	}
	set, ok := h.byRoom[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.byRoom, roomID)
		if h.watcher != nil {
			// Safe to call under lock: the broadcaster has its own mutex
			// and never calls back into the hub.
			h.watcher.Unsubscribe(ctx, roomID)
		}
	}
}

// SetHeartbeatCancel stores the cancel for the connection's presence
// ticker so ClearRoom/Unregister stop it. Any previous ticker is
// cancelled first.
func (h *Hub) SetHeartbeatCancel(connID domain.ConnID, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.conns[connID]
	if !ok {
		cancel()
		return
	}
	if e.hbCancel != nil {
		e.hbCancel()
	}
	e.hbCancel = cancel
}

// Unregister removes the connection entirely and returns its last
// binding so the caller can mark the member pending-disconnect.
func (h *Hub) Unregister(ctx context.Context, connID domain.ConnID) (Binding, bool) {
	h.mu.Lock()
	e, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return Binding{}, false
	}
	b := e.binding
	if e.hbCancel != nil {
		e.hbCancel()
	}
	h.detachRoomLocked(ctx, connID, b.RoomID)
	delete(h.conns, connID)
	h.mu.Unlock()
	log.Info().Str("module", "hub").Str("conn", string(connID)).Msg("connection unregistered")
	return b, ok
}

// BindingOf returns the current session context of a connection.
func (h *Hub) BindingOf(connID domain.ConnID) (Binding, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.conns[connID]
	if !ok {
		return Binding{}, false
	}
	return e.binding, true
}

// RoomConns snapshots the local connections attached to a room.
func (h *Hub) RoomConns(roomID domain.RoomID) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byRoom[roomID]
	out := make([]Conn, 0, len(set))
	for connID := range set {
		if e, ok := h.conns[connID]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// RoomConnIDs snapshots the ids of local connections in a room.
func (h *Hub) RoomConnIDs(roomID domain.RoomID) []domain.ConnID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byRoom[roomID]
	out := make([]domain.ConnID, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// MemberConn finds the local connection currently bound to a member, if
// that member is connected through this process.
func (h *Hub) MemberConn(roomID domain.RoomID, memberID domain.MemberID) (domain.ConnID, Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.byRoom[roomID] {
		e, ok := h.conns[connID]
		if ok && e.binding.MemberID == memberID {
			return connID, e.conn, true
		}
	}
	return "", nil, false
}

// Cancel stops a connection's pumps via its registered cancel func.
func (h *Hub) Cancel(connID domain.ConnID) {
	h.mu.RLock()
	e, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// ConnCount is the number of live local connections (for server-info).
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
