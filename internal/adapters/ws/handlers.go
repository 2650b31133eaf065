package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// Inbound frame types mirror the event vocabulary clients already speak.
const (
	frameJoin        = "room:join"
	frameRejoin      = "room:rejoin"
	frameStart       = "room:start"
	frameClose       = "room:close"
	frameSend        = "message:send"
	frameTypingStart = "typing:start"
	frameTypingStop  = "typing:stop"
	frameKick        = "member:kick"
	framePromote     = "member:promote"
	frameHeartbeat   = "heartbeat"
	frameWhoAmI      = "whoami"
)

type ack struct {
	Type  string `json:"type"`
	RID   string `json:"rid,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal failed")
		return
	}
	_ = c.TrySend(data)
}

func (ctl *Controller) ackOK(c *wsConn, rid string, data any) {
	ctl.sendJSON(c, ack{Type: "ack", RID: rid, OK: true, Data: data})
}

func (ctl *Controller) ackErr(c *wsConn, rid string, err error) {
	ctl.sendJSON(c, ack{Type: "ack", RID: rid, OK: false, Error: err.Error()})
}

func (ctl *Controller) handleFrame(ctx context.Context, connID domain.ConnID, c *wsConn, remoteAddr string, data []byte) {
	var env struct {
		Type string `json:"type"`
		RID  string `json:"rid"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("bad frame")
		return
	}

	if !ctl.limiter.Allow(remoteAddr) {
		ctl.ackErr(c, env.RID, errors.New("too many requests, slow down"))
		return
	}

	switch env.Type {
	case frameJoin:
		ctl.handleJoin(ctx, connID, c, env.RID, data)
	case frameRejoin:
		ctl.handleRejoin(ctx, connID, c, data)
	case frameStart:
		ctl.handleStart(ctx, connID, c, env.RID)
	case frameSend:
		ctl.handleSend(ctx, connID, c, env.RID, data)
	case frameTypingStart:
		ctl.handleTyping(ctx, connID, c, true)
	case frameTypingStop:
		ctl.handleTyping(ctx, connID, c, false)
	case frameKick:
		ctl.handleKick(ctx, connID, c, env.RID, data)
	case framePromote:
		ctl.handlePromote(ctx, connID, c, env.RID, data)
	case frameClose:
		ctl.handleClose(ctx, connID, c, env.RID)
	case frameHeartbeat:
		ctl.handleHeartbeat(ctx, connID)
	case frameWhoAmI:
		ctl.sendJSON(c, map[string]any{"type": "whoami", "serverId": ctl.serverID})
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown frame type")
	}
}

// joinPayload tolerates the alternate field names older clients send;
// canonical() collapses them once, here at the boundary.
type joinPayload struct {
	RoomID    string `json:"roomId"`
	Name      string `json:"name"`
	UserName  string `json:"userName"`
	Avatar    string `json:"avatar"`
	UserIcon  string `json:"userAvatar"`
	IsCreator bool   `json:"isCreator"`
}

func (p joinPayload) canonical() (roomID domain.RoomID, name, avatar string) {
	name = p.Name
	if name == "" {
		name = p.UserName
	}
	avatar = p.Avatar
	if avatar == "" {
		avatar = p.UserIcon
	}
	return domain.RoomID(strings.TrimSpace(p.RoomID)), strings.TrimSpace(name), avatar
}

func (ctl *Controller) handleJoin(ctx context.Context, connID domain.ConnID, c *wsConn, rid string, data []byte) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.ackErr(c, rid, errors.New("bad payload"))
		return
	}
	roomID, name, avatar := p.canonical()

	res, err := ctl.svc.Join(ctx, roomID, connID, name, avatar, p.IsCreator)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.hub.BindRoom(ctx, connID, roomID, res.MemberID, name)
	ctl.startHeartbeat(connID, roomID, res.MemberID)

	ctl.sendJSON(c, map[string]any{
		"type":     "room:joined",
		"ok":       true,
		"roomId":   roomID,
		"memberId": res.MemberID,
		"isAdmin":  res.IsAdmin,
		"room":     res.Room,
		"members":  res.Members,
		"recent":   res.Recent,
		"serverId": res.ServerID,
	})
	ctl.ackOK(c, rid, map[string]any{"memberId": res.MemberID})
}

type rejoinPayload struct {
	RoomID      string `json:"roomId"`
	MemberID    string `json:"memberId"`
	LastSeenSeq int64  `json:"lastSeenSeq"`
}

// rejoinReason maps operation failures onto the reason vocabulary of
// room:rejoin-failed.
func rejoinReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingTarget):
		return "missing-params"
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, domain.ErrRoomClosed):
		return "room-closed"
	case errors.Is(err, domain.ErrMemberNotFound):
		return "member-not-found"
	case errors.Is(err, domain.ErrInvalidData):
		return "invalid-data"
	default:
		return "server-error"
	}
}

func (ctl *Controller) handleRejoin(ctx context.Context, connID domain.ConnID, c *wsConn, data []byte) {
	var p rejoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, map[string]any{"type": "room:rejoin-failed", "reason": "invalid-data"})
		return
	}
	roomID := domain.RoomID(strings.TrimSpace(p.RoomID))
	memberID := domain.MemberID(strings.TrimSpace(p.MemberID))

	res, err := ctl.svc.Rejoin(ctx, roomID, memberID, connID, p.LastSeenSeq)
	if err != nil {
		log.Info().Err(err).Str("module", "ws").Str("conn", string(connID)).Str("room", string(roomID)).Msg("rejoin failed")
		ctl.sendJSON(c, map[string]any{"type": "room:rejoin-failed", "reason": rejoinReason(err)})
		return
	}
	ctl.hub.BindRoom(ctx, connID, roomID, memberID, "")
	ctl.startHeartbeat(connID, roomID, memberID)

	ctl.sendJSON(c, map[string]any{
		"type":     "room:joined",
		"ok":       true,
		"roomId":   roomID,
		"memberId": res.MemberID,
		"isAdmin":  res.IsAdmin,
		"room":     res.Room,
		"members":  res.Members,
		"recent":   res.Recent,
		"missed":   res.Missed,
		"serverId": res.ServerID,
	})
}

// boundSession pulls the connection's room binding, rejecting frames
// from connections that never joined.
func (ctl *Controller) boundSession(connID domain.ConnID) (domain.RoomID, domain.MemberID, error) {
	b, ok := ctl.hub.BindingOf(connID)
	if !ok || b.RoomID == "" || b.MemberID == "" {
		return "", "", domain.ErrNotInRoom
	}
	return b.RoomID, b.MemberID, nil
}

// isDrift reports that the authoritative store no longer knows this
// session: another process kicked the member, closed the room, or the
// room expired. The stale session gets detached, no retry.
func isDrift(err error) bool {
	return errors.Is(err, domain.ErrMemberNotFound) || errors.Is(err, domain.ErrRoomNotFound)
}

func (ctl *Controller) handleStart(ctx context.Context, connID domain.ConnID, c *wsConn, rid string) {
	roomID, memberID, err := ctl.boundSession(connID)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	if err := ctl.svc.Start(ctx, roomID, memberID); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ackOK(c, rid, nil)
}

type sendPayload struct {
	Text        string `json:"text"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMsgId"`
}

func (p sendPayload) canonical() (text, clientMsgID string) {
	text = p.Text
	if text == "" {
		text = p.Content
	}
	return text, p.ClientMsgID
}

func (ctl *Controller) handleSend(ctx context.Context, connID domain.ConnID, c *wsConn, rid string, data []byte) {
	roomID, memberID, err := ctl.boundSession(connID)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.ackErr(c, rid, errors.New("bad payload"))
		return
	}
	text, clientMsgID := p.canonical()

	res, err := ctl.svc.Send(ctx, roomID, memberID, text, clientMsgID)
	if err != nil {
		if isDrift(err) {
			ctl.detachSession(connID)
		}
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ackOK(c, rid, res)
}

func (ctl *Controller) handleTyping(ctx context.Context, connID domain.ConnID, c *wsConn, start bool) {
	roomID, memberID, err := ctl.boundSession(connID)
	if err != nil {
		return
	}
	if start {
		err = ctl.svc.TypingStart(ctx, roomID, memberID)
	} else {
		err = ctl.svc.TypingStop(ctx, roomID, memberID)
	}
	if err != nil {
		if isDrift(err) {
			ctl.detachSession(connID)
		}
		log.Debug().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("typing update failed")
	}
}

// targetPayload tolerates "memberId" or the bare "id" older clients
// send. Member id is authoritative; there is no fallback matching on
// connection refs.
type targetPayload struct {
	MemberID string `json:"memberId"`
	ID       string `json:"id"`
}

func (p targetPayload) canonical() domain.MemberID {
	id := p.MemberID
	if id == "" {
		id = p.ID
	}
	return domain.MemberID(strings.TrimSpace(id))
}

func (ctl *Controller) handleKick(ctx context.Context, connID domain.ConnID, c *wsConn, rid string, data []byte) {
	roomID, actorID, err := ctl.boundSession(connID)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	var p targetPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.ackErr(c, rid, errors.New("bad payload"))
		return
	}
	if err := ctl.svc.Kick(ctx, roomID, actorID, p.canonical()); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ackOK(c, rid, nil)
}

func (ctl *Controller) handlePromote(ctx context.Context, connID domain.ConnID, c *wsConn, rid string, data []byte) {
	roomID, actorID, err := ctl.boundSession(connID)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	var p targetPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.ackErr(c, rid, errors.New("bad payload"))
		return
	}
	if err := ctl.svc.Promote(ctx, roomID, actorID, p.canonical()); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ackOK(c, rid, nil)
}

func (ctl *Controller) handleClose(ctx context.Context, connID domain.ConnID, c *wsConn, rid string) {
	roomID, actorID, err := ctl.boundSession(connID)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	if err := ctl.svc.Close(ctx, roomID, actorID); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ackOK(c, rid, nil)
}

// Client heartbeat frames touch presence in addition to the server-side
// ticker; either is enough to stay fresh.
func (ctl *Controller) handleHeartbeat(ctx context.Context, connID domain.ConnID) {
	roomID, memberID, err := ctl.boundSession(connID)
	if err != nil {
		return
	}
	if err := ctl.svc.Heartbeat(ctx, roomID, memberID); err != nil {
		log.Debug().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("heartbeat frame failed")
	}
}
