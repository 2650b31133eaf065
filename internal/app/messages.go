package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/ident"
)

// SendResult reports the assigned seq, or Duplicate when the client
// idempotency token had already been claimed.
type SendResult struct {
	Seq       int64            `json:"seq,omitempty"`
	MsgID     domain.MessageID `json:"msgId,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// Send runs the message pipeline: validate, claim the idempotency token,
// take the next seq, append to the bounded log, broadcast, clear the
// sender's typing entry.
//
// A sender absent from the authoritative member map means another
// process kicked them or closed the room while this connection still
// believed itself attached; ErrMemberNotFound tells the transport layer
// to detach the stale session.
func (s *Service) Send(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID, text, clientMsgID string) (*SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrTextEmpty
	}
	if len(text) > domain.MaxMessageLen {
		return nil, domain.ErrTextTooLong
	}
	if len(clientMsgID) > domain.MaxClientMsgIDLen {
		clientMsgID = clientMsgID[:domain.MaxClientMsgIDLen]
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Closed() {
		return nil, domain.ErrRoomClosed
	}
	if room.Status != domain.RoomChatting {
		return nil, domain.ErrRoomNotStarted
	}

	sender, err := s.store.GetMember(ctx, roomID, memberID)
	if err != nil {
		return nil, err
	}

	if clientMsgID != "" {
		fresh, err := s.store.RegisterMessageID(ctx, roomID, clientMsgID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			// Repeat token: no new seq, no re-broadcast.
			return &SendResult{Duplicate: true}, nil
		}
	}

	seq, err := s.store.NextSeq(ctx, roomID)
	if err != nil {
		return nil, err
	}
	msg := &domain.Message{
		Seq:      seq,
		ID:       ident.NewMessageID(),
		TS:       nowMs(),
		From:     sender.Name,
		FromID:   sender.ID,
		Avatar:   sender.Avatar,
		Text:     text,
		ServerID: s.serverID,
	}
	if err := s.store.AppendMessage(ctx, roomID, msg); err != nil {
		return nil, err
	}
	s.refreshTTL(ctx, room)

	s.publish(ctx, roomID, fanout.EventMessageNew, msg)
	s.publish(ctx, roomID, fanout.EventMessageDisplay, msg.Display())

	if err := s.store.ClearTyping(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("typing clear failed on send")
	}
	s.broadcastTyping(ctx, roomID)

	return &SendResult{Seq: seq, MsgID: msg.ID}, nil
}

// TypingStart records the sender's typing indicator. Absence from the
// member map is reported so the transport detaches, same as Send.
func (s *Service) TypingStart(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) error {
	member, err := s.store.GetMember(ctx, roomID, memberID)
	if err != nil {
		return err
	}
	e := domain.TypingEntry{MemberID: memberID, Name: member.Name, TS: nowMs()}
	if err := s.store.SetTyping(ctx, roomID, e); err != nil {
		return err
	}
	s.broadcastTyping(ctx, roomID)
	return nil
}

func (s *Service) TypingStop(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) error {
	if err := s.store.ClearTyping(ctx, roomID, memberID); err != nil {
		return err
	}
	s.broadcastTyping(ctx, roomID)
	return nil
}

// Heartbeat refreshes the member's presence timestamp. Failures are
// tolerated; the next tick retries.
func (s *Service) Heartbeat(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) error {
	return s.store.TouchPresence(ctx, roomID, memberID, nowMs())
}
