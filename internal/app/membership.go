package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/ident"
)

// JoinResult is everything a freshly joined client needs to render the
// room.
type JoinResult struct {
	Room     RoomInfo                `json:"room"`
	MemberID domain.MemberID         `json:"memberId"`
	IsAdmin  bool                    `json:"isAdmin"`
	Members  []*domain.Member        `json:"members"`
	Recent   []domain.DisplayMessage `json:"recent"`
	ServerID string                  `json:"serverId"`
}

// Join creates a Connected member. The creator, or anyone joining a room
// that currently has no admin, becomes admin.
func (s *Service) Join(ctx context.Context, roomID domain.RoomID, connID domain.ConnID, name, avatar string, isCreator bool) (*JoinResult, error) {
	if roomID == "" {
		return nil, domain.ErrMissingTarget
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrNameEmpty
	}
	if len(name) > domain.MaxMemberNameLen {
		return nil, domain.ErrNameTooLong
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Closed() {
		return nil, domain.ErrRoomClosed
	}

	if avatar == "" || len(avatar) > domain.MaxAvatarLen {
		avatar = ident.RandomAvatar()
	}
	member := &domain.Member{
		ID:       ident.NewMemberID(),
		ConnID:   connID,
		Name:     name,
		Avatar:   avatar,
		Role:     domain.RoleMember,
		JoinedAt: nowMs(),
	}
	if isCreator || room.AdminID == "" {
		member.Role = domain.RoleAdmin
		room.AdminID = member.ID
		if room.CreatedBy == "" {
			room.CreatedBy = member.ID
		}
		if err := s.store.SaveRoom(ctx, room); err != nil {
			return nil, err
		}
	}

	if err := s.store.PutMember(ctx, roomID, member); err != nil {
		return nil, err
	}
	if err := s.store.TouchPresence(ctx, roomID, member.ID, nowMs()); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("presence write failed on join")
	}
	s.refreshTTL(ctx, room)

	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.RecentMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, roomID, fanout.EventMemberJoined, map[string]any{"member": member})
	s.notice(ctx, roomID, member.Name+" joined", "join")
	s.broadcastMembers(ctx, roomID)
	s.broadcastTyping(ctx, roomID)

	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(member.ID)).Bool("admin", member.IsAdmin()).Msg("member joined")
	return &JoinResult{
		Room:     s.roomInfo(room),
		MemberID: member.ID,
		IsAdmin:  member.IsAdmin(),
		Members:  members,
		Recent:   displayAll(recent),
		ServerID: s.serverID,
	}, nil
}

// RejoinResult adds the catch-up slice: stored messages with seq greater
// than the client's last seen. Clients still dedupe by message id.
type RejoinResult struct {
	JoinResult
	Missed []domain.DisplayMessage `json:"missed"`
}

// Rejoin rebinds an existing member to a new connection within the grace
// window. Identity and role are preserved.
func (s *Service) Rejoin(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID, connID domain.ConnID, lastSeenSeq int64) (*RejoinResult, error) {
	if roomID == "" || memberID == "" {
		return nil, domain.ErrMissingTarget
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Closed() {
		return nil, domain.ErrRoomClosed
	}
	member, err := s.store.GetMember(ctx, roomID, memberID)
	if err != nil {
		return nil, err
	}

	member.ConnID = connID
	member.DisconnectedAt = 0
	if err := s.store.PutMember(ctx, roomID, member); err != nil {
		return nil, err
	}
	if err := s.store.ClearPending(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("pending clear failed on rejoin")
	}
	if err := s.store.TouchPresence(ctx, roomID, memberID, nowMs()); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("presence write failed on rejoin")
	}
	s.refreshTTL(ctx, room)

	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.RecentMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	missed, err := s.store.MessagesAfter(ctx, roomID, lastSeenSeq)
	if err != nil {
		return nil, err
	}

	s.broadcastMembers(ctx, roomID)
	s.broadcastTyping(ctx, roomID)

	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(memberID)).Int64("last_seen", lastSeenSeq).Int("missed", len(missed)).Msg("member rejoined")
	return &RejoinResult{
		JoinResult: JoinResult{
			Room:     s.roomInfo(room),
			MemberID: member.ID,
			IsAdmin:  member.IsAdmin(),
			Members:  members,
			Recent:   displayAll(recent),
			ServerID: s.serverID,
		},
		Missed: displayAll(missed),
	}, nil
}

// MarkPendingDisconnect moves a member to pending-disconnect: the
// connection ref is cleared and the disconnect time recorded (first
// write wins, so repeated calls are idempotent). Invoked on transport
// teardown and by the sweep on heartbeat staleness.
//
// connID is the connection whose teardown triggered the call. A member
// who already rebound to a newer connection is left alone: dead
// connections can linger until their read timeout long after the rejoin
// superseded them.
func (s *Service) MarkPendingDisconnect(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID, connID domain.ConnID) error {
	member, err := s.store.GetMember(ctx, roomID, memberID)
	if err != nil {
		if err == domain.ErrMemberNotFound {
			return nil // already evicted or kicked
		}
		return err
	}
	if connID != "" && member.ConnID != connID {
		log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(memberID)).Msg("stale teardown ignored, member rebound")
		return nil
	}
	ts := nowMs()
	if member.Connected() || member.DisconnectedAt == 0 {
		member.ConnID = ""
		member.DisconnectedAt = ts
		if err := s.store.PutMember(ctx, roomID, member); err != nil {
			return err
		}
	}
	if err := s.store.MarkPending(ctx, roomID, memberID, ts); err != nil {
		return err
	}
	if err := s.store.ClearTyping(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("typing clear failed on disconnect")
	}
	s.broadcastMembers(ctx, roomID)
	s.broadcastTyping(ctx, roomID)
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(memberID)).Msg("member pending disconnect")
	return nil
}

// Evict permanently removes a member whose grace window elapsed, then
// rotates admin if needed.
func (s *Service) Evict(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) error {
	member, err := s.store.GetMember(ctx, roomID, memberID)
	if err != nil {
		if err == domain.ErrMemberNotFound {
			// Already gone; make sure the pending entry follows.
			return s.store.ClearPending(ctx, roomID, memberID)
		}
		return err
	}
	if member.Connected() {
		// Rebound since the pending entry was written. Drop the entry,
		// keep the member.
		return s.store.ClearPending(ctx, roomID, memberID)
	}
	if err := s.removeMemberState(ctx, roomID, memberID); err != nil {
		return err
	}

	s.publish(ctx, roomID, fanout.EventMemberLeft, map[string]any{"memberId": member.ID, "name": member.Name})
	s.notice(ctx, roomID, member.Name+" left", "leave")

	if member.IsAdmin() {
		if err := s.rotateAdmin(ctx, roomID); err != nil {
			log.Error().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("admin rotation failed")
		}
	}
	s.broadcastMembers(ctx, roomID)
	s.broadcastTyping(ctx, roomID)
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(memberID)).Msg("member evicted")
	return nil
}

// removeMemberState deletes the member record plus its presence, typing
// and pending entries.
func (s *Service) removeMemberState(ctx context.Context, roomID domain.RoomID, memberID domain.MemberID) error {
	if err := s.store.DeleteMember(ctx, roomID, memberID); err != nil {
		return err
	}
	if err := s.store.ClearPresence(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("presence clear failed")
	}
	if err := s.store.ClearTyping(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("typing clear failed")
	}
	if err := s.store.ClearPending(ctx, roomID, memberID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("pending clear failed")
	}
	return nil
}

// rotateAdmin promotes the Connected member with the smallest joinedAt.
// With no eligible candidate the room stays admin-less until the next
// join self-promotes.
func (s *Service) rotateAdmin(ctx context.Context, roomID domain.RoomID) error {
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return err
	}
	var candidate *domain.Member
	for _, m := range members {
		if m.Connected() {
			candidate = m // members are joinedAt ascending
			break
		}
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if candidate == nil {
		room.AdminID = ""
		return s.store.SaveRoom(ctx, room)
	}
	candidate.Role = domain.RoleAdmin
	if err := s.store.PutMember(ctx, roomID, candidate); err != nil {
		return err
	}
	room.AdminID = candidate.ID
	if err := s.store.SaveRoom(ctx, room); err != nil {
		return err
	}
	s.publishTo(ctx, roomID, candidate.ID, fanout.EventMemberPromoted, map[string]any{"memberId": candidate.ID, "name": candidate.Name})
	s.notice(ctx, roomID, candidate.Name+" is now the admin (previous admin left)", "promote")
	s.publish(ctx, roomID, fanout.EventAdminChanged, map[string]any{"adminId": candidate.ID, "adminName": candidate.Name})
	s.publish(ctx, roomID, fanout.EventAdminChangedAlt, map[string]any{"newAdminId": candidate.ID, "newAdminName": candidate.Name})
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(candidate.ID)).Msg("admin rotated")
	return nil
}

// Kick removes a member immediately, bypassing the grace window. Actor
// must be admin; admins cannot be kicked. The target's connection is
// force-detached wherever it lives.
func (s *Service) Kick(ctx context.Context, roomID domain.RoomID, actorID, targetID domain.MemberID) error {
	actor, err := s.requireAdmin(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if targetID == "" {
		return domain.ErrMissingTarget
	}
	target, err := s.store.GetMember(ctx, roomID, targetID)
	if err != nil {
		return err
	}
	if target.IsAdmin() {
		return domain.ErrCannotKickAdmin
	}
	if err := s.removeMemberState(ctx, roomID, targetID); err != nil {
		return err
	}

	kicked := map[string]any{"memberId": target.ID, "name": target.Name, "kickedBy": actor.Name}
	s.publishTo(ctx, roomID, target.ID, fanout.EventMemberKicked, kicked)
	s.publishTo(ctx, roomID, target.ID, fanout.EventDetachMember, nil)
	s.publish(ctx, roomID, fanout.EventMemberKicked, kicked)
	s.notice(ctx, roomID, target.Name+" was removed by admin", "kick")
	s.broadcastMembers(ctx, roomID)
	s.broadcastTyping(ctx, roomID)
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(targetID)).Str("by", string(actorID)).Msg("member kicked")
	return nil
}

// Promote hands the admin role to target and demotes the actor in the
// same logical step. Concurrent promotes may both pass the admin check;
// last writer wins on room.AdminID, which is accepted.
func (s *Service) Promote(ctx context.Context, roomID domain.RoomID, actorID, targetID domain.MemberID) error {
	actor, err := s.requireAdmin(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if targetID == "" {
		return domain.ErrMissingTarget
	}
	if targetID == actorID {
		return domain.ErrPromoteSelf
	}
	target, err := s.store.GetMember(ctx, roomID, targetID)
	if err != nil {
		return err
	}

	target.Role = domain.RoleAdmin
	if err := s.store.PutMember(ctx, roomID, target); err != nil {
		return err
	}
	actor.Role = domain.RoleMember
	if err := s.store.PutMember(ctx, roomID, actor); err != nil {
		return err
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room.AdminID = target.ID
	if err := s.store.SaveRoom(ctx, room); err != nil {
		return err
	}

	promoted := map[string]any{"memberId": target.ID, "name": target.Name}
	s.publishTo(ctx, roomID, target.ID, fanout.EventMemberPromoted, promoted)
	s.publish(ctx, roomID, fanout.EventMemberPromoted, promoted)
	s.notice(ctx, roomID, target.Name+" is now the admin", "promote")
	s.publish(ctx, roomID, fanout.EventAdminChanged, map[string]any{"adminId": target.ID, "adminName": target.Name})
	s.publish(ctx, roomID, fanout.EventAdminChangedAlt, map[string]any{"newAdminId": target.ID, "newAdminName": target.Name})
	s.broadcastMembers(ctx, roomID)
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(targetID)).Str("by", string(actorID)).Msg("member promoted")
	return nil
}

// Start flips the room from waiting to chatting. Requires admin and at
// least two members.
func (s *Service) Start(ctx context.Context, roomID domain.RoomID, actorID domain.MemberID) error {
	if _, err := s.requireAdmin(ctx, roomID, actorID); err != nil {
		return err
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Closed() {
		return domain.ErrRoomClosed
	}
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return err
	}
	if len(members) < 2 {
		return domain.ErrNeedTwoMembers
	}
	room.Status = domain.RoomChatting
	if err := s.store.SaveRoom(ctx, room); err != nil {
		return err
	}
	s.publish(ctx, roomID, fanout.EventRoomStarted, map[string]any{"status": domain.RoomChatting, "ts": nowMs()})
	s.notice(ctx, roomID, "Chat session started!", "success")
	log.Info().Str("module", "app").Str("room", string(roomID)).Msg("room started")
	return nil
}

// Close shuts the room for good: status=closed, every connection
// detached, no further joins or messages. The room record stays until
// its TTL runs out so late lookups see "closed" rather than vanishing.
func (s *Service) Close(ctx context.Context, roomID domain.RoomID, actorID domain.MemberID) error {
	if _, err := s.requireAdmin(ctx, roomID, actorID); err != nil {
		return err
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room.Status = domain.RoomClosed
	if err := s.store.SaveRoom(ctx, room); err != nil {
		return err
	}
	s.publish(ctx, roomID, fanout.EventRoomClosed, map[string]any{"reason": "Room closed by admin", "ts": nowMs()})
	s.publish(ctx, roomID, fanout.EventDetachRoom, nil)
	if err := s.store.RemoveActiveRoom(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("active index removal failed")
	}
	log.Info().Str("module", "app").Str("room", string(roomID)).Str("by", string(actorID)).Msg("room closed")
	return nil
}

func displayAll(msgs []domain.Message) []domain.DisplayMessage {
	out := make([]domain.DisplayMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Display()
	}
	return out
}
