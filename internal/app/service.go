// Package app implements the room operations: the membership state
// machine, the message pipeline, and the reconciliation sweep. There is
// no authoritative in-process room object; every operation reads and
// mutates the store, and multi-step sequences tolerate benign races
// (last writer wins everywhere except seq assignment).
package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/ident"
	"github.com/dkeye/huddle/internal/store"
)

const typingMaxAge = 5 * time.Second

type Service struct {
	store    *store.Store
	bc       *fanout.Broadcaster
	serverID string
	baseURL  string

	staleThreshold time.Duration
	graceWindow    time.Duration
}

func NewService(st *store.Store, bc *fanout.Broadcaster, serverID, baseURL string, stale, grace time.Duration) *Service {
	return &Service{
		store:          st,
		bc:             bc,
		serverID:       serverID,
		baseURL:        baseURL,
		staleThreshold: stale,
		graceWindow:    grace,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// RoomInfo is the client-facing room snapshot embedded in join acks and
// lookups.
type RoomInfo struct {
	ID         domain.RoomID     `json:"id"`
	Name       string            `json:"name"`
	Avatar     string            `json:"avatar,omitempty"`
	Passphrase string            `json:"passphrase"`
	ShortCode  string            `json:"shortCode"`
	ShortLink  string            `json:"shortLink"`
	Status     domain.RoomStatus `json:"status"`
	AdminID    domain.MemberID   `json:"adminId,omitempty"`
}

func (s *Service) roomInfo(r *domain.Room) RoomInfo {
	return RoomInfo{
		ID:         r.ID,
		Name:       r.Name,
		Avatar:     r.Avatar,
		Passphrase: r.Passphrase,
		ShortCode:  r.ShortCode,
		ShortLink:  s.ShortLink(r.ShortCode),
		Status:     r.Status,
		AdminID:    r.AdminID,
	}
}

func (s *Service) ShortLink(shortCode string) string {
	return s.baseURL + "/join/" + shortCode
}

// CreateRoom allocates ids and the passphrase and persists the room in
// waiting status. Admin is granted when the creator joins.
func (s *Service) CreateRoom(ctx context.Context, name, avatar string) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultRoomName
	}
	if len(name) > domain.MaxRoomNameLen {
		return nil, domain.ErrNameTooLong
	}
	if avatar == "" || len(avatar) > domain.MaxAvatarLen {
		avatar = ident.RandomAvatar()
	}
	room := &domain.Room{
		ID:         ident.NewRoomID(),
		Passphrase: ident.NewPassphrase(ident.PassphraseWords),
		ShortCode:  ident.NewShortCode(),
		Name:       name,
		Avatar:     avatar,
		CreatedAt:  nowMs(),
		Status:     domain.RoomWaiting,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	log.Info().Str("module", "app").Str("room", string(room.ID)).Str("name", room.Name).Msg("room created")
	return room, nil
}

// Lookup resolves a passphrase or short code. Queries containing hyphens
// are tried as a normalized passphrase first, then as a short code.
func (s *Service) Lookup(ctx context.Context, query string) (*domain.Room, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrMissingTarget
	}
	passphrase := ""
	if strings.Contains(query, "-") {
		passphrase = ident.NormalizePassphrase(query)
	}
	id, err := s.store.LookupRoomID(ctx, passphrase, query)
	if err != nil {
		return nil, err
	}
	return s.store.GetRoom(ctx, id)
}

// Room fetches a room by id.
func (s *Service) Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.store.GetRoom(ctx, roomID)
}

// --- broadcast helpers ---

func (s *Service) publish(ctx context.Context, roomID domain.RoomID, event string, payload any) {
	if err := s.bc.Publish(ctx, roomID, event, "", payload); err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomID)).Str("event", event).Msg("publish failed")
	}
}

func (s *Service) publishTo(ctx context.Context, roomID domain.RoomID, target domain.MemberID, event string, payload any) {
	if err := s.bc.Publish(ctx, roomID, event, target, payload); err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomID)).Str("event", event).Msg("publish failed")
	}
}

func (s *Service) notice(ctx context.Context, roomID domain.RoomID, message, kind string) {
	s.publish(ctx, roomID, fanout.EventNotice, fanout.Notice{Message: message, Type: kind, TS: nowMs()})
}

type membersPayload struct {
	Members []*domain.Member `json:"members"`
	Count   int              `json:"count"`
}

func (s *Service) broadcastMembers(ctx context.Context, roomID domain.RoomID) {
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("member list read failed")
		return
	}
	s.publish(ctx, roomID, fanout.EventMembers, membersPayload{Members: members, Count: len(members)})
}

type typingUser struct {
	ID   domain.MemberID `json:"id"`
	Name string          `json:"name"`
}

func (s *Service) broadcastTyping(ctx context.Context, roomID domain.RoomID) {
	entries, err := s.store.Typing(ctx, roomID, typingMaxAge)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("typing read failed")
		return
	}
	users := make([]typingUser, len(entries))
	for i, e := range entries {
		users[i] = typingUser{ID: e.MemberID, Name: e.Name}
	}
	s.publish(ctx, roomID, fanout.EventTypingUpdate, map[string]any{"typingUsers": users})
}

// refreshTTL is best effort; failures only log.
func (s *Service) refreshTTL(ctx context.Context, room *domain.Room) {
	if err := s.store.RefreshTTL(ctx, room); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(room.ID)).Msg("ttl refresh failed")
	}
}

// requireAdmin re-reads the authoritative member record. Never trust a
// role cached on the connection: a kick or promote may have been
// processed by another server process since the session was bound.
func (s *Service) requireAdmin(ctx context.Context, roomID domain.RoomID, actorID domain.MemberID) (*domain.Member, error) {
	actor, err := s.store.GetMember(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, domain.ErrNotAdmin
	}
	return actor, nil
}
