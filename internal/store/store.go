// Package store is the Redis-backed room store. All room-scoped state is
// TTL-bounded; only NextSeq is guaranteed atomic. TTL refresh across a
// room's sibling keys is a best-effort pipeline, not a transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

type Store struct {
	client      *redis.Client
	ttl         time.Duration
	recentLimit int
}

func New(client *redis.Client, ttl time.Duration, recentLimit int) *Store {
	return &Store{client: client, ttl: ttl, recentLimit: recentLimit}
}

// Ping bounds the liveness probe; readiness checks pass ~1.5-2s here.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) Client() *redis.Client { return s.client }

// --- rooms ---

func (s *Store) CreateRoom(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("store: marshal room %s: %w", room.ID, err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, roomKey(room.ID), data, s.ttl)
	pipe.Set(ctx, passphraseKey(room.Passphrase), string(room.ID), s.ttl)
	pipe.Set(ctx, shortCodeKey(room.ShortCode), string(room.ID), s.ttl)
	pipe.Set(ctx, seqKey(room.ID), "0", s.ttl)
	pipe.SAdd(ctx, activeRoomsKey, string(room.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: create room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := s.client.Get(ctx, roomKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, fmt.Errorf("store: get room %s: %w", id, err)
	}
	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		log.Error().Err(err).Str("module", "store").Str("room", string(id)).Msg("corrupt room record")
		return nil, domain.ErrInvalidData
	}
	return &room, nil
}

func (s *Store) SaveRoom(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("store: marshal room %s: %w", room.ID, err)
	}
	if err := s.client.Set(ctx, roomKey(room.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: save room %s: %w", room.ID, err)
	}
	return nil
}

// LookupRoomID resolves a normalized passphrase or a short code to a
// room id.
func (s *Store) LookupRoomID(ctx context.Context, passphrase, shortCode string) (domain.RoomID, error) {
	if passphrase != "" {
		id, err := s.client.Get(ctx, passphraseKey(passphrase)).Result()
		if err == nil {
			return domain.RoomID(id), nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("store: lookup passphrase: %w", err)
		}
	}
	if shortCode != "" {
		id, err := s.client.Get(ctx, shortCodeKey(shortCode)).Result()
		if err == nil {
			return domain.RoomID(id), nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("store: lookup short code: %w", err)
		}
	}
	return "", domain.ErrRoomNotFound
}

// --- members ---

func (s *Store) PutMember(ctx context.Context, roomID domain.RoomID, m *domain.Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal member %s: %w", m.ID, err)
	}
	if err := s.client.HSet(ctx, membersKey(roomID), string(m.ID), data).Err(); err != nil {
		return fmt.Errorf("store: put member %s in %s: %w", m.ID, roomID, err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, roomID domain.RoomID, id domain.MemberID) (*domain.Member, error) {
	data, err := s.client.HGet(ctx, membersKey(roomID), string(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, fmt.Errorf("store: get member %s in %s: %w", id, roomID, err)
	}
	var m domain.Member
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		log.Error().Err(err).Str("module", "store").Str("room", string(roomID)).Str("member", string(id)).Msg("corrupt member record")
		return nil, domain.ErrInvalidData
	}
	return &m, nil
}

func (s *Store) DeleteMember(ctx context.Context, roomID domain.RoomID, id domain.MemberID) error {
	if err := s.client.HDel(ctx, membersKey(roomID), string(id)).Err(); err != nil {
		return fmt.Errorf("store: delete member %s in %s: %w", id, roomID, err)
	}
	return nil
}

// Members returns the authoritative membership, joinedAt ascending.
// Corrupt entries are skipped, not fatal.
func (s *Store) Members(ctx context.Context, roomID domain.RoomID) ([]*domain.Member, error) {
	raw, err := s.client.HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: members of %s: %w", roomID, err)
	}
	out := make([]*domain.Member, 0, len(raw))
	for id, data := range raw {
		var m domain.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("room", string(roomID)).Str("member", id).Msg("skipping corrupt member record")
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- sequencing and messages ---

// NextSeq is the one linearizable operation in the store: a per-room
// Redis INCR. Values are never reused, even across restarts, as long as
// the room keys live.
func (s *Store) NextSeq(ctx context.Context, roomID domain.RoomID) (int64, error) {
	seq, err := s.client.Incr(ctx, seqKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: next seq for %s: %w", roomID, err)
	}
	return seq, nil
}

// RegisterMessageID claims a client idempotency token for the room's
// TTL. Returns false when the token was already claimed.
func (s *Store) RegisterMessageID(ctx context.Context, roomID domain.RoomID, clientMsgID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, msgIDKey(roomID, clientMsgID), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: register msgid in %s: %w", roomID, err)
	}
	return ok, nil
}

func (s *Store) AppendMessage(ctx context.Context, roomID domain.RoomID, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal message %s: %w", msg.ID, err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, recentKey(roomID), data)
	pipe.LTrim(ctx, recentKey(roomID), 0, int64(s.recentLimit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append message in %s: %w", roomID, err)
	}
	return nil
}

// RecentMessages returns the bounded log in seq-ascending order.
func (s *Store) RecentMessages(ctx context.Context, roomID domain.RoomID) ([]domain.Message, error) {
	items, err := s.client.LRange(ctx, recentKey(roomID), 0, int64(s.recentLimit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: recent messages of %s: %w", roomID, err)
	}
	out := make([]domain.Message, 0, len(items))
	// Stored newest-first; walk backwards to return ascending.
	for i := len(items) - 1; i >= 0; i-- {
		var m domain.Message
		if err := json.Unmarshal([]byte(items[i]), &m); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("room", string(roomID)).Msg("skipping corrupt message record")
			continue
		}
		out = append(out, m)
	}
	// Concurrent senders on different processes can land in the list out
	// of seq order; insertion order alone is not enough.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MessagesAfter returns stored entries with seq strictly greater than
// lastSeen, ascending. Used by rejoin catch-up.
func (s *Store) MessagesAfter(ctx context.Context, roomID domain.RoomID, lastSeen int64) ([]domain.Message, error) {
	all, err := s.RecentMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Seq > lastSeen {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- typing ---

func (s *Store) SetTyping(ctx context.Context, roomID domain.RoomID, e domain.TypingEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal typing entry: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, typingKey(roomID), string(e.MemberID), data)
	// First entry creates the key; make sure it expires with the room.
	pipe.Expire(ctx, typingKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: set typing in %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) ClearTyping(ctx context.Context, roomID domain.RoomID, id domain.MemberID) error {
	if err := s.client.HDel(ctx, typingKey(roomID), string(id)).Err(); err != nil {
		return fmt.Errorf("store: clear typing in %s: %w", roomID, err)
	}
	return nil
}

// Typing returns live entries and scrubs anything older than maxAge or
// unparsable.
func (s *Store) Typing(ctx context.Context, roomID domain.RoomID, maxAge time.Duration) ([]domain.TypingEntry, error) {
	raw, err := s.client.HGetAll(ctx, typingKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: typing of %s: %w", roomID, err)
	}
	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()
	live := make([]domain.TypingEntry, 0, len(raw))
	var stale []string
	for id, data := range raw {
		var e domain.TypingEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil || e.TS < cutoff {
			stale = append(stale, id)
			continue
		}
		live = append(live, e)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, typingKey(roomID), stale...).Err(); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("room", string(roomID)).Msg("failed to scrub stale typing entries")
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].MemberID < live[j].MemberID })
	return live, nil
}

// --- presence ---

func (s *Store) TouchPresence(ctx context.Context, roomID domain.RoomID, id domain.MemberID, ts int64) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, presenceKey(roomID), string(id), strconv.FormatInt(ts, 10))
	pipe.Expire(ctx, presenceKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: touch presence in %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) ClearPresence(ctx context.Context, roomID domain.RoomID, id domain.MemberID) error {
	if err := s.client.HDel(ctx, presenceKey(roomID), string(id)).Err(); err != nil {
		return fmt.Errorf("store: clear presence in %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) Presence(ctx context.Context, roomID domain.RoomID) (map[domain.MemberID]int64, error) {
	raw, err := s.client.HGetAll(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: presence of %s: %w", roomID, err)
	}
	out := make(map[domain.MemberID]int64, len(raw))
	for id, v := range raw {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[domain.MemberID(id)] = ts
	}
	return out, nil
}

// --- pending disconnects ---

// MarkPending records the disconnect time. NX keeps the original
// timestamp when called again, which makes the transition idempotent.
func (s *Store) MarkPending(ctx context.Context, roomID domain.RoomID, id domain.MemberID, ts int64) error {
	err := s.client.ZAddNX(ctx, pendingKey(roomID), &redis.Z{
		Score:  float64(ts),
		Member: string(id),
	}).Err()
	if err != nil {
		return fmt.Errorf("store: mark pending in %s: %w", roomID, err)
	}
	if err := s.client.Expire(ctx, pendingKey(roomID), s.ttl).Err(); err != nil {
		return fmt.Errorf("store: expire pending in %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) ClearPending(ctx context.Context, roomID domain.RoomID, id domain.MemberID) error {
	if err := s.client.ZRem(ctx, pendingKey(roomID), string(id)).Err(); err != nil {
		return fmt.Errorf("store: clear pending in %s: %w", roomID, err)
	}
	return nil
}

// PendingBefore lists members whose disconnect timestamp is at or before
// cutoff, oldest first.
func (s *Store) PendingBefore(ctx context.Context, roomID domain.RoomID, cutoff int64) ([]domain.MemberID, error) {
	ids, err := s.client.ZRangeByScore(ctx, pendingKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: pending of %s: %w", roomID, err)
	}
	out := make([]domain.MemberID, len(ids))
	for i, id := range ids {
		out[i] = domain.MemberID(id)
	}
	return out, nil
}

// --- active room index ---

func (s *Store) ActiveRooms(ctx context.Context) ([]domain.RoomID, error) {
	ids, err := s.client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: active rooms: %w", err)
	}
	out := make([]domain.RoomID, len(ids))
	for i, id := range ids {
		out[i] = domain.RoomID(id)
	}
	return out, nil
}

func (s *Store) ActiveRoomCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, activeRoomsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: active room count: %w", err)
	}
	return n, nil
}

func (s *Store) RemoveActiveRoom(ctx context.Context, id domain.RoomID) error {
	if err := s.client.SRem(ctx, activeRoomsKey, string(id)).Err(); err != nil {
		return fmt.Errorf("store: remove active room %s: %w", id, err)
	}
	return nil
}

// ScrubExpiredRoom drops the leftovers of a room whose record already
// expired: sibling keys (if any survived the skewed TTL batch) and the
// index entry.
func (s *Store) ScrubExpiredRoom(ctx context.Context, id domain.RoomID) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, membersKey(id), seqKey(id), recentKey(id), typingKey(id), presenceKey(id), pendingKey(id))
	pipe.SRem(ctx, activeRoomsKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: scrub room %s: %w", id, err)
	}
	return nil
}

// RefreshTTL extends every sibling key of an active room. One pipeline,
// no transaction: a crash mid-batch may skew expiry across keys, which
// is accepted.
func (s *Store) RefreshTTL(ctx context.Context, room *domain.Room) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, roomKey(room.ID), s.ttl)
	pipe.Expire(ctx, passphraseKey(room.Passphrase), s.ttl)
	pipe.Expire(ctx, shortCodeKey(room.ShortCode), s.ttl)
	pipe.Expire(ctx, membersKey(room.ID), s.ttl)
	pipe.Expire(ctx, seqKey(room.ID), s.ttl)
	pipe.Expire(ctx, recentKey(room.ID), s.ttl)
	pipe.Expire(ctx, typingKey(room.ID), s.ttl)
	pipe.Expire(ctx, presenceKey(room.ID), s.ttl)
	pipe.Expire(ctx, pendingKey(room.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: refresh ttl for %s: %w", room.ID, err)
	}
	return nil
}
