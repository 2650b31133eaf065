package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// Reconcile sweeps every active room once: Connected members whose
// presence is older than the staleness threshold are demoted to
// pending-disconnect, and pending members whose grace window elapsed are
// evicted. This sweep is the only mechanism that notices a process or VM
// death, since a crashed peer never sends a teardown.
//
// Isolated per-room failures are logged and skipped; the next tick
// retries.
func (s *Service) Reconcile(ctx context.Context) error {
	rooms, err := s.store.ActiveRooms(ctx)
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		if err := s.reconcileRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Msg("room sweep failed")
		}
	}
	return nil
}

func (s *Service) reconcileRoom(ctx context.Context, roomID domain.RoomID) error {
	_, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if err == domain.ErrRoomNotFound {
			// Record expired; drop whatever siblings survived plus the
			// index entry.
			return s.store.ScrubExpiredRoom(ctx, roomID)
		}
		return err
	}

	now := nowMs()

	// Stale Connected members -> pending-disconnect.
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return err
	}
	presence, err := s.store.Presence(ctx, roomID)
	if err != nil {
		return err
	}
	staleCutoff := now - s.staleThreshold.Milliseconds()
	for _, m := range members {
		if !m.Connected() {
			continue
		}
		last, ok := presence[m.ID]
		if ok && last >= staleCutoff {
			continue
		}
		log.Info().Str("module", "app").Str("room", string(roomID)).Str("member", string(m.ID)).Int64("last_heartbeat", last).Msg("heartbeat stale, marking pending disconnect")
		if err := s.MarkPendingDisconnect(ctx, roomID, m.ID, m.ConnID); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Str("member", string(m.ID)).Msg("pending transition failed")
		}
	}

	// Expired grace windows -> eviction.
	expired, err := s.store.PendingBefore(ctx, roomID, now-s.graceWindow.Milliseconds())
	if err != nil {
		return err
	}
	for _, id := range expired {
		if err := s.Evict(ctx, roomID, id); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("room", string(roomID)).Str("member", string(id)).Msg("eviction failed")
		}
	}
	return nil
}
