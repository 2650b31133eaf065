// Package ws is the realtime transport: one websocket per client,
// request/ack frames inbound, fanned-out room events outbound. The
// controller binds each connection's session context in the hub and is
// the fanout sink for this process.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Controller struct {
	baseCtx   context.Context
	svc       *app.Service
	hub       *hub.Hub
	limiter   *SourceRateLimiter
	heartbeat time.Duration
	serverID  string
}

func NewController(baseCtx context.Context, svc *app.Service, h *hub.Hub, limiter *SourceRateLimiter, heartbeat time.Duration, serverID string) *Controller {
	return &Controller{
		baseCtx:   baseCtx,
		svc:       svc,
		hub:       h,
		limiter:   limiter,
		heartbeat: heartbeat,
		serverID:  serverID,
	}
}

// HandleWS upgrades the request and runs the connection's pumps.
func (ctl *Controller) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}

	connID := domain.ConnID(uuid.NewString())
	wc := newWsConn(conn)
	ctx, cancel := context.WithCancel(ctl.baseCtx)
	ctl.hub.Register(connID, wc, cancel)
	log.Info().Str("module", "ws").Str("conn", string(connID)).Str("addr", c.ClientIP()).Msg("connection open")

	go ctl.writePump(ctx, connID, wc)
	go ctl.readPump(ctx, connID, wc, c.ClientIP())
}

// cleanup tears the connection down. The member, if bound, goes to
// pending-disconnect; permanent removal is the sweeper's call.
func (ctl *Controller) cleanup(connID domain.ConnID, wc *wsConn) {
	wc.Close()
	binding, ok := ctl.hub.Unregister(ctl.baseCtx, connID)
	if !ok {
		return
	}
	if binding.RoomID == "" || binding.MemberID == "" {
		return
	}
	// The operation must outlive the connection context. Passing the
	// conn id lets a teardown that lost a race with a rejoin no-op.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctl.svc.MarkPendingDisconnect(ctx, binding.RoomID, binding.MemberID, connID); err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", string(binding.RoomID)).Str("member", string(binding.MemberID)).Msg("pending transition failed on teardown")
	}
}

// detachSession clears the connection's room binding. Used for kicks,
// room close, and cross-instance drift (the member record is gone but
// this connection still believed itself attached).
func (ctl *Controller) detachSession(connID domain.ConnID) {
	ctl.hub.ClearRoom(ctl.baseCtx, connID)
}

// outbound frame written to clients.
type clientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatch implements fanout.Sink: every envelope for a room this
// process subscribes to lands here, including self-published ones.
func (ctl *Controller) Dispatch(env fanout.Envelope) {
	switch env.Event {
	case fanout.EventDetachMember:
		if connID, _, ok := ctl.hub.MemberConn(env.Room, env.Target); ok {
			ctl.detachSession(connID)
		}
		return
	case fanout.EventDetachRoom:
		for _, connID := range ctl.hub.RoomConnIDs(env.Room) {
			ctl.detachSession(connID)
		}
		return
	}

	data, err := json.Marshal(clientFrame{Type: env.Event, Payload: env.Payload})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("event", env.Event).Msg("frame marshal failed")
		return
	}
	if env.Target != "" {
		if _, conn, ok := ctl.hub.MemberConn(env.Room, env.Target); ok {
			if err := conn.TrySend(data); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("room", string(env.Room)).Str("member", string(env.Target)).Msg("targeted send dropped")
			}
		}
		return
	}
	for _, conn := range ctl.hub.RoomConns(env.Room) {
		if err := conn.TrySend(data); err != nil {
			log.Debug().Err(err).Str("module", "ws").Str("room", string(env.Room)).Str("event", env.Event).Msg("broadcast frame dropped")
		}
	}
}

// startHeartbeat runs the per-connection presence ticker. The previous
// ticker for this connection, if any, is cancelled by the hub.
func (ctl *Controller) startHeartbeat(connID domain.ConnID, roomID domain.RoomID, memberID domain.MemberID) {
	hctx, cancel := context.WithCancel(ctl.baseCtx)
	ctl.hub.SetHeartbeatCancel(connID, cancel)
	go func() {
		ticker := time.NewTicker(ctl.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := ctl.svc.Heartbeat(hctx, roomID, memberID); err != nil {
					log.Warn().Err(err).Str("module", "ws").Str("room", string(roomID)).Str("member", string(memberID)).Msg("heartbeat write failed")
				}
			}
		}
	}()
}
