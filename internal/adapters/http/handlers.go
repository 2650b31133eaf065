package http

import (
	"encoding/base64"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/hub"
	"github.com/dkeye/huddle/internal/ident"
	"github.com/dkeye/huddle/internal/store"
)

type Handlers struct {
	svc      *app.Service
	store    *store.Store
	hub      *hub.Hub
	serverID string
	started  time.Time
}

func NewHandlers(svc *app.Service, st *store.Store, h *hub.Hub, serverID string) *Handlers {
	return &Handlers{svc: svc, store: st, hub: h, serverID: serverID, started: time.Now()}
}

// qrDataURL renders the short link as a PNG data URL. Failures are not
// fatal; the client just has no QR to show.
func qrDataURL(link string) string {
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("qr encode failed")
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// Healthz is the fast probe: no dependencies touched.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "serverId": h.serverID, "ts": time.Now().UnixMilli()})
}

// Readyz checks Redis connectivity, bounded at 1.5s.
func (h *Handlers) Readyz(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context(), 1500*time.Millisecond); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "serverId": h.serverID, "error": "Redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "serverId": h.serverID, "ts": time.Now().UnixMilli()})
}

// ServerInfo feeds the status aggregator: health, uptime, memory, redis
// latency, local client count, active room count.
func (h *Handlers) ServerInfo(c *gin.Context) {
	status := "healthy"
	var latency any
	start := time.Now()
	if err := h.store.Ping(c.Request.Context(), 2*time.Second); err != nil {
		status = "degraded"
	} else {
		latency = time.Since(start).Milliseconds()
	}

	rooms, err := h.store.ActiveRoomCount(c.Request.Context())
	if err != nil {
		rooms = 0
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"serverId": h.serverID,
		"status":   status,
		"uptime":   int64(time.Since(h.started).Seconds()),
		"memory":   mem.HeapAlloc / 1024 / 1024,
		"redis":    gin.H{"connected": status == "healthy", "latency": latency},
		"clients":  h.hub.ConnCount(),
		"rooms":    rooms,
	})
}

// Options serves the name/avatar pools for the setup screen.
func (h *Handlers) Options(c *gin.Context) {
	names := ident.NameOptions(4)
	avatars := ident.AvatarOptions(6)
	c.JSON(http.StatusOK, gin.H{
		"names":   names,
		"avatars": avatars,
		// Older clients read these keys.
		"nameOptions":   names,
		"avatarOptions": avatars,
	})
}

// createRoomRequest tolerates both name/avatar and roomName/roomAvatar.
type createRoomRequest struct {
	Name       string `json:"name"`
	RoomName   string `json:"roomName"`
	Avatar     string `json:"avatar"`
	RoomAvatar string `json:"roomAvatar"`
}

func (r createRoomRequest) canonical() (name, avatar string) {
	name = r.Name
	if name == "" {
		name = r.RoomName
	}
	avatar = r.Avatar
	if avatar == "" {
		avatar = r.RoomAvatar
	}
	return name, avatar
}

func (h *Handlers) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	_ = c.ShouldBindJSON(&req) // empty body is fine, defaults apply
	name, avatar := req.canonical()

	room, err := h.svc.CreateRoom(c.Request.Context(), name, avatar)
	if err != nil {
		if err == domain.ErrNameTooLong {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Room name too long (max 100 characters)"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("room creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Failed to create room. Please try again."})
		return
	}

	shortLink := h.svc.ShortLink(room.ShortCode)
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"roomId":     room.ID,
		"passphrase": room.Passphrase,
		"name":       room.Name,
		"avatar":     room.Avatar,
		"shortCode":  room.ShortCode,
		"shortLink":  shortLink,
		"qrCode":     qrDataURL(shortLink),
		"serverId":   h.serverID,
	})
}

func (h *Handlers) LookupRoom(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		query = c.Query("passphrase")
	}
	if query == "" {
		query = c.Query("shortCode")
	}
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Missing query parameter"})
		return
	}
	if len(query) > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Query too long"})
		return
	}

	room, err := h.svc.Lookup(c.Request.Context(), query)
	if err != nil {
		if err == domain.ErrRoomNotFound {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Room not found or expired"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("room lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Lookup failed"})
		return
	}

	shortLink := h.svc.ShortLink(room.ShortCode)
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"roomId":     room.ID,
		"name":       room.Name,
		"avatar":     room.Avatar,
		"passphrase": room.Passphrase,
		"shortCode":  room.ShortCode,
		"shortLink":  shortLink,
		"qrCode":     qrDataURL(shortLink),
		"status":     room.Status,
	})
}

func (h *Handlers) RoomQR(c *gin.Context) {
	room, err := h.svc.Room(c.Request.Context(), domain.RoomID(c.Param("roomId")))
	if err != nil {
		if err == domain.ErrRoomNotFound {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "QR generation failed"})
		return
	}
	shortLink := h.svc.ShortLink(room.ShortCode)
	qr := qrDataURL(shortLink)
	if qr == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "QR generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "qrCode": qr, "shortLink": shortLink})
}
