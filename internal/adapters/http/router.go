// Package http mounts the REST surface: room creation and lookup,
// invite QR codes, option pools, and the health probes load balancers
// poll.
package http

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/config"
)

// ClientTokenMiddleware gives every browser a stable token cookie. The
// token is not an identity; rejoin uses the member id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Next()
	}
}

// corsConfig honors a comma-separated origin list with wildcard
// subdomain entries like *.web.app.
func corsConfig(origin string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Content-Type"}
	cfg.AllowCredentials = true
	if origin == "*" || origin == "" {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	allowed := strings.Split(origin, ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}
	cfg.AllowOriginFunc = func(requestOrigin string) bool {
		for _, o := range allowed {
			if o == requestOrigin {
				return true
			}
			if strings.HasPrefix(o, "*.") {
				domain := o[2:]
				if strings.HasSuffix(requestOrigin, "."+domain) || strings.HasSuffix(requestOrigin, domain) {
					return true
				}
			}
		}
		return false
	}
	return cfg
}

// rateLimitMiddleware guards the API routes with the same per-process
// limiter the websocket uses.
func rateLimitMiddleware(limiter *ws.SourceRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(429, gin.H{"ok": false, "error": "Too many requests. Please slow down."})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, h *Handlers, wsCtl *ws.Controller, limiter *ws.SourceRateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.CORSOrigin)))
	r.Use(securityHeaders())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSession", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	// Join links deep-link into the SPA shell.
	r.GET("/join/:shortCode", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	api := r.Group("/api")
	api.Use(rateLimitMiddleware(limiter))
	api.GET("/server-info", h.ServerInfo)
	api.GET("/options", h.Options)
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/lookup", h.LookupRoom)
	api.GET("/rooms/:roomId/qr", h.RoomQR)
	api.GET("/ws", wsCtl.HandleWS)

	// The limiter map stays bounded.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Sweep()
		}
	}()

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router wired")
	return r
}
