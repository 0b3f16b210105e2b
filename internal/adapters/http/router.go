package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/adapters/signal"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/config"
)

const (
	sessionName       = "RelaySessions"
	clientTokenCookie = "ct"
	mediaTypeKey      = "mediaType"
)

// ReadinessProbe reports whether the media engine has been initialized.
type ReadinessProbe interface {
	Ready() bool
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(signal.ContextClientToken, token)
		c.Next()
	}
}

// mediaPreferenceMiddleware exposes the stored media preference to the
// signaling upgrade, which uses it when the client names none.
func mediaPreferenceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if pref, ok := sessions.Default(c).Get(mediaTypeKey).(string); ok {
			c.Set(signal.ContextMediaPreference, pref)
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, probe ReadinessProbe) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode != "release" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 30, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	h := &handlers{orch: o, probe: probe, defaultMediaType: cfg.Roster.DefaultMediaType}
	r.GET("/healthz", h.health)

	api := r.Group("/api")
	api.GET("/sessions", h.listSessions)
	api.GET("/preferences", h.getPreferences)
	api.POST("/preferences", h.setPreferences)

	ctrl := signal.NewSignalWSController(o, cfg)
	api.GET("/ws/signal", mediaPreferenceMiddleware(), func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(signal.ContextClientToken)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
