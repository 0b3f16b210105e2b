package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/domain"
)

type PreferenceRequest struct {
	MediaType string `json:"mediaType" binding:"required"`
}

type PreferenceResponse struct {
	MediaType string `json:"mediaType"`
}

type handlers struct {
	orch             *orch.Orchestrator
	probe            ReadinessProbe
	defaultMediaType string
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"engineReady": h.probe != nil && h.probe.Ready(),
		"sessions":    len(h.orch.Registry.All()),
	})
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.orch.Registry.Snapshot()})
}

func (h *handlers) getPreferences(c *gin.Context) {
	pref, ok := sessions.Default(c).Get(mediaTypeKey).(string)
	if !ok || pref == "" {
		pref = h.defaultMediaType
	}
	c.JSON(http.StatusOK, PreferenceResponse{MediaType: pref})
}

func (h *handlers) setPreferences(c *gin.Context) {
	var req PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid mediaType"})
		return
	}
	sel, err := domain.ParseMediaSelection(req.MediaType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := sessions.Default(c)
	session.Set(mediaTypeKey, sel.String())
	if err := session.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save preference")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store preference"})
		return
	}
	c.JSON(http.StatusOK, PreferenceResponse{MediaType: sel.String()})
}
