package api

import (
	"net/http"
	"strconv"

	"bot-core/internal/strategy"

	"github.com/gin-gonic/gin"
)

type createBotRequest struct {
	ConnectionID string          `json:"connection_id"`
	Config       strategy.Config `json:"config"`
}

type stopBotRequest struct {
	ClosePosition bool `json:"close_position"`
}

type updateConfigRequest struct {
	Config strategy.Config `json:"config"`
	Note   string          `json:"note"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.Bots.ListBots(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, bots)
}

// createBot stores a bot from a posted strategy config. A config with
// autoStart is picked up by the next reconciliation pass.
func (s *Server) createBot(c *gin.Context) {
	userID := CurrentUserID(c)
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.ConnectionID != "" {
		conn, err := s.DB.Queries().GetConnectionByID(ctx, userID, req.ConnectionID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_CONNECTION", "invalid connection for current user")
			return
		}
		if !conn.IsActive {
			respondError(c, http.StatusBadRequest, "CONNECTION_INACTIVE", "connection is not active")
			return
		}
	}

	b, err := s.Bots.CreateBot(ctx, userID, req.ConnectionID, req.Config)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             b.ID,
		"name":           b.Name,
		"symbol":         b.Symbol,
		"connection_id":  b.ConnectionID,
		"config_version": b.ConfigVersion,
		"desired_status": b.DesiredStatus,
		"status":         b.Status,
	})
}

func (s *Server) getBot(c *gin.Context) {
	st, err := s.Bots.GetStatus(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) deleteBot(c *gin.Context) {
	if err := s.Bots.DeleteBot(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startBot(c *gin.Context) {
	s.botAction(c, "started", func(userID, botID string) error {
		return s.Bots.StartBot(c.Request.Context(), userID, botID)
	})
}

// stopBot accepts an optional body; {"close_position": true} flattens first.
func (s *Server) stopBot(c *gin.Context) {
	var req stopBotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
			return
		}
	}
	s.botAction(c, "stopped", func(userID, botID string) error {
		return s.Bots.StopBot(c.Request.Context(), userID, botID, req.ClosePosition)
	})
}

func (s *Server) pauseBot(c *gin.Context) {
	s.botAction(c, "paused", func(userID, botID string) error {
		return s.Bots.PauseBot(c.Request.Context(), userID, botID)
	})
}

func (s *Server) resumeBot(c *gin.Context) {
	s.botAction(c, "resumed", func(userID, botID string) error {
		return s.Bots.ResumeBot(c.Request.Context(), userID, botID)
	})
}

func (s *Server) botAction(c *gin.Context, done string, fn func(userID, botID string) error) {
	botID := c.Param("id")
	if err := fn(CurrentUserID(c), botID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": botID, "result": done})
}

func (s *Server) updateBotConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload: "+err.Error())
		return
	}
	botID := c.Param("id")
	version, err := s.Bots.UpdateConfig(c.Request.Context(), CurrentUserID(c), botID, req.Config, req.Note)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": botID, "config_version": version, "applies": "next start"})
}

func (s *Server) listBotVersions(c *gin.Context) {
	versions, err := s.DB.Queries().ListConfigVersions(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(versions))
	for _, v := range versions {
		out = append(out, gin.H{
			"version":    v.Version,
			"note":       v.Note,
			"created_at": v.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listBotTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(100, 1000)
	trades, err := s.DB.Queries().GetTradesByBot(c.Request.Context(), CurrentUserID(c), c.Param("id"), q.Limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, tradeViews(trades))
}

func (s *Server) listBotEvents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize(200, 1000)
	evs, err := s.DB.Queries().GetEventsByBot(c.Request.Context(), CurrentUserID(c), c.Param("id"), q.Limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(evs))
	for _, e := range evs {
		out = append(out, gin.H{
			"id":         e.ID,
			"kind":       e.Kind,
			"message":    e.Message,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		})
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, out)
}
