package api

import (
	"net/http"

	"bot-core/internal/gateway"
	"bot-core/pkg/crypto"

	"github.com/gin-gonic/gin"
)

type createConnectionRequest struct {
	Name         string `json:"name" binding:"required,min=1,max=80"`
	ExchangeType string `json:"exchange_type" binding:"required,oneof=bybit paper"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Testnet      bool   `json:"testnet"`
}

// listConnections returns active connections without their sealed secrets.
func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.DB.Queries().GetConnectionsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, gin.H{
			"id":            conn.ID,
			"name":          conn.Name,
			"exchange_type": conn.ExchangeType,
			"testnet":       conn.Testnet,
			"is_active":     conn.IsActive,
			"key_version":   conn.KeyVersion,
			"created_at":    conn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createConnection seals the posted credentials and stores them.
func (s *Server) createConnection(c *gin.Context) {
	if s.Connections == nil {
		respondError(c, http.StatusServiceUnavailable, "CONFIG_ERROR", "credential storage not configured")
		return
	}
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.ExchangeType == gateway.ExchangeBybit && (req.APIKey == "" || req.APISecret == "") {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "api_key and api_secret are required")
		return
	}

	conn, err := s.Connections.AddConnection(c.Request.Context(), CurrentUserID(c), req.ExchangeType, req.Name,
		crypto.Credentials{APIKey: req.APIKey, APISecret: req.APISecret}, req.Testnet)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            conn.ID,
		"name":          conn.Name,
		"exchange_type": conn.ExchangeType,
		"testnet":       conn.Testnet,
		"is_active":     conn.IsActive,
	})
}

// deactivateConnection soft-deletes a connection. Bots already holding its
// gateway keep it until they stop.
func (s *Server) deactivateConnection(c *gin.Context) {
	if err := s.DB.Queries().DeactivateConnection(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
