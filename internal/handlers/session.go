package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"plinko-rewards-backend/internal/models"
	"plinko-rewards-backend/internal/services"
)

type SessionHandler struct {
	server     *services.ServerService
	jwtService *services.JWTService
}

func NewSessionHandler(server *services.ServerService, jwtService *services.JWTService) *SessionHandler {
	return &SessionHandler{
		server:     server,
		jwtService: jwtService,
	}
}

type startSessionRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player_id is required"})
		return
	}
	if !models.ValidatePlayerID(req.PlayerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid player id"})
		return
	}

	info, err := h.server.StartSession(c.Request.Context(), req.PlayerID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	token, err := h.jwtService.GenerateToken(req.PlayerID, info.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"session": info,
	})
}

type syncSessionRequest struct {
	PlayerID      string  `json:"player_id" binding:"required"`
	SessionID     string  `json:"session_id"`
	WalletBalance float64 `json:"wallet_balance"`
}

func (h *SessionHandler) SyncSession(c *gin.Context) {
	var req syncSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player_id is required"})
		return
	}
	if !models.ValidatePlayerID(req.PlayerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid player id"})
		return
	}

	info, err := h.server.SyncSession(c.Request.Context(), req.PlayerID, req.SessionID, req.WalletBalance)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	token, err := h.jwtService.GenerateToken(req.PlayerID, info.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"session": info,
	})
}
