package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"plinko-rewards-backend/internal/models"
	"plinko-rewards-backend/internal/services"
)

type BatchHandler struct {
	server      *services.ServerService
	anticheat   *services.AntiCheatValidator
	broadcaster services.Broadcaster
}

func NewBatchHandler(server *services.ServerService, anticheat *services.AntiCheatValidator, broadcaster services.Broadcaster) *BatchHandler {
	return &BatchHandler{
		server:      server,
		anticheat:   anticheat,
		broadcaster: broadcaster,
	}
}

// ValidateBatch lets an external client submit a reward batch over HTTP.
// The batch must belong to the authenticated player. Verdicts are pushed to
// the player's websocket as well as returned in the response.
func (h *BatchHandler) ValidateBatch(c *gin.Context) {
	playerID := c.GetString("player_id")

	var batch models.RewardBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid batch payload"})
		return
	}
	if batch.PlayerID != playerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Batch does not belong to this player"})
		return
	}

	resp, err := h.server.ValidateBatch(c.Request.Context(), &batch)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	h.broadcastVerdict(playerID, &batch, resp)

	c.JSON(http.StatusOK, resp)
}

func (h *BatchHandler) broadcastVerdict(playerID string, batch *models.RewardBatch, resp *models.BatchValidationResponse) {
	if h.broadcaster == nil || resp.IsRetryable {
		return
	}

	if !resp.IsValid {
		h.broadcaster.BroadcastBatchFailed(playerID, resp.BatchID, resp.ErrorMessage)
		return
	}

	h.broadcaster.BroadcastBatchValidated(playerID, resp.BatchID, resp.ServerCalculatedReward, resp.NewWalletBalance)
	h.broadcaster.BroadcastWalletUpdate(playerID, resp.NewWalletBalance)

	if len(resp.InvalidEntryIndices) > 0 {
		amount := 0.0
		for _, idx := range resp.InvalidEntryIndices {
			if idx >= 0 && idx < len(batch.Entries) {
				amount += batch.Entries[idx].RewardAmount
			}
		}
		h.broadcaster.BroadcastEntriesRejected(playerID, len(resp.InvalidEntryIndices), amount)
	}
}

func (h *BatchHandler) GetWalletBalance(c *gin.Context) {
	playerID := c.GetString("player_id")

	balance, err := h.server.GetWalletBalance(c.Request.Context(), playerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"player_id": playerID,
		"balance":   balance,
	})
}

// GetAntiCheatReport exposes the session's anti-cheat stats snapshot.
func (h *BatchHandler) GetAntiCheatReport(c *gin.Context) {
	playerID := c.GetString("player_id")
	sessionID := c.GetString("session_id")

	stats, ok := h.anticheat.Report(playerID, sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No stats for this session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"player_id":             playerID,
		"session_id":            sessionID,
		"total_balls_validated": stats.TotalBallsValidated,
		"total_rewards_earned":  stats.TotalRewardsEarned,
		"high_value_hits":       stats.HighValueHits,
		"implausible_outcomes":  stats.ImplausibleOutcomes,
		"suspicious_flags":      stats.SuspiciousFlags,
		"bucket_hits":           stats.BucketHits,
	})
}
